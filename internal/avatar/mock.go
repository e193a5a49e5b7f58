package avatar

import (
	"context"
	"sync"
)

// MockSession is an in-process StreamSession for tests and for running the
// kiosk without vendor credentials. Fire delivers events to observers the
// same way the websocket read loop would.
type MockSession struct {
	mu         sync.Mutex
	subs       map[EventKind]map[int]func(Event)
	nextID     int
	speaks     []SpeakRequest
	voiceChats []VoiceChatOptions
	closed     bool

	SpeakErr     error
	VoiceChatErr error
}

type SpeakRequest struct {
	Text string
	Task SpeakTask
}

func NewMockSession() *MockSession {
	return &MockSession{subs: make(map[EventKind]map[int]func(Event))}
}

func (m *MockSession) On(kind EventKind, fn func(Event)) Unsubscribe {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[kind] == nil {
		m.subs[kind] = make(map[int]func(Event))
	}
	id := m.nextID
	m.nextID++
	m.subs[kind][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[kind], id)
		})
	}
}

func (m *MockSession) StartVoiceChat(_ context.Context, opts VoiceChatOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.VoiceChatErr != nil {
		return m.VoiceChatErr
	}
	m.voiceChats = append(m.voiceChats, opts)
	return nil
}

func (m *MockSession) Speak(_ context.Context, text string, task SpeakTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SpeakErr != nil {
		return m.SpeakErr
	}
	m.speaks = append(m.speaks, SpeakRequest{Text: text, Task: task})
	return nil
}

func (m *MockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Fire dispatches an event to current observers synchronously.
func (m *MockSession) Fire(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.subs[ev.Kind]))
	for _, fn := range m.subs[ev.Kind] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *MockSession) Speaks() []SpeakRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SpeakRequest, len(m.speaks))
	copy(out, m.speaks)
	return out
}

func (m *MockSession) VoiceChats() []VoiceChatOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VoiceChatOptions, len(m.voiceChats))
	copy(out, m.voiceChats)
	return out
}

func (m *MockSession) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockSession) ObserverCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byID := range m.subs {
		n += len(byID)
	}
	return n
}

// MockDialer hands out prepared sessions in order, or a fresh MockSession
// per call when none were prepared.
type MockDialer struct {
	mu       sync.Mutex
	Sessions []*MockSession
	Err      error
	opened   int
	tokens   []string
}

func (d *MockDialer) OpenSession(_ context.Context, token string, _ SessionConfig) (StreamSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.tokens = append(d.tokens, token)
	if d.opened < len(d.Sessions) {
		s := d.Sessions[d.opened]
		d.opened++
		return s, nil
	}
	d.opened++
	return NewMockSession(), nil
}

func (d *MockDialer) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// MockTokenIssuer returns a fixed token.
type MockTokenIssuer struct {
	Token string
	Err   error
}

func (m *MockTokenIssuer) CreateToken(context.Context) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Token, nil
}
