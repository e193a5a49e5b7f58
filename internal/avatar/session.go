package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// OpenSession dials the streaming websocket with a session token and sends
// the start request for the given profile. The returned session owns the
// connection; the read loop dispatches vendor events to registered observers.
func (c *Client) OpenSession(ctx context.Context, token string, cfg SessionConfig) (StreamSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("session token is required")
	}

	u, err := url.Parse(strings.TrimRight(c.cfg.WSBaseURL, "/") + "/v1/ws/streaming.chat")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("session_token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial streaming websocket: %w", err)
	}

	s := &wsSession{
		conn: conn,
		subs: make(map[EventKind]map[int]func(Event)),
	}
	if err := s.writeJSON(map[string]any{
		"type":      "session.start",
		"avatar_id": cfg.AvatarID,
		"quality":   cfg.Quality,
		"language":  cfg.Language,
		"voice": map[string]any{
			"rate":    cfg.VoiceRate,
			"emotion": cfg.VoiceEmotion,
		},
		"stt_provider": cfg.STTProvider,
		"transport":    cfg.Transport,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start streaming session: %w", err)
	}

	go s.readLoop()
	return s, nil
}

type wsSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once

	subMu  sync.RWMutex
	subs   map[EventKind]map[int]func(Event)
	nextID int
}

func (s *wsSession) On(kind EventKind, fn func(Event)) Unsubscribe {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subs[kind] == nil {
		s.subs[kind] = make(map[int]func(Event))
	}
	id := s.nextID
	s.nextID++
	s.subs[kind][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs[kind], id)
		})
	}
}

func (s *wsSession) StartVoiceChat(_ context.Context, opts VoiceChatOptions) error {
	return s.writeJSON(map[string]any{
		"type":               "voice_chat.start",
		"use_silence_prompt": opts.UseSilencePrompt,
	})
}

func (s *wsSession) Speak(_ context.Context, text string, task SpeakTask) error {
	if task == "" {
		task = TaskRepeat
	}
	return s.writeJSON(map[string]any{
		"type":      "task.speak",
		"text":      text,
		"task_type": string(task),
	})
}

func (s *wsSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		// Best effort: tell the vendor to tear down before dropping the socket.
		_ = s.writeJSON(map[string]any{"type": "session.stop"})
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *wsSession) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *wsSession) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		kind := EventKind(asString(raw["type"]))
		switch kind {
		case EventUserEndMessage:
			s.dispatch(Event{Kind: kind, Message: asString(raw["message"])})
		case EventAvatarStartTalking, EventAvatarStopTalking:
			s.dispatch(Event{Kind: kind})
		case EventStreamReady:
			s.dispatch(Event{Kind: kind, StreamURL: asString(raw["url"])})
		default:
			// Unknown control events are ignored.
		}
	}
}

func (s *wsSession) dispatch(ev Event) {
	s.subMu.RLock()
	fns := make([]func(Event), 0, len(s.subs[ev.Kind]))
	for _, fn := range s.subs[ev.Kind] {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
