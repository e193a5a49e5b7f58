package dialogue

import (
	"context"
	"sync"
)

// MockResponder is a canned-reply responder for local runs without a
// Voiceflow key and for tests.
type MockResponder struct {
	mu      sync.Mutex
	Reply   string
	Err     error
	calls   []string
	convIDs []string
}

func NewMockResponder(reply string) *MockResponder {
	return &MockResponder{Reply: reply}
}

func (m *MockResponder) Respond(_ context.Context, conversationID, utterance string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, utterance)
	m.convIDs = append(m.convIDs, conversationID)
	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply == "" {
		return FallbackReply, nil
	}
	return m.Reply, nil
}

func (m *MockResponder) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockResponder) ConversationIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.convIDs))
	copy(out, m.convIDs)
	return out
}
