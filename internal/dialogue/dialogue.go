package dialogue

import (
	"context"
	"strings"
)

// FallbackReply is returned when the backend produced no text trace, so the
// avatar always has something to say.
const FallbackReply = "I'm processing your request, but I don't have a voice reply available."

// Trace is one typed event emitted by the dialogue backend per interaction.
// Only text traces are consumed here; visual/card payloads are voice-irrelevant.
type Trace struct {
	Type    string       `json:"type"`
	Payload TracePayload `json:"payload"`
}

type TracePayload struct {
	Message string `json:"message"`
}

// Responder turns one user utterance into reply text under a conversation identity.
type Responder interface {
	Respond(ctx context.Context, conversationID, utterance string) (string, error)
}

// ReplyFromTraces joins the message payloads of text traces in arrival order.
// Returns "" when no text trace is present.
func ReplyFromTraces(traces []Trace) string {
	var parts []string
	for _, tr := range traces {
		if tr.Type != "text" {
			continue
		}
		parts = append(parts, tr.Payload.Message)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
