// Package avatar is the boundary to the streaming-avatar vendor: short-lived
// session tokens plus a live stream session that renders the avatar, runs
// speech-to-text on the visitor, and speaks on command.
package avatar

import "context"

type EventKind string

const (
	// EventUserEndMessage fires when the vendor's STT commits a finished
	// user utterance. Message carries the recognized text.
	EventUserEndMessage     EventKind = "user_end_message"
	EventAvatarStartTalking EventKind = "avatar_start_talking"
	EventAvatarStopTalking  EventKind = "avatar_stop_talking"
	// EventStreamReady fires once the media stream is renderable. StreamURL
	// carries the handle a display surface attaches to.
	EventStreamReady EventKind = "stream_ready"
)

type Event struct {
	Kind      EventKind
	Message   string
	StreamURL string
}

// Unsubscribe removes a previously registered observer. Safe to call more
// than once.
type Unsubscribe func()

// SpeakTask selects how the avatar treats the text it is given.
type SpeakTask string

const (
	// TaskRepeat speaks the text verbatim; nothing is re-synthesized.
	TaskRepeat SpeakTask = "repeat"
	// TaskTalk lets the vendor's own knowledge base compose the reply.
	// The kiosk never uses it; the dialogue backend owns the conversation.
	TaskTalk SpeakTask = "talk"
)

type VoiceChatOptions struct {
	UseSilencePrompt bool
}

// SessionConfig is the static deployment profile for one avatar session.
type SessionConfig struct {
	AvatarID     string
	Quality      string
	Language     string
	VoiceRate    float64
	VoiceEmotion string
	STTProvider  string
	Transport    string
}

// StreamSession is one live avatar connection. Observers registered via On
// are dispatched from a single read loop, so registration must happen before
// StartVoiceChat or early utterances can be missed.
type StreamSession interface {
	On(kind EventKind, fn func(Event)) Unsubscribe
	StartVoiceChat(ctx context.Context, opts VoiceChatOptions) error
	Speak(ctx context.Context, text string, task SpeakTask) error
	Close() error
}

// TokenIssuer obtains a short-lived session credential from the vendor.
type TokenIssuer interface {
	CreateToken(ctx context.Context) (string, error)
}

// Dialer opens a stream session with a previously issued credential.
type Dialer interface {
	OpenSession(ctx context.Context, token string, cfg SessionConfig) (StreamSession, error)
}
