// Package kiosk drives one avatar streaming session: lifecycle, event
// wiring, and the utterance-to-reply turn pipeline.
package kiosk

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/villaggiolabs/totem/internal/avatar"
	"github.com/villaggiolabs/totem/internal/dialogue"
	"github.com/villaggiolabs/totem/internal/observability"
	"github.com/villaggiolabs/totem/internal/transcript"
)

type State string

const (
	StateInactive   State = "inactive"
	StateConnecting State = "connecting"
	StateActive     State = "active"
)

// ErrSessionActive is returned by Start while a session is connecting or active.
var ErrSessionActive = errors.New("kiosk session already started")

// Surface is the externally owned display target for the media stream. The
// controller writes into it but does not own it.
type Surface interface {
	Attach(streamURL string)
	Release()
}

type Options struct {
	Tokens      avatar.TokenIssuer
	Dialer      avatar.Dialer
	Responder   dialogue.Responder
	Transcripts transcript.Store
	Metrics     *observability.Metrics
	Profile     avatar.SessionConfig

	TokenTimeout time.Duration
	OpenTimeout  time.Duration
	RelayTimeout time.Duration
	IdleTimeout  time.Duration
}

// Controller is the session state machine. Exactly one session may be live
// per controller; all transitions are guarded by the state field.
type Controller struct {
	opts Options

	mu             sync.Mutex
	state          State
	startGen       uint64
	sess           avatar.StreamSession
	subs           []avatar.Unsubscribe
	conversationID string
	turnCancel     context.CancelFunc
	surface        Surface
	streamURL      string
	attached       bool
	ready          bool
	talking        bool
	diag           string
	lastActivity   time.Time

	// Single-slot turn guard: a committed utterance arriving while a turn is
	// in flight is dropped with a busy diagnostic instead of queued.
	turnBusy atomic.Bool
}

func New(opts Options) *Controller {
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 10 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 20 * time.Second
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = 8 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	return &Controller{opts: opts, state: StateInactive}
}

// Status is a point-in-time snapshot for display.
type Status struct {
	State          State  `json:"state"`
	Talking        bool   `json:"talking"`
	StreamReady    bool   `json:"stream_ready"`
	Diagnostic     string `json:"diagnostic,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:          c.state,
		Talking:        c.talking,
		StreamReady:    c.ready,
		Diagnostic:     c.diag,
		ConversationID: c.conversationID,
	}
}

// Start brings the kiosk from inactive to active: token, stream session,
// observers, then voice capture. Observers are registered before voice
// capture starts so no early utterance is missed. State becomes active only
// after every step succeeded.
//
// Each attempt carries a generation number. Stop during connecting bumps it,
// so an orphaned attempt sees the mismatch and tears down whatever it opened
// instead of touching state that now belongs to a later attempt.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInactive {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.startGen++
	gen := c.startGen
	c.state = StateConnecting
	c.diag = "requesting session token"
	c.mu.Unlock()

	tokenCtx, cancelToken := context.WithTimeout(ctx, c.opts.TokenTimeout)
	token, err := c.opts.Tokens.CreateToken(tokenCtx)
	cancelToken()
	if err != nil || strings.TrimSpace(token) == "" {
		if err == nil {
			err = errors.New("empty session token received")
		}
		return c.failStart(gen, "could not obtain a session token", err)
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, c.opts.OpenTimeout)
	defer cancelOpen()
	sess, err := c.opts.Dialer.OpenSession(openCtx, token, c.opts.Profile)
	if err != nil {
		return c.failStart(gen, "could not open the avatar session", err)
	}

	turnCtx, turnCancel := context.WithCancel(context.Background())
	conversationID := uuid.NewString()

	subs := []avatar.Unsubscribe{
		sess.On(avatar.EventUserEndMessage, func(ev avatar.Event) {
			go c.runTurn(turnCtx, sess, conversationID, ev.Message)
		}),
		sess.On(avatar.EventAvatarStartTalking, func(avatar.Event) {
			c.setTalking(true)
		}),
		sess.On(avatar.EventAvatarStopTalking, func(avatar.Event) {
			c.setTalking(false)
		}),
		sess.On(avatar.EventStreamReady, func(ev avatar.Event) {
			c.onStreamReady(ev.StreamURL)
		}),
	}

	teardown := func() {
		for _, off := range subs {
			off()
		}
		turnCancel()
		_ = sess.Close()
	}

	if err := sess.StartVoiceChat(openCtx, avatar.VoiceChatOptions{UseSilencePrompt: false}); err != nil {
		teardown()
		return c.failStart(gen, "could not start voice capture", err)
	}

	c.mu.Lock()
	if c.startGen != gen || c.state != StateConnecting {
		// Stop ran while we were connecting (possibly followed by a newer
		// Start); the session we just opened is ours to clean up.
		c.mu.Unlock()
		teardown()
		return errors.New("session stopped during start")
	}
	c.sess = sess
	c.subs = subs
	c.conversationID = conversationID
	c.turnCancel = turnCancel
	c.state = StateActive
	c.diag = ""
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.opts.Metrics.SessionEvents.WithLabelValues("started").Inc()
	c.opts.Metrics.ActiveSessions.Set(1)
	log.Printf("kiosk session started, conversation=%s", conversationID)
	return nil
}

func (c *Controller) failStart(gen uint64, diag string, err error) error {
	c.mu.Lock()
	if c.startGen == gen && c.state == StateConnecting {
		c.state = StateInactive
		c.diag = diag
	}
	c.mu.Unlock()
	c.opts.Metrics.SessionEvents.WithLabelValues("start_failed").Inc()
	log.Printf("kiosk start failed: %v", err)
	return err
}

// Stop terminates the session. Idempotent: stopping a never-started or
// already-stopped kiosk is a no-op. In-flight turns are cancelled and never
// surface errors afterwards.
func (c *Controller) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateInactive:
		c.mu.Unlock()
		return
	case StateConnecting:
		// The in-flight Start observes the generation bump and tears down
		// the vendor session itself.
		c.startGen++
		c.state = StateInactive
		c.diag = ""
		c.mu.Unlock()
		return
	}

	sess := c.sess
	subs := c.subs
	cancel := c.turnCancel
	surface := c.surface
	c.sess = nil
	c.subs = nil
	c.turnCancel = nil
	c.conversationID = ""
	c.state = StateInactive
	c.talking = false
	c.ready = false
	c.streamURL = ""
	c.attached = false
	c.diag = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, off := range subs {
		off()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if surface != nil {
		surface.Release()
	}

	c.opts.Metrics.SessionEvents.WithLabelValues("stopped").Inc()
	c.opts.Metrics.ActiveSessions.Set(0)
	log.Printf("kiosk session stopped")
}

// SetSurface registers the display surface. Attach is order-independent:
// whichever of surface and stream handle arrives second performs it.
func (c *Controller) SetSurface(s Surface) {
	c.mu.Lock()
	c.surface = s
	url := c.streamURL
	doAttach := s != nil && url != "" && !c.attached
	if doAttach {
		c.attached = true
	}
	c.mu.Unlock()

	if doAttach {
		s.Attach(url)
	}
}

func (c *Controller) onStreamReady(url string) {
	c.mu.Lock()
	c.streamURL = url
	c.ready = true
	surface := c.surface
	doAttach := surface != nil && url != "" && !c.attached
	if doAttach {
		c.attached = true
	}
	c.mu.Unlock()

	if doAttach {
		surface.Attach(url)
	}
}

// setTalking ignores callbacks that were already in flight when Stop ran;
// an inactive controller never reports talking.
func (c *Controller) setTalking(talking bool) {
	c.mu.Lock()
	if c.state == StateActive {
		c.talking = talking
		c.lastActivity = time.Now()
	}
	c.mu.Unlock()
}

func (c *Controller) setDiagnostic(msg string) {
	c.mu.Lock()
	c.diag = msg
	c.mu.Unlock()
}

// runTurn is the utterance-to-reply pipeline, one goroutine per committed
// utterance. A failed turn downgrades to a diagnostic; the session stays
// active. After Stop, ctx is cancelled and the turn goes quiet.
func (c *Controller) runTurn(ctx context.Context, sess avatar.StreamSession, conversationID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if !c.turnBusy.CompareAndSwap(false, true) {
		c.setDiagnostic("still answering the previous question")
		c.opts.Metrics.TurnOutcomes.WithLabelValues("busy_dropped").Inc()
		return
	}
	defer c.turnBusy.Store(false)

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.diag = ""
	c.mu.Unlock()

	c.saveTurnBestEffort(conversationID, transcript.RoleVisitor, text)

	relayCtx, cancel := context.WithTimeout(ctx, c.opts.RelayTimeout)
	defer cancel()

	started := time.Now()
	reply, err := c.opts.Responder.Respond(relayCtx, conversationID, text)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.setDiagnostic("the assistant could not answer that")
		c.opts.Metrics.TurnOutcomes.WithLabelValues("relay_error").Inc()
		log.Printf("turn relay failed: %v", err)
		return
	}
	c.opts.Metrics.ObserveReplyLatency(time.Since(started))

	if strings.TrimSpace(reply) == "" {
		c.opts.Metrics.TurnOutcomes.WithLabelValues("empty_reply").Inc()
		return
	}

	if err := sess.Speak(ctx, reply, avatar.TaskRepeat); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.setDiagnostic("the avatar could not speak the reply")
		c.opts.Metrics.TurnOutcomes.WithLabelValues("speak_error").Inc()
		log.Printf("turn speak failed: %v", err)
		return
	}

	c.saveTurnBestEffort(conversationID, transcript.RoleAvatar, reply)
	c.opts.Metrics.TurnOutcomes.WithLabelValues("ok").Inc()
}

func (c *Controller) saveTurnBestEffort(conversationID, role, content string) {
	if c.opts.Transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.opts.Transcripts.SaveTurn(ctx, transcript.Turn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}); err != nil {
		log.Printf("transcript save failed: %v", err)
	}
}

// StartIdleWatcher stops an active session that has seen no turn or talking
// activity for the idle timeout, so an abandoned kiosk does not keep a paid
// vendor stream open.
func (c *Controller) StartIdleWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				idle := c.state == StateActive && time.Since(c.lastActivity) >= c.opts.IdleTimeout
				c.mu.Unlock()
				if idle {
					log.Printf("kiosk session idle for %s, stopping", c.opts.IdleTimeout)
					c.opts.Metrics.SessionEvents.WithLabelValues("idle_expired").Inc()
					c.Stop()
				}
			}
		}
	}()
}
