package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/villaggiolabs/totem/internal/avatar"
	"github.com/villaggiolabs/totem/internal/dialogue"
	"github.com/villaggiolabs/totem/internal/observability"
	"github.com/villaggiolabs/totem/internal/transcript"
)

var metricsSeq atomic.Int64

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_kiosk_%d", metricsSeq.Add(1)))
}

func newTestController(dialer avatar.Dialer, responder dialogue.Responder) (*Controller, *transcript.InMemoryStore) {
	store := transcript.NewInMemoryStore()
	c := New(Options{
		Tokens:      &avatar.MockTokenIssuer{Token: "tok-1"},
		Dialer:      dialer,
		Responder:   responder,
		Transcripts: store,
		Metrics:     testMetrics(),
		Profile:     avatar.SessionConfig{AvatarID: "av-1", Language: "it"},
	})
	return c, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blockingResponder parks every call until release is closed, honoring
// context cancellation like a real HTTP client would.
type blockingResponder struct {
	reply   string
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingResponder(reply string) *blockingResponder {
	return &blockingResponder{
		reply:   reply,
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (b *blockingResponder) Respond(ctx context.Context, _, _ string) (string, error) {
	b.calls.Add(1)
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return b.reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestStartActivatesAndGuardsDoubleStart(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	c, _ := newTestController(dialer, dialogue.NewMockResponder("ok"))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := c.Status().State; got != StateActive {
		t.Fatalf("state = %q, want %q", got, StateActive)
	}
	if n := sess.ObserverCount(); n != 4 {
		t.Fatalf("observer count = %d, want 4", n)
	}
	chats := sess.VoiceChats()
	if len(chats) != 1 {
		t.Fatalf("voice chat starts = %d, want 1", len(chats))
	}
	if chats[0].UseSilencePrompt {
		t.Fatalf("UseSilencePrompt = true, want false")
	}

	if err := c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start() error = %v, want ErrSessionActive", err)
	}
	if dialer.Opened() != 1 {
		t.Fatalf("sessions opened = %d, want 1", dialer.Opened())
	}
}

func TestStartFailsWithoutToken(t *testing.T) {
	dialer := &avatar.MockDialer{}
	store := transcript.NewInMemoryStore()
	c := New(Options{
		Tokens:      &avatar.MockTokenIssuer{Token: ""},
		Dialer:      dialer,
		Responder:   dialogue.NewMockResponder("ok"),
		Transcripts: store,
		Metrics:     testMetrics(),
	})

	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("Start() should fail on empty token")
	}
	st := c.Status()
	if st.State != StateInactive {
		t.Fatalf("state = %q, want inactive", st.State)
	}
	if st.Diagnostic == "" {
		t.Fatalf("expected a diagnostic after failed start")
	}
	if dialer.Opened() != 0 {
		t.Fatalf("no session should have been opened, got %d", dialer.Opened())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	c, _ := newTestController(dialer, dialogue.NewMockResponder("ok"))

	// Stop before any start is a no-op.
	c.Stop()
	if got := c.Status().State; got != StateInactive {
		t.Fatalf("state = %q, want inactive", got)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Stop()
	c.Stop()

	st := c.Status()
	if st.State != StateInactive || st.Talking || st.StreamReady {
		t.Fatalf("post-stop status = %+v", st)
	}
	if !sess.Closed() {
		t.Fatalf("vendor session should be closed after Stop")
	}
	if n := sess.ObserverCount(); n != 0 {
		t.Fatalf("observer count after stop = %d, want 0", n)
	}
}

func TestEmptyUtteranceIsNoop(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	responder := dialogue.NewMockResponder("ok")
	c, _ := newTestController(dialer, responder)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Fire(avatar.Event{Kind: avatar.EventUserEndMessage, Message: "   "})
	sess.Fire(avatar.Event{Kind: avatar.EventUserEndMessage, Message: ""})

	time.Sleep(50 * time.Millisecond)
	if calls := responder.Calls(); len(calls) != 0 {
		t.Fatalf("relay calls = %d, want 0", len(calls))
	}
	if speaks := sess.Speaks(); len(speaks) != 0 {
		t.Fatalf("speaks = %d, want 0", len(speaks))
	}
}

func TestUtteranceToRepeatTask(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	responder := dialogue.NewMockResponder("We open at nine")
	c, store := newTestController(dialer, responder)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Fire(avatar.Event{Kind: avatar.EventUserEndMessage, Message: "What time do you open?"})

	waitFor(t, "speak command", func() bool { return len(sess.Speaks()) == 1 })
	speak := sess.Speaks()[0]
	if speak.Text != "We open at nine" {
		t.Fatalf("speak text = %q", speak.Text)
	}
	if speak.Task != avatar.TaskRepeat {
		t.Fatalf("speak task = %q, want repeat", speak.Task)
	}

	convID := c.Status().ConversationID
	if convID == "" {
		t.Fatalf("conversation id should be set while active")
	}
	ids := responder.ConversationIDs()
	if len(ids) != 1 || ids[0] != convID {
		t.Fatalf("relay conversation ids = %v, want [%s]", ids, convID)
	}

	waitFor(t, "transcript turns", func() bool {
		turns, _ := store.Recent(context.Background(), convID, 10)
		return len(turns) == 2
	})
	turns, _ := store.Recent(context.Background(), convID, 10)
	if turns[0].Role != transcript.RoleVisitor || turns[1].Role != transcript.RoleAvatar {
		t.Fatalf("transcript roles = %q/%q", turns[0].Role, turns[1].Role)
	}
}

func TestOverlappingTurnIsDropped(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	responder := newBlockingResponder("first answer")
	c, _ := newTestController(dialer, responder)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	sess.Fire(avatar.Event{Kind: avatar.EventUserEndMessage, Message: "first"})
	<-responder.started

	sess.Fire(avatar.Event{Kind: avatar.EventUserEndMessage, Message: "second"})
	waitFor(t, "busy diagnostic", func() bool { return c.Status().Diagnostic != "" })
	if got := responder.calls.Load(); got != 1 {
		t.Fatalf("relay calls = %d, want 1 (second turn dropped)", got)
	}

	close(responder.release)
	waitFor(t, "first reply spoken", func() bool { return len(sess.Speaks()) == 1 })
	if sess.Speaks()[0].Text != "first answer" {
		t.Fatalf("speak text = %q", sess.Speaks()[0].Text)
	}
}

func TestStopSilencesInFlightTurn(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	responder := newBlockingResponder("late answer")
	c, _ := newTestController(dialer, responder)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Fire(avatar.Event{Kind: avatar.EventUserEndMessage, Message: "question"})
	<-responder.started

	c.Stop()

	time.Sleep(50 * time.Millisecond)
	if speaks := sess.Speaks(); len(speaks) != 0 {
		t.Fatalf("speaks after stop = %d, want 0", len(speaks))
	}
	if diag := c.Status().Diagnostic; diag != "" {
		t.Fatalf("diagnostic after stop = %q, want empty", diag)
	}
}

func TestTalkingIndicatorFollowsEvents(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	c, _ := newTestController(dialer, dialogue.NewMockResponder("ok"))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Fire(avatar.Event{Kind: avatar.EventAvatarStartTalking})
	if !c.Status().Talking {
		t.Fatalf("Talking = false after start-talking event")
	}
	sess.Fire(avatar.Event{Kind: avatar.EventAvatarStopTalking})
	if c.Status().Talking {
		t.Fatalf("Talking = true after stop-talking event")
	}
}

type fakeSurface struct {
	mu       sync.Mutex
	attached []string
	released int
}

func (f *fakeSurface) Attach(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, url)
}

func (f *fakeSurface) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeSurface) attachments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.attached))
	copy(out, f.attached)
	return out
}

func TestSurfaceAttachIsOrderIndependent(t *testing.T) {
	// Surface registered first, stream ready second.
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	c, _ := newTestController(dialer, dialogue.NewMockResponder("ok"))
	surface := &fakeSurface{}
	c.SetSurface(surface)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Fire(avatar.Event{Kind: avatar.EventStreamReady, StreamURL: "stream://a"})
	if got := surface.attachments(); len(got) != 1 || got[0] != "stream://a" {
		t.Fatalf("attachments = %v", got)
	}
	if !c.Status().StreamReady {
		t.Fatalf("StreamReady = false after stream ready event")
	}

	// Stream ready first, surface second.
	sess2 := avatar.NewMockSession()
	dialer2 := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess2}}
	c2, _ := newTestController(dialer2, dialogue.NewMockResponder("ok"))
	if err := c2.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess2.Fire(avatar.Event{Kind: avatar.EventStreamReady, StreamURL: "stream://b"})
	surface2 := &fakeSurface{}
	c2.SetSurface(surface2)
	if got := surface2.attachments(); len(got) != 1 || got[0] != "stream://b" {
		t.Fatalf("attachments = %v", got)
	}
}

func TestFreshConversationIdentityPerStart(t *testing.T) {
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{
		avatar.NewMockSession(),
		avatar.NewMockSession(),
	}}
	c, _ := newTestController(dialer, dialogue.NewMockResponder("ok"))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := c.Status().ConversationID
	c.Stop()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	second := c.Status().ConversationID
	if first == "" || second == "" || first == second {
		t.Fatalf("conversation ids = %q / %q, want distinct non-empty", first, second)
	}
}

// gatedTokenIssuer parks the first CreateToken call until release is closed;
// later calls return immediately. Lets a test hold one Start in the token
// fetch while the controller moves on.
type gatedTokenIssuer struct {
	mu       sync.Mutex
	calls    int
	release  chan struct{}
	firstErr error
}

func newGatedTokenIssuer(firstErr error) *gatedTokenIssuer {
	return &gatedTokenIssuer{release: make(chan struct{}), firstErr: firstErr}
}

func (g *gatedTokenIssuer) CreateToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if !first {
		return "tok-next", nil
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if g.firstErr != nil {
		return "", g.firstErr
	}
	return "tok-first", nil
}

func TestStopDuringConnectingTearsDownLateSession(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	issuer := newGatedTokenIssuer(nil)
	c := New(Options{
		Tokens:      issuer,
		Dialer:      dialer,
		Responder:   dialogue.NewMockResponder("ok"),
		Transcripts: transcript.NewInMemoryStore(),
		Metrics:     testMetrics(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	waitFor(t, "connecting state", func() bool { return c.Status().State == StateConnecting })

	c.Stop()
	close(issuer.release)

	if err := <-errCh; err == nil || errors.Is(err, ErrSessionActive) {
		t.Fatalf("orphaned Start() error = %v, want stop-during-start failure", err)
	}
	if !sess.Closed() {
		t.Fatalf("session opened by the orphaned Start should be closed")
	}
	if n := sess.ObserverCount(); n != 0 {
		t.Fatalf("observer count = %d, want 0", n)
	}
	if got := c.Status().State; got != StateInactive {
		t.Fatalf("state = %q, want inactive", got)
	}
}

func TestStaleStartFailureDoesNotStompRestart(t *testing.T) {
	sess2 := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess2}}
	issuer := newGatedTokenIssuer(errors.New("token upstream down"))
	c := New(Options{
		Tokens:      issuer,
		Dialer:      dialer,
		Responder:   dialogue.NewMockResponder("ok"),
		Transcripts: transcript.NewInMemoryStore(),
		Metrics:     testMetrics(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	waitFor(t, "connecting state", func() bool { return c.Status().State == StateConnecting })

	c.Stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	restartID := c.Status().ConversationID

	close(issuer.release)
	if err := <-errCh; err == nil {
		t.Fatalf("orphaned Start() should surface the token failure")
	}

	st := c.Status()
	if st.State != StateActive || st.ConversationID != restartID {
		t.Fatalf("status after stale failure = %+v, want restarted session untouched", st)
	}
	if sess2.Closed() {
		t.Fatalf("restarted session should stay open")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("third Start() error = %v, want ErrSessionActive", err)
	}
	if dialer.Opened() != 1 {
		t.Fatalf("sessions opened = %d, want 1", dialer.Opened())
	}

	c.Stop()
	if !sess2.Closed() {
		t.Fatalf("restarted session should close on Stop")
	}
}

func TestStaleStartCommitClosesOwnSession(t *testing.T) {
	sessNew := avatar.NewMockSession()
	sessStale := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sessNew, sessStale}}
	issuer := newGatedTokenIssuer(nil)
	c := New(Options{
		Tokens:      issuer,
		Dialer:      dialer,
		Responder:   dialogue.NewMockResponder("ok"),
		Transcripts: transcript.NewInMemoryStore(),
		Metrics:     testMetrics(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	waitFor(t, "connecting state", func() bool { return c.Status().State == StateConnecting })

	c.Stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}

	// The orphaned attempt now gets a valid token, opens its own session,
	// and must tear it down instead of committing over the restart.
	close(issuer.release)
	if err := <-errCh; err == nil || errors.Is(err, ErrSessionActive) {
		t.Fatalf("orphaned Start() error = %v, want stop-during-start failure", err)
	}

	if !sessStale.Closed() {
		t.Fatalf("orphaned attempt's session should be closed")
	}
	if n := sessStale.ObserverCount(); n != 0 {
		t.Fatalf("orphaned session observer count = %d, want 0", n)
	}
	if sessNew.Closed() {
		t.Fatalf("restarted session should stay open")
	}
	if got := c.Status().State; got != StateActive {
		t.Fatalf("state = %q, want active", got)
	}
	if dialer.Opened() != 2 {
		t.Fatalf("sessions opened = %d, want 2", dialer.Opened())
	}
}

func TestLateTalkingCallbackAfterStopIsIgnored(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	c, _ := newTestController(dialer, dialogue.NewMockResponder("ok"))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Fire(avatar.Event{Kind: avatar.EventAvatarStartTalking})
	c.Stop()

	// A callback collected by the dispatch loop before Stop unsubscribed
	// can still run afterwards; it must not mark an inactive kiosk talking.
	c.setTalking(true)

	st := c.Status()
	if st.State != StateInactive || st.Talking {
		t.Fatalf("post-stop status = %+v, want inactive and not talking", st)
	}
}

func TestIdleWatcherStopsAbandonedSession(t *testing.T) {
	sess := avatar.NewMockSession()
	dialer := &avatar.MockDialer{Sessions: []*avatar.MockSession{sess}}
	store := transcript.NewInMemoryStore()
	c := New(Options{
		Tokens:      &avatar.MockTokenIssuer{Token: "tok-1"},
		Dialer:      dialer,
		Responder:   dialogue.NewMockResponder("ok"),
		Transcripts: store,
		Metrics:     testMetrics(),
		IdleTimeout: 40 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartIdleWatcher(ctx, 10*time.Millisecond)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "idle stop", func() bool { return c.Status().State == StateInactive })
	if !sess.Closed() {
		t.Fatalf("vendor session should be closed by idle watcher")
	}
}
