package conversation

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"voicebook/engine/internal/audio"
	"voicebook/engine/internal/config"
	"voicebook/engine/internal/transport"
)

type fakeSub struct {
	closes atomic.Int32
	once   sync.Once
	done   chan struct{}
	// When set, the reader lingers after Close until exit is closed.
	exit chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{done: make(chan struct{})}
}

func (s *fakeSub) Close() {
	s.closes.Add(1)
	s.once.Do(func() {
		if s.exit != nil {
			go func() {
				<-s.exit
				close(s.done)
			}()
			return
		}
		close(s.done)
	})
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

type backendCall struct {
	op   string
	id   string
	text string
}

type fakeBackend struct {
	mu        sync.Mutex
	calls     []backendCall
	responses map[string]*transport.Response
	errs      map[string]error
	subs      []*fakeSub
	push      func(transport.Response)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		responses: map[string]*transport.Response{},
		errs:      map[string]error{},
	}
}

func (b *fakeBackend) record(op, id, text string) {
	b.mu.Lock()
	b.calls = append(b.calls, backendCall{op: op, id: id, text: text})
	b.mu.Unlock()
}

func (b *fakeBackend) answer(op string) (*transport.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errs[op]; err != nil {
		return nil, err
	}
	if r := b.responses[op]; r != nil {
		cp := *r
		return &cp, nil
	}
	return &transport.Response{Success: true, Status: transport.StatusProcessing}, nil
}

func (b *fakeBackend) Create(ctx context.Context, clip audio.Clip, hints map[string]string) (*transport.Response, error) {
	b.record("create", "", "")
	return b.answer("create")
}

func (b *fakeBackend) Continue(ctx context.Context, id string, clip *audio.Clip, text string, explicit map[string]string) (*transport.Response, error) {
	b.record("continue", id, text)
	return b.answer("continue")
}

func (b *fakeBackend) Confirm(ctx context.Context, id string) (*transport.Response, error) {
	b.record("confirm", id, "")
	return b.answer("confirm")
}

func (b *fakeBackend) Cancel(ctx context.Context, id string) (*transport.Response, error) {
	b.record("cancel", id, "")
	return b.answer("cancel")
}

func (b *fakeBackend) Subscribe(id string, fn func(transport.Response)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newFakeSub()
	b.subs = append(b.subs, sub)
	b.push = fn
	return sub
}

func (b *fakeBackend) callCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (b *fakeBackend) pushFn() func(transport.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.push
}

func (b *fakeBackend) lastSub() *fakeSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return nil
	}
	return b.subs[len(b.subs)-1]
}

// sessionDevice serves both capture and playback sides.
type sessionDevice struct {
	mu        sync.Mutex
	recorders []*sessionRecorder
	plays     []*sessionPlayback
	playURLs  []string
}

type sessionRecorder struct {
	released atomic.Bool
}

func (r *sessionRecorder) Level() audio.Level { return audio.Level(-10) }

func (r *sessionRecorder) Stop() (audio.Clip, error) {
	r.released.Store(true)
	return audio.Clip{Data: []byte{1, 2}, MIME: "audio/m4a", Filename: "voice_test.m4a"}, nil
}

func (r *sessionRecorder) Release() error {
	if r.released.Swap(true) {
		return audio.ErrReleased
	}
	return nil
}

type sessionPlayback struct {
	done    chan error
	once    sync.Once
	stopped atomic.Bool
}

func (p *sessionPlayback) Done() <-chan error { return p.done }

func (p *sessionPlayback) Stop() error {
	p.once.Do(func() {
		p.stopped.Store(true)
		p.done <- audio.ErrStopped
		close(p.done)
	})
	return nil
}

func (p *sessionPlayback) complete() {
	p.once.Do(func() {
		p.done <- nil
		close(p.done)
	})
}

func (d *sessionDevice) SetMode(ctx context.Context, m audio.Mode) error { return nil }

func (d *sessionDevice) AcquireRecorder(ctx context.Context) (audio.Recorder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &sessionRecorder{}
	d.recorders = append(d.recorders, r)
	return r, nil
}

func (d *sessionDevice) Play(ctx context.Context, url string) (audio.Playback, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &sessionPlayback{done: make(chan error, 1)}
	d.plays = append(d.plays, p)
	d.playURLs = append(d.playURLs, url)
	return p, nil
}

func (d *sessionDevice) playCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.plays)
}

func (d *sessionDevice) recorderCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recorders)
}

func (d *sessionDevice) play(i int) *sessionPlayback {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.plays[i]
}

func testCfg() config.Config {
	cfg := config.Load()
	cfg.Capture.ReleaseSettleMs = 1
	cfg.Capture.ModeSettleMs = 1
	cfg.Capture.PollIntervalMs = 5
	cfg.Capture.MinUtteranceMs = 40
	cfg.Capture.SilenceDurationMs = 60
	cfg.Capture.MaxDurationMs = 5000
	cfg.Playback.ResumeDelayMs = 10
	cfg.Conversation.ResetGraceMs = 40
	return cfg
}

func newTestSession(b Backend, dev audio.Device) *Session {
	return New(testCfg(), b, dev, zap.NewNop())
}

func partialResponse() *transport.Response {
	return &transport.Response{
		Success:       true,
		Status:        transport.StatusPartial,
		RequestID:     "req-1",
		Transcript:    "dọn nhà ngày mai",
		MissingFields: []string{"bookingTime"},
		Speech: &transport.Speech{
			Clarification: &transport.SpeechPayload{
				Text:     "Bạn muốn đặt lúc mấy giờ?",
				AudioURL: "https://x/a.mp3",
			},
		},
	}
}

func clip() audio.Clip {
	return audio.Clip{Data: []byte{1}, MIME: "audio/m4a", Filename: "voice_1.m4a"}
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

func TestScenarioPartialPlaysAndAutoResumes(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)

	snap := s.Snapshot()
	if snap.Request == nil || snap.Request.Status != transport.StatusPartial {
		t.Fatalf("expected PARTIAL request, got %+v", snap.Request)
	}
	var assistant *Message
	for i := range snap.Messages {
		if snap.Messages[i].Author == AuthorAssistant {
			assistant = &snap.Messages[i]
		}
	}
	if assistant == nil {
		t.Fatal("no assistant message appended")
	}
	if assistant.Content != "Bạn muốn đặt lúc mấy giờ?" || assistant.AudioURL != "https://x/a.mp3" {
		t.Fatalf("speech text/audio mismatch: %+v", assistant)
	}
	if dev.playCount() != 1 {
		t.Fatalf("clarification speech should auto-play, plays=%d", dev.playCount())
	}

	// Natural completion while still PARTIAL auto-resumes capture.
	dev.play(0).complete()
	waitFor(t, "capture auto-resume", func() bool { return dev.recorderCount() == 1 })
}

func TestScenarioAwaitingConfirmationDoesNotAutoPlay(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = &transport.Response{
		Success:   true,
		Status:    transport.StatusAwaitingConfirmation,
		RequestID: "req-1",
		Preview: &transport.Preview{
			TotalAmount: 500000,
			Services:    []transport.ServiceLine{{ServiceName: "Dọn dẹp nhà cửa", Quantity: 1, Subtotal: 300000}},
		},
		Speech: &transport.Speech{
			Message: &transport.SpeechPayload{Text: "Xác nhận đặt lịch?", AudioURL: "https://x/c.mp3"},
		},
	}
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)

	snap := s.Snapshot()
	if snap.Request == nil || snap.Request.Status != transport.StatusAwaitingConfirmation {
		t.Fatalf("expected AWAITING_CONFIRMATION, got %+v", snap.Request)
	}
	if snap.Request.Preview == nil || snap.Request.Preview.TotalAmount != 500000 {
		t.Fatalf("preview not carried: %+v", snap.Request.Preview)
	}
	if dev.playCount() != 0 {
		t.Fatal("speech must not auto-play on AWAITING_CONFIRMATION")
	}
	if msg, ok := s.transcript.Last(); !ok || msg.AudioURL != "https://x/c.mp3" {
		t.Fatalf("speech should still appear in the transcript: %+v", msg)
	}
}

func TestScenarioConfirmCompletesAndAutoResets(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	b.responses["confirm"] = &transport.Response{
		Success:   true,
		Status:    transport.StatusCompleted,
		RequestID: "req-1",
		BookingID: "BK123456",
		IsFinal:   true,
	}
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	s.Confirm(context.Background())

	found := false
	for _, m := range s.transcript.Messages() {
		if m.Author == AuthorAssistant && strings.Contains(m.Content, "BK123456") {
			found = true
		}
	}
	if !found {
		t.Fatal("no assistant message containing the bookingId")
	}
	sub := b.lastSub()
	if sub == nil || sub.closes.Load() != 1 {
		t.Fatalf("push subscription must be torn down exactly once, sub=%+v", sub)
	}
	waitFor(t, "grace auto-reset", func() bool { return s.Snapshot().Request == nil })
}

func TestScenarioCancelErrorWithSuccessKeyword(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	b.errs["cancel"] = &transport.BackendError{StatusCode: 400, Message: "Yêu cầu đã được hủy"}
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	s.Cancel(context.Background())

	snap := s.Snapshot()
	if snap.Request == nil || snap.Request.Status != transport.StatusCancelled {
		t.Fatalf("error-shaped cancel success must yield CANCELLED, got %+v", snap.Request)
	}
}

func TestConfirmCancelNoopWithoutActiveRequest(t *testing.T) {
	b := newFakeBackend()
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.Confirm(context.Background())
	s.Cancel(context.Background())

	if n := b.callCount("confirm") + b.callCount("cancel"); n != 0 {
		t.Fatalf("no-op confirm/cancel must not reach the backend, calls=%d", n)
	}
	if snap := s.Snapshot(); snap.Request != nil || snap.Error != "" {
		t.Fatalf("no-op must not mutate state: %+v", snap)
	}
}

func TestConfirmCancelNoopOnTerminalRequest(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	b.responses["cancel"] = &transport.Response{
		Success: true, Status: transport.StatusCancelled, RequestID: "req-1", IsFinal: true,
	}
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	s.Cancel(context.Background())
	s.Confirm(context.Background())
	s.Cancel(context.Background())

	if n := b.callCount("confirm"); n != 0 {
		t.Fatalf("confirm after terminal must not reach the backend, calls=%d", n)
	}
	if n := b.callCount("cancel"); n != 1 {
		t.Fatalf("expected exactly one cancel call, got %d", n)
	}
}

func TestSpeechTextPairing(t *testing.T) {
	b := newFakeBackend()
	resp := partialResponse()
	// Message payload has text only; clarification carries the audio. The
	// pair must come from the clarification, never text from one payload
	// with audio from the other.
	resp.Speech = &transport.Speech{
		Message:       &transport.SpeechPayload{Text: "chỉ có chữ"},
		Clarification: &transport.SpeechPayload{Text: "đọc to lên", AudioURL: "https://x/b.mp3"},
	}
	b.responses["create"] = resp
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)

	msg, ok := s.transcript.Last()
	if !ok || msg.Author != AuthorAssistant {
		t.Fatalf("expected assistant message, got %+v", msg)
	}
	if msg.Content != "đọc to lên" || msg.AudioURL != "https://x/b.mp3" {
		t.Fatalf("text and audio must come from the same payload: %+v", msg)
	}
}

func TestTransientCreateErrorLeavesSessionRetryable(t *testing.T) {
	b := newFakeBackend()
	b.errs["create"] = &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: context.DeadlineExceeded}}
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)

	snap := s.Snapshot()
	if snap.Request != nil {
		t.Fatalf("transient create failure must not install a request: %+v", snap.Request)
	}
	if snap.Error == "" {
		t.Fatal("transient failure must surface an inline error")
	}
	if snap.Processing {
		t.Fatal("processing flag must clear so the user can retry")
	}

	// Retry succeeds and clears the inline error.
	b.mu.Lock()
	delete(b.errs, "create")
	b.responses["create"] = partialResponse()
	b.mu.Unlock()
	s.SubmitUtterance(context.Background(), clip(), nil)
	snap = s.Snapshot()
	if snap.Error != "" || snap.Request == nil {
		t.Fatalf("retry should recover: %+v", snap)
	}
}

func TestFatalContinueErrorFailsRequest(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	b.errs["continue"] = &transport.BackendError{StatusCode: 500, Message: "internal error"}
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	s.ContinueWithText(context.Background(), "lúc 9 giờ sáng", nil)

	snap := s.Snapshot()
	if snap.Request == nil || snap.Request.Status != transport.StatusFailed {
		t.Fatalf("fatal backend error must yield FAILED, got %+v", snap.Request)
	}
	if snap.Request.ErrorDetails == "" {
		t.Fatal("FAILED must carry errorDetails")
	}
	sub := b.lastSub()
	if sub == nil || sub.closes.Load() != 1 {
		t.Fatal("subscription must be closed on FAILED")
	}

	// FAILED does not auto-reset; only an explicit reset clears it.
	time.Sleep(100 * time.Millisecond)
	if s.Snapshot().Request == nil {
		t.Fatal("FAILED must wait for an explicit reset")
	}
	s.Reset()
	if s.Snapshot().Request != nil {
		t.Fatal("reset must clear the failed request")
	}
}

func TestBargeInStopsPlayback(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	if dev.playCount() != 1 {
		t.Fatalf("expected speech playing, plays=%d", dev.playCount())
	}

	s.BeginCapture(context.Background())
	waitFor(t, "recorder acquired", func() bool { return dev.recorderCount() == 1 })
	if !dev.play(0).stopped.Load() {
		t.Fatal("barge-in must stop the running playback")
	}
}

func TestPushEventAdvancesRequest(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	b.pushFn()(transport.Response{
		Status:    transport.StatusAwaitingConfirmation,
		RequestID: "req-1",
		Preview:   &transport.Preview{TotalAmount: 200000},
	})

	snap := s.Snapshot()
	if snap.Request == nil || snap.Request.Status != transport.StatusAwaitingConfirmation {
		t.Fatalf("push event should advance the request, got %+v", snap.Request)
	}
}

func TestLatePushCannotResurrectRequest(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	push := b.pushFn()
	s.Reset()
	push(transport.Response{Status: transport.StatusPartial, RequestID: "req-1"})

	if snap := s.Snapshot(); snap.Request != nil {
		t.Fatalf("late push event must not resurrect a request: %+v", snap.Request)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	s.Reset()
	s.Reset()

	snap := s.Snapshot()
	if snap.Request != nil || snap.Processing || snap.Error != "" || len(snap.Messages) != 0 {
		t.Fatalf("reset must yield the initial state: %+v", snap)
	}
	if sub := b.lastSub(); sub == nil || sub.closes.Load() == 0 {
		t.Fatal("reset must close the push subscription")
	}
}

func TestResetWaitsForPushReaderExit(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	sub := b.lastSub()
	if sub == nil {
		t.Fatal("no subscription installed")
	}
	sub.exit = make(chan struct{})

	resetDone := make(chan struct{})
	go func() {
		s.Reset()
		close(resetDone)
	}()

	// Reset must block while the reader is still running.
	select {
	case <-resetDone:
		t.Fatal("reset returned before the push reader exited")
	case <-time.After(30 * time.Millisecond):
	}

	// A final event from the lingering reader must not resurrect the
	// cleared request.
	b.pushFn()(transport.Response{Status: transport.StatusPartial, RequestID: "req-1"})

	close(sub.exit)
	select {
	case <-resetDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reset never returned after the reader exited")
	}
	if snap := s.Snapshot(); snap.Request != nil {
		t.Fatalf("late push event resurrected the request: %+v", snap.Request)
	}
}

func TestContinuationRoutesThroughActiveRequest(t *testing.T) {
	b := newFakeBackend()
	b.responses["create"] = partialResponse()
	cont := partialResponse()
	cont.MissingFields = nil
	cont.Status = transport.StatusAwaitingConfirmation
	cont.Speech = nil
	b.responses["continue"] = cont
	dev := &sessionDevice{}
	s := newTestSession(b, dev)
	defer s.Close()

	s.SubmitUtterance(context.Background(), clip(), nil)
	// A second utterance while PARTIAL becomes a continuation, not a new
	// request.
	s.SubmitUtterance(context.Background(), clip(), nil)

	if n := b.callCount("create"); n != 1 {
		t.Fatalf("expected 1 create, got %d", n)
	}
	if n := b.callCount("continue"); n != 1 {
		t.Fatalf("expected 1 continue, got %d", n)
	}
	if snap := s.Snapshot(); snap.Request.Status != transport.StatusAwaitingConfirmation {
		t.Fatalf("continuation should advance the status, got %+v", snap.Request)
	}
}
