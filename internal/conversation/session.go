// Package conversation holds the orchestrator: the canonical request status,
// the message transcript, and the command surface the UI layer drives. It
// consumes normalized transport responses and directs capture and playback.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebook/engine/internal/audio"
	"voicebook/engine/internal/capture"
	"voicebook/engine/internal/classify"
	"voicebook/engine/internal/config"
	"voicebook/engine/internal/floor"
	"voicebook/engine/internal/playback"
	"voicebook/engine/internal/transport"
)

// Request is the unit of a voice-booking negotiation. requestId is assigned
// on the first successful submission and stable until a terminal status.
type Request struct {
	ID            string             `json:"requestId"`
	Status        transport.Status   `json:"status"`
	Transcript    string             `json:"transcript,omitempty"`
	MissingFields []string           `json:"missingFields,omitempty"`
	Preview       *transport.Preview `json:"preview,omitempty"`
	BookingID     string             `json:"bookingId,omitempty"`
	ErrorDetails  string             `json:"errorDetails,omitempty"`
}

// Snapshot is a point-in-time view of the session for the UI layer.
type Snapshot struct {
	Request    *Request  `json:"request,omitempty"`
	Processing bool      `json:"processing"`
	Capturing  bool      `json:"capturing"`
	Speaking   bool      `json:"speaking"`
	Error      string    `json:"error,omitempty"`
	Messages   []Message `json:"messages"`
}

// Session is an explicitly owned conversation, created at flow entry and
// destroyed at flow exit. One session drives one microphone and one speaker.
type Session struct {
	cfg        config.Config
	log        *zap.Logger
	backend    Backend
	classifier *classify.Classifier
	capture    *capture.Controller
	playback   *playback.Sequencer
	floor      *floor.Manager
	transcript *Transcript

	resetGrace time.Duration

	mu              sync.Mutex
	cur             *Request
	processing      bool
	inlineErr       string
	sub             Subscription
	cancelRequested bool
	resetTimer      *time.Timer
}

func New(cfg config.Config, backend Backend, dev audio.Device, log *zap.Logger) *Session {
	s := &Session{
		cfg:        cfg,
		log:        log,
		backend:    backend,
		classifier: classify.New(cfg),
		floor:      floor.New(),
		transcript: newTranscript(cfg.Conversation.MaxTranscript),
		resetGrace: time.Duration(cfg.Conversation.ResetGraceMs) * time.Millisecond,
	}
	s.capture = capture.New(cfg, dev, log, s.onClip)
	s.playback = playback.New(cfg, dev, log)
	s.playback.OnStarted = func(url string) {
		s.mu.Lock()
		s.floor.OnPlaybackStarted(url)
		s.mu.Unlock()
	}
	s.playback.OnStopped = func(url, reason string) {
		s.mu.Lock()
		s.floor.OnPlaybackStopped(url, reason)
		s.mu.Unlock()
	}
	s.playback.ShouldResume = s.shouldResumeCapture
	s.playback.Resume = s.resumeCapture
	return s
}

// Snapshot returns a copy; callers never see live internals.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	var req *Request
	if s.cur != nil {
		cp := *s.cur
		req = &cp
	}
	snap := Snapshot{
		Request:    req,
		Processing: s.processing,
		Speaking:   s.floor.AssistantSpeaking(),
		Error:      s.inlineErr,
	}
	s.mu.Unlock()
	snap.Capturing = s.capture.Active()
	snap.Messages = s.transcript.Messages()
	return snap
}

// BeginCapture starts recording. While the assistant is speaking this is the
// barge-in path: playback is stopped first, then the mic is acquired. A call
// while a backend request is in flight is rejected, not queued.
func (s *Session) BeginCapture(ctx context.Context) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		s.log.Info("capture rejected: backend call in flight")
		return
	}
	s.inlineErr = ""
	d := s.floor.OnCaptureStart()
	s.mu.Unlock()

	if d.StopPlayback {
		s.log.Debug("barge-in", zap.String("url", d.AudioURL))
		metricBargeIns.Inc()
		s.playback.Stop()
	}
	if err := s.capture.Start(ctx); err != nil {
		// Device errors never bubble to a blocking alert; the user can
		// retry the mic button.
		s.log.Warn("capture start", zap.String("class", classify.Device(err).String()), zap.Error(err))
	}
}

// StopCapture ends the recording and submits whatever was captured.
func (s *Session) StopCapture() { s.capture.Stop(false) }

// CancelCapture discards the recording without submitting.
func (s *Session) CancelCapture() { s.capture.Cancel() }

// onClip receives a finished utterance from the capture controller and routes
// it as a new submission or a continuation.
func (s *Session) onClip(clip audio.Clip, autoStopped bool) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()

	ctx := context.Background()
	switch {
	case cur == nil:
		s.SubmitUtterance(ctx, clip, nil)
	case cur.Status.Continuable():
		s.ContinueWithAudio(ctx, clip)
	default:
		s.log.Info("utterance dropped: request not continuable",
			zap.String("status", string(cur.Status)), zap.Bool("auto", autoStopped))
	}
}

// SubmitUtterance starts a new request from the first utterance.
func (s *Session) SubmitUtterance(ctx context.Context, clip audio.Clip, hints map[string]string) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		s.log.Info("submit rejected: backend call in flight")
		return
	}
	if s.cur != nil {
		continuable := s.cur.Status.Continuable()
		s.mu.Unlock()
		if continuable {
			s.ContinueWithAudio(ctx, clip)
			return
		}
		s.log.Info("submit dropped: request already active")
		return
	}
	s.processing = true
	s.inlineErr = ""
	s.mu.Unlock()

	resp, err := s.backend.Create(ctx, clip, hints)
	if err != nil {
		s.submissionFailed(err)
		return
	}
	metricRequests.Inc()
	s.apply(resp, true)
}

// ContinueWithAudio appends another utterance to a continuable request.
func (s *Session) ContinueWithAudio(ctx context.Context, clip audio.Clip) {
	id, ok := s.beginBackendCall(true)
	if !ok {
		return
	}
	resp, err := s.backend.Continue(ctx, id, &clip, "", nil)
	if err != nil {
		s.submissionFailed(err)
		return
	}
	s.apply(resp, false)
}

// ContinueWithText appends free text, optionally with explicit field values,
// to a continuable request.
func (s *Session) ContinueWithText(ctx context.Context, text string, explicit map[string]string) {
	id, ok := s.beginBackendCall(true)
	if !ok {
		return
	}
	if text != "" {
		s.transcript.Append(AuthorUser, text, "", "")
	}
	resp, err := s.backend.Continue(ctx, id, nil, text, explicit)
	if err != nil {
		s.submissionFailed(err)
		return
	}
	s.apply(resp, false)
}

// Confirm accepts the current draft. A no-op when there is no active request
// or the request is already terminal: no state change, no transport call.
func (s *Session) Confirm(ctx context.Context) {
	id, ok := s.beginBackendCall(false)
	if !ok {
		return
	}
	resp, err := s.backend.Confirm(ctx, id)
	if err != nil {
		s.actionFailed(classify.ActionConfirm, id, err)
		return
	}
	s.apply(resp, false)
}

// Cancel abandons the current request. No-op semantics match Confirm; a
// guard flag suppresses the duplicate cancel an unmount race can produce.
func (s *Session) Cancel(ctx context.Context) {
	s.mu.Lock()
	if s.cancelRequested {
		s.mu.Unlock()
		s.log.Debug("duplicate cancel suppressed")
		return
	}
	s.mu.Unlock()

	id, ok := s.beginBackendCall(false)
	if !ok {
		return
	}
	s.mu.Lock()
	s.cancelRequested = true
	s.mu.Unlock()

	resp, err := s.backend.Cancel(ctx, id)
	if err != nil {
		s.actionFailed(classify.ActionCancel, id, err)
		return
	}
	s.apply(resp, false)
}

// Reset returns the session to its initial state. Idempotent; push-channel
// connectivity for future requests is unaffected.
func (s *Session) Reset() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.cur = nil
	s.processing = false
	s.inlineErr = ""
	s.cancelRequested = false
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.mu.Unlock()

	if sub != nil {
		// Wait for the reader to exit so a late event cannot land after
		// the state below has been cleared. Safe here: Reset is never
		// called from the push path itself.
		sub.Close()
		<-sub.Done()
	}
	s.capture.Cancel()
	s.playback.Stop()
	s.transcript.Reset()
	s.log.Debug("session reset")
}

// Close releases everything the session holds. Used at flow exit.
func (s *Session) Close() {
	s.Reset()
}

// beginBackendCall takes the processing flag for a call against the active
// request. needContinuable additionally requires a continuable status.
func (s *Session) beginBackendCall(needContinuable bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.Status.Terminal() {
		return "", false
	}
	if needContinuable && !s.cur.Status.Continuable() {
		s.log.Info("continuation rejected", zap.String("status", string(s.cur.Status)))
		return "", false
	}
	if s.processing {
		s.log.Info("backend call rejected: another in flight")
		return "", false
	}
	s.processing = true
	s.inlineErr = ""
	return s.cur.ID, true
}

// submissionFailed handles a create/continue error. Network and timeout
// failures stay transient: surfaced inline, nothing torn down, the user
// retries by pressing the mic. Anything else is fatal for the request.
func (s *Session) submissionFailed(err error) {
	class := s.classifier.Submission(err)
	s.log.Warn("submission failed", zap.String("class", class.String()), zap.Error(err))
	if class == classify.Transient {
		metricTransientErrors.Inc()
		s.mu.Lock()
		s.processing = false
		s.inlineErr = "Không thể kết nối. Vui lòng thử lại."
		s.mu.Unlock()
		return
	}
	s.failRequest(err.Error())
}

// actionFailed handles a confirm/cancel error, including the backend quirk
// where a successful action arrives as an error whose message carries
// success phrasing. That case is reclassified and applied as the terminal
// status the action was asking for.
func (s *Session) actionFailed(a classify.Action, id string, err error) {
	class := s.classifier.ActionOutcome(a, err)
	s.log.Warn("action failed", zap.String("action", string(a)),
		zap.String("class", class.String()), zap.Error(err))
	switch class {
	case classify.AmbiguousSuccess:
		metricAmbiguousSuccess.Inc()
		status := transport.StatusCompleted
		if a == classify.ActionCancel {
			status = transport.StatusCancelled
		}
		msg := err.Error()
		var be *transport.BackendError
		if errors.As(err, &be) {
			msg = be.Message
		}
		s.apply(&transport.Response{Status: status, RequestID: id, Message: msg, IsFinal: true}, false)
	case classify.Transient:
		metricTransientErrors.Inc()
		s.mu.Lock()
		s.processing = false
		s.inlineErr = "Không thể kết nối. Vui lòng thử lại."
		if a == classify.ActionCancel {
			s.cancelRequested = false
		}
		s.mu.Unlock()
	default:
		s.failRequest(err.Error())
	}
}

// failRequest moves the active request, if any, to FAILED. With no active
// request the error is surfaced inline instead.
func (s *Session) failRequest(details string) {
	s.mu.Lock()
	if s.cur == nil || s.cur.Status.Terminal() {
		s.processing = false
		s.inlineErr = details
		s.mu.Unlock()
		return
	}
	from := s.cur.Status
	s.cur.Status = transport.StatusFailed
	s.cur.ErrorDetails = details
	s.processing = false
	s.inlineErr = details
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	metricTransitions.WithLabelValues(string(from), string(transport.StatusFailed)).Inc()
	if sub != nil {
		sub.Close()
	}
}

// onPush feeds push events into the same ingestion path as REST responses.
// Late events can never resurrect a request that no longer exists.
func (s *Session) onPush(resp transport.Response) {
	s.apply(&resp, false)
}

// apply is the single ingestion path for normalized backend responses,
// whether they arrived over REST or push. allowCreate permits installing a
// new request; it is true only for the first submission.
func (s *Session) apply(resp *transport.Response, allowCreate bool) {
	s.mu.Lock()

	if s.cur == nil {
		if !allowCreate || resp.RequestID == "" {
			s.processing = false
			s.mu.Unlock()
			s.log.Debug("response dropped: no active request",
				zap.String("requestId", resp.RequestID))
			return
		}
		s.cur = &Request{ID: resp.RequestID}
	} else if resp.RequestID != "" && resp.RequestID != s.cur.ID {
		s.mu.Unlock()
		s.log.Debug("response dropped: stale requestId",
			zap.String("requestId", resp.RequestID))
		return
	}

	from := s.cur.Status
	if from.Terminal() {
		s.processing = false
		s.mu.Unlock()
		s.log.Debug("response dropped: request already terminal")
		return
	}

	s.cur.Status = resp.Status
	if resp.Transcript != "" {
		s.cur.Transcript = resp.Transcript
	}
	if resp.Status == transport.StatusPartial {
		if resp.MissingFields != nil {
			s.cur.MissingFields = resp.MissingFields
		}
	} else {
		// missingFields is meaningful only while PARTIAL.
		s.cur.MissingFields = nil
	}
	if resp.Preview != nil {
		s.cur.Preview = resp.Preview
	}
	if resp.BookingID != "" {
		s.cur.BookingID = resp.BookingID
	}
	if resp.Status == transport.StatusFailed {
		s.cur.ErrorDetails = resp.ErrorDetails
		if s.cur.ErrorDetails == "" {
			s.cur.ErrorDetails = resp.Message
		}
	}
	s.processing = false

	needSub := s.sub == nil && !resp.Status.Terminal()
	var closeSub Subscription
	if resp.Status.Terminal() {
		closeSub = s.sub
		s.sub = nil
		// COMPLETED/CANCELLED auto-reset after the grace delay; FAILED
		// stays on screen until the user explicitly starts over.
		if resp.Status == transport.StatusCompleted || resp.Status == transport.StatusCancelled {
			id := s.cur.ID
			s.resetTimer = time.AfterFunc(s.resetGrace, func() { s.graceReset(id) })
		}
	}
	id := s.cur.ID
	s.mu.Unlock()

	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	metricTransitions.WithLabelValues(fromLabel, string(resp.Status)).Inc()

	if resp.Transcript != "" {
		s.transcript.Append(AuthorUser, resp.Transcript, "", "")
	}
	text, audioURL := selectSpeech(resp)
	if text != "" || audioURL != "" {
		s.transcript.Append(AuthorAssistant, text, audioURL, resp.Status)
	}

	if closeSub != nil {
		closeSub.Close()
	}
	if needSub {
		s.installSubscription(id)
	}

	// Speech is auto-played only while the negotiation is still gathering
	// fields. AWAITING_CONFIRMATION shows a confirmation prompt instead,
	// and terminal statuses speak for themselves in the transcript.
	if resp.Status == transport.StatusPartial && audioURL != "" {
		s.playback.Play(context.Background(), audioURL)
	}
}

func (s *Session) installSubscription(id string) {
	sub := s.backend.Subscribe(id, s.onPush)
	if sub == nil {
		return
	}
	s.mu.Lock()
	if s.cur == nil || s.cur.ID != id || s.sub != nil {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

// graceReset clears the request only if it is still the one that finished.
func (s *Session) graceReset(id string) {
	s.mu.Lock()
	if s.cur == nil || s.cur.ID != id {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Reset()
}

// shouldResumeCapture is the playback auto-resume policy: only while the
// request still misses fields and nothing else holds the floor.
func (s *Session) shouldResumeCapture() bool {
	s.mu.Lock()
	ok := s.cur != nil && s.cur.Status == transport.StatusPartial && !s.processing
	s.mu.Unlock()
	return ok && !s.capture.Active()
}

func (s *Session) resumeCapture() {
	s.log.Debug("auto-resuming capture after assistant speech")
	s.BeginCapture(context.Background())
}

// selectSpeech picks the assistant's spoken payload. The message payload is
// preferred over the clarification payload, but text and audio always come
// from the same payload. Payloads carrying audio win over text-only ones so
// the preference never splits the pair.
func selectSpeech(resp *transport.Response) (text, audioURL string) {
	if resp.Speech != nil {
		for _, p := range []*transport.SpeechPayload{resp.Speech.Message, resp.Speech.Clarification} {
			if p != nil && p.AudioURL != "" {
				return p.Text, p.AudioURL
			}
		}
		for _, p := range []*transport.SpeechPayload{resp.Speech.Message, resp.Speech.Clarification} {
			if p != nil && p.Text != "" {
				return p.Text, ""
			}
		}
	}
	text = resp.Message
	if text == "" {
		text = resp.ClarificationMessage
	}
	if resp.BookingID != "" && !strings.Contains(text, resp.BookingID) {
		if text != "" {
			text += " "
		}
		text += "Mã đặt lịch: " + resp.BookingID
	}
	return text, ""
}
