// Package capture owns the recording session lifecycle: start, silence-based
// auto-stop, hard-cap auto-stop, cancel and cleanup. At most one recording
// handle is alive at any time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebook/engine/internal/audio"
	"voicebook/engine/internal/config"
)

// Controller drives one microphone. Finished utterances are handed to the
// onClip callback together with whether the stop was automatic.
type Controller struct {
	dev    audio.Device
	log    *zap.Logger
	onClip func(audio.Clip, bool)

	releaseSettle time.Duration
	modeSettle    time.Duration
	pollInterval  time.Duration
	minUtterance  time.Duration
	silenceDur    time.Duration
	maxDur        time.Duration
	thresholdDB   float64

	mu        sync.Mutex
	active    bool
	gen       uint64
	rec       audio.Recorder
	startedAt time.Time
	silenceAt time.Time
	capTimer  *time.Timer
	pollStop  chan struct{}
}

func New(cfg config.Config, dev audio.Device, log *zap.Logger, onClip func(audio.Clip, bool)) *Controller {
	return &Controller{
		dev:           dev,
		log:           log,
		onClip:        onClip,
		releaseSettle: time.Duration(cfg.Capture.ReleaseSettleMs) * time.Millisecond,
		modeSettle:    time.Duration(cfg.Capture.ModeSettleMs) * time.Millisecond,
		pollInterval:  time.Duration(cfg.Capture.PollIntervalMs) * time.Millisecond,
		minUtterance:  time.Duration(cfg.Capture.MinUtteranceMs) * time.Millisecond,
		silenceDur:    time.Duration(cfg.Capture.SilenceDurationMs) * time.Millisecond,
		maxDur:        time.Duration(cfg.Capture.MaxDurationMs) * time.Millisecond,
		thresholdDB:   cfg.Capture.SilenceThresholdDB,
	}
}

// Active reports whether a capture is in flight, settle phase included.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start acquires the microphone and begins silence polling. A call while a
// capture is already in flight is rejected, not queued. The settle waits
// exist because the audio driver needs a grace period to release and
// reacquire the device; skipping them causes acquisition failures on real
// hardware.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		c.log.Info("capture start rejected: already in flight")
		metricStartRejected.Inc()
		return nil
	}
	c.active = true
	c.gen++
	gen := c.gen
	prev := c.rec
	c.rec = nil
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Release(); err != nil && !errors.Is(err, audio.ErrReleased) {
			c.log.Warn("stale recorder release", zap.Error(err))
		}
	}
	if !sleepCtx(ctx, c.releaseSettle) {
		c.abandon(gen)
		return ctx.Err()
	}
	if err := c.dev.SetMode(ctx, audio.ModeCapture); err != nil {
		c.abandon(gen)
		metricStartFailures.Inc()
		return fmt.Errorf("capture mode: %w", err)
	}
	if !sleepCtx(ctx, c.modeSettle) {
		c.abandon(gen)
		return ctx.Err()
	}

	rec, err := c.dev.AcquireRecorder(ctx)
	if err != nil {
		c.abandon(gen)
		metricStartFailures.Inc()
		return fmt.Errorf("acquire recorder: %w", err)
	}

	c.mu.Lock()
	if !c.active || c.gen != gen {
		// Stopped or cancelled during the settle phase.
		c.mu.Unlock()
		_ = rec.Release()
		return nil
	}
	c.rec = rec
	c.startedAt = time.Now()
	c.silenceAt = time.Time{}
	stop := make(chan struct{})
	c.pollStop = stop
	c.capTimer = time.AfterFunc(c.maxDur, func() { c.autoStop("hard_cap") })
	c.mu.Unlock()

	go c.pollSilence(rec, stop)
	metricStarts.Inc()
	c.log.Debug("capture started")
	return nil
}

// Stop ends the capture and hands the clip to onClip. Called with no live
// recorder (already cleared, or still settling) it behaves as a cancel with
// no data to send.
func (c *Controller) Stop(autoStopped bool) {
	rec, dur := c.teardown()
	if rec == nil {
		c.log.Debug("capture stop with no live recorder")
		return
	}
	c.finish(rec, dur, autoStopped)
}

// Cancel discards the recording without submitting anything.
func (c *Controller) Cancel() {
	rec, _ := c.teardown()
	if rec == nil {
		return
	}
	if err := rec.Release(); err != nil && !errors.Is(err, audio.ErrReleased) {
		c.log.Warn("cancel release", zap.Error(err))
	}
	c.log.Debug("capture cancelled")
}

// autoStop is shared by the silence detector and the hard-cap timer.
// Whichever fires first wins; the loser finds the session already cleared.
func (c *Controller) autoStop(reason string) {
	rec, dur := c.teardown()
	if rec == nil {
		return
	}
	switch reason {
	case "silence":
		metricSilenceStops.Inc()
	case "hard_cap":
		metricCapStops.Inc()
	}
	c.log.Debug("capture auto-stopped", zap.String("reason", reason), zap.Duration("after", dur))
	c.finish(rec, dur, true)
}

// teardown clears the timers and the recorder handle as one atomic group.
func (c *Controller) teardown() (audio.Recorder, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil, 0
	}
	c.active = false
	c.gen++
	if c.capTimer != nil {
		c.capTimer.Stop()
		c.capTimer = nil
	}
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
	rec := c.rec
	c.rec = nil
	var dur time.Duration
	if rec != nil {
		dur = time.Since(c.startedAt)
	}
	return rec, dur
}

func (c *Controller) abandon(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.active = false
	}
	c.mu.Unlock()
}

func (c *Controller) finish(rec audio.Recorder, dur time.Duration, autoStopped bool) {
	clip, err := rec.Stop()
	if err != nil {
		// Device errors never block the flow; the user can retry the mic.
		c.log.Warn("recorder stop", zap.Error(err))
		metricStopFailures.Inc()
		return
	}
	metricUtteranceMS.Observe(float64(dur.Milliseconds()))
	c.onClip(clip, autoStopped)
}

func (c *Controller) pollSilence(rec audio.Recorder, stop <-chan struct{}) {
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if c.evalSilence(rec) {
				c.autoStop("silence")
				return
			}
		}
	}
}

// evalSilence runs one metering sample through the silence detector.
// Evaluation is ignored until the minimum utterance time has elapsed so the
// start of speech is never cut off.
func (c *Controller) evalSilence(rec audio.Recorder) bool {
	level := rec.Level()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.rec != rec {
		return false
	}
	if time.Since(c.startedAt) < c.minUtterance {
		return false
	}
	if float64(level) < c.thresholdDB {
		if c.silenceAt.IsZero() {
			c.silenceAt = time.Now()
			return false
		}
		return time.Since(c.silenceAt) >= c.silenceDur
	}
	// Any sample at or above the threshold resets the run.
	c.silenceAt = time.Time{}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
