// Package playback owns the synthesized-speech lifecycle: load/play/stop,
// completion detection, and the auto-resume hand-off back to capture.
package playback

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebook/engine/internal/audio"
	"voicebook/engine/internal/config"
)

// Sequencer plays at most one speech URL at a time; starting a new playback
// always stops and releases the previous one first.
type Sequencer struct {
	dev         audio.Device
	log         *zap.Logger
	resumeDelay time.Duration

	// OnStarted/OnStopped are floor notifications; reason is one of
	// "completed", "stopped", "error".
	OnStarted func(url string)
	OnStopped func(url string, reason string)
	// ShouldResume is consulted after natural completion or playback error;
	// Resume is invoked after the configured delay when it reports true.
	ShouldResume func() bool
	Resume       func()

	// startMu serializes the stop/acquire/register sequence of Play so two
	// overlapping starts cannot both leave a live playback.
	startMu sync.Mutex

	mu     sync.Mutex
	cur    audio.Playback
	curURL string
	gen    uint64
}

func New(cfg config.Config, dev audio.Device, log *zap.Logger) *Sequencer {
	return &Sequencer{
		dev:         dev,
		log:         log,
		resumeDelay: time.Duration(cfg.Playback.ResumeDelayMs) * time.Millisecond,
	}
}

// Play starts the given speech URL. Invalid or non-HTTP(S) URLs are logged
// and dropped without a user-visible error.
func (s *Sequencer) Play(ctx context.Context, rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		s.log.Warn("ignoring invalid speech url", zap.String("url", rawURL))
		metricInvalidURLs.Inc()
		return
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.Stop()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if err := s.dev.SetMode(ctx, audio.ModePlayback); err != nil {
		// Device mode quirks are absorbed; try the play regardless.
		s.log.Warn("playback mode switch", zap.Error(err))
	}
	p, err := s.dev.Play(ctx, rawURL)
	if err != nil {
		// A failed or expired speech URL must not block the conversation.
		s.log.Warn("speech playback failed", zap.String("url", rawURL), zap.Error(err))
		metricPlayFailures.Inc()
		s.scheduleResume()
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		// A Stop landed while the device was starting; the interrupter
		// owns what happens next.
		s.mu.Unlock()
		_ = p.Stop()
		return
	}
	s.cur = p
	s.curURL = rawURL
	s.mu.Unlock()

	metricPlays.Inc()
	if s.OnStarted != nil {
		s.OnStarted(rawURL)
	}
	go s.watch(p, rawURL, gen)
}

// Stop releases the current playback, if any. Safe to call at any time;
// this is the barge-in fast path. The generation is bumped even with no
// registered playback so a start still in flight cannot complete.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	s.gen++
	p := s.cur
	s.cur = nil
	s.curURL = ""
	s.mu.Unlock()
	if p != nil {
		_ = p.Stop()
	}
}

// Playing reports whether speech is currently audible.
func (s *Sequencer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

func (s *Sequencer) watch(p audio.Playback, playedURL string, gen uint64) {
	err := <-p.Done()

	s.mu.Lock()
	current := s.gen == gen
	if current {
		s.cur = nil
		s.curURL = ""
	}
	s.mu.Unlock()

	if errors.Is(err, audio.ErrStopped) {
		// Stopped by barge-in or replacement; the interrupter owns what
		// happens next.
		if s.OnStopped != nil {
			s.OnStopped(playedURL, "stopped")
		}
		return
	}

	reason := "completed"
	if err != nil {
		reason = "error"
		s.log.Warn("playback ended with error", zap.String("url", playedURL), zap.Error(err))
		metricPlayFailures.Inc()
	}
	if s.OnStopped != nil {
		s.OnStopped(playedURL, reason)
	}
	if current {
		s.scheduleResume()
	}
}

func (s *Sequencer) scheduleResume() {
	if s.ShouldResume == nil || s.Resume == nil {
		return
	}
	time.AfterFunc(s.resumeDelay, func() {
		if s.ShouldResume() {
			metricAutoResumes.Inc()
			s.Resume()
		}
	})
}
