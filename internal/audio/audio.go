package audio

import (
	"context"
	"errors"
	"time"
)

// Mode selects what the device is configured for. Switching modes on real
// hardware needs a settle interval; sequencing that is the caller's job.
type Mode int

const (
	ModeCapture Mode = iota
	ModePlayback
)

// Level is an instantaneous loudness reading in dBFS (<= 0).
type Level float64

// Floor is the level reported for digital silence.
const Floor Level = -96

// Clip is one finished utterance.
type Clip struct {
	Data     []byte
	MIME     string
	Filename string
	Duration time.Duration
}

// Recorder is a live recording handle with energy metering.
type Recorder interface {
	// Level returns the current metering level.
	Level() Level
	// Stop ends the recording and returns the captured clip.
	Stop() (Clip, error)
	// Release discards the recording without reading it. Calling Release
	// on an already-released recorder returns ErrReleased.
	Release() error
}

// Playback is a live playback handle. Done yields exactly one value:
// nil on natural completion, ErrStopped after Stop, or the failure.
type Playback interface {
	Done() <-chan error
	Stop() error
}

// Device abstracts microphone and speaker access so the capture controller
// and playback sequencer stay portable across audio backends.
type Device interface {
	SetMode(ctx context.Context, m Mode) error
	AcquireRecorder(ctx context.Context) (Recorder, error)
	Play(ctx context.Context, url string) (Playback, error)
}

var (
	ErrReleased = errors.New("audio: recorder already released")
	ErrStopped  = errors.New("audio: playback stopped")
)
