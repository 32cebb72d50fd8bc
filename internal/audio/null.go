package audio

import (
	"context"
	"errors"
)

// ErrNoDevice is returned by NullDevice for every capture or playback
// attempt.
var ErrNoDevice = errors.New("audio: no device configured")

// NullDevice is the AUDIO_DRIVER=none backend for headless deployments:
// mode switches succeed, capture and playback do not.
type NullDevice struct{}

func (NullDevice) SetMode(ctx context.Context, m Mode) error { return nil }

func (NullDevice) AcquireRecorder(ctx context.Context) (Recorder, error) {
	return nil, ErrNoDevice
}

func (NullDevice) Play(ctx context.Context, url string) (Playback, error) {
	return nil, ErrNoDevice
}
