// Package classify maps failures from transport and audio into the
// engine's recovery taxonomy: retryable/silent vs user-visible/fatal.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"voicebook/engine/internal/config"
	"voicebook/engine/internal/transport"
)

type Class int

const (
	None Class = iota
	// Transient covers network and timeout failures. Surfaced as an inline
	// error, capture left idle so the user can retry by pressing the mic.
	Transient
	// AmbiguousSuccess is an error-shaped confirm/cancel response whose
	// message text matches known success phrasing. Treated as success.
	AmbiguousSuccess
	// Fatal ends the request; the user must start over.
	Fatal
	// Resource is a microphone or playback failure. Always absorbed and
	// logged, never blocking.
	Resource
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case AmbiguousSuccess:
		return "ambiguous_success"
	case Fatal:
		return "fatal"
	case Resource:
		return "resource"
	}
	return "none"
}

type Action string

const (
	ActionConfirm Action = "confirm"
	ActionCancel  Action = "cancel"
)

type Classifier struct {
	cancelWords  []string
	confirmWords []string
}

func New(cfg config.Config) *Classifier {
	return &Classifier{
		cancelWords:  cfg.Conversation.CancelSuccessWords,
		confirmWords: cfg.Conversation.ConfirmSuccessWords,
	}
}

// Submission classifies a create/continue failure.
func (cl *Classifier) Submission(err error) Class {
	if err == nil {
		return None
	}
	if isNetwork(err) {
		return Transient
	}
	return Fatal
}

// ActionOutcome classifies a confirm/cancel failure. A backend error whose
// human-readable message contains known success phrasing is reclassified as
// AmbiguousSuccess. This tolerates a backend contract defect: do not extend
// the keyword lists beyond what the backend is known to emit.
func (cl *Classifier) ActionOutcome(a Action, err error) Class {
	if err == nil {
		return None
	}
	var be *transport.BackendError
	if errors.As(err, &be) {
		words := cl.confirmWords
		if a == ActionCancel {
			words = cl.cancelWords
		}
		msg := strings.ToLower(be.Message)
		for _, w := range words {
			if w != "" && strings.Contains(msg, strings.ToLower(w)) {
				return AmbiguousSuccess
			}
		}
		return Fatal
	}
	if isNetwork(err) {
		return Transient
	}
	return Fatal
}

// Device classifies audio failures; they are always absorbed.
func Device(err error) Class {
	if err == nil {
		return None
	}
	return Resource
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
