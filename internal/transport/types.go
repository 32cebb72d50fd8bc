package transport

import "fmt"

// Status is the canonical lifecycle state of a conversation request.
type Status string

const (
	StatusProcessing           Status = "PROCESSING"
	StatusPartial              Status = "PARTIAL"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusCancelled            Status = "CANCELLED"
)

// Terminal reports whether the request can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Continuable reports whether more audio or text may be appended.
func (s Status) Continuable() bool {
	return s == StatusPartial
}

func (s Status) known() bool {
	switch s {
	case StatusProcessing, StatusPartial, StatusAwaitingConfirmation,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SpeechPayload is a synthesized-speech pair: display text plus its audio.
type SpeechPayload struct {
	Text     string `json:"text"`
	AudioURL string `json:"audioUrl"`
}

type Speech struct {
	Message       *SpeechPayload `json:"message,omitempty"`
	Clarification *SpeechPayload `json:"clarification,omitempty"`
}

type ServiceLine struct {
	ServiceName string `json:"serviceName"`
	Quantity    int    `json:"quantity"`
	Subtotal    int64  `json:"subtotal"`
}

// Preview is the draft booking summary shown for confirmation.
type Preview struct {
	Address     string        `json:"address,omitempty"`
	BookingTime string        `json:"bookingTime,omitempty"`
	Services    []ServiceLine `json:"services,omitempty"`
	TotalAmount int64         `json:"totalAmount"`
}

// Response is the one canonical shape handed to the conversation engine,
// whether it arrived over REST or the push channel.
type Response struct {
	Success              bool     `json:"success"`
	Message              string   `json:"message,omitempty"`
	Status               Status   `json:"status"`
	RequestID            string   `json:"requestId,omitempty"`
	Transcript           string   `json:"transcript,omitempty"`
	MissingFields        []string `json:"missingFields,omitempty"`
	ClarificationMessage string   `json:"clarificationMessage,omitempty"`
	Preview              *Preview `json:"preview,omitempty"`
	BookingID            string   `json:"bookingId,omitempty"`
	Speech               *Speech  `json:"speech,omitempty"`
	ErrorDetails         string   `json:"errorDetails,omitempty"`
	IsFinal              bool     `json:"isFinal"`
}

// StatusInfo describes voice service availability.
type StatusInfo struct {
	Available bool            `json:"available"`
	Message   string          `json:"message,omitempty"`
	Features  map[string]bool `json:"features,omitempty"`
}

// BackendError carries the backend's own account of a failed call.
type BackendError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *BackendError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("backend %d: %s (%s)", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("backend %d: %s", e.StatusCode, e.Message)
}
