package transport

import (
	"encoding/json"
	"fmt"
	"io"
)

// decodeResponse reads a backend body that is either the canonical shape at
// the top level or the same shape nested under a generic "data" wrapper,
// and returns the unwrapped, validated response.
func decodeResponse(r io.Reader) (*Response, error) {
	var probe struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&probe); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	resp := probe.Response
	if resp.Status == "" && len(probe.Data) > 0 {
		resp = Response{}
		if err := json.Unmarshal(probe.Data, &resp); err != nil {
			return nil, fmt.Errorf("decode wrapped response: %w", err)
		}
	}
	if err := validate(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func validate(r *Response) error {
	if !r.Status.known() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Preview != nil && r.Preview.TotalAmount < 0 {
		return fmt.Errorf("negative preview total %d", r.Preview.TotalAmount)
	}
	for _, line := range previewLines(r.Preview) {
		if line.ServiceName == "" {
			return fmt.Errorf("preview line missing service name")
		}
	}
	return nil
}

func previewLines(p *Preview) []ServiceLine {
	if p == nil {
		return nil
	}
	return p.Services
}

// PushEvent is one push-channel frame. It mirrors the canonical response
// plus an event discriminator.
type PushEvent struct {
	Event string `json:"event"`
	Response
}

// Normalize converts a push event into the canonical response, deriving a
// status from the event type when the payload carries none.
func (e PushEvent) Normalize() Response {
	resp := e.Response
	if resp.Status == "" {
		switch e.Event {
		case "RECEIVED", "TRANSCRIBING":
			resp.Status = StatusProcessing
		default:
			resp.Status = Status(e.Event)
		}
	}
	return resp
}
