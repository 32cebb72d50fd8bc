package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"voicebook/engine/internal/audio"
	"voicebook/engine/internal/config"
)

// Client talks to the voice booking backend. Audio-bearing calls use an
// extended timeout to tolerate speech-recognition and AI latency.
type Client struct {
	base    string
	pushURL string
	token   string
	http    *http.Client
	voice   *http.Client
	log     *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		base:    cfg.Backend.BaseURL,
		pushURL: cfg.Backend.PushURL,
		token:   cfg.Backend.AuthToken,
		http:    &http.Client{Timeout: time.Duration(cfg.Backend.RequestTimeoutMs) * time.Millisecond},
		voice:   &http.Client{Timeout: time.Duration(cfg.Backend.VoiceTimeoutMs) * time.Millisecond},
		log:     log,
	}
}

// Create submits the first utterance of a new conversation request.
func (c *Client) Create(ctx context.Context, clip audio.Clip, hints map[string]string) (*Response, error) {
	fields := map[string]string{}
	if len(hints) > 0 {
		b, err := json.Marshal(hints)
		if err != nil {
			return nil, fmt.Errorf("encode hints: %w", err)
		}
		fields["hints"] = string(b)
	}
	return c.postVoice(ctx, c.base, &clip, fields, "create")
}

// Continue appends more audio and/or free text to an existing request.
// clip may be nil for text-only continuations.
func (c *Client) Continue(ctx context.Context, requestID string, clip *audio.Clip, text string, explicit map[string]string) (*Response, error) {
	fields := map[string]string{"requestId": requestID}
	if text != "" {
		fields["additionalText"] = text
	}
	if len(explicit) > 0 {
		b, err := json.Marshal(explicit)
		if err != nil {
			return nil, fmt.Errorf("encode explicit fields: %w", err)
		}
		fields["explicitFields"] = string(b)
	}
	return c.postVoice(ctx, c.base+"/continue", clip, fields, "continue")
}

// Confirm accepts the current draft.
func (c *Client) Confirm(ctx context.Context, requestID string) (*Response, error) {
	return c.postJSON(ctx, c.base+"/confirm", map[string]string{"requestId": requestID}, "confirm")
}

// Cancel abandons the current request.
func (c *Client) Cancel(ctx context.Context, requestID string) (*Response, error) {
	return c.postJSON(ctx, c.base+"/cancel", map[string]string{"requestId": requestID}, "cancel")
}

// Get fetches the stored request detail.
func (c *Client) Get(ctx context.Context, requestID string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+requestID, nil)
	if err != nil {
		return nil, err
	}
	return c.do(c.http, req, "get")
}

// ServiceStatus fetches voice service availability flags.
func (c *Client) ServiceStatus(ctx context.Context) (*StatusInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	start := time.Now()
	resp, err := c.http.Do(req)
	metricRequests.WithLabelValues("status").Inc()
	if err != nil {
		metricRequestErrors.WithLabelValues("status").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	c.log.Debug("service status", zap.Int("code", resp.StatusCode), zap.Duration("took", time.Since(start)))
	if resp.StatusCode/100 != 2 {
		metricRequestErrors.WithLabelValues("status").Inc()
		return nil, backendError(resp)
	}
	var info StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &info, nil
}

func (c *Client) postVoice(ctx context.Context, url string, clip *audio.Clip, fields map[string]string, op string) (*Response, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if clip != nil {
		part, err := w.CreateFormFile("audio", clip.Filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(clip.Data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(c.voice, req, op)
}

func (c *Client) postJSON(ctx context.Context, url string, payload any, op string) (*Response, error) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(c.http, req, op)
}

func (c *Client) do(hc *http.Client, req *http.Request, op string) (*Response, error) {
	c.authorize(req)
	start := time.Now()
	metricRequests.WithLabelValues(op).Inc()
	resp, err := hc.Do(req)
	if err != nil {
		metricRequestErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("voice %s: %w", op, err)
	}
	defer resp.Body.Close()
	metricRequestLatency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))

	if resp.StatusCode/100 != 2 {
		metricRequestErrors.WithLabelValues(op).Inc()
		return nil, backendError(resp)
	}
	out, err := decodeResponse(resp.Body)
	if err != nil {
		metricRequestErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("voice %s: %w", op, err)
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// backendError extracts the backend's error shape from a non-2xx body. The
// message text is preserved verbatim: confirm/cancel classification depends
// on it.
func backendError(resp *http.Response) error {
	be := &BackendError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Message      string `json:"message"`
		ErrorDetails string `json:"errorDetails"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		be.Message = parsed.Message
		if be.Message == "" {
			be.Message = parsed.Error
		}
		be.Details = parsed.ErrorDetails
	}
	if be.Message == "" {
		be.Message = string(body)
	}
	return be
}
