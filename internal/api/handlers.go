package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"voicebook/engine/internal/config"
	"voicebook/engine/internal/conversation"
	"voicebook/engine/internal/health"
	"voicebook/engine/internal/transport"
)

type Handlers struct {
	cfg     config.Config
	session *conversation.Session
	client  *transport.Client
	log     *zap.Logger
}

func NewHandlers(cfg config.Config, s *conversation.Session, c *transport.Client, log *zap.Logger) *Handlers {
	return &Handlers{cfg: cfg, session: s, client: c, log: log}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := health.CheckAll(r.Context(), h.cfg)
	w.Header().Set("Content-Type", "application/json")
	if !st.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.session.Snapshot())
}

func (h *Handlers) HandleTalk(w http.ResponseWriter, r *http.Request) {
	h.session.BeginCapture(r.Context())
	writeJSON(w, map[string]any{"ok": true})
}

func (h *Handlers) HandleTalkStop(w http.ResponseWriter, r *http.Request) {
	h.session.StopCapture()
	writeJSON(w, map[string]any{"ok": true})
}

func (h *Handlers) HandleTalkCancel(w http.ResponseWriter, r *http.Request) {
	h.session.CancelCapture()
	writeJSON(w, map[string]any{"ok": true})
}

func (h *Handlers) HandleText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text           string            `json:"text"`
		ExplicitFields map[string]string `json:"explicitFields,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Text == "" && len(body.ExplicitFields) == 0 {
		http.Error(w, "text or explicitFields required", http.StatusBadRequest)
		return
	}
	h.session.ContinueWithText(r.Context(), body.Text, body.ExplicitFields)
	writeJSON(w, h.session.Snapshot())
}

func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	h.session.Confirm(r.Context())
	writeJSON(w, h.session.Snapshot())
}

func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.session.Cancel(r.Context())
	writeJSON(w, h.session.Snapshot())
}

func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.session.Reset()
	writeJSON(w, map[string]any{"ok": true})
}

func (h *Handlers) HandleRequestDetail(w http.ResponseWriter, r *http.Request, id string) {
	if h.client == nil {
		http.Error(w, "backend client unavailable", http.StatusServiceUnavailable)
		return
	}
	resp, err := h.client.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
