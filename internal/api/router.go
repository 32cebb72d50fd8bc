package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h.HandleHealth(w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.HandleState(w, r)
	})

	post := func(path string, fn http.HandlerFunc) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			fn(w, r)
		})
	}
	post("/talk", h.HandleTalk)
	post("/talk/stop", h.HandleTalkStop)
	post("/talk/cancel", h.HandleTalkCancel)
	post("/text", h.HandleText)
	post("/confirm", h.HandleConfirm)
	post("/cancel", h.HandleCancel)
	post("/reset", h.HandleReset)

	mux.HandleFunc("/requests/", func(w http.ResponseWriter, r *http.Request) {
		// /requests/{id}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/requests/"), "/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		h.HandleRequestDetail(w, r, id)
	})

	return mux
}
