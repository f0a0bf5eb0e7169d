package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/notify"
	"github.com/erg0nix/parley/internal/session"
)

const eventBuffer = 256

// Controller is the part of the orchestrator the HTTP surface drives.
type Controller interface {
	SendTurn(text string) error
	CancelActiveTurn()
	ClearConversation() error
	SetSystemPrompt(text string) error
	UpdateWindowSize(n int) error
	UpdateRetentionPolicy(maxMessages, evictKeep int) error
	UpdateInactivityTimeout(seconds int) error
	SetInactivityEnabled(enabled bool) error
	Snapshot() ([]core.Message, error)
	State() (session.State, error)
	Sink() *notify.Sink
}

type turnRequest struct {
	Text string `json:"text"`
}

// settingsRequest applies only the fields that are present.
type settingsRequest struct {
	SystemPrompt             *string `json:"system_prompt,omitempty"`
	WindowSize               *int    `json:"window_size,omitempty"`
	MaxMessages              *int    `json:"max_messages,omitempty"`
	EvictKeep                *int    `json:"evict_keep,omitempty"`
	InactivityTimeoutSeconds *int    `json:"inactivity_timeout_seconds,omitempty"`
	InactivityEnabled        *bool   `json:"inactivity_enabled,omitempty"`
}

type conversationResponse struct {
	State    string         `json:"state"`
	Messages []core.Message `json:"messages"`
}

type handler struct {
	ctrl      Controller
	retention func() (int, int)
	logger    *slog.Logger
}

// NewHandler returns the HTTP control surface. retention reports the current
// max_messages and evict_keep so partial retention updates keep the other value.
func NewHandler(ctrl Controller, retention func() (int, int), gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &handler{ctrl: ctrl, retention: retention, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turns", h.sendTurn)
	mux.HandleFunc("POST /v1/cancel", h.cancel)
	mux.HandleFunc("POST /v1/clear", h.clear)
	mux.HandleFunc("POST /v1/settings", h.updateSettings)
	mux.HandleFunc("GET /v1/conversation", h.conversation)
	mux.HandleFunc("GET /v1/events", h.events)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

func (h *handler) sendTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if err := h.ctrl.SendTurn(req.Text); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handler) cancel(w http.ResponseWriter, _ *http.Request) {
	h.ctrl.CancelActiveTurn()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *handler) clear(w http.ResponseWriter, _ *http.Request) {
	if err := h.ctrl.ClearConversation(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if err := h.applySettings(req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *handler) applySettings(req settingsRequest) error {
	if req.SystemPrompt != nil {
		if err := h.ctrl.SetSystemPrompt(*req.SystemPrompt); err != nil {
			return err
		}
	}

	if req.WindowSize != nil {
		if err := h.ctrl.UpdateWindowSize(*req.WindowSize); err != nil {
			return err
		}
	}

	if req.MaxMessages != nil || req.EvictKeep != nil {
		maxMessages, evictKeep := h.retention()
		if req.MaxMessages != nil {
			maxMessages = *req.MaxMessages
		}
		if req.EvictKeep != nil {
			evictKeep = *req.EvictKeep
		}
		if err := h.ctrl.UpdateRetentionPolicy(maxMessages, evictKeep); err != nil {
			return err
		}
	}

	if req.InactivityTimeoutSeconds != nil {
		if err := h.ctrl.UpdateInactivityTimeout(*req.InactivityTimeoutSeconds); err != nil {
			return err
		}
	}

	if req.InactivityEnabled != nil {
		if err := h.ctrl.SetInactivityEnabled(*req.InactivityEnabled); err != nil {
			return err
		}
	}

	return nil
}

func (h *handler) conversation(w http.ResponseWriter, _ *http.Request) {
	state, err := h.ctrl.State()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	messages, err := h.ctrl.Snapshot()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, conversationResponse{State: state.String(), Messages: messages})
}

// events streams every feed of the sink as server-sent events until the client goes away.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sink := h.ctrl.Sink()
	text, unsubText := sink.Text.Subscribe(eventBuffer)
	defer unsubText()
	generating, unsubGenerating := sink.Generating.Subscribe(eventBuffer)
	defer unsubGenerating()
	usage, unsubUsage := sink.Usage.Subscribe(eventBuffer)
	defer unsubUsage()
	unloaded, unsubUnloaded := sink.Unloaded.Subscribe(eventBuffer)
	defer unsubUnloaded()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(eventType string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Warn("failed to encode event", "type", eventType, "error", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		var alive bool

		select {
		case <-r.Context().Done():
			return
		case event, ok := <-text:
			if !ok {
				return
			}
			alive = emit(string(event.Kind), event)
		case value, ok := <-generating:
			if !ok {
				return
			}
			alive = emit("generating", map[string]bool{"generating": value})
		case value, ok := <-usage:
			if !ok {
				return
			}
			alive = emit("usage", value)
		case event, ok := <-unloaded:
			if !ok {
				return
			}
			alive = emit("unloaded", event)
		}

		if !alive {
			return
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
