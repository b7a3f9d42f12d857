package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/core/service"
)

type HTTPHandler struct {
	orchestrator *service.Orchestrator
}

type SubmitHTTPRequest struct {
	SourceRef string `json:"source_ref"`
}

type ListingView struct {
	ID            string     `json:"id"`
	SourceRef     string     `json:"source_ref"`
	State         string     `json:"state"`
	FailedFrom    string     `json:"failed_from,omitempty"`
	Attempts      int        `json:"attempts"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Price         string     `json:"price,omitempty"`
	DestinationID string     `json:"destination_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewHTTPHandler(orchestrator *service.Orchestrator) *HTTPHandler {
	return &HTTPHandler{orchestrator: orchestrator}
}

// Register mounts the operator API on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/submit", h.Submit)
	mux.HandleFunc("GET /api/listings/failed", h.ListFailed)
	mux.HandleFunc("POST /api/listings/{id}/retry", h.Retry)
	mux.HandleFunc("GET /api/quota", h.Quota)
}

func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body"})
		return
	}

	l, err := h.orchestrator.Submit(r.Context(), req.SourceRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toListingView(l))
}

func (h *HTTPHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid limit"})
			return
		}
		limit = n
	}

	listings, err := h.orchestrator.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]ListingView, 0, len(listings))
	for i := range listings {
		out = append(out, toListingView(&listings[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) Retry(w http.ResponseWriter, r *http.Request) {
	l, err := h.orchestrator.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toListingView(l))
}

func (h *HTTPHandler) Quota(w http.ResponseWriter, r *http.Request) {
	n, err := h.orchestrator.QuotaRemaining(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"remaining": n,
		"resets_at": service.NextQuotaReset(time.Now()),
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toListingView(l *domain.Listing) ListingView {
	resp := ListingView{
		ID:            l.ID,
		SourceRef:     l.SourceRef,
		State:         string(l.State),
		FailedFrom:    string(l.FailedFrom),
		Attempts:      l.Attempts,
		NextAttemptAt: l.NextAttemptAt,
		DestinationID: l.DestinationID,
		UpdatedAt:     l.UpdatedAt,
	}
	if !l.DestinationPrice.IsZero() {
		resp.Price = l.DestinationPrice.String()
	}
	if l.LastError != nil {
		resp.ErrorKind = string(l.LastError.Kind)
		resp.ErrorMessage = l.LastError.Message
	}
	return resp
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrEmptySourceRef):
		return http.StatusBadRequest, "source_ref is required"
	case errors.Is(err, domain.ErrListingNotFound):
		return http.StatusNotFound, "listing not found"
	case errors.Is(err, service.ErrListingBusy):
		return http.StatusConflict, "listing is being processed"
	case errors.Is(err, service.ErrNotRetryable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable, "pipeline queue full"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	writeJSON(w, status, ErrorHTTPResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
