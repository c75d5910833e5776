package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/velmie/edgeagent/outbox"
	"github.com/velmie/edgeagent/tenant"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

type statsResponse struct {
	outbox.Stats
	Timestamp time.Time `json:"timestamp"`
}

type listResponse struct {
	Total    int              `json:"total"`
	Messages []outbox.Message `json:"messages"`
}

type cleanupResponse struct {
	Removed       int64     `json:"removed"`
	RetentionDays int       `json:"retention_days"`
	Timestamp     time.Time `json:"timestamp"`
}

type bindingRequest struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: h.now(),
		Service:   serviceName,
		Version:   h.cfg.Version,
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cfg.Outbox.Stats(r.Context())
	if err != nil {
		h.logger.Error("outbox stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load outbox stats")

		return
	}

	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Timestamp: h.now()})
}

func (h *handler) listByStatus(status outbox.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 100)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")

			return
		}

		messages, err := h.cfg.Outbox.ListByStatus(r.Context(), status, limit)
		if err != nil {
			h.logger.Error("outbox list failed", zap.Stringer("status", status), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list outbox messages")

			return
		}
		if messages == nil {
			messages = []outbox.Message{}
		}

		writeJSON(w, http.StatusOK, listResponse{Total: len(messages), Messages: messages})
	}
}

func (h *handler) cleanup(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", h.cfg.RetentionDays)
	if err != nil || days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")

		return
	}

	removed, err := h.cfg.Outbox.PurgeOld(r.Context(), days)
	if err != nil {
		if errors.Is(err, outbox.ErrRetentionInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())

			return
		}
		h.logger.Error("outbox cleanup failed", zap.Int("days", days), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clean up outbox messages")

		return
	}

	h.logger.Info("outbox cleanup requested", zap.Int("days", days), zap.Int64("removed", removed))
	writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed, RetentionDays: days, Timestamp: h.now()})
}

func (h *handler) getBinding(w http.ResponseWriter, r *http.Request) {
	status, err := h.cfg.Binding.Status(r.Context())
	if err != nil {
		h.logger.Error("binding status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load agent binding")

		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *handler) putBinding(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	binding, err := h.cfg.Binding.Save(r.Context(), req.Token)
	switch {
	case errors.Is(err, tenant.ErrTokenRequired), errors.Is(err, tenant.ErrInvalidToken),
		errors.Is(err, tenant.ErrTenantMissing):
		h.logger.Warn("binding token rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())

		return
	case err != nil:
		h.logger.Error("binding save failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save agent binding")

		return
	}

	h.logger.Info("agent bound", zap.String("tenant_id", binding.TenantID), zap.String("agent_name", binding.AgentName))

	status, err := h.cfg.Binding.Status(r.Context())
	if err != nil {
		h.logger.Error("binding status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load agent binding")

		return
	}

	writeJSON(w, http.StatusOK, status)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}

	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
