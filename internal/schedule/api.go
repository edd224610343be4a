package schedule

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/platform/httpserver"
)

type triggerResponse struct {
	Tier     domain.Tier `json:"tier"`
	Accepted bool        `json:"accepted"`
}

// Handler serves the operator API of the schedule daemon.
func Handler(s *Scheduler, logger *slog.Logger, service string, checks ...httpserver.ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(service, checks...))
	mux.HandleFunc("GET /v1/tiers", func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"tiers": s.Status()})
	})
	mux.HandleFunc("POST /v1/runs/{tier}", func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.PathValue("tier"))
		tier, err := domain.ParseTier(raw)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_tier", err.Error())
			return
		}
		switch err := s.Trigger(tier, "api"); {
		case err == nil:
			httpserver.WriteJSON(w, http.StatusAccepted, triggerResponse{Tier: tier, Accepted: true})
		case errors.Is(err, ErrTierBusy):
			httpserver.WriteError(w, r, http.StatusConflict, "tier_busy", err.Error())
		case errors.Is(err, ErrUnknownTier):
			httpserver.WriteError(w, r, http.StatusNotFound, "tier_not_found", err.Error())
		case errors.Is(err, ErrStopped):
			httpserver.WriteError(w, r, http.StatusServiceUnavailable, "stopping", err.Error())
		default:
			httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "trigger failed")
		}
	})
	return httpserver.Wrap(logger, mux)
}
