package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/promontage/montage-agent/internal/history"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(cfg.AllowedOrigins...))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		if cfg.AuthRequired {
			r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))
		}

		r.Get("/runs", listRunsHandler(cfg))
		r.Post("/sessions", createSessionHandler(cfg))

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", getSessionHandler(cfg))
			r.Delete("/", closeSessionHandler(cfg))
			r.Post("/reset", resetSessionHandler(cfg))
			r.Put("/mode", setModeHandler(cfg))
			r.Put("/layout", setLayoutHandler(cfg))
			r.Put("/subtitles", setSubtitlesHandler(cfg))
			r.Get("/templates", templatesHandler(cfg))
			r.Post("/video", uploadHandler(cfg))
			r.Get("/plan", planHandler(cfg))
			r.Post("/process", startProcessHandler(cfg))
			r.Delete("/process", cancelProcessHandler(cfg))
			r.Get("/events", eventsHandler(cfg))
			r.Get("/handoff", handoffHandler(cfg))

			r.With(LoopbackGuard()).Get("/result", resultHandler(cfg))
			r.With(LoopbackGuard()).Head("/result", resultHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		resp := HealthResponse{
			Status:     "ok",
			Version:    cfg.Version,
			UptimeS:    uptime,
			InstanceID: cfg.InstanceID,
		}
		if cfg.Sessions != nil {
			resp.Sessions = cfg.Sessions.Len()
		}
		if cfg.Doctor != nil {
			// Re-probes only once the cached result has expired. A client
			// hanging up must not be recorded as a failed probe.
			_, _ = cfg.Doctor.Get(context.WithoutCancel(r.Context()))
			resp.Encoder = encoderHealth(cfg.Doctor.Report())
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.History == nil {
			WriteJSON(w, http.StatusOK, RunsResponse{Runs: []RunResponse{}})
			return
		}

		limit := history.DefaultListLimit
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "VALIDATION_ERROR")
				return
			}
			if n > history.MaxListLimit {
				n = history.MaxListLimit
			}
			limit = n
		}

		runs, err := cfg.History.ListRuns(r.Context(), limit)
		if err != nil {
			cfg.Logger.Error("failed to list runs", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list runs", "INTERNAL_ERROR")
			return
		}

		resp := make([]RunResponse, len(runs))
		for i, run := range runs {
			resp[i] = RunToResponse(run)
		}
		WriteJSON(w, http.StatusOK, RunsResponse{Runs: resp})
	}
}
