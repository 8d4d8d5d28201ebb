package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/session"
)

// multipartOverhead is allowed on top of the upload limit for part headers
// and boundaries.
const multipartOverhead = 1 << 20

func lookupSession(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if cfg.Sessions == nil {
		WriteError(w, http.StatusServiceUnavailable, "sessions are not available", "UNAVAILABLE")
		return nil, false
	}
	s, err := cfg.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		WriteFailure(w, err)
		return nil, false
	}
	return s, true
}

func createSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Sessions == nil {
			WriteError(w, http.StatusServiceUnavailable, "sessions are not available", "UNAVAILABLE")
			return
		}

		params := session.ParseLaunchParams(r.URL.Query())
		if params.VideoURL == "" && r.ContentLength != 0 && isJSON(r) {
			var req CreateSessionRequest
			if err := decodeJSON(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
				return
			}
			params = session.LaunchParams{
				VideoURL:  req.VideoURL,
				ServerURL: req.ServerURL,
				UserID:    req.UserID,
			}.Decoded()
		}
		// A missing video_url is reported when processing starts, so the
		// webview can still show the session.
		s, err := cfg.Sessions.Create(r.Context(), params)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		w.Header().Set("Location", "/sessions/"+s.ID)
		WriteJSON(w, http.StatusCreated, s.View())
	}
}

func getSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, s.View())
	}
}

func closeSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Sessions == nil {
			WriteError(w, http.StatusServiceUnavailable, "sessions are not available", "UNAVAILABLE")
			return
		}
		if err := cfg.Sessions.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
			WriteFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func resetSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}
		if err := s.Reset(r.Context()); err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.View())
	}
}

func setModeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}

		var req ModeRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		mode, err := composition.ParseMode(req.Mode)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		if err := s.Settings().SetMode(mode); err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.Settings().Snapshot())
	}
}

func setLayoutHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}

		var req LayoutRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		if req.Position == nil && req.Ratio == nil {
			WriteError(w, http.StatusBadRequest, "position or ratio is required", "VALIDATION_ERROR")
			return
		}

		// Both values are checked before either is applied.
		var position composition.Position
		if req.Position != nil {
			p, err := composition.ParsePosition(*req.Position)
			if err != nil {
				WriteFailure(w, err)
				return
			}
			position = p
		}
		if req.Ratio != nil {
			if err := composition.ValidateRatio(*req.Ratio); err != nil {
				WriteFailure(w, err)
				return
			}
		}

		settings := s.Settings()
		if req.Position != nil {
			if err := settings.SetPosition(position); err != nil {
				WriteFailure(w, err)
				return
			}
		}
		if req.Ratio != nil {
			if err := settings.SetRatio(*req.Ratio); err != nil {
				WriteFailure(w, err)
				return
			}
		}
		WriteJSON(w, http.StatusOK, settings.Snapshot())
	}
}

func setSubtitlesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}

		var req SubtitlesRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		if err := s.Settings().SetSubtitles(req.Enabled, strings.TrimSpace(req.TemplateID)); err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.Settings().Snapshot())
	}
}

func templatesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}

		if refresh := r.URL.Query().Get("refresh"); refresh == "1" || refresh == "true" {
			// The failure is kept on the session and shown below.
			_ = s.LoadTemplates(r.Context())
		}

		view := s.View()
		templates := view.Settings.Templates
		if templates == nil {
			templates = []composition.Template{}
		}
		WriteJSON(w, http.StatusOK, TemplatesResponse{
			Templates: templates,
			Supported: view.Settings.SubtitlesSupported,
			Error:     view.TemplatesError,
		})
	}
}

func uploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}

		maxBytes := cfg.MaxUploadBytes
		if maxBytes <= 0 {
			maxBytes = composition.DefaultMaxUploadBytes
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

		mr, err := r.MultipartReader()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "expected a multipart/form-data upload", "VALIDATION_ERROR")
			return
		}

		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				WriteError(w, http.StatusBadRequest, "missing file field", "VALIDATION_ERROR")
				return
			}
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					WriteError(w, http.StatusRequestEntityTooLarge, "upload is too large", "VALIDATION_ERROR")
					return
				}
				WriteError(w, http.StatusBadRequest, "malformed multipart body", "VALIDATION_ERROR")
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}

			video, err := s.Upload(part.FileName(), part.Header.Get("Content-Type"), part)
			part.Close()
			if err != nil {
				WriteFailure(w, err)
				return
			}
			WriteJSON(w, http.StatusCreated, UploadResponse{SecondaryVideo: video, Summary: video.Summary()})
			return
		}
	}
}

func planHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}
		plan, err := s.Plan()
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, planResponse(plan, s.Settings().Snapshot().Subtitles))
	}
}

func startProcessHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}
		runID, err := s.Start(r.Context())
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, ProcessResponse{RunID: runID})
	}
}

func cancelProcessHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, CancelResponse{Canceled: s.Cancel()})
	}
}

func handoffHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}
		h, err := s.Handoff()
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, h)
	}
}

func isJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}
