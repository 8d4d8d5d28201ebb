package api

import (
	"net/http"

	"github.com/promontage/montage-agent/internal/export"
	"github.com/promontage/montage-agent/internal/playback"
)

// resultHandler serves the processed video of the session's last run. The
// filename carries the time the run produced it.
func resultHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}
		res, err := s.Result()
		if err != nil {
			WriteFailure(w, err)
			return
		}

		finished := s.Orchestrator().Status().FinishedAt
		download := r.URL.Query().Get("download")
		content := playback.Content{
			Data:        res.Data,
			ContentType: res.ContentType,
			Filename:    export.ResultFilename(finished),
			Attachment:  download == "1" || download == "true",
			RunID:       res.RunID,
			FinishedAt:  finished,
		}

		server := cfg.Playback
		if server == nil {
			server = playback.NewServer(cfg.Logger)
		}
		server.ServeBytes(w, r, content)
	}
}
