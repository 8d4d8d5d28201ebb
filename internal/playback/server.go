// Package playback serves processed results to the webview. Results live in
// memory; each one is tagged with the run that produced it so the video
// element can revalidate and resume ranged reads across seeks.
package playback

import (
	"bytes"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"
)

// Content is an in-memory payload to serve.
type Content struct {
	Data        []byte
	ContentType string
	// Filename is offered to the browser; Attachment forces a download.
	Filename   string
	Attachment bool
	// RunID becomes the entity tag. A new run always yields a new tag.
	RunID      string
	FinishedAt time.Time
}

// ETag is the strong entity tag for c, empty when c carries no run.
func (c Content) ETag() string {
	if c.RunID == "" {
		return ""
	}
	return strconv.Quote(c.RunID)
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeBytes writes c. Range, If-Range, If-None-Match and HEAD are handled
// by http.ServeContent against the tag and finish time of c.
func (s *Server) ServeBytes(w http.ResponseWriter, r *http.Request, c Content) {
	h := w.Header()
	contentType := c.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	if tag := c.ETag(); tag != "" {
		h.Set("ETag", tag)
	}
	if c.Filename != "" {
		disposition := "inline"
		if c.Attachment {
			disposition = "attachment"
		}
		h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": c.Filename}))
	}

	if s.logger != nil {
		s.logger.Debug("serving result",
			"run_id", c.RunID,
			"bytes", len(c.Data),
			"range", r.Header.Get("Range"),
		)
	}
	http.ServeContent(w, r, c.Filename, c.FinishedAt, bytes.NewReader(c.Data))
}
