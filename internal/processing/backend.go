package processing

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/filtergraph"
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Media is one composition input, either in memory or spooled to disk.
type Media struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
	Path        string
}

// Open returns a fresh reader over the media content.
func (m Media) Open() (io.ReadCloser, error) {
	if m.Data != nil || m.Path == "" {
		return io.NopCloser(bytes.NewReader(m.Data)), nil
	}
	return os.Open(m.Path)
}

// StageRequest is everything a backend needs for one run.
type StageRequest struct {
	RunID     string
	Avatar    Media
	Secondary Media
	Plan      filtergraph.Plan
	Subtitles composition.SubtitleOptions
}

// Backend transcodes a staged composition. Implementations classify their own
// failures with the failure package where they know the cause.
type Backend interface {
	Name() string
	SupportsSubtitles() bool
	// ReportsProgress is false when Encode never calls its progress func.
	ReportsProgress() bool
	Stage(ctx context.Context, req StageRequest) (Job, error)
}

// Job is a staged composition on one backend.
type Job interface {
	// Encode runs the transcode. progress receives completion in [0,1].
	Encode(ctx context.Context, progress func(fraction float64)) error
	// Result returns the encoded output.
	Result(ctx context.Context) ([]byte, error)
	Close() error
}
