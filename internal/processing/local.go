package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/promontage/montage-agent/internal/encoder"
	"github.com/promontage/montage-agent/internal/failure"
)

const (
	avatarInputName = "avatar.mp4"
	outputName      = "output.mp4"
)

// LocalBackend encodes with the native ffmpeg toolchain in a per-run
// workspace.
type LocalBackend struct {
	runner encoder.Runner
	lock   *encoder.EncodeLock
	logger *slog.Logger
}

func NewLocalBackend(runner encoder.Runner, logger *slog.Logger) *LocalBackend {
	return &LocalBackend{
		runner: runner,
		lock:   encoder.NewEncodeLock(runner.WorkspaceDir()),
		logger: logger,
	}
}

func (b *LocalBackend) Name() string            { return BackendLocal }
func (b *LocalBackend) SupportsSubtitles() bool { return false }
func (b *LocalBackend) ReportsProgress() bool   { return true }

func (b *LocalBackend) Stage(ctx context.Context, req StageRequest) (Job, error) {
	if req.Subtitles.Enabled {
		return nil, failure.Validation("subtitles are only available with server processing")
	}

	ws, err := encoder.NewWorkspace(b.runner.WorkspaceDir(), req.RunID)
	if err != nil {
		return nil, failure.Processing(err, "cannot prepare the processing workspace")
	}

	job := &localJob{backend: b, req: req, ws: ws}
	if err := job.stage(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	return job, nil
}

type localJob struct {
	backend *LocalBackend
	req     StageRequest
	ws      *encoder.Workspace

	avatarPath    string
	secondaryPath string
	expected      time.Duration
}

func (j *localJob) stage(ctx context.Context) error {
	var err error
	j.avatarPath, err = j.copyIn(avatarInputName, j.req.Avatar)
	if err != nil {
		return err
	}
	j.secondaryPath, err = j.copyIn(secondaryInputName(j.req.Secondary.Filename), j.req.Secondary)
	if err != nil {
		return err
	}

	// The output is trimmed to the shorter input, so progress is measured
	// against it. Unknown durations leave progress at the start of the range.
	j.expected = j.shortestDuration(ctx, j.avatarPath, j.secondaryPath)
	return nil
}

func (j *localJob) copyIn(name string, m Media) (string, error) {
	rc, err := m.Open()
	if err != nil {
		return "", failure.Processing(err, "cannot read "+displayName(m.Filename, name))
	}
	defer rc.Close()

	path, _, err := j.ws.Stage(name, rc)
	if err != nil {
		return "", failure.Processing(err, "cannot stage "+displayName(m.Filename, name))
	}
	return path, nil
}

func (j *localJob) shortestDuration(ctx context.Context, paths ...string) time.Duration {
	var shortest time.Duration
	for _, p := range paths {
		d, err := j.backend.runner.Duration(ctx, p)
		if err != nil {
			j.backend.logger.Debug("duration probe failed", "file", filepath.Base(p), "error", err)
			continue
		}
		if d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	return shortest
}

func (j *localJob) Encode(ctx context.Context, progress func(float64)) error {
	if err := j.backend.lock.Acquire(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return failure.BackendUnavailable(err, "the local encoder is busy")
	}
	defer func() {
		if err := j.backend.lock.Release(); err != nil {
			j.backend.logger.Warn("failed to release encode lock", "error", err)
		}
	}()

	out := j.ws.Path(outputName)
	args := j.req.Plan.Args(j.avatarPath, j.secondaryPath, out)

	res, err := j.backend.runner.Encode(ctx, args, out, func(p encoder.Progress) {
		if progress != nil {
			progress(encoder.Fraction(p, j.expected))
		}
	})
	if err != nil {
		if errors.Is(err, encoder.ErrFFmpegNotFound) {
			return failure.BackendUnavailable(err, "ffmpeg is not installed on this machine")
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return failure.Processing(err, "video processing timed out")
		}
		return failure.Processing(err, "cannot start ffmpeg")
	}
	if !res.IsSuccess() {
		cause := fmt.Errorf("ffmpeg exited %d: %s", res.ExitCode, res.StderrTail)
		return failure.Processing(cause, fmt.Sprintf("video processing failed: %s", lastLine(res.StderrTail)))
	}
	return nil
}

func (j *localJob) Result(ctx context.Context) ([]byte, error) {
	data, err := j.ws.ReadFile(outputName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, failure.Processing(err, "output file was not created")
		}
		return nil, failure.Processing(err, "cannot read the output file")
	}
	if len(data) == 0 {
		return nil, failure.New(failure.KindProcessing, "output file is empty")
	}
	return data, nil
}

func (j *localJob) Close() error {
	return j.ws.Close()
}

// secondaryInputName keeps the upload's extension so ffmpeg can pick the
// demuxer from it.
func secondaryInputName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 6 {
		ext = ".mp4"
	}
	return "second" + ext
}

func displayName(filename, fallback string) string {
	if filename == "" {
		return fallback
	}
	return filename
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "unknown error"
}
