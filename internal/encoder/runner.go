package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
)

// ErrFFmpegNotFound is returned when no ffmpeg binary can be resolved.
var ErrFFmpegNotFound = errors.New("ffmpeg not found")

// Runner executes ffmpeg and ffprobe as subprocesses.
type Runner interface {
	// Probe runs `ffmpeg -version` and `ffprobe -version`.
	Probe(ctx context.Context) (*Capabilities, error)

	// Duration returns the container duration of a media file via ffprobe.
	Duration(ctx context.Context, path string) (time.Duration, error)

	// Encode runs ffmpeg with args, reporting progress blocks to onProgress.
	Encode(ctx context.Context, args []string, outPath string, onProgress func(Progress)) (RunResult, error)

	// WorkspaceDir returns the base directory for per-run workspaces.
	WorkspaceDir() string
}

// Config holds the runner's configuration.
type Config struct {
	FFmpegPath    string        // path to ffmpeg; empty = look up on PATH
	FFprobePath   string        // path to ffprobe; empty = look up on PATH
	WorkspaceBase string        // base dir for run workspaces
	ProbeTimeout  time.Duration // timeout for -version and duration probes
	EncodeTimeout time.Duration // timeout for one encode
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(workspaceDir string, logger *slog.Logger) Config {
	return Config{
		WorkspaceBase: workspaceDir,
		ProbeTimeout:  10 * time.Second,
		EncodeTimeout: 30 * time.Minute,
		Logger:        logger,
	}
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg Config
}

// NewRunner creates a SubprocessRunner. A missing ffmpeg is not an error here;
// it is reported by Probe and by Encode.
func NewRunner(cfg Config) (*SubprocessRunner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.WorkspaceBase == "" {
		cfg.WorkspaceBase = filepath.Join(os.TempDir(), "pro_montage")
	}
	if err := os.MkdirAll(cfg.WorkspaceBase, 0755); err != nil {
		return nil, fmt.Errorf("cannot create workspace dir: %w", err)
	}

	cfg.Logger.Info("encoder runner initialised",
		"ffmpeg", displayBinary(cfg.FFmpegPath, "ffmpeg"),
		"ffprobe", displayBinary(cfg.FFprobePath, "ffprobe"),
		"workspace_dir", cfg.WorkspaceBase,
	)

	return &SubprocessRunner{cfg: cfg}, nil
}

func (r *SubprocessRunner) WorkspaceDir() string {
	return r.cfg.WorkspaceBase
}

// Probe resolves both tools and reads their versions. A probe cut short by
// ctx is an error rather than a report of missing tools.
func (r *SubprocessRunner) Probe(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	caps := &Capabilities{
		FFmpeg:   r.probeTool(ctx, r.cfg.FFmpegPath, "ffmpeg"),
		FFprobe:  r.probeTool(ctx, r.cfg.FFprobePath, "ffprobe"),
		ProbedAt: time.Now(),
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("encoder probe interrupted: %w", err)
	}

	r.cfg.Logger.Info("encoder probe complete",
		"ffmpeg", caps.FFmpeg.Available,
		"ffmpeg_version", caps.FFmpeg.Version,
		"ffprobe", caps.FFprobe.Available,
	)
	return caps, nil
}

func (r *SubprocessRunner) probeTool(ctx context.Context, preferred, name string) ToolInfo {
	path, err := resolveBinary(preferred, name)
	if err != nil {
		return ToolInfo{Error: err.Error()}
	}
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return ToolInfo{Path: path, Error: err.Error()}
	}
	return ToolInfo{Available: true, Path: path, Version: parseVersion(out)}
}

// Duration probes the container duration. Files without a duration report 0.
func (r *SubprocessRunner) Duration(ctx context.Context, path string) (time.Duration, error) {
	ffprobe, err := resolveBinary(r.cfg.FFprobePath, "ffprobe")
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"--", path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", r.safePath(path), err)
	}
	return parseSeconds(string(out)), nil
}

// Encode runs one ffmpeg invocation. The returned error is non-nil only when
// the process could not be started or ctx ended; a non-zero exit is reported
// through RunResult.
func (r *SubprocessRunner) Encode(ctx context.Context, args []string, outPath string, onProgress func(Progress)) (RunResult, error) {
	start := time.Now()

	ffmpeg, err := resolveBinary(r.cfg.FFmpegPath, "ffmpeg")
	if err != nil {
		return RunResult{ExitCode: -1, StderrTail: err.Error()}, fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}

	if r.cfg.EncodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.EncodeTimeout)
		defer cancel()
	}

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			r.cfg.Logger.Error("cannot create output dir", "error", err)
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}, nil
		}
	}

	cmdArgs := append([]string{"-progress", "pipe:1", "-nostats"}, args...)
	cmd := exec.CommandContext(ctx, ffmpeg, cmdArgs...)

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}, nil
	}

	r.cfg.Logger.Info("executing ffmpeg",
		"args", len(cmdArgs),
		"output", r.safePath(outPath),
	)

	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}, fmt.Errorf("start ffmpeg: %w", err)
	}

	// stdout must be drained before Wait
	if err := readProgress(stdout, onProgress); err != nil {
		r.cfg.Logger.Debug("progress stream ended", "error", err)
	}

	err = cmd.Wait()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()
	result := RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}

	if ctxErr := ctx.Err(); ctxErr != nil && exitCode != 0 {
		r.cfg.Logger.Warn("ffmpeg interrupted",
			"duration_ms", elapsed.Milliseconds(),
			"reason", ctxErr,
		)
		return result, ctxErr
	}

	if exitCode != 0 {
		r.cfg.Logger.Warn("ffmpeg failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		r.cfg.Logger.Info("ffmpeg succeeded",
			"duration_ms", elapsed.Milliseconds(),
			"output", r.safePath(outPath),
		)
	}

	return result, nil
}

func (r *SubprocessRunner) safePath(path string) string {
	if r.cfg.DebugPaths || path == "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

// resolveBinary finds a usable executable, preferring the configured path.
func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found", name, preferred)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("no %s binary found on PATH", name)
	}
	return p, nil
}

func displayBinary(preferred, name string) string {
	if preferred != "" {
		return preferred
	}
	return name
}

// parseVersion extracts "6.1.1" from "ffmpeg version 6.1.1 Copyright ...".
func parseVersion(out []byte) string {
	line, _, _ := strings.Cut(string(out), "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return strings.TrimSpace(line)
}

func parseSeconds(s string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
