// Package encoder runs the native ffmpeg toolchain as subprocesses: capability
// probing, input duration probing, and filter graph encodes with progress
// reporting. It also owns the per-run workspace where inputs are staged.
package encoder

import "time"

// ToolInfo describes one probed executable.
type ToolInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Capabilities reports what the local toolchain can do.
type Capabilities struct {
	FFmpeg  ToolInfo `json:"ffmpeg"`
	FFprobe ToolInfo `json:"ffprobe"`

	ProbedAt time.Time `json:"probed_at"`
}

// CanEncode is true when ffmpeg is usable. ffprobe is optional; without it
// encodes still run but report no fractional progress.
func (c Capabilities) CanEncode() bool {
	return c.FFmpeg.Available
}

// RunResult is the structured outcome of one ffmpeg subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// Progress is one snapshot of ffmpeg's -progress output.
type Progress struct {
	OutTime time.Duration
	Speed   string
	Done    bool
}
