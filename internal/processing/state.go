// Package processing runs one composition from a confirmed start to a result:
// it fetches the avatar clip, stages both inputs on the selected backend,
// encodes, and reads the result back, reporting state and progress as it goes.
// Every error that leaves a run is classified with a failure.Kind.
package processing

import (
	"time"

	"github.com/promontage/montage-agent/internal/failure"
)

// State is a step of the processing workflow.
type State string

const (
	StateIdle State = "idle"
	// StateStarting covers the accepted run before its first step.
	StateStarting       State = "starting"
	StateFetchingAvatar State = "fetching_avatar"
	StateStagingInputs  State = "staging_inputs"
	StateEncoding       State = "encoding"
	StateFinalizing     State = "finalizing"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transition can happen in this run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Active reports whether a run is in flight.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// Progress percentages at each step. Encoding maps backend progress onto
// [ProgressEncoding, ProgressFinalizing].
const (
	ProgressFetching   = 10
	ProgressStaging    = 20
	ProgressEncoding   = 30
	ProgressFinalizing = 90
	ProgressDone       = 100
)

// Event is published on every state or progress change of a run.
type Event struct {
	RunID    string `json:"run_id"`
	State    State  `json:"state"`
	Progress int    `json:"progress"`
	// Indeterminate is set while encoding on a backend without incremental
	// progress.
	Indeterminate bool         `json:"indeterminate,omitempty"`
	Message       string       `json:"message,omitempty"`
	Kind          failure.Kind `json:"kind,omitempty"`
	Hint          string       `json:"hint,omitempty"`
	At            time.Time    `json:"at"`
}

// Status is a snapshot of the orchestrator.
type Status struct {
	RunID         string         `json:"run_id,omitempty"`
	Backend       string         `json:"backend"`
	State         State          `json:"state"`
	Progress      int            `json:"progress"`
	Indeterminate bool           `json:"indeterminate,omitempty"`
	Error         *failure.Error `json:"-"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
}

// Result is the composited video of a finished run.
type Result struct {
	RunID       string        `json:"run_id"`
	Backend     string        `json:"backend"`
	Data        []byte        `json:"-"`
	ContentType string        `json:"content_type"`
	Size        int64         `json:"size"`
	Elapsed     time.Duration `json:"elapsed"`
}

// stepMessage is the user-facing status line of each step.
func stepMessage(s State, backend string) string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateFetchingAvatar:
		return "Downloading the avatar video"
	case StateStagingInputs:
		return "Preparing videos"
	case StateEncoding:
		if backend == BackendRemote {
			return "Processing on the server"
		}
		return "Processing video"
	case StateFinalizing:
		return "Reading the result"
	case StateDone:
		return "Done"
	default:
		return ""
	}
}
