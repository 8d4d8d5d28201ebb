// Package history journals processing runs in sqlite. Only metadata is
// stored; result videos never leave memory.
package history

import (
	"time"
)

const (
	// ConfigInstanceID and ConfigAuthToken are keys of the config table.
	ConfigInstanceID = "instance_id"
	ConfigAuthToken  = "auth_token"

	DefaultListLimit = 50
	MaxListLimit     = 500
)

type Run struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Backend      string     `json:"backend"`
	Mode         string     `json:"mode"`
	Position     string     `json:"position"`
	Ratio        int        `json:"ratio"`
	Subtitles    bool       `json:"subtitles"`
	TemplateID   string     `json:"template_id,omitempty"`
	State        string     `json:"state"`
	Progress     int        `json:"progress"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultBytes  int64      `json:"result_bytes"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Duration is the run's wall time, up to now for unfinished runs.
func (r *Run) Duration() time.Duration {
	end := time.Now()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	if end.Before(r.StartedAt) {
		return 0
	}
	return end.Sub(r.StartedAt)
}
