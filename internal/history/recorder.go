package history

import (
	"context"

	"github.com/promontage/montage-agent/internal/processing"
)

// Recorder journals orchestrator runs into a Repository.
type Recorder struct {
	repo Repository
}

var _ processing.Recorder = (*Recorder)(nil)

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) RunStarted(ctx context.Context, info processing.RunInfo) error {
	return r.repo.CreateRun(ctx, &Run{
		ID:         info.RunID,
		SessionID:  info.SessionID,
		Backend:    info.Backend,
		Mode:       string(info.Layout.Mode),
		Position:   string(info.Layout.Position),
		Ratio:      info.Layout.Ratio,
		Subtitles:  info.Subtitles.Enabled,
		TemplateID: info.Subtitles.TemplateID,
		State:      string(processing.StateStarting),
		StartedAt:  info.StartedAt,
		UpdatedAt:  info.StartedAt,
	})
}

func (r *Recorder) RunStateChanged(ctx context.Context, runID string, state processing.State, progress int) error {
	return r.repo.UpdateRunState(ctx, runID, string(state), progress)
}

func (r *Recorder) RunFinished(ctx context.Context, runID string, o processing.Outcome) error {
	return r.repo.FinishRun(ctx, runID, Finish{
		State:        string(o.State),
		Progress:     o.Progress,
		ErrorKind:    string(o.ErrorKind),
		ErrorMessage: o.ErrorMessage,
		ResultBytes:  o.ResultBytes,
		FinishedAt:   o.FinishedAt,
	})
}
