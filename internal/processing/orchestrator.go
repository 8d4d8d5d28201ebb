package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/filtergraph"
)

const recordTimeout = 5 * time.Second

// ErrAlreadyProcessing rejects a start while a run is in flight.
var ErrAlreadyProcessing = failure.Validation("processing is already running")

// Request is a user-confirmed start.
type Request struct {
	SessionID string
	AvatarURL string
	Secondary *composition.SecondaryVideo
	Layout    composition.Layout
	Subtitles composition.SubtitleOptions
}

// RunInfo is recorded when a run starts.
type RunInfo struct {
	RunID     string
	SessionID string
	Backend   string
	Layout    composition.Layout
	Subtitles composition.SubtitleOptions
	StartedAt time.Time
}

// Outcome is recorded when a run ends.
type Outcome struct {
	State        State
	Progress     int
	ErrorKind    failure.Kind
	ErrorMessage string
	ResultBytes  int64
	FinishedAt   time.Time
}

// Recorder journals runs. Errors are logged and never fail a run.
type Recorder interface {
	RunStarted(ctx context.Context, run RunInfo) error
	RunStateChanged(ctx context.Context, runID string, state State, progress int) error
	RunFinished(ctx context.Context, runID string, outcome Outcome) error
}

type Config struct {
	Backend  Backend
	Fetcher  AvatarFetcher
	Plan     filtergraph.Options
	Recorder Recorder    // optional
	OnEvent  func(Event) // optional; called outside the orchestrator lock
	Logger   *slog.Logger
}

// Orchestrator drives one run at a time for a session. The backend is fixed
// at construction.
type Orchestrator struct {
	cfg     Config
	running atomic.Bool

	mu     sync.Mutex
	status Status
	result *Result
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		status: Status{State: StateIdle, Backend: cfg.Backend.Name()},
	}
}

func (o *Orchestrator) Backend() Backend {
	return o.cfg.Backend
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Result returns the result of the last successful run, if any.
func (o *Orchestrator) Result() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Start validates req and launches a run in the background. Precondition
// failures are returned without any state change or network I/O. The run is
// detached from ctx cancellation; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	plan, err := o.prepare(req)
	if err != nil {
		return "", err
	}
	runCtx, runID, err := o.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	go func() {
		_, _ = o.execute(runCtx, runID, req, plan)
	}()
	return runID, nil
}

// Run executes a run synchronously. Cancelling ctx cancels the run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	plan, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	runCtx, runID, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.execute(runCtx, runID, req, plan)
}

// Cancel stops the active run, including one that was accepted but has not
// reached its first step. It reports whether a run was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil || !o.running.Load() {
		return false
	}
	o.cancel()
	return true
}

// Wait blocks until the active run, if any, has ended.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset cancels any active run, waits for it to unwind and returns to idle,
// dropping the last result.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.Cancel()
	if err := o.Wait(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.status = Status{State: StateIdle, Backend: o.cfg.Backend.Name()}
	o.result = nil
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) prepare(req Request) (filtergraph.Plan, error) {
	if req.Secondary == nil {
		return filtergraph.Plan{}, failure.Validation("upload a video to combine with the avatar first")
	}
	if err := ValidateAvatarSource(req.AvatarURL); err != nil {
		return filtergraph.Plan{}, err
	}
	if req.Subtitles.Enabled {
		if !o.cfg.Backend.SupportsSubtitles() {
			return filtergraph.Plan{}, failure.Validation("subtitles are only available with server processing")
		}
		if req.Subtitles.TemplateID == "" {
			return filtergraph.Plan{}, failure.Validation("choose a subtitle style first")
		}
	}
	plan, err := filtergraph.BuildPlan(o.cfg.Plan, req.Layout)
	if err != nil {
		return filtergraph.Plan{}, failure.Classify(err, failure.KindValidation)
	}
	return plan, nil
}

func (o *Orchestrator) begin(parent context.Context, req Request) (context.Context, string, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, "", ErrAlreadyProcessing
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()

	o.mu.Lock()
	o.status = Status{RunID: runID, Backend: o.cfg.Backend.Name(), State: StateStarting, StartedAt: now}
	o.result = nil
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	o.record(func(ctx context.Context, r Recorder) error {
		return r.RunStarted(ctx, RunInfo{
			RunID:     runID,
			SessionID: req.SessionID,
			Backend:   o.cfg.Backend.Name(),
			Layout:    req.Layout,
			Subtitles: req.Subtitles,
			StartedAt: now,
		})
	})
	return ctx, runID, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, req Request, plan filtergraph.Plan) (res *Result, err error) {
	logger := o.cfg.Logger.With("run_id", runID, "backend", o.cfg.Backend.Name())
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			logger.Error("processing panicked", "panic", p)
			res, err = nil, o.fail(ctx, runID, fmt.Errorf("panic: %v", p), failure.KindProcessing)
		}
		o.mu.Lock()
		if o.status.RunID == runID {
			o.cancel()
			o.cancel = nil
		}
		done := o.done
		o.mu.Unlock()
		o.running.Store(false)
		if done != nil {
			close(done)
		}
	}()

	logger.Info("processing started",
		"mode", req.Layout.Mode,
		"position", req.Layout.Position,
		"ratio", req.Layout.Ratio,
		"subtitles", req.Subtitles.Enabled,
	)

	// Cancel may have landed while the start was being recorded.
	if err := ctx.Err(); err != nil {
		return nil, o.fail(ctx, runID, err, failure.KindCanceled)
	}

	o.transition(runID, StateFetchingAvatar, ProgressFetching, false)
	avatar, err := o.cfg.Fetcher.Fetch(ctx, req.AvatarURL)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, o.fail(ctx, runID, err, failure.KindAssetFetch)
	}

	o.transition(runID, StateStagingInputs, ProgressStaging, false)
	job, err := o.cfg.Backend.Stage(ctx, StageRequest{
		RunID:  runID,
		Avatar: avatar,
		Secondary: Media{
			Filename:    req.Secondary.Filename,
			ContentType: req.Secondary.ContentType,
			Size:        req.Secondary.Size,
			Path:        req.Secondary.Path,
		},
		Plan:      plan,
		Subtitles: req.Subtitles,
	})
	if err != nil {
		return nil, o.fail(ctx, runID, err, failure.KindProcessing)
	}
	defer func() {
		if cerr := job.Close(); cerr != nil {
			logger.Warn("failed to clean up job", "error", cerr)
		}
	}()

	o.transition(runID, StateEncoding, ProgressEncoding, !o.cfg.Backend.ReportsProgress())
	span := ProgressFinalizing - ProgressEncoding
	err = job.Encode(ctx, func(fraction float64) {
		if fraction < 0 {
			fraction = 0
		} else if fraction > 1 {
			fraction = 1
		}
		o.advance(runID, ProgressEncoding+int(fraction*float64(span)))
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, o.fail(ctx, runID, err, failure.KindProcessing)
	}

	o.transition(runID, StateFinalizing, ProgressFinalizing, false)
	data, err := job.Result(ctx)
	if err == nil && len(data) == 0 {
		err = failure.New(failure.KindProcessing, "processing produced an empty result")
	}
	if err != nil {
		return nil, o.fail(ctx, runID, err, failure.KindProcessing)
	}

	result := &Result{
		RunID:       runID,
		Backend:     o.cfg.Backend.Name(),
		Data:        data,
		ContentType: "video/mp4",
		Size:        int64(len(data)),
		Elapsed:     time.Since(start),
	}
	o.finish(runID, result)

	logger.Info("processing complete",
		"bytes", result.Size,
		"duration_ms", result.Elapsed.Milliseconds(),
	)
	return result, nil
}

// transition moves the run to state. Progress never decreases.
func (o *Orchestrator) transition(runID string, state State, progress int, indeterminate bool) {
	o.mu.Lock()
	if o.status.RunID != runID {
		o.mu.Unlock()
		return
	}
	o.status.State = state
	if progress > o.status.Progress {
		o.status.Progress = progress
	}
	o.status.Indeterminate = indeterminate
	ev := o.eventLocked(stepMessage(state, o.cfg.Backend.Name()))
	o.mu.Unlock()

	o.emit(ev)
	o.record(func(ctx context.Context, r Recorder) error {
		return r.RunStateChanged(ctx, runID, ev.State, ev.Progress)
	})
}

// advance raises progress within the current state.
func (o *Orchestrator) advance(runID string, progress int) {
	o.mu.Lock()
	if o.status.RunID != runID || o.status.State.Terminal() || progress <= o.status.Progress {
		o.mu.Unlock()
		return
	}
	o.status.Progress = progress
	ev := o.eventLocked(stepMessage(o.status.State, o.cfg.Backend.Name()))
	o.mu.Unlock()

	o.emit(ev)
}

func (o *Orchestrator) finish(runID string, result *Result) {
	o.mu.Lock()
	if o.status.RunID != runID {
		o.mu.Unlock()
		return
	}
	o.status.State = StateDone
	o.status.Progress = ProgressDone
	o.status.Indeterminate = false
	o.status.FinishedAt = time.Now()
	o.result = result
	ev := o.eventLocked(stepMessage(StateDone, o.cfg.Backend.Name()))
	o.mu.Unlock()

	o.emit(ev)
	o.record(func(ctx context.Context, r Recorder) error {
		return r.RunFinished(ctx, runID, Outcome{
			State:       StateDone,
			Progress:    ProgressDone,
			ResultBytes: result.Size,
			FinishedAt:  ev.At,
		})
	})
}

// fail classifies err, moves the run to failed and returns the classified
// error. A cancelled run is always reported as canceled, whatever the step
// returned while unwinding.
func (o *Orchestrator) fail(ctx context.Context, runID string, err error, fallback failure.Kind) *failure.Error {
	fe := failure.Classify(err, fallback)
	if errors.Is(ctx.Err(), context.Canceled) && fe.Kind != failure.KindCanceled {
		fe = failure.Wrap(failure.KindCanceled, err, "processing was canceled")
	}

	o.mu.Lock()
	if o.status.RunID != runID {
		o.mu.Unlock()
		return fe
	}
	o.status.State = StateFailed
	o.status.Indeterminate = false
	o.status.Error = fe
	o.status.FinishedAt = time.Now()
	ev := o.eventLocked(fe.Message)
	ev.Kind = fe.Kind
	ev.Hint = fe.Hint()
	progress := o.status.Progress
	o.mu.Unlock()

	o.cfg.Logger.Warn("processing failed",
		"run_id", runID,
		"kind", fe.Kind,
		"error", err,
	)

	o.emit(ev)
	o.record(func(ctx context.Context, r Recorder) error {
		return r.RunFinished(ctx, runID, Outcome{
			State:        StateFailed,
			Progress:     progress,
			ErrorKind:    fe.Kind,
			ErrorMessage: fe.Message,
			FinishedAt:   ev.At,
		})
	})
	return fe
}

func (o *Orchestrator) eventLocked(message string) Event {
	return Event{
		RunID:         o.status.RunID,
		State:         o.status.State,
		Progress:      o.status.Progress,
		Indeterminate: o.status.Indeterminate,
		Message:       message,
		At:            time.Now(),
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.cfg.OnEvent != nil {
		o.cfg.OnEvent(ev)
	}
}

func (o *Orchestrator) record(fn func(context.Context, Recorder) error) {
	if o.cfg.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx, o.cfg.Recorder); err != nil {
		o.cfg.Logger.Warn("failed to record run", "error", err)
	}
}
