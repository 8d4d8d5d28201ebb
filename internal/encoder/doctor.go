package encoder

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultUsableTTL is how long a probe that found ffmpeg is trusted.
	DefaultUsableTTL = 5 * time.Minute
	// DefaultMissingTTL is shorter so installing ffmpeg is noticed without a
	// restart.
	DefaultMissingTTL = 30 * time.Second
)

// Prober is the subset of Runner the doctor needs.
type Prober interface {
	Probe(ctx context.Context) (*Capabilities, error)
}

// Report is what the doctor knows about the local encoder.
type Report struct {
	// Capabilities is nil until a probe has succeeded.
	Capabilities *Capabilities
	// Stale is set when the last probe failed and Capabilities predates it.
	Stale     bool
	LastError string
	CheckedAt time.Time
}

// Probed reports whether any probe has produced capabilities.
func (r Report) Probed() bool {
	return r.Capabilities != nil
}

// Doctor caches encoder probes so that session creation and /health do not
// spawn ffmpeg on every request.
type Doctor struct {
	prober     Prober
	usableTTL  time.Duration
	missingTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	cached    *Capabilities
	lastErr   error
	checkedAt time.Time
}

type DoctorOption func(*Doctor)

// WithTTLs overrides how long usable and missing-ffmpeg probes are trusted.
func WithTTLs(usable, missing time.Duration) DoctorOption {
	return func(d *Doctor) {
		if usable > 0 {
			d.usableTTL = usable
		}
		if missing > 0 {
			d.missingTTL = missing
		}
	}
}

func NewDoctor(prober Prober, logger *slog.Logger, opts ...DoctorOption) *Doctor {
	d := &Doctor{
		prober:     prober,
		usableTTL:  DefaultUsableTTL,
		missingTTL: DefaultMissingTTL,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Get returns the cached capabilities while they are fresh and probes
// otherwise. Callers that arrive during a probe share its outcome.
func (d *Doctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.freshLocked() {
		if d.cached == nil {
			return nil, d.lastErr
		}
		return d.cached, nil
	}
	return d.probeLocked(ctx)
}

// Refresh probes regardless of freshness. A failed probe falls back to the
// previous capabilities, which the report then marks stale.
func (d *Doctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probeLocked(ctx)
}

// Report returns the cache state without probing.
func (d *Doctor) Report() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := Report{Capabilities: d.cached, CheckedAt: d.checkedAt}
	if d.lastErr != nil {
		r.LastError = d.lastErr.Error()
		r.Stale = d.cached != nil
	}
	return r
}

func (d *Doctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.lastErr = nil
	d.checkedAt = time.Time{}
	d.mu.Unlock()
}

// freshLocked uses the short TTL for anything short of a usable ffmpeg,
// failed probes included.
func (d *Doctor) freshLocked() bool {
	if d.checkedAt.IsZero() {
		return false
	}
	ttl := d.usableTTL
	if d.lastErr != nil || d.cached == nil || !d.cached.CanEncode() {
		ttl = d.missingTTL
	}
	return d.now().Sub(d.checkedAt) < ttl
}

func (d *Doctor) probeLocked(ctx context.Context) (*Capabilities, error) {
	caps, err := d.prober.Probe(ctx)
	d.checkedAt = d.now()
	if err != nil {
		d.lastErr = err
		if d.cached != nil {
			d.logger.Warn("encoder probe failed, keeping previous capabilities",
				"error", err,
				"probed_at", d.cached.ProbedAt,
			)
			return d.cached, nil
		}
		d.logger.Warn("encoder probe failed", "error", err)
		return nil, err
	}

	if d.cached != nil && d.cached.CanEncode() != caps.CanEncode() {
		d.logger.Info("local encoder availability changed", "available", caps.CanEncode())
	}
	d.cached = caps
	d.lastErr = nil
	return caps, nil
}
