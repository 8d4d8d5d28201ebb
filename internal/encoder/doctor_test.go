package encoder

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProber struct {
	calls   int
	missing bool
	err     error
}

func (f *fakeProber) Probe(context.Context) (*Capabilities, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Capabilities{FFmpeg: ToolInfo{Available: !f.missing}, ProbedAt: time.Now()}, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDoctor(p Prober) (*Doctor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDoctor(p, testLogger())
	d.now = clock.now
	return d, clock
}

func TestDoctor_CachesUntilInvalidated(t *testing.T) {
	p := &fakeProber{}
	d, _ := newTestDoctor(p)

	if d.Report().Probed() {
		t.Error("report before first probe should be unprobed")
	}
	for i := 0; i < 3; i++ {
		if _, err := d.Get(context.Background()); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if p.calls != 1 {
		t.Errorf("probe calls = %d, want 1", p.calls)
	}

	d.Invalidate()
	if _, err := d.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("probe calls after invalidate = %d, want 2", p.calls)
	}
}

func TestDoctor_RechecksMissingFFmpegSooner(t *testing.T) {
	p := &fakeProber{missing: true}
	d, clock := newTestDoctor(p)

	caps, err := d.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if caps.CanEncode() {
		t.Fatal("ffmpeg should be reported missing")
	}

	clock.advance(DefaultMissingTTL / 2)
	d.Get(context.Background())
	if p.calls != 1 {
		t.Errorf("probe calls within missing TTL = %d, want 1", p.calls)
	}

	p.missing = false
	clock.advance(DefaultMissingTTL)
	caps, _ = d.Get(context.Background())
	if p.calls != 2 || !caps.CanEncode() {
		t.Fatalf("installed ffmpeg not picked up: calls = %d, caps = %+v", p.calls, caps)
	}

	clock.advance(2 * DefaultMissingTTL)
	d.Get(context.Background())
	if p.calls != 2 {
		t.Errorf("usable result re-probed after %s", 2*DefaultMissingTTL)
	}
	clock.advance(DefaultUsableTTL)
	d.Get(context.Background())
	if p.calls != 3 {
		t.Errorf("probe calls after usable TTL = %d, want 3", p.calls)
	}
}

func TestDoctor_ReportsStaleCapabilities(t *testing.T) {
	p := &fakeProber{}
	d, clock := newTestDoctor(p)
	if _, err := d.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}

	p.err = errors.New("probe exploded")
	caps, err := d.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh should fall back to previous capabilities: %v", err)
	}
	if !caps.CanEncode() {
		t.Error("previous capabilities lost")
	}
	r := d.Report()
	if !r.Stale || r.LastError != "probe exploded" || !r.Probed() {
		t.Errorf("report = %+v, want stale with the probe error", r)
	}

	// A failed probe is retried on the short TTL, not on every call.
	d.Get(context.Background())
	if p.calls != 2 {
		t.Errorf("probe calls right after a failure = %d, want 2", p.calls)
	}

	p.err = nil
	clock.advance(DefaultMissingTTL)
	if _, err := d.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r := d.Report(); r.Stale || r.LastError != "" || p.calls != 3 {
		t.Errorf("recovered report = %+v after %d probes", r, p.calls)
	}
}

func TestDoctor_FailureWithoutCache(t *testing.T) {
	p := &fakeProber{err: errors.New("no workspace")}
	d, _ := newTestDoctor(p)

	if _, err := d.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh without cache should fail")
	}
	r := d.Report()
	if r.Probed() || r.Stale || r.LastError != "no workspace" || r.CheckedAt.IsZero() {
		t.Errorf("report = %+v", r)
	}

	_, err := d.Get(context.Background())
	if err == nil || err.Error() != "no workspace" {
		t.Errorf("Get = %v, want the remembered failure", err)
	}
	if p.calls != 1 {
		t.Errorf("probe calls = %d, want 1", p.calls)
	}
}
