package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/config"
	"github.com/promontage/montage-agent/internal/db"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/filtergraph"
	"github.com/promontage/montage-agent/internal/history"
)

type cliTestEnv struct {
	dataDir string
}

func setupCLITestEnv(t *testing.T) cliTestEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvDataDir, dir)
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvEndpoint, "")
	t.Setenv(config.EnvLogLevel, "error")
	return cliTestEnv{dataDir: dir}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	setupCLITestEnv(t)
	t.Setenv(config.EnvConfigFile, filepath.Join(t.TempDir(), "missing.toml"))

	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	requireContains(t, out, "montage "+config.Version)

	if _, _, err := runCLI(t, "plan"); err == nil {
		t.Fatal("plan should fail when the named config file is missing")
	} else {
		requireContains(t, err.Error(), "failed to load config")
	}
}

func TestPlanCommand_Split(t *testing.T) {
	setupCLITestEnv(t)

	out, _, err := runCLI(t, "plan", "--mode", "split", "--position", "top", "--ratio", "30")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	requireContains(t, out, "split_screen")
	requireContains(t, out, "720x1280")
	requireContains(t, out, "vstack=inputs=2")
	requireContains(t, out, "-filter_complex")
	requireContains(t, out, "avatar")
	requireContains(t, out, "secondary")
}

func TestPlanCommand_CornerJSON(t *testing.T) {
	setupCLITestEnv(t)

	out, _, err := runCLI(t, "plan", "--mode", "corner", "--position", "right", "--json")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	var got planOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode plan json: %v\n%s", err, out)
	}
	if got.Plan.Layout.Mode != composition.ModeCorner {
		t.Errorf("mode = %q, want corner", got.Plan.Layout.Mode)
	}
	if got.Plan.Overlay == nil {
		t.Fatal("corner plan should carry an overlay")
	}
	if got.FilterComplex == "" || len(got.Args) == 0 {
		t.Error("filter_complex and args should be rendered")
	}
	if len(got.FormFields) != 3 || got.FormFields[0].Value != "corner" {
		t.Errorf("form fields = %+v", got.FormFields)
	}
}

func TestPlanCommand_InvalidFlags(t *testing.T) {
	setupCLITestEnv(t)

	tests := [][]string{
		{"plan", "--mode", "grid"},
		{"plan", "--position", "middle"},
		{"plan", "--ratio", "101"},
	}
	for _, args := range tests {
		if _, _, err := runCLI(t, args...); err == nil {
			t.Errorf("%v should fail", args)
		}
	}
}

func TestPlanCommand_ConfiguredCanvas(t *testing.T) {
	setupCLITestEnv(t)
	t.Setenv(config.EnvCanvasWidth, "1080")
	t.Setenv(config.EnvCanvasHeight, "1920")

	out, _, err := runCLI(t, "plan")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	requireContains(t, out, "1080x1920")
}

func TestRunsCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	requireContains(t, out, "No runs recorded")

	database, err := db.New(filepath.Join(env.dataDir, config.DBFilename), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	repo := history.NewRepository(database.Conn())
	started := time.Now().Add(-2 * time.Minute)
	finished := started.Add(30 * time.Second)
	err = repo.CreateRun(t.Context(), &history.Run{
		ID:          "run-1",
		SessionID:   "s1",
		Backend:     "remote",
		Mode:        "split_screen",
		Position:    "top",
		Ratio:       50,
		State:       "done",
		Progress:    100,
		ResultBytes: 2 * 1024 * 1024,
		StartedAt:   started,
		UpdatedAt:   finished,
		FinishedAt:  &finished,
	})
	database.Close()
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	out, _, err = runCLI(t, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	requireContains(t, out, "run-1")
	requireContains(t, out, "split_screen/top")
	requireContains(t, out, "2.0 MiB")
	requireContains(t, out, "30s")

	if _, _, err := runCLI(t, "runs", "--limit", "0"); err == nil {
		t.Error("runs --limit 0 should fail")
	}
}

func TestTemplatesCommand(t *testing.T) {
	setupCLITestEnv(t)

	if _, _, err := runCLI(t, "templates"); err == nil {
		t.Fatal("templates without a server should fail")
	} else {
		requireContains(t, err.Error(), "no processing server")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/zapcap/templates" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"templates":[{"id":"t1","name":"Bold"},{"id":"t2","name":"Minimal"}]}`))
	}))
	defer srv.Close()

	out, _, err := runCLI(t, "templates", "--server-url", srv.URL)
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	requireContains(t, out, "Bold")
	requireContains(t, out, "t2")
}

func TestDoctorCommand(t *testing.T) {
	setupCLITestEnv(t)
	missing := filepath.Join(t.TempDir(), "bin")
	t.Setenv(config.EnvFFmpegPath, filepath.Join(missing, "ffmpeg"))
	t.Setenv(config.EnvFFprobePath, filepath.Join(missing, "ffprobe"))

	out, _, err := runCLI(t, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	requireContains(t, out, "Local processing: unavailable")
	requireContains(t, out, "Processing server: not configured")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","ffmpeg":true}`))
	}))
	defer srv.Close()

	out, _, err = runCLI(t, "doctor", "--server-url", srv.URL)
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	requireContains(t, out, "ok, ffmpeg yes")
}

func TestRemoteEndpoint(t *testing.T) {
	got, err := remoteEndpoint("", "https://api.example.com/")
	if err != nil || !strings.HasPrefix(got, "https://api.example.com") {
		t.Errorf("configured endpoint = %q, %v", got, err)
	}
	got, err = remoteEndpoint("http://127.0.0.1:9000", "https://api.example.com")
	if err != nil || !strings.HasPrefix(got, "http://127.0.0.1:9000") {
		t.Errorf("flag should win, got %q, %v", got, err)
	}
	if _, err := remoteEndpoint("ftp://x", ""); err == nil {
		t.Error("non-http endpoint should be rejected")
	}
}

func TestDescribeAddsHint(t *testing.T) {
	err := describe(failure.Validation("bad ratio"))
	requireContains(t, err.Error(), "bad ratio (Check the selected video and settings, then try again)")

	plain := errors.New("plain")
	if describe(plain) != plain {
		t.Error("unclassified errors should pass through")
	}
}

func TestLayoutFlags(t *testing.T) {
	layout, err := layoutFlags{mode: "corner", position: "left", ratio: 40}.layout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	want := composition.Layout{Mode: composition.ModeCorner, Position: composition.PositionLeft, Ratio: 40}
	if layout != want {
		t.Errorf("layout = %+v, want %+v", layout, want)
	}

	settings := composition.NewSettings(false)
	if err := (layoutFlags{mode: "split", position: "top", ratio: -1}).apply(settings); err == nil {
		t.Fatal("negative ratio should fail")
	}
	if settings.Layout() != composition.DefaultLayout() {
		t.Errorf("rejected flags changed settings: %+v", settings.Layout())
	}
}

func TestPlanOptions(t *testing.T) {
	setupCLITestEnv(t)
	t.Setenv(config.EnvScaling, "pad")

	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	opts, err := planOptions(cfg)
	if err != nil {
		t.Fatalf("planOptions: %v", err)
	}
	if opts.Scaling != filtergraph.ScalingPad {
		t.Errorf("scaling = %q, want pad", opts.Scaling)
	}
	if opts.Canvas.Width != 720 || opts.Canvas.Height != 1280 {
		t.Errorf("canvas = %s", opts.Canvas)
	}
}
