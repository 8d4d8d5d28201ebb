package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the data directory at a temp dir so no user config is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvConfigFile, "")
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNew_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.DBPath() != filepath.Join(dir, DBFilename) {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
	if cfg.WorkspaceDir() != filepath.Join(dir, "work") {
		t.Errorf("WorkspaceDir() = %q", cfg.WorkspaceDir())
	}
	if cfg.CanvasWidth() != 720 || cfg.CanvasHeight() != 1280 || cfg.Scaling() != "crop" {
		t.Errorf("canvas = %dx%d %s", cfg.CanvasWidth(), cfg.CanvasHeight(), cfg.Scaling())
	}
	if cfg.MaxUploadBytes() != DefaultMaxUploadBytes {
		t.Errorf("MaxUploadBytes() = %d", cfg.MaxUploadBytes())
	}
	if cfg.TemplatesTimeout() != 8*time.Second {
		t.Errorf("TemplatesTimeout() = %v, want 8s", cfg.TemplatesTimeout())
	}
	if cfg.AuthRequired() || cfg.DevMode() || cfg.ProcessingEndpoint() != "" {
		t.Error("auth, dev mode and endpoint should be off by default")
	}
	if cfg.Path() != "" {
		t.Errorf("Path() = %q, want empty without a file", cfg.Path())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "montage.toml")
	writeFile(t, path, `
[server]
port = 9100
cors_origins = ["https://montage.example.com"]

[composition]
canvas_width = 1080
canvas_height = 1920
scaling = "pad"
max_upload = "200 MiB"

[processing]
endpoint = "https://api.example.com"
templates_timeout = "3s"
`)
	t.Setenv(EnvPort, "9200")
	t.Setenv(EnvDevMode, "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port() != 9200 {
		t.Errorf("Port() = %d, env should win over the file", cfg.Port())
	}
	if cfg.CanvasWidth() != 1080 || cfg.CanvasHeight() != 1920 || cfg.Scaling() != "pad" {
		t.Errorf("canvas = %dx%d %s", cfg.CanvasWidth(), cfg.CanvasHeight(), cfg.Scaling())
	}
	if cfg.MaxUploadBytes() != 200*1024*1024 {
		t.Errorf("MaxUploadBytes() = %d", cfg.MaxUploadBytes())
	}
	if cfg.ProcessingEndpoint() != "https://api.example.com" || cfg.TemplatesTimeout() != 3*time.Second {
		t.Errorf("processing = %q %v", cfg.ProcessingEndpoint(), cfg.TemplatesTimeout())
	}
	if !cfg.DevMode() {
		t.Error("DevMode() = false, want true from env")
	}
	if got := cfg.CORSOrigins(); len(got) != 1 || got[0] != "https://montage.example.com" {
		t.Errorf("CORSOrigins() = %v", got)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
}

func TestLoad_DataDirConfig(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ConfigFilename), "[logging]\nlevel = \"debug\"\n")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.LogLevel() != "debug" {
		t.Errorf("LogLevel() = %q, want debug", cfg.LogLevel())
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	dir := isolate(t)
	if _, err := Load(filepath.Join(dir, "absent.toml")); err == nil {
		t.Fatal("Load() should fail when the named file does not exist")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "c.toml")
	writeFile(t, path, "[server]\nprot = 1\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() should reject unknown keys")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		value   string
		wantKey string
	}{
		{"port not a number", EnvPort, "abc", EnvPort},
		{"port out of range", EnvPort, "70000", "server.port"},
		{"log level", EnvLogLevel, "loud", "logging.level"},
		{"odd canvas", EnvCanvasWidth, "721", "composition.canvas_width"},
		{"scaling", EnvScaling, "stretch", "composition.scaling"},
		{"upload size", EnvMaxUpload, "lots", EnvMaxUpload},
		{"zero upload", EnvMaxUpload, "0", "composition.max_upload"},
		{"endpoint", EnvEndpoint, "ftp://x", "processing.endpoint"},
		{"timeout", EnvRemoteTimeout, "soon", EnvRemoteTimeout},
		{"zero timeout", EnvEncodeTimeout, "0s", "processing.encode_timeout"},
		{"bool", EnvAuthRequired, "maybe", EnvAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.env, tt.value)

			_, err := New()
			if err == nil {
				t.Fatalf("New() with %s=%q should fail", tt.env, tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error %q should name %s", err, tt.wantKey)
			}
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1 KiB", 1024},
		{"500MiB", 500 * 1024 * 1024},
		{"2 MB", 2000000},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseBytes(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}
