// Package config provides configuration management for the montage agent.
// Values come from defaults, then an optional TOML file, then environment
// variables. A .env file in the working directory is loaded into the
// environment first without overriding variables that are already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	// Default values
	DefaultPort             = 8787
	DefaultLogLevel         = "info"
	DefaultDataDir          = ".montage"
	DefaultCanvasWidth      = 720
	DefaultCanvasHeight     = 1280
	DefaultScaling          = "crop"
	DefaultMaxUploadBytes   = 500 * 1024 * 1024
	DefaultRemoteTimeout    = 10 * time.Minute
	DefaultAvatarTimeout    = 2 * time.Minute
	DefaultTemplatesTimeout = 8 * time.Second
	DefaultEncodeTimeout    = 30 * time.Minute

	// Environment variable names
	EnvConfigFile       = "MONTAGE_CONFIG"
	EnvPort             = "MONTAGE_PORT"
	EnvLogLevel         = "MONTAGE_LOG_LEVEL"
	EnvDataDir          = "MONTAGE_DATA_DIR"
	EnvWorkspaceDir     = "MONTAGE_WORKSPACE_DIR"
	EnvFFmpegPath       = "MONTAGE_FFMPEG_PATH"
	EnvFFprobePath      = "MONTAGE_FFPROBE_PATH"
	EnvCanvasWidth      = "MONTAGE_CANVAS_WIDTH"
	EnvCanvasHeight     = "MONTAGE_CANVAS_HEIGHT"
	EnvScaling          = "MONTAGE_SCALING"
	EnvMaxUpload        = "MONTAGE_MAX_UPLOAD"
	EnvEndpoint         = "MONTAGE_PROCESSING_ENDPOINT"
	EnvDevMode          = "MONTAGE_DEV_MODE"
	EnvRemoteTimeout    = "MONTAGE_REMOTE_TIMEOUT"
	EnvAvatarTimeout    = "MONTAGE_AVATAR_TIMEOUT"
	EnvTemplatesTimeout = "MONTAGE_TEMPLATES_TIMEOUT"
	EnvEncodeTimeout    = "MONTAGE_ENCODE_TIMEOUT"
	EnvAuthRequired     = "MONTAGE_AUTH_REQUIRED"
	EnvCORSOrigins      = "MONTAGE_CORS_ORIGINS"

	// Database filename
	DBFilename = "montage.db"
	// ConfigFilename is looked up in the data directory when no file is named.
	ConfigFilename = "config.toml"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	WorkspaceDir() string
	UploadDir() string
	FFmpegPath() string
	FFprobePath() string
	CanvasWidth() int
	CanvasHeight() int
	Scaling() string
	MaxUploadBytes() int64
	ProcessingEndpoint() string
	DevMode() bool
	RemoteTimeout() time.Duration
	AvatarTimeout() time.Duration
	TemplatesTimeout() time.Duration
	EncodeTimeout() time.Duration
	AuthRequired() bool
	CORSOrigins() []string
}

// Duration is a time.Duration written as "30s" or "10m" in the file.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ByteSize is a byte count written as "500 MiB" or "200MB" in the file.
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := parseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// File is the layout of the TOML configuration file.
type File struct {
	Server struct {
		Port         int      `toml:"port"`
		AuthRequired bool     `toml:"auth_required"`
		CORSOrigins  []string `toml:"cors_origins"`
	} `toml:"server"`
	Logging struct {
		Level string `toml:"level"`
	} `toml:"logging"`
	Paths struct {
		DataDir      string `toml:"data_dir"`
		WorkspaceDir string `toml:"workspace_dir"`
		FFmpeg       string `toml:"ffmpeg"`
		FFprobe      string `toml:"ffprobe"`
	} `toml:"paths"`
	Composition struct {
		CanvasWidth  int      `toml:"canvas_width"`
		CanvasHeight int      `toml:"canvas_height"`
		Scaling      string   `toml:"scaling"`
		MaxUpload    ByteSize `toml:"max_upload"`
	} `toml:"composition"`
	Processing struct {
		Endpoint         string   `toml:"endpoint"`
		DevMode          bool     `toml:"dev_mode"`
		RemoteTimeout    Duration `toml:"remote_timeout"`
		AvatarTimeout    Duration `toml:"avatar_timeout"`
		TemplatesTimeout Duration `toml:"templates_timeout"`
		EncodeTimeout    Duration `toml:"encode_timeout"`
	} `toml:"processing"`
}

// AgentConfig is the resolved configuration.
type AgentConfig struct {
	file File
	// path is the file that was read, empty when none was.
	path string
}

func defaults() File {
	var f File
	f.Server.Port = DefaultPort
	f.Logging.Level = DefaultLogLevel
	f.Paths.DataDir = defaultDataDir()
	f.Composition.CanvasWidth = DefaultCanvasWidth
	f.Composition.CanvasHeight = DefaultCanvasHeight
	f.Composition.Scaling = DefaultScaling
	f.Composition.MaxUpload = DefaultMaxUploadBytes
	f.Processing.RemoteTimeout = Duration(DefaultRemoteTimeout)
	f.Processing.AvatarTimeout = Duration(DefaultAvatarTimeout)
	f.Processing.TemplatesTimeout = Duration(DefaultTemplatesTimeout)
	f.Processing.EncodeTimeout = Duration(DefaultEncodeTimeout)
	return f
}

// New loads the configuration without an explicit file.
func New() (*AgentConfig, error) {
	return Load("")
}

// Load resolves the configuration. path names the TOML file; when empty,
// MONTAGE_CONFIG is consulted and then config.toml in the data directory.
// A file that was named explicitly must exist.
func Load(path string) (*AgentConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &AgentConfig{file: defaults()}

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		explicit = false
		dataDir := cfg.file.Paths.DataDir
		if dd := os.Getenv(EnvDataDir); dd != "" {
			dataDir = dd
		}
		path = filepath.Join(dataDir, ConfigFilename)
	}
	if err := cfg.readFile(path, explicit); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) readFile(path string, explicit bool) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	f, err := os.Open(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	decoder := toml.NewDecoder(f)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&c.file); err != nil {
		return fmt.Errorf("parse config %s: %w", expanded, err)
	}
	c.path = expanded
	return nil
}

func (c *AgentConfig) applyEnv() error {
	f := &c.file

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		f.Server.Port = port
	}
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		f.Logging.Level = ll
	}

	for env, dst := range map[string]*string{
		EnvDataDir:      &f.Paths.DataDir,
		EnvWorkspaceDir: &f.Paths.WorkspaceDir,
		EnvFFmpegPath:   &f.Paths.FFmpeg,
		EnvFFprobePath:  &f.Paths.FFprobe,
		EnvScaling:      &f.Composition.Scaling,
		EnvEndpoint:     &f.Processing.Endpoint,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	for env, dst := range map[string]*int{
		EnvCanvasWidth:  &f.Composition.CanvasWidth,
		EnvCanvasHeight: &f.Composition.CanvasHeight,
	} {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv(EnvMaxUpload); v != "" {
		n, err := parseBytes(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxUpload, err)
		}
		f.Composition.MaxUpload = ByteSize(n)
	}

	for env, dst := range map[string]*Duration{
		EnvRemoteTimeout:    &f.Processing.RemoteTimeout,
		EnvAvatarTimeout:    &f.Processing.AvatarTimeout,
		EnvTemplatesTimeout: &f.Processing.TemplatesTimeout,
		EnvEncodeTimeout:    &f.Processing.EncodeTimeout,
	} {
		if v := os.Getenv(env); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}

	for env, dst := range map[string]*bool{
		EnvDevMode:      &f.Processing.DevMode,
		EnvAuthRequired: &f.Server.AuthRequired,
	} {
		if v := os.Getenv(env); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv(EnvCORSOrigins); v != "" {
		f.Server.CORSOrigins = splitList(v)
	}
	return nil
}

// Validate checks the resolved values. Errors name the file key.
func (c *AgentConfig) Validate() error {
	f := c.file
	if f.Server.Port < 1 || f.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: port must be between 1 and 65535, got %d", f.Server.Port)
	}
	switch strings.ToLower(f.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q is not one of debug, info, warn, error", f.Logging.Level)
	}
	if strings.TrimSpace(f.Paths.DataDir) == "" {
		return fmt.Errorf("invalid paths.data_dir: must not be empty")
	}
	if f.Composition.CanvasWidth <= 0 || f.Composition.CanvasWidth%2 != 0 {
		return fmt.Errorf("invalid composition.canvas_width: must be a positive even number, got %d", f.Composition.CanvasWidth)
	}
	if f.Composition.CanvasHeight <= 0 || f.Composition.CanvasHeight%2 != 0 {
		return fmt.Errorf("invalid composition.canvas_height: must be a positive even number, got %d", f.Composition.CanvasHeight)
	}
	switch strings.ToLower(f.Composition.Scaling) {
	case "crop", "pad":
	default:
		return fmt.Errorf("invalid composition.scaling: %q is not one of crop, pad", f.Composition.Scaling)
	}
	if f.Composition.MaxUpload <= 0 {
		return fmt.Errorf("invalid composition.max_upload: must be positive")
	}
	if ep := strings.TrimSpace(f.Processing.Endpoint); ep != "" {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			return fmt.Errorf("invalid processing.endpoint: %q is not an http(s) URL", ep)
		}
	}
	for key, d := range map[string]Duration{
		"processing.remote_timeout":    f.Processing.RemoteTimeout,
		"processing.avatar_timeout":    f.Processing.AvatarTimeout,
		"processing.templates_timeout": f.Processing.TemplatesTimeout,
		"processing.encode_timeout":    f.Processing.EncodeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: must be positive", key)
		}
	}
	return nil
}

// Path is the configuration file that was read, or empty.
func (c *AgentConfig) Path() string {
	return c.path
}

// Port returns the HTTP server port
func (c *AgentConfig) Port() int {
	return c.file.Server.Port
}

// SetPort overrides the listen port after loading, for command-line flags.
func (c *AgentConfig) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	c.file.Server.Port = port
	return nil
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *AgentConfig) LogLevel() string {
	return c.file.Logging.Level
}

// DataDir returns the data directory path
func (c *AgentConfig) DataDir() string {
	dir, err := expandPath(c.file.Paths.DataDir)
	if err != nil {
		return c.file.Paths.DataDir
	}
	return dir
}

// DBPath returns the full path to the SQLite database file
func (c *AgentConfig) DBPath() string {
	return filepath.Join(c.DataDir(), DBFilename)
}

// WorkspaceDir holds the per-run encoder workspaces.
func (c *AgentConfig) WorkspaceDir() string {
	if c.file.Paths.WorkspaceDir != "" {
		if dir, err := expandPath(c.file.Paths.WorkspaceDir); err == nil {
			return dir
		}
		return c.file.Paths.WorkspaceDir
	}
	return filepath.Join(c.DataDir(), "work")
}

// UploadDir holds the spooled secondary uploads, one directory per session.
func (c *AgentConfig) UploadDir() string {
	return filepath.Join(c.WorkspaceDir(), "uploads")
}

func (c *AgentConfig) FFmpegPath() string {
	return c.file.Paths.FFmpeg
}

func (c *AgentConfig) FFprobePath() string {
	return c.file.Paths.FFprobe
}

func (c *AgentConfig) CanvasWidth() int {
	return c.file.Composition.CanvasWidth
}

func (c *AgentConfig) CanvasHeight() int {
	return c.file.Composition.CanvasHeight
}

func (c *AgentConfig) Scaling() string {
	return strings.ToLower(c.file.Composition.Scaling)
}

func (c *AgentConfig) MaxUploadBytes() int64 {
	return int64(c.file.Composition.MaxUpload)
}

// ProcessingEndpoint is the configured remote processing service, empty when
// only the launch URL or the local encoder may be used.
func (c *AgentConfig) ProcessingEndpoint() string {
	return strings.TrimSpace(c.file.Processing.Endpoint)
}

func (c *AgentConfig) DevMode() bool {
	return c.file.Processing.DevMode
}

func (c *AgentConfig) RemoteTimeout() time.Duration {
	return time.Duration(c.file.Processing.RemoteTimeout)
}

func (c *AgentConfig) AvatarTimeout() time.Duration {
	return time.Duration(c.file.Processing.AvatarTimeout)
}

func (c *AgentConfig) TemplatesTimeout() time.Duration {
	return time.Duration(c.file.Processing.TemplatesTimeout)
}

func (c *AgentConfig) EncodeTimeout() time.Duration {
	return time.Duration(c.file.Processing.EncodeTimeout)
}

func (c *AgentConfig) AuthRequired() bool {
	return c.file.Server.AuthRequired
}

func (c *AgentConfig) CORSOrigins() []string {
	return append([]string(nil), c.file.Server.CORSOrigins...)
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// parseBytes accepts plain byte counts and humanized sizes.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
