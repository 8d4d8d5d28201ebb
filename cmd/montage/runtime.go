package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/promontage/montage-agent/internal/config"
	"github.com/promontage/montage-agent/internal/encoder"
	"github.com/promontage/montage-agent/internal/filtergraph"
	"github.com/promontage/montage-agent/internal/logging"
	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/session"
)

// planOptions applies the configured canvas and scaling to the plan defaults.
func planOptions(cfg config.Config) (filtergraph.Options, error) {
	opts := filtergraph.DefaultOptions()
	opts.Canvas = filtergraph.Canvas{Width: cfg.CanvasWidth(), Height: cfg.CanvasHeight()}
	if err := opts.Canvas.Validate(); err != nil {
		return filtergraph.Options{}, err
	}
	scaling, err := filtergraph.ParseScaling(cfg.Scaling())
	if err != nil {
		return filtergraph.Options{}, err
	}
	opts.Scaling = scaling
	return opts, nil
}

// encoderStack is the local encoder with its cached capability probe.
type encoderStack struct {
	runner *encoder.SubprocessRunner
	doctor *encoder.Doctor
	// local is nil when ffmpeg is not usable here.
	local *processing.LocalBackend
}

func newEncoderStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*encoderStack, error) {
	if err := os.MkdirAll(cfg.WorkspaceDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}

	encCfg := encoder.DefaultConfig(cfg.WorkspaceDir(), logging.WithComponent(logger, "encoder"))
	encCfg.FFmpegPath = cfg.FFmpegPath()
	encCfg.FFprobePath = cfg.FFprobePath()
	encCfg.EncodeTimeout = cfg.EncodeTimeout()
	encCfg.DebugPaths = cfg.LogLevel() == "debug"

	runner, err := encoder.NewRunner(encCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encoder: %w", err)
	}

	st := &encoderStack{runner: runner, doctor: encoder.NewDoctor(runner, logger)}

	probeCtx, cancel := context.WithTimeout(ctx, 2*encCfg.ProbeTimeout)
	defer cancel()
	caps, err := st.doctor.Refresh(probeCtx)
	switch {
	case err != nil:
		logger.Warn("encoder probe failed, local processing disabled", "error", err)
	case !caps.CanEncode():
		logger.Warn("ffmpeg not found, local processing disabled", "error", caps.FFmpeg.Error)
	default:
		logger.Info("local encoder detected",
			"ffmpeg", caps.FFmpeg.Version,
			"ffprobe", yesNo(caps.FFprobe.Available),
		)
		st.local = processing.NewLocalBackend(runner, logging.WithComponent(logger, "local"))
	}
	return st, nil
}

// sessionOptions is the store configuration shared by serve and compose.
func sessionOptions(cfg config.Config, enc *encoderStack, recorder processing.Recorder, logger *slog.Logger) (session.Options, error) {
	plan, err := planOptions(cfg)
	if err != nil {
		return session.Options{}, err
	}
	opts := session.Options{
		Plan:               plan,
		UploadDir:          cfg.UploadDir(),
		MaxUploadBytes:     cfg.MaxUploadBytes(),
		ConfiguredEndpoint: cfg.ProcessingEndpoint(),
		DevMode:            cfg.DevMode(),
		RemoteTimeout:      cfg.RemoteTimeout(),
		TemplatesTimeout:   cfg.TemplatesTimeout(),
		Fetcher:            processing.NewHTTPAvatarFetcher(cfg.AvatarTimeout(), processing.DefaultMaxAvatarBytes, logger),
		Logger:             logger,
	}
	if enc != nil {
		opts.Local = enc.local
	}
	if recorder != nil {
		opts.Recorder = recorder
	}
	return opts, nil
}
