package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/export"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/logging"
	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/session"
)

type composeOptions struct {
	videoURL  string
	video     string
	serverURL string
	userID    string
	layout    layoutFlags
	subtitles bool
	template  string
	out       string
	handoff   bool
}

// layoutFlags are the layout choices shared by compose and plan.
type layoutFlags struct {
	mode     string
	position string
	ratio    int
}

func (f *layoutFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.mode, "mode", "m", string(composition.ModeSplitScreen), "Composition mode (split_screen, corner)")
	cmd.Flags().StringVarP(&f.position, "position", "p", string(composition.DefaultPosition), "Avatar position (top, bottom, left, right)")
	cmd.Flags().IntVarP(&f.ratio, "ratio", "r", composition.DefaultRatio, "Avatar share of the canvas in split mode, 0-100")
}

// apply validates every flag before touching settings, so a bad value leaves
// them at their defaults.
func (f layoutFlags) apply(settings *composition.Settings) error {
	mode, err := composition.ParseMode(f.mode)
	if err != nil {
		return err
	}
	position, err := composition.ParsePosition(f.position)
	if err != nil {
		return err
	}
	if err := composition.ValidateRatio(f.ratio); err != nil {
		return err
	}
	if err := settings.SetMode(mode); err != nil {
		return err
	}
	if err := settings.SetPosition(position); err != nil {
		return err
	}
	return settings.SetRatio(f.ratio)
}

func (f layoutFlags) layout() (composition.Layout, error) {
	settings := composition.NewSettings(false)
	if err := f.apply(settings); err != nil {
		return composition.Layout{}, err
	}
	return settings.Layout(), nil
}

func newComposeCommand(ctx *commandContext) *cobra.Command {
	var opts composeOptions

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose an avatar clip with a video and write the result",
		Long: "Compose fetches the avatar clip, combines it with a local video using the\n" +
			"chosen layout and writes the result. Processing runs on the server named by\n" +
			"--server-url or the configured endpoint, otherwise on the local ffmpeg.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompose(cmd, ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.videoURL, "video-url", "", "Avatar clip URL")
	cmd.Flags().StringVar(&opts.video, "video", "", "Secondary video file")
	cmd.Flags().StringVar(&opts.serverURL, "server-url", "", "Processing server base URL")
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "User the result is handed off to")
	opts.layout.register(cmd)
	cmd.Flags().BoolVar(&opts.subtitles, "subtitles", false, "Burn in subtitles (server processing only)")
	cmd.Flags().StringVar(&opts.template, "template", "", "Subtitle template ID (defaults to the first one)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Output file (defaults to a timestamped name in the current directory)")
	cmd.Flags().BoolVar(&opts.handoff, "handoff", false, "Print the bot handoff JSON to stdout instead of writing a file")
	_ = cmd.MarkFlagRequired("video-url")
	_ = cmd.MarkFlagRequired("video")

	return cmd
}

func runCompose(cmd *cobra.Command, ctx *commandContext, opts composeOptions) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	logger := ctx.cliLogger()

	out := opts.out
	if !opts.handoff {
		if out == "" {
			out = export.ResultFilename(time.Now())
		}
		if err := export.ValidateOutputPath(out); err != nil {
			return err
		}
	}

	runCtx := cmd.Context()
	enc, err := newEncoderStack(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	storeOpts, err := sessionOptions(cfg, enc, nil, logger)
	if err != nil {
		return err
	}
	store := session.NewStore(storeOpts)
	defer store.CloseAll(context.Background())

	s, err := store.Create(runCtx, session.LaunchParams{
		VideoURL:  opts.videoURL,
		ServerURL: opts.serverURL,
		UserID:    opts.userID,
	})
	if err != nil {
		return describe(err)
	}
	logger.Info("processing backend selected", "backend", s.Selection.Backend, "endpoint", s.Selection.Endpoint)

	if err := opts.layout.apply(s.Settings()); err != nil {
		return describe(err)
	}
	if opts.subtitles {
		if err := s.Settings().SetSubtitles(true, opts.template); err != nil {
			return describe(err)
		}
	}

	if err := uploadFile(s, opts.video, logger); err != nil {
		return describe(err)
	}

	events, unsubscribe := s.Subscribe()
	reporter := newProgressReporter(cmd.ErrOrStderr(), logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Type == session.EventRun && ev.Run != nil {
				reporter.update(*ev.Run)
			}
		}
	}()

	res, err := s.Run(runCtx)
	unsubscribe()
	<-done
	reporter.finish(err == nil)
	if err != nil {
		return describe(err)
	}

	if opts.handoff {
		h, err := s.Handoff()
		if err != nil {
			return describe(err)
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(h)
	}

	if err := export.WriteResult(out, res.Data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s) in %s\n",
		out, humanize.IBytes(uint64(res.Size)), res.Elapsed.Round(time.Millisecond))
	return nil
}

func uploadFile(s *session.Session, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open video: %w", err)
	}
	defer f.Close()

	video, err := s.Upload(filepath.Base(path), "", f)
	if err != nil {
		return err
	}
	logger.Info("secondary video staged", "summary", video.Summary())
	return nil
}

// describe appends the recovery hint of a classified failure.
func describe(err error) error {
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Hint() == "" {
		return err
	}
	return fmt.Errorf("%w (%s)", err, strings.TrimSuffix(fe.Hint(), "."))
}

// progressReporter renders run progress as a bar on a terminal and as log
// lines otherwise.
type progressReporter struct {
	bar    *progressbar.ProgressBar
	logger *slog.Logger
	last   processing.State
}

func newProgressReporter(w io.Writer, logger *slog.Logger) *progressReporter {
	r := &progressReporter{logger: logger}
	if f, ok := w.(*os.File); ok && logging.IsTerminal(f) {
		r.bar = progressbar.NewOptions(processing.ProgressDone,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("starting"),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	return r
}

func (r *progressReporter) update(ev processing.Event) {
	if r.bar == nil {
		if ev.State != r.last {
			r.logger.Info("processing", "state", ev.State, "progress", ev.Progress)
		}
		r.last = ev.State
		return
	}
	if ev.Message != "" {
		r.bar.Describe(ev.Message)
	}
	_ = r.bar.Set(ev.Progress)
	r.last = ev.State
}

func (r *progressReporter) finish(ok bool) {
	if r.bar == nil {
		return
	}
	if ok {
		_ = r.bar.Finish()
		return
	}
	_ = r.bar.Clear()
}
