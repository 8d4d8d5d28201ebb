// Package session holds the per-user state of one montage: the launch
// parameters, the layout and subtitle settings, the uploaded secondary clip,
// the backend chosen for the session and its processing orchestrator.
// Nothing is global; every webview talks to its own Session.
package session

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/export"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/filtergraph"
	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/remote"
)

const (
	// HandoffAction tells the bot what the payload carries.
	HandoffAction = "upload_result"

	sniffBytes = 3072
)

var (
	ErrNotFound              = errors.New("session not found")
	ErrClosed                = errors.New("session is closed")
	ErrNoResult              = failure.Validation("no processed video yet")
	ErrUploadWhileProcessing = failure.Validation("the video cannot be changed while processing")
)

// Handoff is the payload the webview sends back to the bot.
type Handoff struct {
	Action      string `json:"action"`
	VideoBase64 string `json:"video_base64"`
	UserID      string `json:"user_id"`
}

// Session is one montage from launch to close.
type Session struct {
	ID        string
	Launch    LaunchParams
	Selection processing.Selection
	CreatedAt time.Time

	settings *composition.Settings
	orch     *processing.Orchestrator
	client   *remote.Client
	hub      *hub
	dir      string
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	upload      *composition.SecondaryVideo
	templateErr error
	closed      bool
	// inUse counts the runs reading each spooled file; a replaced file that
	// is still in use is removed by its last reader.
	inUse   map[string]int
	retired map[string]bool
}

// View is the JSON snapshot of a session.
type View struct {
	ID             string               `json:"id"`
	Launch         LaunchParams         `json:"launch"`
	Selection      processing.Selection `json:"backend"`
	Settings       composition.Snapshot `json:"settings"`
	TemplatesError string               `json:"templates_error,omitempty"`
	Upload         *UploadView          `json:"upload,omitempty"`
	Run            RunView              `json:"run"`
	Result         *ResultView          `json:"result,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

type UploadView struct {
	composition.SecondaryVideo
	Summary string `json:"summary"`
}

// RunView flattens the orchestrator status and its classified error.
type RunView struct {
	processing.Status
	ErrorKind    failure.Kind `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Hint         string       `json:"hint,omitempty"`
}

type ResultView struct {
	RunID     string `json:"run_id"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (s *Session) Settings() *composition.Settings {
	return s.settings
}

func (s *Session) Orchestrator() *processing.Orchestrator {
	return s.orch
}

// View returns a consistent snapshot for the API.
func (s *Session) View() View {
	s.mu.Lock()
	upload := s.upload
	templateErr := s.templateErr
	s.mu.Unlock()

	status := s.orch.Status()
	v := View{
		ID:        s.ID,
		Launch:    s.Launch,
		Selection: s.Selection,
		Settings:  s.settings.Snapshot(),
		Run:       RunView{Status: status},
		CreatedAt: s.CreatedAt,
	}
	if templateErr != nil {
		v.TemplatesError = templateErr.Error()
	}
	if upload != nil {
		v.Upload = &UploadView{SecondaryVideo: *upload, Summary: upload.Summary()}
	}
	if status.Error != nil {
		v.Run.ErrorKind = status.Error.Kind
		v.Run.ErrorMessage = status.Error.Message
		v.Run.Hint = status.Error.Hint()
	}
	if res := s.orch.Result(); res != nil {
		v.Result = &ResultView{
			RunID:     res.RunID,
			Size:      res.Size,
			SizeHuman: composition.HumanSize(res.Size),
			ElapsedMS: res.Elapsed.Milliseconds(),
		}
	}
	return v
}

// Plan builds the plan the current layout would produce.
func (s *Session) Plan() (filtergraph.Plan, error) {
	plan, err := filtergraph.BuildPlan(s.opts.Plan, s.settings.Layout())
	if err != nil {
		return filtergraph.Plan{}, failure.Classify(err, failure.KindValidation)
	}
	return plan, nil
}

// Upload validates r and spools it into the session directory as the
// secondary clip, replacing any previous upload. Nothing is kept when
// validation fails.
func (s *Session) Upload(filename, declaredType string, r io.Reader) (composition.SecondaryVideo, error) {
	if err := s.checkOpen(); err != nil {
		return composition.SecondaryVideo{}, err
	}
	if s.orch.Status().State.Active() {
		return composition.SecondaryVideo{}, ErrUploadWhileProcessing
	}
	filename = cleanFilename(filename)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return composition.SecondaryVideo{}, fmt.Errorf("failed to create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "upload-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return composition.SecondaryVideo{}, fmt.Errorf("failed to spool upload: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	maxBytes := s.opts.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = composition.DefaultMaxUploadBytes
	}
	br := bufio.NewReaderSize(r, sniffBytes)
	head, _ := br.Peek(sniffBytes)
	head = append([]byte(nil), head...)

	n, err := io.Copy(tmp, io.LimitReader(br, maxBytes+1))
	if err != nil {
		return composition.SecondaryVideo{}, failure.Validation("the upload was interrupted")
	}
	contentType, err := composition.CheckUpload(filename, declaredType, n, maxBytes, head)
	if err != nil {
		return composition.SecondaryVideo{}, err
	}
	if err := tmp.Close(); err != nil {
		return composition.SecondaryVideo{}, fmt.Errorf("failed to spool upload: %w", err)
	}

	video := &composition.SecondaryVideo{
		Filename:    filename,
		ContentType: contentType,
		Size:        n,
		Path:        tmp.Name(),
	}

	s.mu.Lock()
	if s.orch.Status().State.Active() {
		s.mu.Unlock()
		return composition.SecondaryVideo{}, ErrUploadWhileProcessing
	}
	previous := s.upload
	s.upload = video
	removePrevious := previous != nil && s.retireLocked(previous.Path)
	s.mu.Unlock()
	keep = true

	if removePrevious {
		os.Remove(previous.Path)
	}
	s.logger.Info("secondary video uploaded",
		"filename", filename,
		"content_type", contentType,
		"bytes", n,
	)
	return *video, nil
}

// LoadTemplates fetches the subtitle templates from the remote backend. A
// failure or an empty list leaves subtitles disabled and is remembered for
// the view; it is returned for logging only.
func (s *Session) LoadTemplates(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	templates, err := s.client.Templates(ctx)
	if err == nil && len(templates) == 0 {
		err = errors.New("no subtitle styles are available")
	}

	s.mu.Lock()
	s.templateErr = err
	s.mu.Unlock()

	if err != nil {
		s.settings.SetTemplates(nil)
		s.logger.Warn("subtitle templates unavailable", "error", err)
		return err
	}
	s.settings.SetTemplates(templates)
	s.logger.Info("subtitle templates loaded", "count", len(templates))
	return nil
}

// request snapshots the settings and the upload for a run. The spooled file
// stays on disk until release is called, even if it is replaced meanwhile.
func (s *Session) request() (processing.Request, func()) {
	s.mu.Lock()
	var upload *composition.SecondaryVideo
	if s.upload != nil {
		u := *s.upload
		upload = &u
		if s.inUse == nil {
			s.inUse = make(map[string]int)
		}
		s.inUse[u.Path]++
	}
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		if upload != nil {
			once.Do(func() { s.release(upload.Path) })
		}
	}

	snap := s.settings.Snapshot()
	return processing.Request{
		SessionID: s.ID,
		AvatarURL: s.Launch.VideoURL,
		Secondary: upload,
		Layout:    snap.Layout,
		Subtitles: snap.Subtitles,
	}, release
}

func (s *Session) release(path string) {
	s.mu.Lock()
	s.inUse[path]--
	remove := false
	if s.inUse[path] <= 0 {
		delete(s.inUse, path)
		remove = s.retired[path]
		delete(s.retired, path)
	}
	s.mu.Unlock()
	if remove {
		os.Remove(path)
	}
}

// retireLocked reports whether path can be removed now. A file still read by
// a run is marked for removal when that run lets go of it.
func (s *Session) retireLocked(path string) bool {
	if s.inUse[path] == 0 {
		return true
	}
	if s.retired == nil {
		s.retired = make(map[string]bool)
	}
	s.retired[path] = true
	return false
}

// Start launches a run in the background with the current settings.
func (s *Session) Start(ctx context.Context) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	req, release := s.request()
	runID, err := s.orch.Start(ctx, req)
	if err != nil {
		release()
		return "", err
	}
	go func() {
		_ = s.orch.Wait(context.Background())
		release()
	}()
	return runID, nil
}

// Run processes synchronously with the current settings.
func (s *Session) Run(ctx context.Context) (*processing.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	req, release := s.request()
	defer release()
	return s.orch.Run(ctx, req)
}

// Cancel stops the active run.
func (s *Session) Cancel() bool {
	return s.orch.Cancel()
}

// Subscribe streams run and settings events until the returned func is called
// or the session closes.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.hub.subscribe()
}

// Result returns the processed video of the last successful run.
func (s *Session) Result() (*processing.Result, error) {
	res := s.orch.Result()
	if res == nil {
		return nil, ErrNoResult
	}
	return res, nil
}

// Handoff encodes the result for the bot.
func (s *Session) Handoff() (Handoff, error) {
	res, err := s.Result()
	if err != nil {
		return Handoff{}, err
	}
	return Handoff{
		Action:      HandoffAction,
		VideoBase64: base64.StdEncoding.EncodeToString(res.Data),
		UserID:      s.Launch.UserID,
	}, nil
}

// Reset cancels any run and returns to the initial screen: no mode, default
// layout, no upload and no result. Loaded templates are kept.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.orch.Reset(ctx); err != nil {
		return err
	}
	s.settings.Reset()
	s.dropUpload()
	s.logger.Info("session reset")
	return nil
}

// Close cancels any run and discards everything the session holds.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.orch.Reset(ctx)
	s.dropUpload()
	s.hub.close()
	if rerr := os.RemoveAll(s.dir); rerr != nil && err == nil {
		err = rerr
	}
	s.logger.Info("session closed")
	return err
}

func (s *Session) dropUpload() {
	s.mu.Lock()
	upload := s.upload
	s.upload = nil
	remove := upload != nil && s.retireLocked(upload.Path)
	s.mu.Unlock()
	if remove {
		os.Remove(upload.Path)
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func cleanFilename(name string) string {
	return export.UploadName(name, "video.mp4")
}
