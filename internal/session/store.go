package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/filtergraph"
	"github.com/promontage/montage-agent/internal/logging"
	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/remote"
)

// Options are shared by every session of a store.
type Options struct {
	Plan           filtergraph.Options
	UploadDir      string
	MaxUploadBytes int64

	ConfiguredEndpoint string
	DevMode            bool
	RemoteTimeout      time.Duration
	TemplatesTimeout   time.Duration
	// HTTPClient overrides the remote client's transport.
	HTTPClient *http.Client

	// Local is nil when no usable ffmpeg was found.
	Local    *processing.LocalBackend
	Fetcher  processing.AvatarFetcher
	Recorder processing.Recorder
	Logger   *slog.Logger
}

// Store owns the live sessions of the agent.
type Store struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = processing.NewHTTPAvatarFetcher(0, 0, opts.Logger)
	}
	return &Store{opts: opts, sessions: make(map[string]*Session)}
}

// Create opens a session for params. The backend is chosen here and never
// changes for the session; templates are loaded right away when the backend
// supports subtitles.
func (st *Store) Create(ctx context.Context, params LaunchParams) (*Session, error) {
	params = params.withDefaults()
	sel, err := processing.SelectBackend(processing.SelectInput{
		LaunchServerURL:    params.ServerURL,
		ConfiguredEndpoint: st.opts.ConfiguredEndpoint,
		DevMode:            st.opts.DevMode,
		LocalEncoder:       st.opts.Local != nil,
	})
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := logging.WithSessionID(st.opts.Logger, id)

	s := &Session{
		ID:        id,
		Launch:    params,
		Selection: sel,
		CreatedAt: time.Now(),
		hub:       newHub(),
		dir:       filepath.Join(st.opts.UploadDir, id),
		opts:      st.opts,
		logger:    logger,
	}

	var backend processing.Backend
	if sel.Backend == processing.BackendRemote {
		var opts []remote.Option
		if st.opts.TemplatesTimeout > 0 {
			opts = append(opts, remote.WithTemplatesTimeout(st.opts.TemplatesTimeout))
		}
		if st.opts.HTTPClient != nil {
			opts = append(opts, remote.WithHTTPClient(st.opts.HTTPClient))
		}
		s.client = remote.NewClient(sel.Endpoint, st.opts.RemoteTimeout, logger, opts...)
		backend = processing.NewRemoteBackend(s.client)
	} else {
		backend = st.opts.Local
	}

	s.settings = composition.NewSettings(backend.SupportsSubtitles())
	s.settings.OnChange(func(snap composition.Snapshot) {
		s.hub.publish(Event{Type: EventSettings, Settings: &snap})
	})
	s.orch = processing.New(processing.Config{
		Backend:  backend,
		Fetcher:  st.opts.Fetcher,
		Plan:     st.opts.Plan,
		Recorder: st.opts.Recorder,
		OnEvent: func(ev processing.Event) {
			s.hub.publish(Event{Type: EventRun, Run: &ev})
		},
		Logger: logger,
	})

	_ = s.LoadTemplates(ctx)

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	logger.Info("session created",
		"backend", sel.Backend,
		"endpoint", sel.Endpoint,
		"source", sel.Source,
		"avatar", logging.SanitizeURL(params.VideoURL),
	)
	return s, nil
}

func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close removes the session and discards its state.
func (st *Store) Close(ctx context.Context, id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.Close(ctx)
}

// CloseAll closes every session, cancelling active runs.
func (st *Store) CloseAll(ctx context.Context) error {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
