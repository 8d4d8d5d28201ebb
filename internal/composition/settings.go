package composition

import (
	"sync"

	"github.com/promontage/montage-agent/internal/failure"
)

// Snapshot is a consistent copy of the settings at one point in time.
type Snapshot struct {
	Layout             Layout          `json:"layout"`
	Subtitles          SubtitleOptions `json:"subtitles"`
	Templates          []Template      `json:"templates"`
	SubtitlesSupported bool            `json:"subtitles_supported"`
}

// Settings is the single source of truth for the layout and subtitle choices
// of one session. Every setter validates before mutating; a rejected value
// leaves the state untouched.
type Settings struct {
	mu                 sync.Mutex
	layout             Layout
	subtitles          SubtitleOptions
	templates          []Template
	subtitlesSupported bool

	onChange func(Snapshot)
}

// NewSettings creates settings with the default layout. subtitlesSupported is
// false when the session processes locally, which rules out burn-in.
func NewSettings(subtitlesSupported bool) *Settings {
	return &Settings{
		layout:             DefaultLayout(),
		subtitlesSupported: subtitlesSupported,
	}
}

// OnChange registers fn to receive a snapshot after every accepted update,
// including idempotent ones. fn runs outside the settings lock.
func (s *Settings) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Settings) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Settings) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// SetMode fixes the composition mode. Choosing the same mode again is a
// no-op; choosing a different one after the first choice fails with
// ErrModeLocked until Reset.
func (s *Settings) SetMode(m Mode) error {
	if !m.Valid() {
		return failure.Validation("unknown composition mode %q", m)
	}
	return s.update(func() error {
		if s.layout.Mode != "" && s.layout.Mode != m {
			return ErrModeLocked
		}
		s.layout.Mode = m
		return nil
	})
}

func (s *Settings) SetPosition(p Position) error {
	if !p.Valid() {
		return failure.Validation("unknown avatar position %q", p)
	}
	return s.update(func() error {
		s.layout.Position = p
		return nil
	})
}

func (s *Settings) SetRatio(ratio int) error {
	if err := ValidateRatio(ratio); err != nil {
		return err
	}
	return s.update(func() error {
		s.layout.Ratio = ratio
		return nil
	})
}

// SetTemplates replaces the loaded template list. An empty list disables
// subtitles; a selected template that is no longer offered is cleared.
func (s *Settings) SetTemplates(templates []Template) {
	cleaned := CleanTemplates(templates)
	_ = s.update(func() error {
		s.templates = cleaned
		if len(cleaned) == 0 {
			s.subtitles = SubtitleOptions{}
			return nil
		}
		if s.subtitles.TemplateID != "" && !hasTemplate(cleaned, s.subtitles.TemplateID) {
			s.subtitles.TemplateID = ""
		}
		if s.subtitles.Enabled && s.subtitles.TemplateID == "" {
			s.subtitles.TemplateID = cleaned[0].ID
		}
		return nil
	})
}

// SetSubtitles enables or disables burn-in. Enabling requires remote
// processing and a loaded, non-empty template list; an empty templateID
// selects the first template.
func (s *Settings) SetSubtitles(enabled bool, templateID string) error {
	return s.update(func() error {
		if !enabled {
			s.subtitles = SubtitleOptions{TemplateID: s.subtitles.TemplateID}
			return nil
		}
		if !s.subtitlesSupported {
			return failure.Validation("subtitles are only available with server processing")
		}
		if len(s.templates) == 0 {
			return failure.Validation("no subtitle styles are available")
		}
		if templateID == "" {
			templateID = s.subtitles.TemplateID
		}
		if templateID == "" {
			templateID = s.templates[0].ID
		}
		if !hasTemplate(s.templates, templateID) {
			return failure.Validation("unknown subtitle style %q", templateID)
		}
		s.subtitles = SubtitleOptions{Enabled: true, TemplateID: templateID}
		return nil
	})
}

// Reset returns to the initial state: no mode, default position and ratio,
// subtitles off. Loaded templates are kept.
func (s *Settings) Reset() {
	_ = s.update(func() error {
		s.layout = DefaultLayout()
		s.subtitles = SubtitleOptions{}
		return nil
	})
}

func (s *Settings) update(apply func() error) error {
	s.mu.Lock()
	if err := apply(); err != nil {
		s.mu.Unlock()
		return err
	}
	snap := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return nil
}

func (s *Settings) snapshotLocked() Snapshot {
	templates := make([]Template, len(s.templates))
	copy(templates, s.templates)
	return Snapshot{
		Layout:             s.layout,
		Subtitles:          s.subtitles,
		Templates:          templates,
		SubtitlesSupported: s.subtitlesSupported,
	}
}
