// Package composition holds the layout parameter model: the composition mode,
// avatar position and split ratio chosen by the user, the subtitle options,
// and the secondary upload constraints. Values are validated before they can
// reach the filter graph builder.
package composition

import (
	"strings"

	"github.com/promontage/montage-agent/internal/failure"
)

// Mode selects how the two clips are combined.
type Mode string

const (
	ModeSplitScreen Mode = "split_screen"
	ModeCorner      Mode = "corner"
)

// Position places the avatar clip. In split mode it selects the half and the
// stacking axis, in corner mode the anchoring corner.
type Position string

const (
	PositionTop    Position = "top"
	PositionBottom Position = "bottom"
	PositionLeft   Position = "left"
	PositionRight  Position = "right"
)

const (
	DefaultRatio    = 50
	DefaultPosition = PositionTop
	MinRatio        = 0
	MaxRatio        = 100
)

var ErrModeLocked = failure.Validation("composition mode is already chosen for this session")

// Layout is the immutable value consumed by the filter graph builder.
type Layout struct {
	Mode     Mode     `json:"mode"`
	Position Position `json:"position"`
	Ratio    int      `json:"ratio"`
}

// DefaultLayout returns the layout a fresh session starts with. The mode is
// left unset until the user picks one.
func DefaultLayout() Layout {
	return Layout{Position: DefaultPosition, Ratio: DefaultRatio}
}

// ParseMode accepts the session mode names and the short "split" form used on
// the remote wire.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeSplitScreen), "split":
		return ModeSplitScreen, nil
	case string(ModeCorner):
		return ModeCorner, nil
	default:
		return "", failure.Validation("unknown composition mode %q", s)
	}
}

func ParsePosition(s string) (Position, error) {
	p := Position(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", failure.Validation("unknown avatar position %q", s)
	}
	return p, nil
}

func (m Mode) Valid() bool {
	return m == ModeSplitScreen || m == ModeCorner
}

// WireName is the mode name understood by the remote processing endpoint.
func (m Mode) WireName() string {
	if m == ModeSplitScreen {
		return "split"
	}
	return string(m)
}

func (p Position) Valid() bool {
	switch p {
	case PositionTop, PositionBottom, PositionLeft, PositionRight:
		return true
	default:
		return false
	}
}

// Vertical reports whether the position stacks clips top to bottom.
func (p Position) Vertical() bool {
	return p == PositionTop || p == PositionBottom
}

func ValidateRatio(ratio int) error {
	if ratio < MinRatio || ratio > MaxRatio {
		return failure.Validation("ratio must be between %d and %d, got %d", MinRatio, MaxRatio, ratio)
	}
	return nil
}

// Validate checks a complete layout, including that a mode was chosen.
func (l Layout) Validate() error {
	if !l.Mode.Valid() {
		if l.Mode == "" {
			return failure.Validation("composition mode is not selected")
		}
		return failure.Validation("unknown composition mode %q", l.Mode)
	}
	if !l.Position.Valid() {
		return failure.Validation("unknown avatar position %q", l.Position)
	}
	return ValidateRatio(l.Ratio)
}
