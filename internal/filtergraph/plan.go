// Package filtergraph derives a backend-neutral composition plan from a
// layout: which clip occupies which part of the canvas, how each clip is
// scaled, where the corner overlay sits, which audio track is kept and how the
// output is encoded. The plan is serialised at the backend boundary, either as
// ffmpeg arguments or as remote form fields.
package filtergraph

import (
	"fmt"

	"github.com/promontage/montage-agent/internal/composition"
)

// Role names one of the two composition inputs.
type Role string

const (
	RoleAvatar    Role = "avatar"
	RoleSecondary Role = "secondary"
)

// InputIndex is the ffmpeg input index of the role. The avatar is always the
// first input.
func (r Role) InputIndex() int {
	if r == RoleAvatar {
		return 0
	}
	return 1
}

// Scaling is how a clip is fitted into its tile.
type Scaling string

const (
	// ScalingCrop fills the tile and crops the overflow, no letterboxing.
	ScalingCrop Scaling = "crop"
	// ScalingPad fits the clip inside the tile and pads, no cropping.
	ScalingPad Scaling = "pad"
)

func ParseScaling(s string) (Scaling, error) {
	switch Scaling(s) {
	case ScalingCrop, ScalingPad:
		return Scaling(s), nil
	case "":
		return ScalingCrop, nil
	default:
		return "", fmt.Errorf("unknown scaling policy %q (want crop or pad)", s)
	}
}

// Axis is the stacking direction of a split plan, or AxisOverlay for corner
// plans.
type Axis string

const (
	AxisVertical   Axis = "vertical"
	AxisHorizontal Axis = "horizontal"
	AxisOverlay    Axis = "overlay"
)

// Corner is where the overlay is anchored.
type Corner string

const (
	CornerTopRight    Corner = "top_right"
	CornerBottomRight Corner = "bottom_right"
	CornerBottomLeft  Corner = "bottom_left"
)

// Canvas is the output frame size.
type Canvas struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var DefaultCanvas = Canvas{Width: 720, Height: 1280}

func (c Canvas) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("canvas must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("canvas dimensions must be even, got %dx%d", c.Width, c.Height)
	}
	return nil
}

func (c Canvas) String() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// VideoEncoding is the output video stream encoding. Video is always
// re-encoded.
type VideoEncoding struct {
	Codec       string `json:"codec"`
	Preset      string `json:"preset"`
	CRF         int    `json:"crf"`
	FrameRate   int    `json:"frame_rate"`
	PixelFormat string `json:"pixel_format"`
}

// AudioEncoding is the output audio stream encoding.
type AudioEncoding struct {
	Codec   string `json:"codec"`
	Bitrate string `json:"bitrate"`
}

// Options are the fixed, configurable parts of every plan.
type Options struct {
	Canvas        Canvas
	Scaling       Scaling
	OverlayScale  float64
	OverlayMargin int
	Video         VideoEncoding
	Audio         AudioEncoding
}

func DefaultOptions() Options {
	return Options{
		Canvas:        DefaultCanvas,
		Scaling:       ScalingCrop,
		OverlayScale:  0.3,
		OverlayMargin: 10,
		Video: VideoEncoding{
			Codec:       "libx264",
			Preset:      "veryfast",
			CRF:         28,
			FrameRate:   25,
			PixelFormat: "yuv420p",
		},
		Audio: AudioEncoding{
			Codec:   "aac",
			Bitrate: "128k",
		},
	}
}

// Tile is one clip's rectangle on the canvas.
type Tile struct {
	Role   Role `json:"role"`
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
}

// Overlay describes the avatar layered over the background in corner mode.
// X and Y are ffmpeg overlay expressions over the background size (W, H) and
// the overlay size (w, h).
type Overlay struct {
	Role   Role    `json:"role"`
	Scale  float64 `json:"scale"`
	Margin int     `json:"margin"`
	Corner Corner  `json:"corner"`
	X      string  `json:"x"`
	Y      string  `json:"y"`
}

// Plan is the complete, backend-neutral composition description.
type Plan struct {
	Layout    composition.Layout `json:"layout"`
	Canvas    Canvas             `json:"canvas"`
	Axis      Axis               `json:"axis"`
	Scaling   Scaling            `json:"scaling"`
	Tiles     []Tile             `json:"tiles"`
	Overlay   *Overlay           `json:"overlay,omitempty"`
	AudioFrom Role               `json:"audio_from"`
	Shortest  bool               `json:"shortest"`
	Video     VideoEncoding      `json:"video"`
	Audio     AudioEncoding      `json:"audio"`
}

// Tile returns the tile assigned to role, if any.
func (p Plan) Tile(role Role) (Tile, bool) {
	for _, t := range p.Tiles {
		if t.Role == role {
			return t, true
		}
	}
	return Tile{}, false
}
