package filtergraph

import (
	"fmt"

	"github.com/promontage/montage-agent/internal/composition"
)

// BuildPlan derives the composition plan for layout. The layout is validated
// first; an invalid layout never produces a plan.
func BuildPlan(opts Options, layout composition.Layout) (Plan, error) {
	if err := layout.Validate(); err != nil {
		return Plan{}, err
	}
	if err := opts.Canvas.Validate(); err != nil {
		return Plan{}, err
	}
	if opts.Scaling == "" {
		opts.Scaling = ScalingCrop
	}

	plan := Plan{
		Layout:    layout,
		Canvas:    opts.Canvas,
		Scaling:   opts.Scaling,
		AudioFrom: RoleAvatar,
		Shortest:  true,
		Video:     opts.Video,
		Audio:     opts.Audio,
	}

	switch layout.Mode {
	case composition.ModeSplitScreen:
		plan.Axis, plan.Tiles = splitTiles(opts.Canvas, layout.Position, layout.Ratio)
	case composition.ModeCorner:
		plan.Axis = AxisOverlay
		plan.Tiles = []Tile{{Role: RoleSecondary, Width: opts.Canvas.Width, Height: opts.Canvas.Height}}
		plan.Overlay = cornerOverlay(layout.Position, opts.OverlayScale, opts.OverlayMargin)
	default:
		return Plan{}, fmt.Errorf("unsupported composition mode %q", layout.Mode)
	}

	return plan, nil
}

// splitTiles partitions the canvas along the axis implied by position. The
// avatar extent is rounded down to an even pixel count and the secondary clip
// takes the remainder, so the two always sum to the canvas extent. A zero
// extent drops that tile.
func splitTiles(c Canvas, pos composition.Position, ratio int) (Axis, []Tile) {
	vertical := pos.Vertical()
	total := c.Width
	if vertical {
		total = c.Height
	}

	avatarExtent := total * ratio / 100
	avatarExtent -= avatarExtent % 2
	secondaryExtent := total - avatarExtent

	order := []Role{RoleAvatar, RoleSecondary}
	if pos == composition.PositionBottom || pos == composition.PositionRight {
		order = []Role{RoleSecondary, RoleAvatar}
	}

	axis := AxisHorizontal
	if vertical {
		axis = AxisVertical
	}

	tiles := make([]Tile, 0, 2)
	offset := 0
	for _, role := range order {
		extent := secondaryExtent
		if role == RoleAvatar {
			extent = avatarExtent
		}
		if extent == 0 {
			continue
		}
		t := Tile{Role: role}
		if vertical {
			t.Y, t.Width, t.Height = offset, c.Width, extent
		} else {
			t.X, t.Width, t.Height = offset, extent, c.Height
		}
		tiles = append(tiles, t)
		offset += extent
	}
	return axis, tiles
}

// cornerOverlay anchors the avatar overlay. top maps to the top-right corner,
// left to bottom-left, bottom and right to bottom-right.
func cornerOverlay(pos composition.Position, scale float64, margin int) *Overlay {
	if scale <= 0 || scale > 1 {
		scale = DefaultOptions().OverlayScale
	}
	if margin < 0 {
		margin = 0
	}

	right := fmt.Sprintf("W-w-%d", margin)
	bottom := fmt.Sprintf("H-h-%d", margin)
	near := fmt.Sprintf("%d", margin)

	o := &Overlay{Role: RoleAvatar, Scale: scale, Margin: margin}
	switch pos {
	case composition.PositionTop:
		o.Corner, o.X, o.Y = CornerTopRight, right, near
	case composition.PositionLeft:
		o.Corner, o.X, o.Y = CornerBottomLeft, near, bottom
	default:
		o.Corner, o.X, o.Y = CornerBottomRight, right, bottom
	}
	return o
}
