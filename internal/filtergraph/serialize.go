package filtergraph

import (
	"fmt"
	"strconv"
	"strings"
)

// FilterComplex renders the plan as an ffmpeg -filter_complex graph whose
// video output is labelled [v].
func (p Plan) FilterComplex() string {
	if p.Axis == AxisOverlay {
		return p.overlayGraph()
	}

	if len(p.Tiles) == 1 {
		t := p.Tiles[0]
		return fmt.Sprintf("[%d:v]%s[v]", t.Role.InputIndex(), p.fit(t.Width, t.Height))
	}

	parts := make([]string, 0, len(p.Tiles)+1)
	labels := make([]string, 0, len(p.Tiles))
	for i, t := range p.Tiles {
		label := fmt.Sprintf("[v%d]", i)
		parts = append(parts, fmt.Sprintf("[%d:v]%s%s", t.Role.InputIndex(), p.fit(t.Width, t.Height), label))
		labels = append(labels, label)
	}

	stack := "hstack"
	if p.Axis == AxisVertical {
		stack = "vstack"
	}
	parts = append(parts, fmt.Sprintf("%s%s=inputs=%d:shortest=1[v]", strings.Join(labels, ""), stack, len(labels)))
	return strings.Join(parts, ";")
}

func (p Plan) overlayGraph() string {
	bg := p.Tiles[0]
	o := p.Overlay
	scale := strconv.FormatFloat(o.Scale, 'f', -1, 64)
	return fmt.Sprintf(
		"[%d:v]%s[bg];[%d:v]scale=trunc(iw*%s/2)*2:trunc(ih*%s/2)*2[ovr];[bg][ovr]overlay=%s:%s:shortest=1[v]",
		bg.Role.InputIndex(), p.fit(bg.Width, bg.Height),
		o.Role.InputIndex(), scale, scale,
		o.X, o.Y,
	)
}

func (p Plan) fit(w, h int) string {
	if p.Scaling == ScalingPad {
		return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", w, h, w, h)
	}
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1", w, h, w, h)
}

// Args renders the full ffmpeg argument list, without the binary name.
func (p Plan) Args(avatarPath, secondaryPath, outputPath string) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-i", avatarPath,
		"-i", secondaryPath,
		"-filter_complex", p.FilterComplex(),
		"-map", "[v]",
		"-map", fmt.Sprintf("%d:a?", p.AudioFrom.InputIndex()),
		"-c:v", p.Video.Codec,
	}
	if p.Video.Preset != "" {
		args = append(args, "-preset", p.Video.Preset)
	}
	if p.Video.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(p.Video.CRF))
	}
	if p.Video.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(p.Video.FrameRate))
	}
	if p.Video.PixelFormat != "" {
		args = append(args, "-pix_fmt", p.Video.PixelFormat)
	}
	args = append(args, "-movflags", "+faststart", "-c:a", p.Audio.Codec)
	if p.Audio.Bitrate != "" {
		args = append(args, "-b:a", p.Audio.Bitrate)
	}
	if p.Shortest {
		args = append(args, "-shortest")
	}
	return append(args, outputPath)
}

// Field is one multipart form field sent to the remote backend.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormFields renders the layout intent for the remote backend, which rebuilds
// the same plan server-side.
func (p Plan) FormFields() []Field {
	return []Field{
		{Name: "mode", Value: p.Layout.Mode.WireName()},
		{Name: "avatar_position", Value: string(p.Layout.Position)},
		{Name: "avatar_size", Value: strconv.Itoa(p.Layout.Ratio)},
	}
}
