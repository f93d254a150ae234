package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"simforge/internal/types"
)

const (
	defaultPreviewWidth  = 640
	defaultPreviewHeight = 480
	previewMargin        = 24
)

// shapePalette cycles across shapes so adjacent primitives stay
// distinguishable in the preview.
var shapePalette = []color.RGBA{
	{R: 0x4a, G: 0x7e, B: 0xb5, A: 0xff},
	{R: 0xc2, G: 0x8a, B: 0x45, A: 0xff},
	{R: 0x5a, G: 0x9e, B: 0x6f, A: 0xff},
	{R: 0x9a, G: 0x6a, B: 0xab, A: 0xff},
}

// Preview renders the artifact's geometry to a PNG. Width and height
// default to 640x480 when non-positive.
func (l *Local) Preview(ctx context.Context, path string, width, height int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := loadState(path)
	if err != nil {
		return nil, err
	}
	if state.Geometry == nil || len(state.Geometry.Shapes) == 0 {
		return nil, fmt.Errorf("no geometry to preview in %s", path)
	}

	if width <= 0 {
		width = defaultPreviewWidth
	}
	if height <= 0 {
		height = defaultPreviewHeight
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill(img, img.Bounds(), color.RGBA{R: 0xf4, G: 0xf4, B: 0xf0, A: 0xff})

	drawShapes(img, state.Geometry)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// extent is a shape's axis-aligned footprint in plan units.
type extent struct {
	x, y, w, h float64
	round      bool
}

func drawShapes(img *image.RGBA, geom *types.GeometryPlan) {
	extents := make([]extent, 0, len(geom.Shapes))
	minX, minY := 0.0, 0.0
	maxX, maxY := 0.0, 0.0
	for i, s := range geom.Shapes {
		e := footprint(s)
		extents = append(extents, e)
		if i == 0 {
			minX, minY = e.x, e.y
			maxX, maxY = e.x+e.w, e.y+e.h
			continue
		}
		minX = min(minX, e.x)
		minY = min(minY, e.y)
		maxX = max(maxX, e.x+e.w)
		maxY = max(maxY, e.y+e.h)
	}

	spanX := maxX - minX
	spanY := maxY - minY
	if spanX <= 0 {
		spanX = 1
	}
	if spanY <= 0 {
		spanY = 1
	}

	bounds := img.Bounds()
	scale := min(
		float64(bounds.Dx()-2*previewMargin)/spanX,
		float64(bounds.Dy()-2*previewMargin)/spanY,
	)

	for i, e := range extents {
		// Flip Y so plan coordinates grow upward on screen.
		x0 := previewMargin + int((e.x-minX)*scale)
		y1 := bounds.Dy() - previewMargin - int((e.y-minY)*scale)
		x1 := x0 + int(e.w*scale)
		y0 := y1 - int(e.h*scale)
		c := shapePalette[i%len(shapePalette)]
		if e.round {
			fillEllipse(img, image.Rect(x0, y0, x1, y1), c)
		} else {
			fill(img, image.Rect(x0, y0, x1, y1), c)
		}
	}
}

// footprint derives a drawable 2D extent from a shape's parameters,
// treating the position as the shape's lower-left corner (center for
// round shapes).
func footprint(s types.Shape) extent {
	x, y := 0.0, 0.0
	if len(s.Position) > 0 {
		x = s.Position[0]
	}
	if len(s.Position) > 1 {
		y = s.Position[1]
	}

	switch s.Kind {
	case "circle", "sphere", "cylinder":
		r := s.Params["radius"]
		if r <= 0 {
			r = 0.5
		}
		return extent{x: x - r, y: y - r, w: 2 * r, h: 2 * r, round: true}
	case "square", "cube":
		side := s.Params["side"]
		if side <= 0 {
			side = 1
		}
		return extent{x: x, y: y, w: side, h: side}
	default:
		w := s.Params["width"]
		if w <= 0 {
			w = 1
		}
		h := s.Params["height"]
		if h <= 0 {
			h = s.Params["depth"]
		}
		if h <= 0 {
			h = 1
		}
		return extent{x: x, y: y, w: w, h: h}
	}
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func fillEllipse(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	clipped := r.Intersect(img.Bounds())
	cx := float64(r.Min.X+r.Max.X) / 2
	cy := float64(r.Min.Y+r.Max.Y) / 2
	rx := float64(r.Dx()) / 2
	ry := float64(r.Dy()) / 2
	if rx <= 0 || ry <= 0 {
		return
	}
	for y := clipped.Min.Y; y < clipped.Max.Y; y++ {
		for x := clipped.Min.X; x < clipped.Max.X; x++ {
			dx := (float64(x) + 0.5 - cx) / rx
			dy := (float64(y) + 0.5 - cy) / ry
			if dx*dx+dy*dy <= 1 {
				img.SetRGBA(x, y, c)
			}
		}
	}
}
