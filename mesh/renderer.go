package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	backgroundColor = color.RGBA{240, 240, 240, 255}
	pathColor       = color.RGBA{0, 0, 0, 255}
	startColor      = color.RGBA{255, 215, 0, 255} // Gold
	textColor       = color.RGBA{0, 0, 0, 255}
)

// heightColor maps z onto a blue (low) to red (high) ramp.
func heightColor(z, minZ, maxZ float64) color.NRGBA {
	t := 0.5
	if maxZ > minZ {
		t = (z - minZ) / (maxZ - minZ)
	}
	t = math.Max(0, math.Min(1, t))
	return color.NRGBA{
		R: uint8(255 * t),
		G: uint8(96 * (1 - math.Abs(2*t-1))),
		B: uint8(255 * (1 - t)),
		A: 200,
	}
}

// zRange returns the smallest and largest z of points, or 0,0 when empty.
func zRange(points []r3.Vector) (float64, float64) {
	if len(points) == 0 {
		return 0, 0
	}
	minZ, maxZ := points[0].Z, points[0].Z
	for _, p := range points[1:] {
		minZ = math.Min(minZ, p.Z)
		maxZ = math.Max(maxZ, p.Z)
	}
	return minZ, maxZ
}

// previewBounds is the XY footprint of the points extended by the path.
func previewBounds(points []r3.Vector, path orb.LineString) (orb.Bound, bool) {
	if len(points) == 0 && len(path) == 0 {
		return orb.Bound{}, false
	}
	var b orb.Bound
	if len(points) > 0 {
		b = Footprint(points)
	} else {
		b = orb.Bound{Min: path[0], Max: path[0]}
	}
	for _, p := range path {
		b = b.Extend(p)
	}
	return b, true
}

// PreviewRenderer draws a top-down raster preview of the map: points
// projected onto XY and colored by height, with the sensor path on top.
type PreviewRenderer struct {
	Points  []r3.Vector
	Path    orb.LineString
	Scale   float64 // Pixels per map unit; 0 fits the map into MaxSize
	Padding int     // Padding around the image
	MaxSize int     // Largest image side in pixels
	Title   string  // Legend line; empty hides the legend
}

// NewPreviewRenderer creates a renderer with default settings
func NewPreviewRenderer(points []r3.Vector, path orb.LineString) *PreviewRenderer {
	return &PreviewRenderer{
		Points:  points,
		Path:    path,
		Padding: 20,
		MaxSize: 800,
	}
}

// Render rasterizes the preview.
func (r *PreviewRenderer) Render() *image.RGBA {
	bound, ok := previewBounds(r.Points, r.Path)

	scale := r.Scale
	span := math.Max(bound.Max.X()-bound.Min.X(), bound.Max.Y()-bound.Min.Y())
	if scale <= 0 {
		scale = 1
		if span > 0 {
			scale = float64(r.MaxSize-2*r.Padding) / span
		}
	}
	// Limit size
	if r.MaxSize > 0 && span*scale > float64(r.MaxSize) {
		scale = float64(r.MaxSize) / span
	}

	width := int((bound.Max.X()-bound.Min.X())*scale) + 2*r.Padding + 1
	height := int((bound.Max.Y()-bound.Min.Y())*scale) + 2*r.Padding + 1

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, backgroundColor)
		}
	}
	if !ok {
		return img
	}

	// Image y grows downward, map y upward.
	toImage := func(x, y float64) (int, int) {
		ix := int((x-bound.Min.X())*scale) + r.Padding
		iy := height - 1 - (int((y-bound.Min.Y())*scale) + r.Padding)
		return ix, iy
	}

	minZ, maxZ := zRange(r.Points)
	for _, p := range r.Points {
		ix, iy := toImage(p.X, p.Y)
		if ix >= 0 && ix < width && iy >= 0 && iy < height {
			img.Set(ix, iy, blendColors(img.RGBAAt(ix, iy), heightColor(p.Z, minZ, maxZ)))
		}
	}

	for i := 1; i < len(r.Path); i++ {
		x0, y0 := toImage(r.Path[i-1].X(), r.Path[i-1].Y())
		x1, y1 := toImage(r.Path[i].X(), r.Path[i].Y())
		drawLine(img, x0, y0, x1, y1, pathColor)
	}
	if len(r.Path) > 0 {
		x, y := toImage(r.Path[0].X(), r.Path[0].Y())
		drawSquare(img, x, y, 6, startColor)
		x, y = toImage(r.Path[len(r.Path)-1].X(), r.Path[len(r.Path)-1].Y())
		drawCircle(img, x, y, 4, pathColor)
	}

	if r.Title != "" {
		drawText(img, 6, 14, r.Title, textColor)
		drawText(img, 6, 28, fmt.Sprintf("z %.2f .. %.2f", minZ, maxZ), textColor)
	}

	return img
}

// RenderPNG encodes the preview as PNG.
func (r *PreviewRenderer) RenderPNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG saves the preview image to a file
func (r *PreviewRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.RenderPNG(f)
}

// blendColors performs alpha blending of two colors
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied, so un-premultiply the background first
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

// drawLine draws a 1px line using Bresenham's algorithm
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		if (image.Point{X: x0, Y: y0}).In(img.Bounds()) {
			img.Set(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
