package mesh

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// snapCoord rounds a coordinate to the nearest multiple of the given increment.
// An increment of 0 disables snapping and returns the coordinate unchanged.
func snapCoord(coord, increment float64) float64 {
	if increment <= 0 {
		return coord
	}
	return math.Round(coord/increment) * increment
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer renders the top-down map preview as vector graphics
type VectorRenderer struct {
	Points        []r3.Vector
	Path          orb.LineString
	Padding       float64           // Padding in map units
	PointRadius   float64           // Dot radius in map units
	PathWidth     float64           // Trajectory stroke width in map units
	SnapIncrement float64           // Points sharing a snapped XY cell are drawn once; 0 disables
	GridSpacing   float64           // Grid line spacing in map units; 0 disables
	Resolution    canvas.Resolution // Resolution for PNG output
	MaxPixels     int               // Caps the longest PNG side by lowering Resolution; 0 disables
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(points []r3.Vector, path orb.LineString) *VectorRenderer {
	return &VectorRenderer{
		Points:        points,
		Path:          path,
		Padding:       1.0,
		PointRadius:   0.05,
		PathWidth:     0.05,
		SnapIncrement: 0.05,
		GridSpacing:   1.0,
		Resolution:    canvas.DPMM(100),
		MaxPixels:     2000,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// size returns the canvas extent for bound.
func (r *VectorRenderer) size(bound orb.Bound) (float64, float64) {
	return bound.Max.X() - bound.Min.X() + 2*r.Padding, bound.Max.Y() - bound.Min.Y() + 2*r.Padding
}

// RenderToSVG writes the preview as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	bound, _ := previewBounds(r.Points, r.Path)
	width, height := r.size(bound)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, bound, width, height)

	return svgRenderer.Close()
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	bound, _ := previewBounds(r.Points, r.Path)
	width, height := r.size(bound)

	res := r.Resolution
	if r.MaxPixels > 0 {
		if limit := float64(r.MaxPixels) / math.Max(width, height); res.DPMM() > limit {
			res = canvas.DPMM(limit)
		}
	}

	rast := rasterizer.New(width, height, res, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound, width, height)

	// Rasterizer implements draw.Image
	return png.Encode(w, rast)
}

// decimate keeps the first point in each snapped XY cell.
func (r *VectorRenderer) decimate() []r3.Vector {
	return decimateXY(r.Points, r.SnapIncrement)
}

// decimateXY keeps the first point of every snapped XY cell.
func decimateXY(points []r3.Vector, increment float64) []r3.Vector {
	if increment <= 0 {
		return points
	}
	seen := make(map[orb.Point]struct{}, len(points))
	out := make([]r3.Vector, 0, len(points))
	for _, p := range points {
		cell := orb.Point{snapCoord(p.X, increment), snapCoord(p.Y, increment)}
		if _, ok := seen[cell]; ok {
			continue
		}
		seen[cell] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, bound orb.Bound, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Canvas y already points up, matching map coordinates.
	toCanvas := func(x, y float64) (float64, float64) {
		return x - bound.Min.X() + r.Padding, y - bound.Min.Y() + r.Padding
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = r.PathWidth / 2
		gridStyle.Dashes = []float64{r.GridSpacing / 10, r.GridSpacing / 10}

		for x := math.Floor(bound.Min.X()/r.GridSpacing) * r.GridSpacing; x <= bound.Max.X(); x += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(x, bound.Min.Y()))
			gridPath.LineTo(toCanvas(x, bound.Max.Y()))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(bound.Min.Y()/r.GridSpacing) * r.GridSpacing; y <= bound.Max.Y(); y += r.GridSpacing {
			gridPath := &canvas.Path{}
			gridPath.MoveTo(toCanvas(bound.Min.X(), y))
			gridPath.LineTo(toCanvas(bound.Max.X(), y))
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	minZ, maxZ := zRange(r.Points)
	for _, p := range r.decimate() {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(heightColor(p.Z, minZ, maxZ))}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		renderer.RenderPath(canvas.Circle(r.PointRadius).Translate(toCanvas(p.X, p.Y)), style, canvas.Identity)
	}

	if len(r.Path) > 1 {
		pathStyle := canvas.DefaultStyle
		pathStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		pathStyle.Stroke = canvas.Paint{Color: canvas.Black}
		pathStyle.StrokeWidth = r.PathWidth

		cp := &canvas.Path{}
		for i, pt := range r.Path {
			if i == 0 {
				cp.MoveTo(toCanvas(pt.X(), pt.Y()))
			} else {
				cp.LineTo(toCanvas(pt.X(), pt.Y()))
			}
		}
		renderer.RenderPath(cp, pathStyle, canvas.Identity)
	}

	if len(r.Path) > 0 {
		startStyle := canvas.DefaultStyle
		startStyle.Fill = canvas.Paint{Color: startColor}
		startStyle.Stroke = canvas.Paint{Color: canvas.Black}
		startStyle.StrokeWidth = r.PathWidth / 2
		start := canvas.Rectangle(4*r.PointRadius, 4*r.PointRadius).Translate(-2*r.PointRadius, -2*r.PointRadius)
		renderer.RenderPath(start.Translate(toCanvas(r.Path[0].X(), r.Path[0].Y())), startStyle, canvas.Identity)
	}
}
