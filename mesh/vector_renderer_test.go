package mesh

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func previewCloud() []r3.Vector {
	var points []r3.Vector
	for i := 0; i < 20; i++ {
		for j := 0; j < 10; j++ {
			points = append(points, r3.Vector{X: float64(i) * 0.25, Y: float64(j) * 0.25, Z: float64(i+j) * 0.1})
		}
	}
	return points
}

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	r := NewVectorRenderer(previewCloud(), orb.LineString{{0, 0}, {1, 0.5}, {2, 0.5}})

	var buf bytes.Buffer
	require.NoError(t, r.RenderToSVG(&buf))

	assert.Contains(t, buf.String(), "<svg")
	assert.Contains(t, buf.String(), "path")
}

func TestVectorRenderer_RenderToSVGEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewVectorRenderer(nil, nil).RenderToSVG(&buf))
	assert.Contains(t, buf.String(), "<svg")
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorRenderer(previewCloud(), orb.LineString{{0, 0}, {4, 2}})
	r.MaxPixels = 200

	var buf bytes.Buffer
	require.NoError(t, r.RenderToPNG(&buf))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	b := img.Bounds()
	assert.Greater(t, b.Dx(), b.Dy())
	assert.InDelta(t, 200, math.Max(float64(b.Dx()), float64(b.Dy())), 1)
}

func TestVectorRenderer_Decimate(t *testing.T) {
	r := NewVectorRenderer([]r3.Vector{
		{X: 0, Y: 0, Z: 1},
		{X: 0.01, Y: 0.01, Z: 2},
		{X: 1, Y: 1, Z: 3},
	}, nil)
	r.SnapIncrement = 0.1
	assert.Equal(t, []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 1, Z: 3}}, r.decimate())

	r.SnapIncrement = 0
	assert.Len(t, r.decimate(), 3)
}

func TestSnapCoord(t *testing.T) {
	tests := []struct {
		coord, increment, want float64
	}{
		{123, 50, 100},
		{126, 50, 150},
		{-26, 50, -50},
		{7.3, 0, 7.3},
		{7.3, -1, 7.3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, snapCoord(tt.coord, tt.increment))
	}
}

func TestNrgbaToRGBA(t *testing.T) {
	assert.Equal(t, color.RGBA{}, nrgbaToRGBA(color.NRGBA{R: 255, A: 0}))
	assert.Equal(t, color.RGBA{10, 20, 30, 255}, nrgbaToRGBA(color.NRGBA{10, 20, 30, 255}))
	assert.Equal(t, color.RGBA{100, 0, 49, 100}, nrgbaToRGBA(color.NRGBA{255, 0, 127, 100}))
}
