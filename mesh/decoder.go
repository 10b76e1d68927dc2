package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// DecodeFramePayload decodes a point frame from various formats:
// - JSON object {"points": [[x,y,z], ...]}
// - JSON array [[x,y,z], ...]
// - Either of the above, zlib-compressed
func DecodeFramePayload(data []byte) ([]r3.Vector, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}

	jsonBytes := data
	if first := firstNonSpace(data); first != '{' && first != '[' {
		inflated, err := inflateZlib(data, maxPayloadBytes)
		if errors.Is(err, ErrPayloadTooLarge) {
			return nil, err
		}
		if err != nil {
			return nil, errors.New("unknown format: not JSON or zlib-compressed JSON")
		}
		jsonBytes = inflated
	}

	var triples [][3]float64
	switch firstNonSpace(jsonBytes) {
	case '{':
		var f Frame
		if err := json.Unmarshal(jsonBytes, &f); err != nil {
			return nil, errors.Wrap(err, "parsing frame JSON")
		}
		triples = f.Points
	case '[':
		if err := json.Unmarshal(jsonBytes, &triples); err != nil {
			return nil, errors.Wrap(err, "parsing frame JSON")
		}
	default:
		return nil, errors.New("decoded payload is not a JSON frame")
	}

	if len(triples) == 0 {
		return nil, ErrEmptyFrame
	}
	points := make([]r3.Vector, len(triples))
	for i, t := range triples {
		points[i] = r3.Vector{X: t[0], Y: t[1], Z: t[2]}
	}
	return points, nil
}

// EncodeFramePayload is the inverse of DecodeFramePayload for the JSON object form.
func EncodeFramePayload(points []r3.Vector) ([]byte, error) {
	f := Frame{Points: make([][3]float64, len(points))}
	for i, p := range points {
		f.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return json.Marshal(f)
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}

// DecodeDepthImage turns a depth image into a frame. The payload is either a
// 16-bit grayscale PNG or width*height little-endian uint16 samples in row
// order. Depths are normalized by the frame maximum; a pixel at row i, column
// j with minFrac < v < maxFrac becomes the point (i, j, depth).
func DecodeDepthImage(data []byte, width, height int, minFrac, maxFrac float64) ([]r3.Vector, error) {
	var depths []uint16
	if IsPNG(data) {
		var err error
		depths, width, height, err = decodeDepthPNG(data)
		if err != nil {
			return nil, err
		}
	} else {
		if width <= 0 || height <= 0 {
			return nil, errors.Errorf("invalid depth image size %dx%d", width, height)
		}
		if len(data) != 2*width*height {
			return nil, errors.Errorf("depth payload is %d bytes, want %d for %dx%d", len(data), 2*width*height, width, height)
		}
		depths = make([]uint16, width*height)
		for i := range depths {
			depths[i] = binary.LittleEndian.Uint16(data[2*i:])
		}
	}

	var peak uint16
	for _, d := range depths {
		if d > peak {
			peak = d
		}
	}
	if peak == 0 {
		return nil, ErrEmptyFrame
	}

	var points []r3.Vector
	for i := 0; i < height; i++ {
		for j := 0; j < width; j++ {
			d := depths[width*i+j]
			v := float64(d) / float64(peak)
			if v > minFrac && v < maxFrac {
				points = append(points, r3.Vector{X: float64(i), Y: float64(j), Z: float64(d)})
			}
		}
	}
	if len(points) == 0 {
		return nil, ErrEmptyFrame
	}
	return points, nil
}

func decodeDepthPNG(data []byte) ([]uint16, int, int, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, errors.Wrap(err, "decoding depth PNG")
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, 0, 0, errors.Errorf("depth PNG must be 16-bit grayscale, got %T", img)
	}
	b := gray.Bounds()
	width, height := b.Dx(), b.Dy()
	depths := make([]uint16, 0, width*height)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			depths = append(depths, gray.Gray16At(x, y).Y)
		}
	}
	return depths, width, height, nil
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	// PNG magic bytes: 0x89 'P' 'N' 'G' '\r' '\n' 0x1a '\n'
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// maxPayloadBytes bounds a frame payload after decompression, and any
// fetched response body.
const maxPayloadBytes = 50 << 20

// readLimited reads r to the end, failing with ErrPayloadTooLarge past limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "more than %d bytes", limit)
	}
	return data, nil
}

// inflateZlib decompresses zlib-compressed data, up to limit bytes of output
func inflateZlib(data []byte, limit int64) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "creating zlib reader")
	}
	defer func() {
		_ = reader.Close()
	}()

	decompressed, err := readLimited(reader, limit)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing zlib data")
	}

	return decompressed, nil
}

// ReadFrameFile reads and decodes a frame file in any DecodeFramePayload format.
func ReadFrameFile(path string) ([]r3.Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading frame file")
	}
	points, err := DecodeFramePayload(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return points, nil
}
