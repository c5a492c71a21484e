package liveness

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// ErrFrameTooLarge reports a frame exceeding MaxFrameSide.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame is one camera frame. Encoded holds the original bytes when the frame
// arrived encoded; remote detectors forward those.
type Frame struct {
	Image      image.Image
	Encoded    []byte
	CapturedAt time.Time
}

// FrameSource yields successive frames and io.EOF when the stream ends.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// MaxFrameSide bounds the width and height of an uploaded frame. Larger frames
// are refused before their pixels are decoded.
const MaxFrameSide = 4096

// EncodedSource decodes a burst of JPEG or PNG frames uploaded by the client.
type EncodedSource struct {
	frames [][]byte
	pos    int
}

// NewEncodedSource wraps raw encoded frames.
func NewEncodedSource(frames [][]byte) *EncodedSource {
	return &EncodedSource{frames: frames}
}

// DecodeBase64Frames accepts plain base64 or data URLs.
func DecodeBase64Frames(in []string) ([][]byte, error) {
	out := make([][]byte, 0, len(in))
	for i, s := range in {
		if idx := strings.Index(s, ","); strings.HasPrefix(s, "data:") && idx >= 0 {
			s = s[idx+1:]
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Len reports the number of frames in the burst.
func (s *EncodedSource) Len() int { return len(s.frames) }

func (s *EncodedSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	raw := s.frames[s.pos]
	s.pos++
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame %d: %w", s.pos-1, err)
	}
	if cfg.Width > MaxFrameSide || cfg.Height > MaxFrameSide {
		return Frame{}, fmt.Errorf("frame %d is %dx%d: %w", s.pos-1, cfg.Width, cfg.Height, ErrFrameTooLarge)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame %d: %w", s.pos-1, err)
	}
	return Frame{Image: img, Encoded: raw}, nil
}

// ImageSource replays already decoded frames.
type ImageSource struct {
	images []image.Image
	pos    int
}

// NewImageSource wraps decoded images.
func NewImageSource(images ...image.Image) *ImageSource {
	return &ImageSource{images: images}
}

func (s *ImageSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.images) {
		return Frame{}, io.EOF
	}
	img := s.images[s.pos]
	s.pos++
	return Frame{Image: img}, nil
}

const gridSize = 64

// luminance downscales img to a gridSize×gridSize grayscale grid.
func luminance(img image.Image) []float64 {
	small := imaging.Grayscale(imaging.Resize(img, gridSize, gridSize, imaging.Box))
	out := make([]float64, gridSize*gridSize)
	for y := 0; y < gridSize; y++ {
		row := small.Pix[y*small.Stride:]
		for x := 0; x < gridSize; x++ {
			out[y*gridSize+x] = float64(row[x*4])
		}
	}
	return out
}

// regionMean averages the grid over the given fractional rectangle.
func regionMean(grid []float64, top, bottom, left, right float64) float64 {
	y0, y1 := int(top*gridSize), int(bottom*gridSize)
	x0, x1 := int(left*gridSize), int(right*gridSize)
	var sum float64
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sum += grid[y*gridSize+x]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func meanAbsDiff(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(a))
}
