package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"campusattend/internal/liveness"
)

// LivenessResult contains anti-spoofing check result.
type LivenessResult struct {
	IsLive     bool
	Confidence float64
	Checks     map[string]interface{}
}

// Client calls the face recognition microservice. It satisfies
// liveness.Detector so the pipeline can swap the local heuristic for the
// service's model.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	Strict  bool
	// MaxFrames caps how many frames are uploaded per check.
	MaxFrames int

	log *slog.Logger
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool, log *slog.Logger) *Client {
	return &Client{
		BaseURL:   baseURL,
		Skip:      skip,
		MaxFrames: 8,
		log:       log,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

// Liveness sends encoded frames to the service's anti-spoofing endpoint.
func (c *Client) Liveness(ctx context.Context, frames [][]byte) (*LivenessResult, error) {
	if c.Skip {
		return &LivenessResult{
			IsLive:     true,
			Confidence: 0.85,
			Checks:     map[string]interface{}{"mock": true},
		}, nil
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("at least one frame required")
	}

	encoded := make([]string, len(frames))
	for i, f := range frames {
		encoded[i] = base64.StdEncoding.EncodeToString(f)
	}
	body, _ := json.Marshal(map[string]interface{}{"frames": encoded})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/liveness", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		IsLive     bool                   `json:"is_live"`
		Confidence float64                `json:"confidence"`
		Checks     map[string]interface{} `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &LivenessResult{
		IsLive:     out.IsLive,
		Confidence: out.Confidence,
		Checks:     out.Checks,
	}, nil
}

// Check implements liveness.Detector.
func (c *Client) Check(ctx context.Context, src liveness.FrameSource, budget time.Duration) liveness.Result {
	if src == nil {
		return c.failOpen(errors.New("no camera stream"))
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	var frames [][]byte
	for len(frames) < c.MaxFrames {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.failOpen(err)
		}
		raw, err := encodeFrame(f)
		if err != nil {
			return c.failOpen(err)
		}
		frames = append(frames, raw)
	}

	res, err := c.Liveness(ctx, frames)
	if err != nil {
		return c.failOpen(err)
	}
	out := liveness.Result{IsLive: res.IsLive, Confidence: res.Confidence, Frames: len(frames)}
	if !out.IsLive {
		out.Reason = liveness.ReasonNotConfirmed
	}
	return out
}

func encodeFrame(f liveness.Frame) ([]byte, error) {
	if len(f.Encoded) > 0 {
		return f.Encoded, nil
	}
	if f.Image == nil {
		return nil, errors.New("empty frame")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, f.Image, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) failOpen(err error) liveness.Result {
	if c.log != nil {
		c.log.Warn("remote liveness failed", slog.Bool("strict", c.Strict), slog.Any("error", err))
	}
	if c.Strict {
		return liveness.Result{Reason: liveness.ReasonUnavailable}
	}
	return liveness.Result{IsLive: true, Reason: liveness.ReasonUnavailable, FailedOpen: true}
}
