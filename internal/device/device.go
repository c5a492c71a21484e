// Package device binds each student account to the first device it marks
// attendance from.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"campusattend/internal/audit"
	"campusattend/internal/metrics"
	"campusattend/internal/store"
)

// Rejection reasons.
const (
	ReasonMismatch    = "DEVICE_MISMATCH"
	ReasonUnavailable = "DEVICE_CHECK_UNAVAILABLE"
)

// Descriptor is the set of client characteristics the fingerprint is derived from.
type Descriptor struct {
	UserAgent           string `json:"userAgent"`
	ScreenWidth         int    `json:"screenWidth"`
	ScreenHeight        int    `json:"screenHeight"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
	PixelDepth          int    `json:"pixelDepth"`
}

// Fingerprint hashes the descriptor. Only stability matters, so a fast
// non-cryptographic hash is used.
func Fingerprint(d Descriptor) string {
	canonical := strings.Join([]string{
		strings.TrimSpace(d.UserAgent),
		strconv.Itoa(d.ScreenWidth) + "x" + strconv.Itoa(d.ScreenHeight),
		d.Timezone,
		d.Language,
		strconv.Itoa(d.HardwareConcurrency),
		strconv.Itoa(d.PixelDepth),
	}, "|")
	return strconv.FormatUint(xxhash.Sum64String(canonical), 16)
}

// Binding is the stored device of an account. Only LastVerified ever changes.
type Binding struct {
	AccountID       string     `json:"accountId"`
	FingerprintHash string     `json:"fingerprintHash"`
	Device          Descriptor `json:"device"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastVerified    time.Time  `json:"lastVerified"`
}

// Result of a verification.
type Result struct {
	Verified    bool   `json:"verified"`
	Reason      string `json:"reason,omitempty"`
	Fingerprint string `json:"fingerprint"`
	FirstUse    bool   `json:"firstUse,omitempty"`
	FailedOpen  bool   `json:"failedOpen,omitempty"`
}

// Service verifies device bindings.
type Service struct {
	kv      store.KV
	trail   audit.Trail
	log     *slog.Logger
	metrics *metrics.Metrics
	// Strict turns internal errors into rejections instead of failing open.
	Strict bool
	now    func() time.Time
}

// NewService creates a binding service.
func NewService(kv store.KV, trail audit.Trail, log *slog.Logger, m *metrics.Metrics, strict bool) *Service {
	return &Service{kv: kv, trail: trail, log: log, metrics: m, Strict: strict, now: time.Now}
}

func bindingKey(accountID string) string { return "deviceBindings/" + accountID }

// Verify accepts the first device seen for an account and afterwards only that device.
func (s *Service) Verify(ctx context.Context, accountID string, d Descriptor) Result {
	fp := Fingerprint(d)
	res, err := s.verify(ctx, accountID, d, fp)
	if err != nil {
		s.log.Error("device binding check failed",
			slog.String("account_id", accountID),
			slog.Bool("strict", s.Strict),
			slog.Any("error", err))
		s.metrics.Device("error")
		if s.Strict {
			return Result{Reason: ReasonUnavailable, Fingerprint: fp}
		}
		return Result{Verified: true, Fingerprint: fp, FailedOpen: true}
	}
	switch {
	case !res.Verified:
		s.metrics.Device("mismatch")
	case res.FirstUse:
		s.metrics.Device("bound")
	default:
		s.metrics.Device("match")
	}
	return res
}

func (s *Service) verify(ctx context.Context, accountID string, d Descriptor, fp string) (Result, error) {
	if accountID == "" {
		return Result{}, errors.New("account id required")
	}
	now := s.now().UTC()
	key := bindingKey(accountID)

	var outcome Result
	var stored Binding
	tx, err := s.kv.Transact(ctx, key, func(cur []byte, exists bool) ([]byte, bool) {
		if !exists {
			outcome = Result{Verified: true, Fingerprint: fp, FirstUse: true}
			body, err := json.Marshal(Binding{
				AccountID:       accountID,
				FingerprintHash: fp,
				Device:          d,
				CreatedAt:       now,
				LastVerified:    now,
			})
			return body, err == nil
		}
		if err := json.Unmarshal(cur, &stored); err != nil {
			outcome = Result{}
			return nil, false
		}
		if stored.FingerprintHash != fp {
			outcome = Result{Reason: ReasonMismatch, Fingerprint: fp}
			return nil, false
		}
		outcome = Result{Verified: true, Fingerprint: fp}
		stored.LastVerified = now
		body, err := json.Marshal(stored)
		return body, err == nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("device binding %s: %w", accountID, err)
	}
	if !tx.Committed && outcome.Reason != ReasonMismatch {
		return Result{}, fmt.Errorf("device binding %s: unreadable binding record", accountID)
	}

	if outcome.Reason == ReasonMismatch {
		s.trail.Record(ctx, audit.Event{
			Kind:      audit.KindDeviceMismatch,
			AccountID: accountID,
			StudentID: accountID,
			Details: map[string]any{
				"storedHash":    stored.FingerprintHash,
				"presentedHash": fp,
				"userAgent":     d.UserAgent,
			},
		})
		s.log.Warn("device mismatch",
			slog.String("account_id", accountID),
			slog.String("stored_hash", stored.FingerprintHash),
			slog.String("presented_hash", fp))
	}
	return outcome, nil
}

// Get returns the stored binding for an account.
func (s *Service) Get(ctx context.Context, accountID string) (*Binding, error) {
	raw, err := s.kv.Get(ctx, bindingKey(accountID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
