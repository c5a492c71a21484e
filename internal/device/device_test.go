package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusattend/internal/audit"
	"campusattend/internal/logging"
	"campusattend/internal/store"
)

var phone = Descriptor{
	UserAgent:           "Mozilla/5.0 (Linux; Android 14; Pixel 8)",
	ScreenWidth:         412,
	ScreenHeight:        915,
	Timezone:            "Asia/Kolkata",
	Language:            "en-IN",
	HardwareConcurrency: 8,
	PixelDepth:          24,
}

func newService(kv store.KV, strict bool) (*Service, *audit.Recorder) {
	rec := &audit.Recorder{}
	return NewService(kv, rec, logging.Discard(), nil, strict), rec
}

func TestFingerprintIsStable(t *testing.T) {
	assert.Equal(t, Fingerprint(phone), Fingerprint(phone))

	other := phone
	other.ScreenWidth = 390
	assert.NotEqual(t, Fingerprint(phone), Fingerprint(other))

	padded := phone
	padded.UserAgent = "  " + phone.UserAgent + " "
	assert.Equal(t, Fingerprint(phone), Fingerprint(padded))
}

func TestVerifyFirstUseBindsDevice(t *testing.T) {
	kv := store.NewMemory()
	svc, _ := newService(kv, false)

	res := svc.Verify(context.Background(), "stu-1", phone)
	assert.True(t, res.Verified)
	assert.True(t, res.FirstUse)

	b, err := svc.Get(context.Background(), "stu-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, Fingerprint(phone), b.FingerprintHash)
	assert.Equal(t, phone, b.Device)
}

func TestVerifySameDeviceUpdatesLastVerifiedOnly(t *testing.T) {
	kv := store.NewMemory()
	svc, _ := newService(kv, false)
	start := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	require.True(t, svc.Verify(context.Background(), "stu-1", phone).Verified)

	svc.now = func() time.Time { return start.Add(48 * time.Hour) }
	res := svc.Verify(context.Background(), "stu-1", phone)
	assert.True(t, res.Verified)
	assert.False(t, res.FirstUse)

	b, err := svc.Get(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.True(t, start.Equal(b.CreatedAt))
	assert.True(t, start.Add(48*time.Hour).Equal(b.LastVerified))
}

func TestVerifyMismatchRejectsAndAudits(t *testing.T) {
	kv := store.NewMemory()
	svc, rec := newService(kv, false)
	require.True(t, svc.Verify(context.Background(), "stu-1", phone).Verified)

	laptop := phone
	laptop.UserAgent = "Mozilla/5.0 (X11; Linux x86_64)"
	laptop.ScreenWidth, laptop.ScreenHeight = 1920, 1080

	res := svc.Verify(context.Background(), "stu-1", laptop)
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonMismatch, res.Reason)

	events := rec.Events(audit.KindDeviceMismatch)
	require.Len(t, events, 1)
	assert.Equal(t, Fingerprint(phone), events[0].Details["storedHash"])
	assert.Equal(t, Fingerprint(laptop), events[0].Details["presentedHash"])

	b, err := svc.Get(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(phone), b.FingerprintHash, "binding is never rewritten on mismatch")
}

func TestVerifyFailsOpenOnStoreError(t *testing.T) {
	kv := store.NewMemory()
	kv.SetAvailable(false)

	lenient, _ := newService(kv, false)
	res := lenient.Verify(context.Background(), "stu-1", phone)
	assert.True(t, res.Verified)
	assert.True(t, res.FailedOpen)

	strict, _ := newService(kv, true)
	res = strict.Verify(context.Background(), "stu-1", phone)
	assert.False(t, res.Verified)
	assert.Equal(t, ReasonUnavailable, res.Reason)
}

func TestVerifyCorruptBindingFailsOpen(t *testing.T) {
	kv := store.NewMemory()
	require.NoError(t, kv.Set(context.Background(), bindingKey("stu-1"), []byte("{not json")))
	svc, _ := newService(kv, false)

	res := svc.Verify(context.Background(), "stu-1", phone)
	assert.True(t, res.Verified)
	assert.True(t, res.FailedOpen)
}
