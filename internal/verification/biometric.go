package verification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"sync"

	xerrors "VibeGuard/internal/errors"
)

// BiometricVerifier checks a device assertion over a request challenge.
type BiometricVerifier interface {
	Verify(ctx context.Context, userID, requestID, challenge, assertion string) (bool, error)
}

// DeviceKeys looks up the key a user's device enrolled for biometric
// assertions.
type DeviceKeys interface {
	DeviceKey(ctx context.Context, userID string) ([]byte, error)
}

const CodeNotEnrolled xerrors.Code = "BIOMETRIC_NOT_ENROLLED"

var ErrNotEnrolled = xerrors.New(CodeNotEnrolled, "no biometric device enrolled")

func init() {
	xerrors.Register(CodeNotEnrolled, xerrors.Attributes{
		Message:    "no biometric device enrolled",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusPreconditionFailed,
	})
}

// HMACVerifier 校验设备在本地生物识别通过后用设备密钥签出的 HMAC-SHA256 断言。
type HMACVerifier struct {
	keys DeviceKeys
}

// NewHMACVerifier creates a verifier backed by keys.
func NewHMACVerifier(keys DeviceKeys) *HMACVerifier {
	return &HMACVerifier{keys: keys}
}

func (v *HMACVerifier) Verify(ctx context.Context, userID, requestID, challenge, assertion string) (bool, error) {
	key, err := v.keys.DeviceKey(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(key) == 0 {
		return false, ErrNotEnrolled
	}
	got, err := base64.RawURLEncoding.DecodeString(assertion)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(got, assertionMAC(key, requestID, challenge)), nil
}

// SignAssertion is what an enrolled device computes after a successful
// local biometric check.
func SignAssertion(key []byte, requestID, challenge string) string {
	return base64.RawURLEncoding.EncodeToString(assertionMAC(key, requestID, challenge))
}

func assertionMAC(key []byte, requestID, challenge string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("vibeguard/biometric/v1\n"))
	mac.Write([]byte(requestID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(challenge))
	return mac.Sum(nil)
}

// StaticDeviceKeys is an in-memory key registry.
type StaticDeviceKeys struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewStaticDeviceKeys copies keys.
func NewStaticDeviceKeys(keys map[string][]byte) *StaticDeviceKeys {
	d := &StaticDeviceKeys{keys: make(map[string][]byte, len(keys))}
	for userID, key := range keys {
		d.keys[userID] = append([]byte(nil), key...)
	}
	return d
}

// Enroll adds or replaces a device key.
func (d *StaticDeviceKeys) Enroll(userID string, key []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[userID] = append([]byte(nil), key...)
}

func (d *StaticDeviceKeys) DeviceKey(_ context.Context, userID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[userID]
	if !ok {
		return nil, ErrNotEnrolled
	}
	return key, nil
}
