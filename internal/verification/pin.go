package verification

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/argon2"
)

const (
	pinDigits     = 6
	saltBytes     = 16
	challengeSize = 32
)

var pinSpace = big.NewInt(1_000_000)

// compareDigest 比较派生出的完整摘要，耗时与首个不同字节的位置无关。
var compareDigest = subtle.ConstantTimeCompare

// HashParams 是 Argon2id 参数。默认值参照 OWASP 推荐的最低配置。
type HashParams struct {
	Time      uint32 `yaml:"time" json:"time"`
	MemoryKiB uint32 `yaml:"memory_kib" json:"memory_kib"`
	Threads   uint8  `yaml:"threads" json:"threads"`
	KeyLen    uint32 `yaml:"key_len" json:"key_len"`
}

// DefaultHashParams returns m=19MiB, t=2, p=1.
func DefaultHashParams() HashParams {
	return HashParams{Time: 2, MemoryKiB: 19 * 1024, Threads: 1, KeyLen: 32}
}

func (p HashParams) withDefaults() HashParams {
	def := DefaultHashParams()
	if p.Time == 0 {
		p.Time = def.Time
	}
	if p.MemoryKiB == 0 {
		p.MemoryKiB = def.MemoryKiB
	}
	if p.Threads == 0 {
		p.Threads = def.Threads
	}
	if p.KeyLen == 0 {
		p.KeyLen = def.KeyLen
	}
	return p
}

// hashPIN returns hex(salt) and hex(argon2id(pin, salt)).
func (p HashParams) hashPIN(pin string) (string, string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(pin), salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
	return hex.EncodeToString(salt), hex.EncodeToString(sum), nil
}

// verifyPIN recomputes the salted hash and compares in constant time. The
// submitted PIN never reaches the comparison; only full-length derived keys do.
func (p HashParams) verifyPIN(pin, saltHex, hashHex string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(pin), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return compareDigest(got, want) == 1
}

// generatePIN draws a uniformly random 6-digit PIN.
func generatePIN() (string, error) {
	n, err := rand.Int(rand.Reader, pinSpace)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()), nil
}

func generateChallenge() (string, error) {
	buf := make([]byte, challengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
