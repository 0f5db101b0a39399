package vtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are carried in the signed handle given to the client.
type Claims struct {
	TokenID    string `json:"tid"`
	ParamsHash string `json:"lph"`
	jwt.RegisteredClaims
}

// Codec signs and verifies token handles with HMAC-SHA256.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewCodec creates a codec. The secret must be at least 32 bytes.
func NewCodec(secret []byte, issuer string, now func() time.Time) (*Codec, error) {
	if len(secret) < 32 {
		return nil, errors.New("token signing secret must be at least 32 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: append([]byte(nil), secret...), issuer: issuer, now: now}, nil
}

// Encode returns the opaque handle for token. The JWT expiry is rounded up
// to the next second; the store remains the authority on expiry.
func (c *Codec) Encode(token Token) (string, error) {
	claims := Claims{
		TokenID:    token.ID,
		ParamsHash: token.ParamsHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   token.UserID,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt.Add(time.Second)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token handle: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and expiry of a handle.
func (c *Codec) Decode(handle string) (Claims, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	_, err := jwt.ParseWithClaims(handle, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpired
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.TokenID == "" || claims.Subject == "" {
		return Claims{}, ErrMalformed
	}
	return claims, nil
}
