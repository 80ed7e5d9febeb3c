package callback

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "sandbox-executor"
	tokenLifetime = 5 * time.Minute
)

// Signer issues the bearer tokens attached to outbound callbacks, so the
// receiving service can check that an update really came from this executor
// and concerns the execution in the URL.
//
// Tokens are HS256 with the execution id as subject.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret should be at least 32 bytes of
// random data in production.
func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("callback: signing secret must be at least 16 characters")
	}
	return &Signer{secret: []byte(secret)}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Sign returns a token for executionID valid for five minutes.
func (s *Signer) Sign(executionID string) (string, error) {
	return s.signWithLifetime(executionID, tokenLifetime)
}

func (s *Signer) signWithLifetime(executionID string, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   executionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("callback: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses a token produced by Sign and returns its execution id.
// Receivers sharing the secret use the same check.
func (s *Signer) Verify(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("callback: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("callback: token expired")
		}
		return "", fmt.Errorf("callback: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("callback: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("callback: token has no subject")
	}
	return c.Subject, nil
}
