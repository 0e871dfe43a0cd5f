package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes. A token signed for one purpose is never accepted for another.
const (
	PurposeLogin         = "login"
	PurposeInvitation    = "invitation"
	PurposePasswordReset = "password_reset"
	PurposeExamResults   = "exam_results"
)

var (
	ErrTokenInvalid = errors.New("token invalid or expired")
	ErrTokenPurpose = errors.New("token purpose mismatch")
)

// Claims is the payload shared by every token this service issues.
type Claims struct {
	jwt.RegisteredClaims
	Type            string `json:"type"`
	Email           string `json:"email,omitempty"`
	AnalysisID      int64  `json:"analysisId,omitempty"`
	PasswordVersion string `json:"pwv,omitempty"`
}

// Signer issues and verifies HS256 tokens tagged with a purpose.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewSigner(secret []byte, issuer string) *Signer {
	return &Signer{key: secret, issuer: issuer, now: time.Now}
}

// WithClock returns a copy of s that reads the current time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	cp := *s
	cp.now = now
	return &cp
}

// Sign builds claims for purpose and subject expiring after ttl; fill may add
// purpose-specific fields before signing.
func (s *Signer) Sign(purpose, subject string, ttl time.Duration, fill func(*Claims)) (string, *Claims, error) {
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: purpose,
	}
	if fill != nil {
		fill(claims)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign %s token: %w", purpose, err)
	}
	return signed, claims, nil
}

// Parse verifies signature, issuer and expiry, then checks the purpose tag.
// Failures wrap ErrTokenInvalid or ErrTokenPurpose.
func (s *Signer) Parse(tokenStr, purpose string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Type != purpose {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenPurpose, claims.Type, purpose)
	}
	return claims, nil
}
