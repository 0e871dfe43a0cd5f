// Package results issues the signed links patients use to read their results
// and serves the public, token-gated results endpoints.
package results

import (
	"strconv"
	"time"

	"github.com/labresults/lims/internal/platform/apperr"
	"github.com/labresults/lims/internal/platform/auth"
)

// DefaultTTL is how long a results link stays valid.
const DefaultTTL = 7 * 24 * time.Hour

const invalidLink = "invalid or expired results link"

// TokenService signs and verifies exam_results tokens. It keeps no state;
// tokens cannot be revoked before they expire.
type TokenService struct {
	signer *auth.Signer
	ttl    time.Duration
}

func NewTokenService(signer *auth.Signer) *TokenService {
	return &TokenService{signer: signer, ttl: DefaultTTL}
}

// Issue returns a token granting read access to one analysis and its expiry.
func (s *TokenService) Issue(analysisID int64, email string) (string, time.Time, error) {
	tok, claims, err := s.signer.Sign(auth.PurposeExamResults, strconv.FormatInt(analysisID, 10), s.ttl,
		func(c *auth.Claims) {
			c.AnalysisID = analysisID
			c.Email = email
		})
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, claims.ExpiresAt.Time, nil
}

// Verify returns the analysis id the token grants access to. Every failure is
// reported as the same Unauthorized error; the cause keeps the auth sentinel.
func (s *TokenService) Verify(token string) (int64, error) {
	claims, err := s.signer.Parse(token, auth.PurposeExamResults)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUnauthorized, invalidLink, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Wrap(apperr.KindUnauthorized, invalidLink, auth.ErrTokenInvalid)
	}
	if claims.AnalysisID != 0 && claims.AnalysisID != id {
		return 0, apperr.Wrap(apperr.KindUnauthorized, invalidLink, auth.ErrTokenInvalid)
	}
	return id, nil
}
