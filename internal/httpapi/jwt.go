// JWT issuance and verification, trimmed from the teacher's
// internal/security/enhanced_security.go GenerateJWT/VerifyJWT: the same
// HS256-signed jwt.MapClaims shape with iss/aud/exp/iat, minus the
// password hashing, CSRF, and Redis-backed rate-limit/lockout methods that
// belong to a username/password login flow this engine doesn't have (the
// Ingestion API authenticates service callers, not end users logging in).
package httpapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tokenIssuer struct {
	secret     []byte
	expiration time.Duration
}

func newTokenIssuer(secret string, expiration time.Duration) *tokenIssuer {
	return &tokenIssuer{secret: []byte(secret), expiration: expiration}
}

func (t *tokenIssuer) Issue(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(t.expiration).Unix(),
		"iat":     now.Unix(),
		"iss":     "reward-engine",
		"aud":     "reward-engine-clients",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *tokenIssuer) Verify(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to parse JWT: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid JWT token")
	}
	uidFloat, ok := claims["user_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("JWT missing user_id claim")
	}
	return int64(uidFloat), nil
}
