// Package authsvc implements ports.AuthVerifier by validating a bearer
// JWT, the same way the teacher's middleware.JWTMiddleware does with
// github.com/golang-jwt/jwt/v4 — signing-method check, issuer check,
// revocation blacklist — but returning a user id to a caller instead of
// setting fiber.Ctx locals, since this core has no HTTP layer of its own.
package authsvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claims mirrors the teacher's models.JWTClaims shape, trimmed to what
// the core needs: the subject user id.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTVerifier is a ports.AuthVerifier backed by a shared HMAC secret.
type JWTVerifier struct {
	secret []byte
	issuer string

	blacklistMu sync.RWMutex
	blacklist   map[string]time.Time
}

// NewJWTVerifier builds a verifier. issuer may be empty to skip the
// issuer check, matching the teacher's JWTMiddleware behavior.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	v := &JWTVerifier{secret: secret, issuer: issuer, blacklist: make(map[string]time.Time)}
	go v.cleanupBlacklist()
	return v
}

// cleanupBlacklist periodically drops expired entries, mirroring the
// teacher's middleware.cleanupBlacklist goroutine.
func (v *JWTVerifier) cleanupBlacklist() {
	for range time.Tick(time.Hour) {
		now := time.Now()
		v.blacklistMu.Lock()
		for id, expiry := range v.blacklist {
			if now.After(expiry) {
				delete(v.blacklist, id)
			}
		}
		v.blacklistMu.Unlock()
	}
}

// Revoke blacklists a token id until expiryTime, for logout/password
// change flows upstream of this core.
func (v *JWTVerifier) Revoke(tokenID string, expiryTime time.Time) {
	v.blacklistMu.Lock()
	defer v.blacklistMu.Unlock()
	v.blacklist[tokenID] = expiryTime
}

func (v *JWTVerifier) isRevoked(tokenID string) bool {
	v.blacklistMu.RLock()
	defer v.blacklistMu.RUnlock()
	_, found := v.blacklist[tokenID]
	return found
}

// VerifyToken implements ports.AuthVerifier.
func (v *JWTVerifier) VerifyToken(_ context.Context, bearer string) (string, error) {
	tokenString := strings.TrimPrefix(bearer, "Bearer ")
	if tokenString == bearer && strings.Contains(bearer, " ") {
		return "", fmt.Errorf("authsvc: malformed authorization header")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authsvc: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("authsvc: invalid token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("authsvc: invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("authsvc: unexpected claims type")
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return "", fmt.Errorf("authsvc: invalid token issuer")
	}
	if claims.ID != "" && v.isRevoked(claims.ID) {
		return "", fmt.Errorf("authsvc: token has been revoked")
	}

	return claims.UserID, nil
}
