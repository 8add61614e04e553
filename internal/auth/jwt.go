// Package auth issues and verifies the session tokens handed out at
// sign-in and presented when a client attaches its live connection.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager signs and validates the session JWTs.
type JWTManager struct {
	keys      map[string]string // kid -> secret
	activeKid string
	duration  time.Duration
}

// Claims is the session token payload.
type Claims struct {
	UserID               string `json:"user_id"`
	Username             string `json:"username"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager with a single unrotated key.
func NewJWTManager(secret string, duration time.Duration) *JWTManager {
	return NewJWTManagerFromKeys(map[string]string{"default": secret}, "default", duration)
}

// NewJWTManagerFromKeys returns a manager holding several keys so tokens
// signed before a rotation keep verifying. activeKid selects the signing
// key; empty picks an arbitrary configured key.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	if activeKid == "" {
		for kid := range keys {
			activeKid = kid
			break
		}
	}
	return &JWTManager{keys: keys, activeKid: activeKid, duration: duration}
}

// GenerateToken issues a signed session token for a user.
func (m *JWTManager) GenerateToken(userID, username string) (string, time.Time, error) {
	secret, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("active signing key %q not configured", m.activeKid)
	}

	expiresAt := time.Now().Add(m.duration)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.activeKid

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims. Tokens
// signed with any configured key verify; unknown kids are rejected.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = m.activeKid
		}
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token missing user id")
	}
	return claims, nil
}
