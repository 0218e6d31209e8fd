package sshterminal

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/servoxhq/servox/internal/config"
	"github.com/servoxhq/servox/internal/database"
)

// TokenTTL is the lifetime of a terminal capability token. A token is
// valid for repeated attachment attempts until it expires; single-use is
// deliberately not enforced.
const TokenTTL = 1 * time.Hour

var (
	ErrTokenInvalid = errors.New("terminal token invalid")
	ErrTokenExpired = errors.New("terminal token expired")
)

// TokenClaims bind one user to one instance for the token's lifetime.
type TokenClaims struct {
	UserID     uint `json:"uid"`
	InstanceID uint `json:"instance"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies signed capability tokens. Signing lets
// the WebSocket adapter verify without a database round trip.
type TokenManager struct {
	secret []byte
}

// NewTokenManager loads the signing secret from configuration, or
// generates and persists one in the settings table on first run.
func NewTokenManager() (*TokenManager, error) {
	secret := config.Cfg.TerminalTokenSecret
	if secret == "" {
		stored, err := database.GetSetting("terminal_token_secret")
		if err != nil {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return nil, fmt.Errorf("generate token secret: %w", err)
			}
			stored = hex.EncodeToString(buf)
			if err := database.SetSetting("terminal_token_secret", stored); err != nil {
				return nil, fmt.Errorf("save token secret: %w", err)
			}
		}
		secret = stored
	}
	return &TokenManager{secret: []byte(secret)}, nil
}

// Issue creates a capability token for one user and instance. Ownership
// and deployment checks happen at the HTTP layer before this is called.
func (tm *TokenManager) Issue(userID, instanceID uint) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		UserID:     userID,
		InstanceID: instanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a capability token.
func (tm *TokenManager) Verify(tokenStr string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
