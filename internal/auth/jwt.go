// Package auth issues and verifies the device tokens that gate the sync
// API. Every batch, conflict and statistics call is scoped to the
// device id carried in the token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token uses. Access tokens authenticate sync calls; refresh tokens
// only buy a new pair and are rejected everywhere else.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// ErrWrongTokenUse marks a structurally valid token presented where a
// different use is required.
var ErrWrongTokenUse = errors.New("wrong token use")

// TokenPair holds the tokens handed to a device at registration or
// refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Claims is the JWT payload. DeviceID doubles as the user scope the
// sync engine partitions batches, pending conflicts and statistics by.
type Claims struct {
	DeviceID string `json:"device_id"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// Issue signs an access/refresh pair for a registered device.
func Issue(deviceID, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	now := time.Now()
	access, accessExp, err := sign(deviceID, issuer, key, UseAccess, now, accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := sign(deviceID, issuer, key, UseRefresh, now, refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func sign(deviceID, issuer, key, use string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		DeviceID: deviceID,
		TokenUse: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates signature, signing method and issuer and returns the
// claims. Use ParseUse when a specific token use is required.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	if claims.DeviceID == "" {
		// Tokens from before the device_id claim carried the id in sub.
		claims.DeviceID = claims.Subject
	}
	return *claims, nil
}

// ParseUse validates the token and additionally requires it to carry
// the given use.
func ParseUse(tokenStr, key, issuer, use string) (Claims, error) {
	claims, err := Parse(tokenStr, key, issuer)
	if err != nil {
		return Claims{}, err
	}
	if claims.TokenUse != use {
		return Claims{}, fmt.Errorf("%w: have %q, want %q", ErrWrongTokenUse, claims.TokenUse, use)
	}
	return claims, nil
}
