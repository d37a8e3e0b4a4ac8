// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken wraps every token verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Authority signs and verifies player tokens with an ed25519 key pair.
type Authority struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration // 0 => tokens never expire
	now        func() time.Time
}

// ParseTokenExpireTime reads TOKEN_EXPIRE_TIME style values: "", "0" and "never" mean
// no expiry; anything else must be a Go duration.
func ParseTokenExpireTime(s string) (time.Duration, error) {
	if s == "" || s == "0" || s == "never" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// New generates a fresh key pair at runtime. Tokens do not survive a restart.
func New(ttl time.Duration) (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Authority{privateKey: priv, publicKey: pub, ttl: ttl, now: time.Now}, nil
}

// FromFiles reads raw ed25519 keys. An empty privatePath yields a verify-only Authority,
// which is what services that only accept upstream-minted tokens need.
func FromFiles(privatePath, publicPath string, ttl time.Duration) (*Authority, error) {
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key file: want %d bytes, got %d", ed25519.PublicKeySize, len(publicKeyData))
	}
	a := &Authority{publicKey: ed25519.PublicKey(publicKeyData), ttl: ttl, now: time.Now}
	if privatePath == "" {
		return a, nil
	}
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key file: want %d bytes, got %d", ed25519.PrivateKeySize, len(privateKeyData))
	}
	a.privateKey = ed25519.PrivateKey(privateKeyData)
	return a, nil
}

// CreateJWT signs a token with "sub" = playerID and, if a TTL is set, an "exp" claim.
func (a *Authority) CreateJWT(playerID uuid.UUID) (string, error) {
	if a.privateKey == nil {
		return "", errors.New("authority has no signing key")
	}
	claims := jwt.MapClaims{
		"sub": playerID.String(),
		"iat": a.now().Unix(),
	}
	if a.ttl > 0 {
		claims["exp"] = a.now().Add(a.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(a.privateKey)
}

// AuthenticateJWT verifies tokenString and returns the player in its "sub" claim.
func (a *Authority) AuthenticateJWT(tokenString string) (uuid.UUID, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.publicKey, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !t.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: invalid jwt claims", ErrInvalidToken)
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: missing sub in jwt", ErrInvalidToken)
	}
	playerID, err := uuid.Parse(sub)
	if err != nil || playerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: sub is not a player id", ErrInvalidToken)
	}
	return playerID, nil
}
