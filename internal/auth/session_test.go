package auth

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	a, err := New(time.Hour)
	require.NoError(t, err)
	id := uuid.New()

	tok, err := a.CreateJWT(id)
	require.NoError(t, err)
	got, err := a.AuthenticateJWT(tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestJWTExpired(t *testing.T) {
	a, err := New(time.Minute)
	require.NoError(t, err)
	tok, err := a.CreateJWT(uuid.New())
	require.NoError(t, err)

	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = a.AuthenticateJWT(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTWrongKey(t *testing.T) {
	a, err := New(0)
	require.NoError(t, err)
	b, err := New(0)
	require.NoError(t, err)

	tok, err := a.CreateJWT(uuid.New())
	require.NoError(t, err)
	_, err = b.AuthenticateJWT(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTRejectsNonPlayerSubject(t *testing.T) {
	a, err := New(0)
	require.NoError(t, err)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{"sub": "not-a-uuid"}).SignedString(a.privateKey)
	require.NoError(t, err)
	_, err = a.AuthenticateJWT(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.AuthenticateJWT("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromFiles(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath, pubPath := filepath.Join(dir, "id_ed25519"), filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(privPath, priv, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pub, 0o644))

	signer, err := FromFiles(privPath, pubPath, 0)
	require.NoError(t, err)
	verifier, err := FromFiles("", pubPath, 0)
	require.NoError(t, err)

	id := uuid.New()
	tok, err := signer.CreateJWT(id)
	require.NoError(t, err)
	got, err := verifier.AuthenticateJWT(tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = verifier.CreateJWT(id)
	assert.Error(t, err)

	_, err = FromFiles("", filepath.Join(dir, "missing"), 0)
	assert.Error(t, err)
}

func TestParseTokenExpireTime(t *testing.T) {
	for _, s := range []string{"", "0", "never"} {
		d, err := ParseTokenExpireTime(s)
		require.NoError(t, err)
		assert.Zero(t, d)
	}
	d, err := ParseTokenExpireTime("72h")
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)
	_, err = ParseTokenExpireTime("soon")
	assert.Error(t, err)
}
