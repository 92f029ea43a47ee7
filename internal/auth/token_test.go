package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func TestCheckExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.ErrorIs(t, CheckExpiry("", now), errors.ErrNoToken)
	assert.NoError(t, CheckExpiry("opaque-session-token", now))
	assert.NoError(t, CheckExpiry("a.b.c", now), "unparsable tokens are left to the server")
	assert.NoError(t, CheckExpiry(sign(t, jwt.RegisteredClaims{Subject: "u"}), now), "no exp claim")

	live := sign(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))})
	assert.NoError(t, CheckExpiry(live, now))

	expired := sign(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now)})
	assert.ErrorIs(t, CheckExpiry(expired, now), errors.ErrTokenExpired)
}

func TestTokenAdapters(t *testing.T) {
	tok, err := StaticToken("abc").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = TokenFunc(func() (string, error) { return "", assert.AnError }).Token()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFileTokenReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0600))

	ft, err := NewFileToken(path)
	require.NoError(t, err)
	defer ft.Close()

	tok, _ := ft.Token()
	assert.Equal(t, "first", tok)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0600))
	require.Eventually(t, func() bool {
		tok, _ := ft.Token()
		return tok == "second"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		tok, _ := ft.Token()
		return tok == ""
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, ft.Close())
	assert.NoError(t, ft.Close())
}

func TestFileTokenMissingFile(t *testing.T) {
	_, err := NewFileToken(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
