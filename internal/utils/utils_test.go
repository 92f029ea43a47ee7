package utils

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, CalculateBackoff(i+1, base, max), "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Second, CalculateBackoff(200, base, max), "no overflow on large attempts")
}

func TestBuildSocketURL(t *testing.T) {
	got, err := BuildSocketURL("wss://x/ws", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://x/ws?token=abc", got)

	got, err = BuildSocketURL("ws://host:8080/ws?client=web", "a b&c")
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "a b&c", u.Query().Get("token"))
	assert.Equal(t, "web", u.Query().Get("client"))

	_, err = BuildSocketURL("http://x/ws", "abc")
	assert.Error(t, err)
}

func TestIsValidURL(t *testing.T) {
	assert.True(t, IsValidURL("ws://localhost:8080/ws"))
	assert.True(t, IsValidURL("wss://portal.example.com/ws"))
	assert.False(t, IsValidURL("https://portal.example.com/ws"))
	assert.False(t, IsValidURL("ws://"))
	assert.False(t, IsValidURL("::"))
}

func TestGenerateTraceID(t *testing.T) {
	a, b := GenerateTraceID(), GenerateTraceID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
