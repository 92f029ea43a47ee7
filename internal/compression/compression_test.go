package compression

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"type":"CONSULTATION_STATUS","data":{"status":"IN_PROGRESS"}}`), 20)
	for _, name := range []string{"gzip", "snappy"} {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressor(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			packed, err := c.Compress(payload)
			require.NoError(t, err)
			assert.Less(t, len(packed), len(payload))

			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.Equal(t, payload, unpacked)

			_, err = c.Decompress([]byte("plain text"))
			assert.Error(t, err)
		})
	}
}

func TestGetCompressor(t *testing.T) {
	for _, name := range []string{"", "none"} {
		c, err := GetCompressor(name)
		require.NoError(t, err)
		assert.Nil(t, c)
	}
	_, err := GetCompressor("brotli")
	assert.Error(t, err)
}

func TestIsGzip(t *testing.T) {
	assert.True(t, IsGzip([]byte{0x1f, 0x8b, 0x08}))
	assert.False(t, IsGzip([]byte{0x1f}))
	assert.False(t, IsGzip([]byte("{}")))
}

func TestGzipReusesWriters(t *testing.T) {
	c, err := GetCompressor("gzip")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + i)}, 512)
			for j := 0; j < 20; j++ {
				packed, err := c.Compress(payload)
				if !assert.NoError(t, err) {
					return
				}
				unpacked, err := c.Decompress(packed)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, payload, unpacked)
			}
		}(i)
	}
	wg.Wait()
}

func TestDecodedSizeLimit(t *testing.T) {
	huge := make([]byte, MaxDecodedSize+1)
	for _, name := range []string{"gzip", "snappy"} {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressor(name)
			require.NoError(t, err)
			packed, err := c.Compress(huge)
			require.NoError(t, err)
			_, err = c.Decompress(packed)
			assert.ErrorIs(t, err, errTooLarge)
		})
	}
}

func TestSnappyEmptyInput(t *testing.T) {
	_, err := (&SnappyCompressor{}).Decompress(nil)
	assert.Error(t, err)
}
