package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
)

// MaxDecodedSize 解压后允许的最大帧长度
const MaxDecodedSize = 4 << 20

var errTooLarge = fmt.Errorf("decoded frame exceeds %d bytes", MaxDecodedSize)

// Compressor 压缩器接口
type Compressor interface {
	Name() string
	Compress([]byte) ([]byte, error)   // 压缩数据
	Decompress([]byte) ([]byte, error) // 解压缩数据
}

// GzipCompressor 复用 writer/reader 的 gzip 实现，可并发使用
type GzipCompressor struct {
	writers sync.Pool
	readers sync.Pool
}

func (g *GzipCompressor) Name() string { return "gzip" }

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := g.writers.Get().(*gzip.Writer)
	if w == nil {
		w, _ = gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	} else {
		w.Reset(&buf)
	}
	defer g.writers.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	if !IsGzip(data) {
		return nil, errors.New("missing gzip magic")
	}

	src := bytes.NewReader(data)
	r, _ := g.readers.Get().(*gzip.Reader)
	if r == nil {
		var err error
		if r, err = gzip.NewReader(src); err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
	} else if err := r.Reset(src); err != nil {
		g.readers.Put(r)
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer g.readers.Put(r)

	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	if len(out) > MaxDecodedSize {
		return nil, errTooLarge
	}
	return out, nil
}

// SnappyCompressor 输出 snappy 块格式，解码同时兼容 s2
type SnappyCompressor struct{}

func (s *SnappyCompressor) Name() string { return "snappy" }

func (s *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, data), nil
}

func (s *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy header: %w", err)
	}
	if n > MaxDecodedSize {
		return nil, errTooLarge
	}
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

// IsGzip 检查gzip魔数（1F 8B）
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B
}

// GetCompressor 根据名称获取压缩器，"none" 或空值返回 nil
func GetCompressor(name string) (Compressor, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "gzip":
		return &GzipCompressor{}, nil
	case "snappy":
		return &SnappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compressor %q", name)
	}
}
