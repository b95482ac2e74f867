package snapshot

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compressor is a pure, reversible transform applied to snapshot state
// before durable storage - Decompress(Compress(x)) == x for all x
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewGzip constructs a gzip compressor with the provided level
// (gzip.DefaultCompression when 0)
func NewGzip(level int) *Gzip {
	if level == 0 {
		level = gzip.DefaultCompression
	}

	return &Gzip{level: level}
}

// Gzip implements Compressor using compress/gzip
type Gzip struct {
	level int
}

// Compress implements Compressor
func (g *Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decompress implements Compressor
func (g *Gzip) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotIntegrity, err)
	}

	defer func() {
		_ = r.Close()
	}()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotIntegrity, err)
	}

	return out, nil
}

// Nop is a pass-through Compressor, useful for tests and tiny states
type Nop struct{}

// Compress implements Compressor
func (Nop) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress implements Compressor
func (Nop) Decompress(data []byte) ([]byte, error) { return data, nil }
