package gelf

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrTooManyChunks is returned when a payload needs more than MaxChunks chunks
var ErrTooManyChunks = errors.New("payload needs more than 128 gelf chunks")

// DefaultChunkSize fits a chunk into a typical Ethernet MTU
const DefaultChunkSize = 1420

// Compression selects the payload compression used by Writer
type Compression string

const (
	CompressNone Compression = "none"
	CompressGzip Compression = "gzip"
	CompressZlib Compression = "zlib"
)

// Writer frames payloads into GELF datagrams
type Writer struct {
	ChunkSize   int
	Compression Compression
}

// Encode returns the datagrams carrying payload, chunked when it does not fit
// into a single datagram
func (w *Writer) Encode(payload []byte) ([][]byte, error) {
	data, err := w.compress(payload)
	if err != nil {
		return nil, err
	}

	chunkSize := w.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(data) <= chunkSize {
		return [][]byte{data}, nil
	}

	bodySize := chunkSize - chunkHeaderLen
	count := (len(data) + bodySize - 1) / bodySize
	if count > MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooManyChunks, len(data))
	}

	var id messageID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	datagrams := make([][]byte, 0, count)
	for seq := 0; seq < count; seq++ {
		start := seq * bodySize
		end := start + bodySize
		if end > len(data) {
			end = len(data)
		}

		chunk := make([]byte, 0, chunkHeaderLen+end-start)
		chunk = append(chunk, chunkMagic...)
		chunk = append(chunk, id[:]...)
		chunk = append(chunk, byte(seq), byte(count))
		chunk = append(chunk, data[start:end]...)
		datagrams = append(datagrams, chunk)
	}
	return datagrams, nil
}

func (w *Writer) compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch w.Compression {
	case "", CompressNone:
		return payload, nil
	case CompressGzip:
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
	case CompressZlib:
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("zlib write failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("zlib close failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression: %s", w.Compression)
	}
	return buf.Bytes(), nil
}
