// Package gelf decodes the GELF UDP framing layer: chunked datagrams and
// gzip/zlib compressed payloads.
package gelf

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrEmptyDatagram     = errors.New("empty datagram")
	ErrChunkTooShort     = errors.New("gelf chunk shorter than header")
	ErrInvalidChunkCount = errors.New("invalid gelf chunk count")
	ErrInvalidSequence   = errors.New("gelf chunk sequence out of range")
	ErrChunkMismatch     = errors.New("gelf chunk count differs from earlier chunks")
)

const (
	// MaxChunks is the largest chunk count allowed by GELF
	MaxChunks = 128

	// DefaultChunkTimeout is how long partial messages are kept
	DefaultChunkTimeout = 5 * time.Second

	chunkHeaderLen = 12
)

var (
	chunkMagic = []byte{0x1e, 0x0f}
	gzipMagic  = []byte{0x1f, 0x8b}
)

// Decoder turns one datagram into a complete payload. A nil payload with a
// nil error means the datagram was a non-final chunk.
type Decoder interface {
	Decode(datagram []byte) ([]byte, error)
}

type messageID [8]byte

type chunkSet struct {
	parts     [][]byte
	received  int
	firstSeen time.Time
}

// ChunkDecoder reassembles chunked GELF messages and inflates payloads
type ChunkDecoder struct {
	timeout time.Duration
	pending map[messageID]*chunkSet
	now     func() time.Time
	mu      sync.Mutex
}

// NewChunkDecoder creates a decoder that drops partial messages older than timeout
func NewChunkDecoder(timeout time.Duration) *ChunkDecoder {
	if timeout <= 0 {
		timeout = DefaultChunkTimeout
	}
	return &ChunkDecoder{
		timeout: timeout,
		pending: make(map[messageID]*chunkSet),
		now:     time.Now,
	}
}

// Decode implements Decoder
func (d *ChunkDecoder) Decode(datagram []byte) ([]byte, error) {
	if len(datagram) == 0 {
		return nil, ErrEmptyDatagram
	}

	if !bytes.HasPrefix(datagram, chunkMagic) {
		return Inflate(datagram)
	}

	payload, err := d.addChunk(datagram)
	if err != nil || payload == nil {
		return nil, err
	}
	return Inflate(payload)
}

// Pending returns the number of partially received messages
func (d *ChunkDecoder) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *ChunkDecoder) addChunk(datagram []byte) ([]byte, error) {
	if len(datagram) < chunkHeaderLen {
		return nil, ErrChunkTooShort
	}

	var id messageID
	copy(id[:], datagram[2:10])
	seq := int(datagram[10])
	count := int(datagram[11])

	if count == 0 || count > MaxChunks {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkCount, count)
	}
	if seq >= count {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidSequence, seq, count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	set, ok := d.pending[id]
	if !ok {
		set = &chunkSet{
			parts:     make([][]byte, count),
			firstSeen: now,
		}
		d.pending[id] = set
	}
	if len(set.parts) != count {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrChunkMismatch, count, len(set.parts))
	}

	if set.parts[seq] == nil {
		part := make([]byte, len(datagram)-chunkHeaderLen)
		copy(part, datagram[chunkHeaderLen:])
		set.parts[seq] = part
		set.received++
	}

	if set.received < count {
		return nil, nil
	}

	delete(d.pending, id)
	return bytes.Join(set.parts, nil), nil
}

func (d *ChunkDecoder) expireLocked(now time.Time) {
	for id, set := range d.pending {
		if now.Sub(set.firstSeen) > d.timeout {
			delete(d.pending, id)
		}
	}
}

// Inflate decompresses gzip or zlib payloads and returns anything else as-is
func Inflate(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read failed: %w", err)
		}
		return out, nil
	case isZlib(data):
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader creation failed: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("zlib read failed: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// zlib header: CM=8 in the low nibble of CMF and (CMF<<8|FLG) divisible by 31
func isZlib(data []byte) bool {
	if len(data) < 2 || data[0]&0x0f != 8 {
		return false
	}
	return (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}
