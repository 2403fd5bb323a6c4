package gelf

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

const samplePayload = `{"version":"1.1","host":"example.org","short_message":"hello","_container_id":"abc"}`

func TestDecodePlainAndCompressed(t *testing.T) {
	tests := []struct {
		name        string
		compression Compression
	}{
		{"plain", CompressNone},
		{"gzip", CompressGzip},
		{"zlib", CompressZlib},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Writer{Compression: tt.compression}
			datagrams, err := w.Encode([]byte(samplePayload))
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if len(datagrams) != 1 {
				t.Fatalf("expected 1 datagram, got %d", len(datagrams))
			}

			d := NewChunkDecoder(0)
			payload, err := d.Decode(datagrams[0])
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if string(payload) != samplePayload {
				t.Errorf("expected %s, got %s", samplePayload, payload)
			}
		})
	}
}

func TestDecodeChunked(t *testing.T) {
	big := `{"short_message":"` + strings.Repeat("x", 5000) + `"}`
	w := &Writer{ChunkSize: 512}
	datagrams, err := w.Encode([]byte(big))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(datagrams) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(datagrams))
	}

	d := NewChunkDecoder(time.Minute)

	// deliver out of order, with a duplicate
	order := make([]int, 0, len(datagrams)+1)
	for i := len(datagrams) - 1; i >= 0; i-- {
		order = append(order, i)
	}
	order = append([]int{len(datagrams) - 1}, order...)

	var payload []byte
	for i, idx := range order {
		payload, err = d.Decode(datagrams[idx])
		if err != nil {
			t.Fatalf("decode chunk %d failed: %v", idx, err)
		}
		if i < len(order)-1 && payload != nil {
			t.Fatalf("payload returned before all chunks arrived (step %d)", i)
		}
	}

	if string(payload) != big {
		t.Errorf("reassembled payload mismatch (len %d vs %d)", len(payload), len(big))
	}
	if d.Pending() != 0 {
		t.Errorf("expected no pending messages, got %d", d.Pending())
	}
}

func TestDecodeChunkedGzip(t *testing.T) {
	w := &Writer{ChunkSize: 64, Compression: CompressGzip}
	body := []byte(`{"short_message":"` + strings.Repeat("ab", 400) + `"}`)
	datagrams, err := w.Encode(body)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	d := NewChunkDecoder(0)
	var payload []byte
	for _, dg := range datagrams {
		if payload, err = d.Decode(dg); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
	if !bytes.Equal(payload, body) {
		t.Error("gzip chunked payload mismatch")
	}
}

func TestDecodeChunkExpiry(t *testing.T) {
	w := &Writer{ChunkSize: 32}
	datagrams, err := w.Encode([]byte(samplePayload))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	now := time.Now()
	d := NewChunkDecoder(time.Second)
	d.now = func() time.Time { return now }

	if _, err := d.Decode(datagrams[0]); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("expected 1 pending message, got %d", d.Pending())
	}

	now = now.Add(2 * time.Second)
	for _, dg := range datagrams[1:] {
		payload, err := d.Decode(dg)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if payload != nil {
			t.Fatal("expired message must not complete")
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	d := NewChunkDecoder(0)

	tests := []struct {
		name     string
		datagram []byte
		wantErr  error
	}{
		{"empty", nil, ErrEmptyDatagram},
		{"short chunk", []byte{0x1e, 0x0f, 1, 2, 3}, ErrChunkTooShort},
		{"zero count", append([]byte{0x1e, 0x0f, 1, 2, 3, 4, 5, 6, 7, 8, 0, 0}, 'x'), ErrInvalidChunkCount},
		{"too many chunks", append([]byte{0x1e, 0x0f, 1, 2, 3, 4, 5, 6, 7, 8, 0, 129}, 'x'), ErrInvalidChunkCount},
		{"sequence out of range", append([]byte{0x1e, 0x0f, 1, 2, 3, 4, 5, 6, 7, 8, 2, 2}, 'x'), ErrInvalidSequence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.datagram)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := d.Decode([]byte{0x1f, 0x8b, 0x00}); err == nil {
		t.Error("expected error for truncated gzip payload")
	}
}

func TestDecodePassesThroughText(t *testing.T) {
	d := NewChunkDecoder(0)
	payload, err := d.Decode([]byte("Invalid JSON message"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != "Invalid JSON message" {
		t.Errorf("unexpected payload %q", payload)
	}
}

func TestEncodeTooManyChunks(t *testing.T) {
	w := &Writer{ChunkSize: 20}
	_, err := w.Encode(bytes.Repeat([]byte("a"), 20*200))
	if !errors.Is(err, ErrTooManyChunks) {
		t.Errorf("expected ErrTooManyChunks, got %v", err)
	}
}
