package core

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func TestBufferAppendCarveEquivalence(t *testing.T) {
	var b Buffer
	var fed, carved []byte

	for round := 0; round < 200; round++ {
		chunk := make([]byte, rand.IntN(300))
		for i := range chunk {
			chunk[i] = byte(rand.IntN(256))
		}
		b.Append(chunk)
		fed = append(fed, chunk...)

		if b.Size() > 0 {
			n := rand.IntN(b.Size() + 1)
			out, err := b.Carve(n)
			if err != nil {
				t.Fatalf("carve %d of %d: %v", n, b.Size(), err)
			}
			carved = append(carved, out...)
		}
	}
	for b.Size() > 0 {
		out, _ := b.Carve(b.Size())
		carved = append(carved, out...)
	}
	if !bytes.Equal(carved, fed) {
		t.Fatalf("carved stream diverged after %d/%d bytes", len(carved), len(fed))
	}
}

func TestBufferEraseResets(t *testing.T) {
	var b Buffer
	b.Append([]byte("abcdef"))
	if err := b.Erase(4); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if b.Size() != 2 {
		t.Fatalf("unexpected size %d", b.Size())
	}
	if err := b.Erase(3); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := b.Erase(2); err != nil {
		t.Fatalf("erase rest: %v", err)
	}
	if b.offset != 0 || len(b.storage) != 0 {
		t.Fatalf("fully drained buffer should rewind, offset=%d len=%d", b.offset, len(b.storage))
	}
}

func TestBufferSpanPeeksWithoutConsuming(t *testing.T) {
	var b Buffer
	b.Append([]byte("abcdef"))
	span, err := b.Span(3)
	if err != nil {
		t.Fatalf("span: %v", err)
	}
	if string(span) != "abc" {
		t.Fatalf("unexpected span %q", span)
	}
	if b.Size() != 6 {
		t.Fatalf("span must not consume, size=%d", b.Size())
	}
	if _, err := b.Span(7); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestBufferPreservesLiveBytesAcrossGrowth(t *testing.T) {
	var b Buffer
	big := bytes.Repeat([]byte{0xAB}, 100000)
	b.Append(big)
	if _, err := b.Carve(99990); err != nil {
		t.Fatalf("carve: %v", err)
	}
	// Live bytes are tiny, the offset is huge: the next append compacts.
	b.Append([]byte("tail"))
	out, err := b.Carve(b.Size())
	if err != nil {
		t.Fatalf("carve rest: %v", err)
	}
	want := append(bytes.Repeat([]byte{0xAB}, 10), []byte("tail")...)
	if !bytes.Equal(out, want) {
		t.Fatalf("live bytes lost across compaction")
	}
}
