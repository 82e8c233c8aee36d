package crypto

import (
	"errors"
	"testing"
)

func TestNewGeometry_Bounds(t *testing.T) {
	if _, err := NewGeometry(MinChunkSize - 1); err == nil {
		t.Fatal("expected error below minimum chunk size")
	}
	if _, err := NewGeometry(MaxChunkSize + 1); err == nil {
		t.Fatal("expected error above maximum chunk size")
	}
	g, err := NewGeometry(DefaultChunkSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.CiphertextChunkSize() != DefaultChunkSize+ChunkOverhead {
		t.Fatalf("expected ciphertext chunk size %d, got %d", DefaultChunkSize+ChunkOverhead, g.CiphertextChunkSize())
	}
}

func TestToCiphertextSize(t *testing.T) {
	g, _ := NewGeometry(DefaultChunkSize)
	ct := int64(DefaultChunkSize + ChunkOverhead)

	tests := []struct {
		name   string
		offset int64
		length int64
		want   int64
	}{
		{"empty", 0, 0, HeaderSize},
		{"four bytes", 0, 4, HeaderSize + ChunkOverhead + 4},
		{"one full chunk", 0, DefaultChunkSize, HeaderSize + ct},
		{"one chunk plus one", 0, DefaultChunkSize + 1, HeaderSize + ct + ChunkOverhead + 1},
		{"three chunks", 0, 3 * DefaultChunkSize, HeaderSize + 3*ct},
		{"nonzero offset drops header", DefaultChunkSize, 4, ChunkOverhead + 4},
		{"unknown length", 0, UnknownLength, UnknownLength},
		{"unknown length at offset", 100, UnknownLength, UnknownLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.ToCiphertextSize(tt.offset, tt.length); got != tt.want {
				t.Fatalf("ToCiphertextSize(%d, %d) = %d, want %d", tt.offset, tt.length, got, tt.want)
			}
		})
	}
}

func TestToCleartextSize_Inverse(t *testing.T) {
	for _, chunkSize := range []int{MinChunkSize, DefaultChunkSize, MaxChunkSize} {
		g, err := NewGeometry(chunkSize)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		lengths := []int64{0, 1, 4, int64(chunkSize) - 1, int64(chunkSize), int64(chunkSize) + 1,
			5*int64(chunkSize) + 17, 6 * 1024 * 1024}
		for _, n := range lengths {
			for _, offset := range []int64{0, int64(chunkSize)} {
				ct := g.ToCiphertextSize(offset, n)
				got, err := g.ToCleartextSize(offset, ct)
				if err != nil {
					t.Fatalf("chunk %d: ToCleartextSize(%d, %d) failed: %v", chunkSize, offset, ct, err)
				}
				if got != n {
					t.Fatalf("chunk %d: round trip of %d at offset %d gave %d", chunkSize, n, offset, got)
				}
			}
		}
	}
}

func TestToCleartextSize_Invalid(t *testing.T) {
	g, _ := NewGeometry(DefaultChunkSize)
	ct := int64(DefaultChunkSize + ChunkOverhead)

	invalid := []int64{
		HeaderSize - 1,
		HeaderSize + 1,
		HeaderSize + ChunkOverhead,
		HeaderSize + ct + ChunkOverhead,
	}
	for _, size := range invalid {
		_, err := g.ToCleartextSize(0, size)
		if err == nil {
			t.Fatalf("expected error for ciphertext size %d", size)
		}
		if !errors.Is(err, ErrInvalidFileSize) {
			t.Fatalf("expected ErrInvalidFileSize for %d, got %v", size, err)
		}
		var sizeErr *InvalidFileSizeError
		if !errors.As(err, &sizeErr) || sizeErr.Size != size {
			t.Fatalf("expected InvalidFileSizeError carrying size %d, got %v", size, err)
		}
	}

	if got, err := g.ToCleartextSize(0, UnknownLength); err != nil || got != UnknownLength {
		t.Fatalf("expected unknown length to pass through, got %d, %v", got, err)
	}
}

func TestFourByteScenario(t *testing.T) {
	g, _ := NewGeometry(DefaultChunkSize)
	ct := g.ToCiphertextSize(0, 4)
	if ct != HeaderSize+ChunkOverhead+4 {
		t.Fatalf("expected %d, got %d", HeaderSize+ChunkOverhead+4, ct)
	}
	back, err := g.ToCleartextSize(0, ct)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back != 4 {
		t.Fatalf("expected 4, got %d", back)
	}
}

func TestChunkOffset(t *testing.T) {
	g, _ := NewGeometry(DefaultChunkSize)
	if got := g.ChunkOffset(0); got != HeaderSize {
		t.Fatalf("expected %d, got %d", HeaderSize, got)
	}
	if got := g.ChunkOffset(DefaultChunkSize + 5); got != HeaderSize+DefaultChunkSize+ChunkOverhead {
		t.Fatalf("unexpected chunk offset %d", got)
	}
	if !g.Aligned(2*DefaultChunkSize) || g.Aligned(DefaultChunkSize+1) {
		t.Fatal("unexpected alignment result")
	}
	// A chunk-aligned offset translates to exactly the chunk position.
	if g.ToCiphertextSize(0, 3*DefaultChunkSize) != g.ChunkOffset(3*DefaultChunkSize) {
		t.Fatal("aligned offset translation mismatch")
	}
}
