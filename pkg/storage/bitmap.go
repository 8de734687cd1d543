package storage

import (
	"fmt"
	"os"
)

// Bitmap tracks physical block allocation, one bit per block, packed
// MSB first. Bit set means allocated.
type Bitmap struct {
	bits        []byte
	totalBlocks int
}

// NewBitmap creates an all-free bitmap for totalBlocks blocks
func NewBitmap(totalBlocks int) *Bitmap {
	return &Bitmap{
		bits:        make([]byte, (totalBlocks+7)/8),
		totalBlocks: totalBlocks,
	}
}

// LoadBitmap reads a packed bitmap from disk
func LoadBitmap(path string, totalBlocks int) (*Bitmap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bitmap: %w", err)
	}
	want := (totalBlocks + 7) / 8
	if len(data) != want {
		return nil, fmt.Errorf("bitmap size mismatch: have %d bytes, want %d", len(data), want)
	}
	return &Bitmap{bits: data, totalBlocks: totalBlocks}, nil
}

// Save writes the packed bitmap to disk
func (b *Bitmap) Save(path string) error {
	if err := os.WriteFile(path, b.bits, 0644); err != nil {
		return fmt.Errorf("failed to write bitmap: %w", err)
	}
	return nil
}

// Set marks block i allocated
func (b *Bitmap) Set(i int) {
	b.bits[i/8] |= 1 << (7 - uint(i%8))
}

// Clear marks block i free
func (b *Bitmap) Clear(i int) {
	b.bits[i/8] &^= 1 << (7 - uint(i%8))
}

// Test reports whether block i is allocated
func (b *Bitmap) Test(i int) bool {
	return b.bits[i/8]&(1<<(7-uint(i%8))) != 0
}

// FirstFree returns the lowest free block index, or -1 when full
func (b *Bitmap) FirstFree() int {
	for i := 0; i < b.totalBlocks; i++ {
		if !b.Test(i) {
			return i
		}
	}
	return -1
}

// FreeCount returns the number of free blocks
func (b *Bitmap) FreeCount() int {
	free := 0
	for i := 0; i < b.totalBlocks; i++ {
		if !b.Test(i) {
			free++
		}
	}
	return free
}

// Len returns the number of tracked blocks
func (b *Bitmap) Len() int {
	return b.totalBlocks
}
