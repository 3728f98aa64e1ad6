package room

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Alphabet for room ids: base32-like, excluding visually ambiguous glyphs
// (I, O, 1, 0). 32 glyphs, so uniform bytes map without bias.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// IDGenerator produces short room ids from the restricted alphabet.
// The random source is injectable so collision handling is testable.
type IDGenerator struct {
	length int
	rand   io.Reader
}

// NewIDGenerator creates a generator for ids of the given length (6-8).
func NewIDGenerator(length int) *IDGenerator {
	return &IDGenerator{length: length, rand: rand.Reader}
}

// NewIDGeneratorWithSource creates a generator with a custom random source.
func NewIDGeneratorWithSource(length int, src io.Reader) *IDGenerator {
	return &IDGenerator{length: length, rand: src}
}

// NewID returns a fresh room id.
func (g *IDGenerator) NewID() (string, error) {
	buf := make([]byte, g.length)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf), nil
}
