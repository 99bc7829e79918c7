package registry

import (
	"crypto/rand"
	"math/big"
)

// PinAlphabet is the set of characters a game pin is drawn from.
const PinAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// PinLength is the number of characters in a game pin.
const PinLength = 6

// Source provides random integers for pin generation.
type Source interface {
	// Intn returns a value in [0, n).
	Intn(n int) int
}

// cryptoSource implements Source using crypto/rand.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n).
func NewCryptoSource() Source {
	return cryptoSource{}
}

// Intn returns a cryptographically secure random int in [0, n).
//
// Precondition: n > 0. Panics if n <= 0 or if crypto/rand fails.
func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("registry: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("registry: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// PinGenerator produces game pins. Pins are not checked for collisions.
type PinGenerator struct {
	src Source
}

// NewPinGenerator creates a PinGenerator. A nil src selects the crypto source.
func NewPinGenerator(src Source) *PinGenerator {
	if src == nil {
		src = NewCryptoSource()
	}
	return &PinGenerator{src: src}
}

// Next returns a new pin.
//
// Postcondition: len(pin) == PinLength and every character is in PinAlphabet.
func (g *PinGenerator) Next() string {
	buf := make([]byte, PinLength)
	for i := range buf {
		buf[i] = PinAlphabet[g.src.Intn(len(PinAlphabet))]
	}
	return string(buf)
}
