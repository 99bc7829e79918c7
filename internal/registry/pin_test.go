package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

type fixedSource struct {
	vals []int
	i    int
}

func (f *fixedSource) Intn(n int) int {
	v := f.vals[f.i%len(f.vals)] % n
	f.i++
	return v
}

func TestPinGeneratorUsesSource(t *testing.T) {
	g := NewPinGenerator(&fixedSource{vals: []int{0, 1, 2, 26, 27, 35}})
	assert.Equal(t, "ABC019", g.Next())
}

func TestCryptoSourcePanicsOnNonPositive(t *testing.T) {
	assert.Panics(t, func() { NewCryptoSource().Intn(0) })
}

// Property: every generated pin has the fixed length and alphabet.
func TestPropertyPinShape(t *testing.T) {
	g := NewPinGenerator(nil)
	rapid.Check(t, func(t *rapid.T) {
		pin := g.Next()
		if len(pin) != PinLength {
			t.Fatalf("pin %q has length %d", pin, len(pin))
		}
		for _, c := range pin {
			if !strings.ContainsRune(PinAlphabet, c) {
				t.Fatalf("pin %q contains %q", pin, c)
			}
		}
	})
}

// Property: pins built from arbitrary sources stay within the alphabet.
func TestPropertyPinShapeAnySource(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		vals := rapid.SliceOfN(rapid.IntRange(0, 1000), 1, 12).Draw(t, "vals")
		pin := NewPinGenerator(&fixedSource{vals: vals}).Next()
		assert.Len(t, pin, PinLength)
		for _, c := range pin {
			assert.Contains(t, PinAlphabet, string(c))
		}
	})
}
