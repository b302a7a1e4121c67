package utils

import (
	"math/rand"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordsAreBigEndian(t *testing.T) {
	words := []uint32{0x01020304, 0xdeadbeef, 0}
	b := WordsToBytes(words)
	assert.Equal(t, []byte{
		0x01, 0x02, 0x03, 0x04,
		0xde, 0xad, 0xbe, 0xef,
		0, 0, 0, 0,
	}, b)
	assert.Equal(t, words, BytesToWords(b))

	// a trailing partial word is dropped
	assert.Equal(t, []uint32{0x01020304}, BytesToWords([]byte{1, 2, 3, 4, 5, 6}))
	assert.Empty(t, BytesToWords(nil))
	assert.Empty(t, WordsToBytes(nil))
}

func TestMust(t *testing.T) {
	assert.Equal(t, 7, Must(7, nil))
	assert.Panics(t, func() { Must(0, errors.New("boom")) })
}

func TestGenerateUniqueIntsStaysInRange(t *testing.T) {
	cases := []struct {
		name     string
		count    int
		min, max int
		want     int
	}{
		{name: "sparse", count: 5, min: 1000, max: 2000, want: 5},
		{name: "dense", count: 6, min: 1, max: 10, want: 6},
		{name: "whole range", count: 5, min: 1, max: 5, want: 5},
		{name: "clamped", count: 9, min: -5, max: -1, want: 5},
		{name: "single", count: 1, min: 42, max: 42, want: 1},
		{name: "none", count: 0, min: 1, max: 10, want: 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := GenerateUniqueInts(c.count, c.min, c.max, rand.New(rand.NewSource(42)))
			require.Len(t, got, c.want)

			seen := map[int]bool{}
			for _, v := range got {
				assert.False(t, seen[v], "%d drawn twice", v)
				seen[v] = true
				assert.GreaterOrEqual(t, v, c.min)
				assert.LessOrEqual(t, v, c.max)
			}
		})
	}
}

func TestGenerateUniqueIntsUnsigned(t *testing.T) {
	got := GenerateUniqueInts[uint16](3, 7, 9, rand.New(rand.NewSource(1)))
	assert.ElementsMatch(t, []uint16{7, 8, 9}, got)
}
