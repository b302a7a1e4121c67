package workload

import (
	"cmp"
	"math/rand"
	"slices"
)

func getRandomMapKey[K cmp.Ordered, V any](r *rand.Rand, m map[K]V) (K, bool) {
	if len(m) == 0 {
		var zero K

		return zero, false
	}

	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// map order differs between runs of the same seed
	slices.Sort(keys)

	return keys[r.Intn(len(keys))], true
}

func randomString(r *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	b := make([]byte, n)

	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}

	return string(b)
}

// randomNote returns a note of up to noteBytes letters, or null.
func randomNote(r *rand.Rand) (string, bool) {
	if r.Intn(4) == 0 {
		return "", true
	}
	return randomString(r, 1+r.Intn(noteBytes)), false
}
