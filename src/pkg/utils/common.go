package utils

import (
	"encoding/binary"
	"math/rand"

	"golang.org/x/exp/constraints"
)

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// WordsToBytes lays words out big-endian, the order every file format of the
// store uses.
func WordsToBytes(words []uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(b[4*i:], w)
	}
	return b
}

func BytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return words
}

// GenerateUniqueInts returns count distinct integers from [min, max].
// Small samples use rejection, dense samples a partial Fisher-Yates shuffle.
func GenerateUniqueInts[T constraints.Integer](
	count int,
	min, max T,
	r *rand.Rand,
) []T {
	if count <= 0 {
		return []T{}
	}

	rangeSize := int(max-min) + 1
	if count > rangeSize {
		count = rangeSize
	}

	if count*2 <= rangeSize {
		seen := make(map[T]struct{}, count)
		res := make([]T, 0, count)
		for len(res) < count {
			v := min + T(r.Intn(rangeSize))
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			res = append(res, v)
		}
		return res
	}

	all := make([]T, rangeSize)
	for i := range all {
		all[i] = min + T(i)
	}
	for i := 0; i < count; i++ {
		j := i + r.Intn(rangeSize-i)
		all[i], all[j] = all[j], all[i]
	}
	return all[:count]
}
