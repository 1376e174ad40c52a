package fuzzer

import "math/rand/v2"

const lowerAlpha = "abcdefghijklmnopqrstuvwxyz"

// RandomMarker returns n random lowercase letters. Markers are matched against
// lowercased bodies, so they never contain upper case.
func RandomMarker(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = lowerAlpha[rand.IntN(len(lowerAlpha))]
	}
	return string(b)
}
