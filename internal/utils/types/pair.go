// File: pair.go
// Brief: a comparable pair, usable as a map key. No package of this
// module uses it; the precedence relation is kept in per-class maps.

package types

// Pair is a pair of comparable values, suitable as a map key.
type Pair[K comparable, V comparable] struct {
	X K
	Y V
}

// NewPair returns a new pair.
func NewPair[K comparable, V comparable](x K, y V) Pair[K, V] {
	return Pair[K, V]{X: x, Y: y}
}
