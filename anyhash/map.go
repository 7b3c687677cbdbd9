
// Package anyhash defines the hashing capability ckmap's concurrent map
// builds its key hashing on: a stateless hash/equality pair over a type
// that need not itself be comparable.
package anyhash

import (
	"hash/maphash"
)

// See https://go-review.googlesource.com/c/go/+/657296/11/src/hash/maphash/hasher.go#7

// A Hasher defines a hash function and an equivalence relation over
// values of type T.
//
// See https://go-review.googlesource.com/c/go/+/657296/11/src/hash/maphash/hasher.go
type Hasher[T any] interface {
	Hash(*maphash.Hash, T)
	Equal(x, y T) bool
}

// ComparableHasher is an implementation of [Hasher] for comparable types.
// Its Equal(x, y) method is consistent with x == y.
type ComparableHasher[T comparable] struct {
	_ [0]func(T) // disallow comparison, and conversion between ComparableHasher[X] and ComparableHasher[Y]
}

func (ComparableHasher[T]) Hash(h *maphash.Hash, v T) { maphash.WriteComparable(h, v) }
func (ComparableHasher[T]) Equal(x, y T) bool         { return x == y }
