// Package gatomic provides generic wrappers around the pointer-width
// primitives in sync/atomic, so that callers working with a *T field
// don't have to spell out the unsafe.Pointer conversions at every call
// site. qgraph's ckmap package is the sole consumer: it CASes the main
// node of a trie iNode without ever taking a lock.
package gatomic

import (
	"sync/atomic"
	"unsafe"
)

func LoadPointer[T any](addr **T) *T {
	return (*T)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(addr))))
}

func StorePointer[T any](addr **T, val *T) {
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(addr)), unsafe.Pointer(val))
}

func CompareAndSwapPointer[T any](addr **T, old, new *T) (swapped bool) {
	return atomic.CompareAndSwapPointer(
		(*unsafe.Pointer)(unsafe.Pointer(addr)),
		unsafe.Pointer(old),
		unsafe.Pointer(new),
	)
}
