/*
Copyright 2015 Workiva, LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ckmap provides ConcurrentKeyMap, a thread-safe mapping from a
// key to a value that is inserted at most once per key.
//
// It is a hash trie, originally presented in "Concurrent Tries with
// Efficient Non-Blocking Clones"
// (https://axel22.github.io/resources/docs/ctries-clone.pdf) and adapted
// here from a fuller clone-and-delete-capable implementation. This
// variant drops deletion, clones and generations entirely: qgraph never
// removes an entry from a map and never needs a point-in-time snapshot
// of one (an Iteration's previous map is already immutable by the time
// anything else can see it), so the generation-compare-and-swap and
// RDCSS machinery that exists purely to support those operations in the
// original has no job left to do here. What's left is the part the
// contract in §4.1 actually needs: lock-free insert-if-absent and a
// non-blocking read, with no lock held across caller-supplied code.
package ckmap

import (
	"hash/maphash"
	"math/bits"

	"github.com/rogpeppe/qgraph/anyhash"
	"github.com/rogpeppe/qgraph/gatomic"
)

const (
	// w controls the number of branches at a node (2^w branches).
	w = 5

	// maxLev is the point at which the 64-bit hash space is exhausted
	// and colliding keys fall back to a list node.
	maxLev = 64
)

var seed = maphash.MakeSeed()

// Map is a concurrent mapping from K to V that supports non-blocking
// reads and lock-free insert-if-absent. The zero Map is not usable;
// construct one with New.
type Map[K comparable, V any] struct {
	root     *iNode[K, V]
	hashFunc func(K) uint64
}

// New returns a new empty Map that hashes keys with maphash, following
// anyhash.ComparableHasher: any comparable K works with no extra effort
// from the caller.
func New[K comparable, V any]() *Map[K, V] {
	return NewWithHash[K, V](defaultHash[K])
}

// NewWithHash is like New except that it uses an explicit hash function
// instead of maphash.WriteComparable. It exists for callers with a
// cheaper or more structure-aware hash available, and for tests that
// need to force hash collisions deterministically.
func NewWithHash[K comparable, V any](hashFunc func(K) uint64) *Map[K, V] {
	return &Map[K, V]{
		root:     &iNode[K, V]{main: &mainNode[K, V]{cNode: &cNode[K, V]{}}},
		hashFunc: hashFunc,
	}
}

// CloneHandle returns another reference to the same logical map. Unlike
// the ctrie this is adapted from, ConcurrentKeyMap never needs a
// structural clone: all state reachable from m is already safe to share,
// so CloneHandle is simply an alias of m, documented for callers that
// come from languages where "clone a handle" and "share a pointer" are
// different operations.
func (m *Map[K, V]) CloneHandle() *Map[K, V] {
	return m
}

// Get returns the value associated with key and reports whether it was
// present. Get never blocks on a concurrent GetOrInsert: it simply
// observes whatever the trie looks like at the moment of the call.
func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.lookup(m.hashFunc(key), key)
}

// GetOrInsert returns the existing value for key if present, otherwise
// it inserts the value produced by factory and returns it. Exactly one
// inserted value is ever observed by concurrent callers racing on the
// same key; factory may be invoked and its result discarded when a race
// is lost, but the value that wins is stable thereafter.
func (m *Map[K, V]) GetOrInsert(key K, factory func() V) V {
	if v, ok := m.Get(key); ok {
		return v
	}
	hash := m.hashFunc(key)
	sn := &sNode[K, V]{key: key, value: factory()}
	for {
		v, inserted, ok := m.iinsert(m.root, hash, 0, sn)
		if !ok {
			continue
		}
		if inserted {
			return sn.value
		}
		return v
	}
}

// defaultHash hashes any comparable K using anyhash.ComparableHasher,
// the same stateless Hasher any NewWithHash caller can swap in for.
func defaultHash[K comparable](key K) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	anyhash.ComparableHasher[K]{}.Hash(&h, key)
	return h.Sum64()
}

func (m *Map[K, V]) lookup(hash uint64, key K) (V, bool) {
	return ilookup[K, V](m.root, hash, key, 0)
}

func ilookup[K comparable, V any](i *iNode[K, V], hash uint64, key K, lev uint) (V, bool) {
	main := gatomic.LoadPointer(&i.main)
	switch {
	case main.cNode != nil:
		cn := main.cNode
		flag, pos := flagPos(hash, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			return zero[V](), false
		}
		switch b := cn.slice[pos].(type) {
		case *iNode[K, V]:
			return ilookup[K, V](b, hash, key, lev+w)
		case *sNode[K, V]:
			if b.key == key {
				return b.value, true
			}
			return zero[V](), false
		default:
			panic("ckmap: map is in an invalid state")
		}
	case main.lNode != nil:
		return main.lNode.lookup(key)
	default:
		panic("ckmap: map is in an invalid state")
	}
}

// iinsert attempts to insert sn into the trie rooted at i. The final
// bool reports whether the CAS succeeded; false means the caller should
// retry (a concurrent, unrelated modification raced the same node). When
// it is true, the middle bool reports whether sn was actually inserted
// (false means key was already present, and the returned V is the
// existing value - sn.value is discarded by the caller in that case).
func (m *Map[K, V]) iinsert(i *iNode[K, V], hash uint64, lev uint, sn *sNode[K, V]) (V, bool, bool) {
	main := gatomic.LoadPointer(&i.main)
	switch {
	case main.cNode != nil:
		cn := main.cNode
		flag, pos := flagPos(hash, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			ncn := &mainNode[K, V]{cNode: cn.inserted(pos, flag, sn)}
			if gatomic.CompareAndSwapPointer(&i.main, main, ncn) {
				return zero[V](), true, true
			}
			return zero[V](), false, false
		}
		switch b := cn.slice[pos].(type) {
		case *iNode[K, V]:
			return m.iinsert(b, hash, lev+w, sn)
		case *sNode[K, V]:
			if b.key == sn.key {
				return b.value, false, true
			}
			// Hash collision at this level: grow the trie by one more
			// level (or, if the hash space is exhausted, fall back to
			// a list node) to separate the two entries.
			nin := &iNode[K, V]{main: newMainNode(b, m.hashFunc(b.key), sn, hash, lev+w)}
			ncn := &mainNode[K, V]{cNode: cn.updated(pos, nin)}
			if gatomic.CompareAndSwapPointer(&i.main, main, ncn) {
				return zero[V](), true, true
			}
			return zero[V](), false, false
		default:
			panic("ckmap: map is in an invalid state")
		}
	case main.lNode != nil:
		if v, ok := main.lNode.lookup(sn.key); ok {
			return v, false, true
		}
		nln := &mainNode[K, V]{lNode: &lNode[K, V]{head: sn, tail: main.lNode}}
		if gatomic.CompareAndSwapPointer(&i.main, main, nln) {
			return zero[V](), true, true
		}
		return zero[V](), false, false
	default:
		panic("ckmap: map is in an invalid state")
	}
}

// iNode is an indirection node. I-nodes remain present in the trie even
// as the nodes above and below them change; thread-safety is achieved by
// performing CAS operations on the I-node's main pointer rather than
// locking the trie.
type iNode[K comparable, V any] struct {
	main *mainNode[K, V]
}

// mainNode is either a cNode (branch) or an lNode (hash-collision list).
type mainNode[K comparable, V any] struct {
	cNode *cNode[K, V]
	lNode *lNode[K, V]
}

// cNode is an internal node containing a bitmap and the slice of
// branches (each either another *iNode or a singleton *sNode) present at
// this level.
type cNode[K comparable, V any] struct {
	bmp   uint32
	slice []branch
}

// branch is either *iNode[K, V] or *sNode[K, V].
type branch interface{}

// sNode is a singleton leaf holding one key/value pair.
type sNode[K comparable, V any] struct {
	key   K
	value V
}

// newMainNode is a recursive constructor that builds the chain of cNodes
// (or, if the hash space is exhausted, an lNode) needed to separate two
// colliding singleton entries at level lev.
func newMainNode[K comparable, V any](x *sNode[K, V], xhash uint64, y *sNode[K, V], yhash uint64, lev uint) *mainNode[K, V] {
	if lev >= maxLev {
		return &mainNode[K, V]{lNode: &lNode[K, V]{head: y, tail: &lNode[K, V]{head: x}}}
	}
	xidx := (xhash >> lev) & 0x1f
	yidx := (yhash >> lev) & 0x1f
	bmp := uint32((1 << xidx) | (1 << yidx))
	switch {
	case xidx == yidx:
		main := newMainNode(x, xhash, y, yhash, lev+w)
		return &mainNode[K, V]{cNode: &cNode[K, V]{bmp: bmp, slice: []branch{&iNode[K, V]{main: main}}}}
	case xidx < yidx:
		return &mainNode[K, V]{cNode: &cNode[K, V]{bmp: bmp, slice: []branch{x, y}}}
	default:
		return &mainNode[K, V]{cNode: &cNode[K, V]{bmp: bmp, slice: []branch{y, x}}}
	}
}

// inserted returns a copy of c with a new branch at the given position.
func (c *cNode[K, V]) inserted(pos int, flag uint32, br branch) *cNode[K, V] {
	slice := make([]branch, len(c.slice)+1)
	copy(slice, c.slice[:pos])
	slice[pos] = br
	copy(slice[pos+1:], c.slice[pos:])
	return &cNode[K, V]{bmp: c.bmp | flag, slice: slice}
}

// updated returns a copy of c with the branch at pos replaced.
func (c *cNode[K, V]) updated(pos int, br branch) *cNode[K, V] {
	slice := make([]branch, len(c.slice))
	copy(slice, c.slice)
	slice[pos] = br
	return &cNode[K, V]{bmp: c.bmp, slice: slice}
}

// lNode is a persistent singly-linked list used to hold entries whose
// hashes collide even after the full hash space has been consumed.
type lNode[K comparable, V any] struct {
	head *sNode[K, V]
	tail *lNode[K, V]
}

func (l *lNode[K, V]) lookup(key K) (V, bool) {
	for ; l != nil; l = l.tail {
		if l.head.key == key {
			return l.head.value, true
		}
	}
	return zero[V](), false
}

func flagPos(hash uint64, lev uint, bmp uint32) (uint32, int) {
	idx := (hash >> lev) & 0x1f
	flag := uint32(1) << idx
	pos := bits.OnesCount32(bmp & (flag - 1))
	return flag, pos
}

func zero[V any]() V {
	var v V
	return v
}
