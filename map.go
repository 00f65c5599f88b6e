// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chainmap is a Go implementation of a hash table that uses open
// chaining to handle collisions, with all entries stored in a single flat
// node pool rather than in individually allocated chain links.
//
// # Layout
//
// A chainmap.Map consists of two arrays. The bucket array maps
// hash(key) mod bucketCount to the head of a collision chain, or to
// invalidIndex if the bucket is empty. The node pool is a flat array of
// slots, each holding a key, a value, a filled flag, and a next link. The
// next link does double duty: for a filled node it is the index of the next
// node in the same chain (or invalidIndex if the node is last), and for an
// unfilled node it is the index of the next free slot. The unfilled nodes
// thus form a free list, threaded through the same field and headed by
// Map.freeHead, which makes slot acquisition and release O(1) and never
// moves other entries.
//
// The bucket count is always zero or a power of two. Rather than using the
// low bits of the hash directly, the bucket for hash h is computed as
// h % ((bucketCount-1) | 1). Reducing by an odd modulus mixes high hash bits
// into the bucket selection, which keeps chains short even when the hash
// function is weak in its low bits.
//
// # Growth
//
// Insertion grows the table when the load factor (size/bucketCount) reaches
// the configured maximum (75% by default). Growth and explicit Rehash calls
// rebuild both arrays: occupied nodes keep their pool indices when the pool
// grows and are compacted to the front when it shrinks, the free list is
// rebuilt, and every chain is relinked exactly as if the entries had been
// inserted fresh.
//
// # Iteration
//
// Iteration scans the node pool in index order, skipping unfilled slots.
// Because Delete only rewrites the removed node and never shifts other
// slots, removing the just-yielded key during iteration is safe. A rehash
// invalidates iterators and any value references returned by At or Peek.
//
// A Map is NOT goroutine-safe.
package chainmap

import (
	"fmt"
	"math/bits"
	"strings"
	"unsafe"
)

const (
	// defaultMaxLoadFactor is the percentage of buckets that may be
	// occupied (size*100/bucketCount) before an insert triggers growth.
	defaultMaxLoadFactor = 75
	// growthRate is the percentage applied to the current size when
	// computing the bucket count to grow to, i.e. 200 doubles the bucket
	// count relative to what the current size requires.
	growthRate = 200
	// initialBucketCount is the bucket count allocated by the first insert
	// into a map that was created with zero capacity.
	initialBucketCount = 8
)

// invalidIndex is the sentinel meaning "no node" in the bucket array, in
// chain links, and in the free list. The node pool can never grow large
// enough for it to be a valid index.
const invalidIndex = ^uintptr(0)

// Node is one slot of a Map's node pool. It either holds an entry (filled is
// true and next links to the next node in the same collision chain) or it is
// free (filled is false and next links to the next free slot).
type Node[K comparable, V any] struct {
	key    K
	value  V
	filled bool
	next   uintptr
}

// Map is an unordered map from keys to values with Put, At, Get, Peek,
// Delete, Rehash, Reserve, and iteration operations. Collisions are handled
// by chaining nodes within a flat node pool. By default, a Map[K,V] uses the
// same hash function as Go's builtin map[K]V, though a different hash
// function can be specified using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K. The default is
	// extracted from the Go runtime's implementation of map[K]struct{}.
	hash hashFn
	seed uintptr
	// The allocator to use for the bucket and node arrays.
	allocator Allocator[K, V]
	// buckets[hash(key) % ((len(buckets)-1) | 1)] is the index of the head
	// node of the chain for key, or invalidIndex. len(buckets) is always
	// zero or a power of two.
	buckets []uintptr
	// nodes is the node pool. Filled nodes belong to exactly one bucket
	// chain; unfilled nodes belong to the free list.
	nodes []Node[K, V]
	// The index of the first free node, or invalidIndex if the pool is
	// full (or empty).
	freeHead uintptr
	// The number of filled nodes.
	size int
	// The load factor percentage that triggers growth. Set from
	// defaultMaxLoadFactor unless overridden with WithMaxLoadFactor.
	maxLoadFactor int
}

// New constructs a new Map with the specified initial capacity. If
// initialCapacity is 0 the map will start out with zero capacity and will
// grow on the first insert. The zero value for a Map is not usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes a Map in place, abandoning any contents it previously
// held. A map that should return memory to a manually managed allocator must
// be Closed before being reinitialized.
func (m *Map[K, V]) Init(initialCapacity int, options ...option[K, V]) {
	*m = Map[K, V]{
		hash:          getRuntimeHasher[K](),
		seed:          uintptr(fastrand64()),
		allocator:     defaultAllocator[K, V]{},
		freeHead:      invalidIndex,
		maxLoadFactor: defaultMaxLoadFactor,
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity > 0 {
		m.Reserve(initialCapacity)
	}
	m.checkInvariants()
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.allocator != nil {
		if m.buckets != nil {
			m.allocator.FreeBuckets(m.buckets)
		}
		if m.nodes != nil {
			m.allocator.FreeNodes(m.nodes)
		}
	}
	*m = Map[K, V]{freeHead: invalidIndex}
}

// find locates key in the table. It returns the index of key's node (or
// invalidIndex if key is not present), the index of the node preceding it in
// the same chain (or invalidIndex if key's node is the chain head or key is
// not present), and the bucket index the key maps to. The previous index
// lets Delete unlink in O(1) without a second chain walk. If the map has no
// buckets, find returns not-found without any side effect.
func (m *Map[K, V]) find(key K) (node, prev, bucket uintptr) {
	if len(m.buckets) == 0 {
		return invalidIndex, invalidIndex, invalidIndex
	}
	h := m.hash(noescape(unsafe.Pointer(&key)), m.seed)
	bucket = m.bucketIndex(h)
	prev = invalidIndex
	for i := m.buckets[bucket]; i != invalidIndex; {
		n := &m.nodes[i]
		if n.key == key {
			return i, prev, bucket
		}
		prev = i
		i = n.next
	}
	return invalidIndex, invalidIndex, bucket
}

// bucketIndex maps a hash value to a bucket. The modulus is (bucketCount-1)|1
// rather than bucketCount: reducing by an odd number mixes the high bits of
// the hash into the result instead of selecting only its low bits. Requires
// len(m.buckets) > 0.
func (m *Map[K, V]) bucketIndex(h uintptr) uintptr {
	return h % (uintptr(len(m.buckets)-1) | 1)
}

// At returns a pointer to the value for key, inserting a zero-valued entry
// if key is not present. The pointer remains valid until the next call that
// may rehash the map (At, Put, Rehash, Reserve, Init, Close).
func (m *Map[K, V]) At(key K) *V {
	if len(m.buckets) == 0 {
		m.rehash(initialBucketCount)
	}
	i, _, b := m.find(key)
	if i != invalidIndex {
		return &m.nodes[i].value
	}

	// Pop a slot off the free list. Rehash always leaves at least one free
	// slot relative to size, so an empty free list here means the
	// bookkeeping is broken, not that the caller did anything wrong.
	i = m.freeHead
	if i == invalidIndex {
		panic("chainmap: free list empty on insert; table invariants are broken")
	}
	n := &m.nodes[i]
	m.freeHead = n.next

	// Prepend to the bucket's chain. New nodes always become the chain
	// head, which is O(1) and needs no tail tracking.
	n.key = key
	n.filled = true
	n.next = m.buckets[b]
	m.buckets[b] = i
	m.size++

	if m.size*100 >= len(m.buckets)*m.maxLoadFactor {
		m.rehash(ceilDiv(m.size*growthRate, m.maxLoadFactor))
		// Growth never compacts the pool, so index i still names the node
		// that was just filled even though the pool itself was reallocated.
	}
	m.checkInvariants()
	return &m.nodes[i].value
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	*m.At(key) = value
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	i, _, _ := m.find(key)
	if i == invalidIndex {
		return value, false
	}
	return m.nodes[i].value, true
}

// Peek returns a pointer to the value for key, or nil if key is not present.
// Peek never mutates the map, never allocates, and never triggers a rehash.
// The pointer remains valid until the next call that may rehash the map.
func (m *Map[K, V]) Peek(key K) *V {
	i, _, _ := m.find(key)
	if i == invalidIndex {
		return nil
	}
	return &m.nodes[i].value
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning the removed value. Deleting a non-existent key is a noop that
// returns a zero value and ok=false. Delete never reallocates and never
// moves other nodes, which is what makes removal during iteration safe.
func (m *Map[K, V]) Delete(key K) (removed V, ok bool) {
	i, prev, b := m.find(key)
	if i == invalidIndex {
		return removed, false
	}
	n := &m.nodes[i]
	if prev != invalidIndex {
		m.nodes[prev].next = n.next
	} else {
		m.buckets[b] = n.next
	}
	m.size--
	removed = n.value

	// Zero the node and push it onto the free list. The slot itself stays
	// put: iterators holding positions beyond it remain valid.
	*n = Node[K, V]{}
	n.next = m.freeHead
	m.freeHead = i

	m.checkInvariants()
	return removed, true
}

// Rehash resizes the table to hold at least bucketCount buckets, never going
// below what the current size requires at the maximum load factor, and
// rounding up to a power of two. Rehash(0) shrinks the table to fit; on an
// empty map it releases both arrays entirely. All node indices, iterators,
// and value pointers are invalidated.
func (m *Map[K, V]) Rehash(bucketCount int) {
	m.rehash(bucketCount)
	m.checkInvariants()
}

// Reserve grows the table so that it can hold at least n entries without
// exceeding the maximum load factor. Reserve never shrinks the table and is
// a noop if the current capacity already suffices.
func (m *Map[K, V]) Reserve(n int) {
	needed := ceilDiv(n*100, m.maxLoadFactor)
	if needed > len(m.buckets) {
		m.rehash(needed)
		m.checkInvariants()
	}
}

func (m *Map[K, V]) rehash(bucketCount int) {
	// The requested bucket count is a lower bound; the current size imposes
	// its own minimum via the load factor, and the result is rounded up to
	// a power of two.
	if minBuckets := ceilDiv(m.size*100, m.maxLoadFactor); bucketCount < minBuckets {
		bucketCount = minBuckets
	}
	bucketCount = ceilPow2(bucketCount)

	// The pool holds as many nodes as the bucket array can host at the
	// maximum load factor, plus one spare so that the insert that trips the
	// growth threshold always finds a free slot.
	nodeCount := ceilDiv(bucketCount*m.maxLoadFactor, 100)
	if bucketCount > 0 && nodeCount <= m.size {
		nodeCount++
	}

	newNodes := m.allocator.AllocNodes(nodeCount)
	if nodeCount < len(m.nodes) {
		// Shrinking the pool: compact the occupied nodes into the front of
		// the new array. Relative order is not preserved.
		moved := 0
		for i := range m.nodes {
			if m.nodes[i].filled {
				newNodes[moved] = m.nodes[i]
				moved++
			}
		}
		if moved != m.size {
			panic(fmt.Sprintf("chainmap: compaction moved %d nodes, expected %d", moved, m.size))
		}
	} else {
		// Growing (or same size): nodes keep their indices. AllocNodes
		// returns zeroed memory so the tail is already unfilled.
		copy(newNodes, m.nodes)
	}

	newBuckets := m.allocator.AllocBuckets(bucketCount)
	for i := range newBuckets {
		newBuckets[i] = invalidIndex
	}

	if m.buckets != nil {
		m.allocator.FreeBuckets(m.buckets)
	}
	if m.nodes != nil {
		m.allocator.FreeNodes(m.nodes)
	}
	m.buckets, m.nodes = newBuckets, newNodes

	// Rebuild the free list so that the free slots are reused in reverse
	// index order: pushing in ascending order leaves the highest free index
	// at the head. The policy is arbitrary but deterministic.
	m.freeHead = invalidIndex
	for i := range m.nodes {
		if !m.nodes[i].filled {
			m.nodes[i].next = m.freeHead
			m.freeHead = uintptr(i)
		}
	}

	// Relink every occupied node into its chain with the same prepend
	// discipline At uses, so the post-rehash structure is identical to what
	// inserting the same nodes fresh would produce.
	for i := range m.nodes {
		if m.nodes[i].filled {
			b := m.bucketIndex(m.hash(noescape(unsafe.Pointer(&m.nodes[i].key)), m.seed))
			m.nodes[i].next = m.buckets[b]
			m.buckets[b] = uintptr(i)
		}
	}
}

// Clear deletes all entries from the map resulting in an empty map, keeping
// the existing capacity.
func (m *Map[K, V]) Clear() {
	for i := range m.buckets {
		m.buckets[i] = invalidIndex
	}
	m.freeHead = invalidIndex
	for i := range m.nodes {
		m.nodes[i] = Node[K, V]{next: m.freeHead}
		m.freeHead = uintptr(i)
	}
	m.size = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.size
}

// capacity returns the number of slots in the node pool.
func (m *Map[K, V]) capacity() int {
	return len(m.nodes)
}

// bucketCount returns the number of buckets.
func (m *Map[K, V]) bucketCount() int {
	return len(m.buckets)
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, All stops the iteration. Deleting the yielded key
// from within yield is safe; entries inserted during iteration may or may
// not be visited. yield must not trigger a rehash (At on a missing key, Put
// of a new key, Rehash, Reserve).
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for i := range m.nodes {
		if m.nodes[i].filled {
			if !yield(m.nodes[i].key, m.nodes[i].value) {
				return
			}
		}
	}
}

// AllRef is the mutable variant of All: the value is yielded by pointer and
// may be modified in place. The same restrictions as All apply.
func (m *Map[K, V]) AllRef(yield func(key K, value *V) bool) {
	for i := range m.nodes {
		if m.nodes[i].filled {
			if !yield(m.nodes[i].key, &m.nodes[i].value) {
				return
			}
		}
	}
}

// First returns the first entry in iteration order, or ok=false if the map
// is empty. Together with Next it allows iteration without an Iterator:
//
//	for k, v, ok := m.First(); ok; k, v, ok = m.Next(k) {
//		...
//	}
func (m *Map[K, V]) First() (key K, value V, ok bool) {
	for i := range m.nodes {
		if m.nodes[i].filled {
			return m.nodes[i].key, m.nodes[i].value, true
		}
	}
	return key, value, false
}

// Next returns the entry following key in iteration order, or ok=false if
// key's entry is the last one. The position is re-derived from key itself,
// so iteration can resume from any key, not only from a live Iterator.
//
// If key has been deleted since it was yielded, iteration resumes from the
// deleted node's original slot, which is the most recently freed one. Next
// with a key that was never in the map, or whose slot has since been
// recycled or rehashed away, starts from an arbitrary position.
func (m *Map[K, V]) Next(key K) (nextKey K, value V, ok bool) {
	i, _, _ := m.find(key)
	if i == invalidIndex {
		i = m.freeHead
		if i == invalidIndex {
			return nextKey, value, false
		}
	}
	for j := int(i) + 1; j < len(m.nodes); j++ {
		if m.nodes[j].filled {
			return m.nodes[j].key, m.nodes[j].value, true
		}
	}
	return nextKey, value, false
}

// Iterator is a cursor over a Map's entries. An Iterator is invalidated by a
// rehash of its map, but remains valid across Delete: removal rewrites only
// the removed node and never shifts other slots.
type Iterator[K comparable, V any] struct {
	m *Map[K, V]
	// cursor is the pool index the next call will start scanning from, so a
	// fresh Iterator sits before index 0.
	cursor uintptr
}

// Iter returns an Iterator positioned before the first entry.
func (m *Map[K, V]) Iter() Iterator[K, V] {
	return Iterator[K, V]{m: m}
}

// Next advances the iterator and returns the next entry by copy, or ok=false
// when the iteration is exhausted.
func (it *Iterator[K, V]) Next() (key K, value V, ok bool) {
	for int(it.cursor) < len(it.m.nodes) {
		n := &it.m.nodes[it.cursor]
		it.cursor++
		if n.filled {
			return n.key, n.value, true
		}
	}
	return key, value, false
}

// NextRef advances the iterator and returns the next key by copy and value
// by pointer, or ok=false when the iteration is exhausted. The pointer
// remains valid until the next rehash.
func (it *Iterator[K, V]) NextRef() (key K, value *V, ok bool) {
	for int(it.cursor) < len(it.m.nodes) {
		n := &it.m.nodes[it.cursor]
		it.cursor++
		if n.filled {
			return n.key, &n.value, true
		}
	}
	return key, nil, false
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if n := len(m.buckets); n&(n-1) != 0 {
			panic(fmt.Sprintf("invariant failed: bucket count %d is not 0 or a power of 2\n%s",
				n, m.debugString()))
		}
		if m.size > len(m.nodes) {
			panic(fmt.Sprintf("invariant failed: size %d exceeds node capacity %d\n%s",
				m.size, len(m.nodes), m.debugString()))
		}
		if len(m.buckets) > 0 && m.size*100 > len(m.buckets)*m.maxLoadFactor {
			panic(fmt.Sprintf("invariant failed: size %d exceeds load factor %d%% of %d buckets\n%s",
				m.size, m.maxLoadFactor, len(m.buckets), m.debugString()))
		}

		// Every filled node must be reachable from exactly one bucket
		// chain, every unfilled node from the free list, and no node from
		// both.
		seen := make([]bool, len(m.nodes))
		var chained int
		for b := range m.buckets {
			for i := m.buckets[b]; i != invalidIndex; i = m.nodes[i].next {
				if seen[i] {
					panic(fmt.Sprintf("invariant failed: node %d linked twice\n%s", i, m.debugString()))
				}
				seen[i] = true
				if !m.nodes[i].filled {
					panic(fmt.Sprintf("invariant failed: unfilled node %d in chain of bucket %d\n%s",
						i, b, m.debugString()))
				}
				chained++
			}
		}
		if chained != m.size {
			panic(fmt.Sprintf("invariant failed: found %d chained nodes, but size is %d\n%s",
				chained, m.size, m.debugString()))
		}
		var free int
		for i := m.freeHead; i != invalidIndex; i = m.nodes[i].next {
			if seen[i] {
				panic(fmt.Sprintf("invariant failed: node %d linked twice\n%s", i, m.debugString()))
			}
			seen[i] = true
			if m.nodes[i].filled {
				panic(fmt.Sprintf("invariant failed: filled node %d on the free list\n%s",
					i, m.debugString()))
			}
			free++
		}
		if free != len(m.nodes)-m.size {
			panic(fmt.Sprintf("invariant failed: found %d free nodes, expected %d\n%s",
				free, len(m.nodes)-m.size, m.debugString()))
		}

		// Every filled node must be retrievable through Get.
		for i := range m.nodes {
			if m.nodes[i].filled {
				if _, ok := m.Get(m.nodes[i].key); !ok {
					panic(fmt.Sprintf("invariant failed: node(%d): %v not found\n%s",
						i, m.nodes[i].key, m.debugString()))
				}
			}
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  nodes=%d  size=%d  free-head=%d\n",
		len(m.buckets), len(m.nodes), m.size, int(m.freeHead))
	for b := range m.buckets {
		if m.buckets[b] == invalidIndex {
			continue
		}
		fmt.Fprintf(&buf, "  bucket %4d:", b)
		for i := m.buckets[b]; i != invalidIndex; i = m.nodes[i].next {
			fmt.Fprintf(&buf, " %d", i)
		}
		fmt.Fprintf(&buf, "\n")
	}
	for i := range m.nodes {
		if m.nodes[i].filled {
			fmt.Fprintf(&buf, "  %4d: %v=%v\n", i, m.nodes[i].key, m.nodes[i].value)
		} else if uintptr(i) == m.freeHead {
			fmt.Fprintf(&buf, "  %4d: free (head)\n", i)
		}
	}
	return buf.String()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// ceilPow2 rounds n up to the nearest power of two. ceilPow2(0) == 0.
func ceilPow2(n int) int {
	if n <= 1 {
		return n
	}
	return 1 << bits.Len(uint(n-1))
}
