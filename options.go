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

package chainmap

import (
	"fmt"
	"unsafe"
)

// option provides an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = *(*hashFn)(noescape(unsafe.Pointer(&op.hash)))
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be pure and deterministic for equal keys.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type maxLoadFactorOption[K comparable, V any] struct {
	percent int
}

func (op maxLoadFactorOption[K, V]) apply(m *Map[K, V]) {
	if op.percent <= 0 || op.percent > 100 {
		panic(fmt.Sprintf("chainmap: max load factor %d%% out of range (0, 100]", op.percent))
	}
	m.maxLoadFactor = op.percent
}

// WithMaxLoadFactor is an option to specify the size/bucketCount percentage
// at which an insert grows the table. The default is 75.
func WithMaxLoadFactor[K comparable, V any](percent int) option[K, V] {
	return maxLoadFactorOption[K, V]{percent}
}

// Allocator specifies an interface for allocating and releasing the memory
// used by a Map. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that buckets and
// nodes be freed then Map.Close must be called in order to ensure
// FreeBuckets and FreeNodes are called.
type Allocator[K comparable, V any] interface {
	// AllocBuckets should return a slice equivalent to make([]uintptr, n).
	AllocBuckets(n int) []uintptr

	// AllocNodes should return a slice equivalent to make([]Node[K,V], n).
	// The returned slice must be zeroed: the Map relies on fresh nodes
	// reading as unfilled.
	AllocNodes(n int) []Node[K, V]

	// FreeBuckets can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocBuckets.
	FreeBuckets(v []uintptr)

	// FreeNodes can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocNodes.
	FreeNodes(v []Node[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocBuckets(n int) []uintptr {
	return make([]uintptr, n)
}

func (defaultAllocator[K, V]) AllocNodes(n int) []Node[K, V] {
	return make([]Node[K, V], n)
}

func (defaultAllocator[K, V]) FreeBuckets(v []uintptr) {
}

func (defaultAllocator[K, V]) FreeNodes(v []Node[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specifying the Allocator to use for a
// Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
