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
	"math/rand"
	"unsafe"
)

// hashFn is the signature of the hash function used internally by a Map. The
// key is passed by pointer so that the same signature works for keys of any
// size.
type hashFn func(key unsafe.Pointer, seed uintptr) uintptr

// getRuntimeHasher extracts the hash function from the Go runtime's
// implementation of map[K]struct{} by reaching into the internals of the
// type. This gives us a high quality hash function for any comparable key
// type without requiring the caller to supply one. (This might break in a
// future version of Go, but is likely fixable unless the Go runtime does
// something drastic).
func getRuntimeHasher[K comparable]() hashFn {
	a := any((map[K]struct{})(nil))
	i := (*mapiface)(unsafe.Pointer(&a))
	return i.typ.hasher
}

// mapiface mirrors the memory layout of an interface value holding a
// map[K]struct{}.
type mapiface struct {
	typ *maptype
	val unsafe.Pointer
}

// maptype mirrors the layout of runtime.maptype (internal/abi.MapType). Only
// the hasher field is accessed; the preceding fields exist to get its offset
// right.
type maptype struct {
	typ    _type
	key    *_type
	elem   *_type
	bucket *_type
	// hasher is the function the runtime uses to hash keys of this map
	// type. The first argument is a pointer to the key, the second is the
	// hash seed.
	hasher     func(unsafe.Pointer, uintptr) uintptr
	keySize    uint8
	elemSize   uint8
	bucketSize uint16
	flags      uint32
}

// _type mirrors the layout of runtime._type (internal/abi.Type).
type _type struct {
	size       uintptr
	ptrBytes   uintptr
	hash       uint32
	tflag      uint8
	align      uint8
	fieldAlign uint8
	kind       uint8
	equal      func(unsafe.Pointer, unsafe.Pointer) bool
	gcData     *byte
	str        int32
	ptrToThis  int32
}

func fastrand64() uint64 {
	return rand.Uint64()
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
