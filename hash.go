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
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Ready-made hash functions for use with WithHash. The default runtime
// hasher is usually the right choice; these exist for callers that need a
// hash which is stable across processes and Go versions, e.g. to reproduce a
// chain layout in a test or to share a layout decision with a non-Go system.

// StringHash hashes a string key with xxhash, folding the map's seed into
// the result so that distinct maps still disagree on bucket placement.
func StringHash(key *string, seed uintptr) uintptr {
	return uintptr(xxhash.Sum64String(*key)) ^ seed
}

// Uint64Hash hashes a uint64 key with xxhash.
func Uint64Hash(key *uint64, seed uintptr) uintptr {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], *key)
	return uintptr(xxhash.Sum64(b[:])) ^ seed
}

// Int64Hash hashes an int64 key with xxhash.
func Int64Hash(key *int64, seed uintptr) uintptr {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(*key))
	return uintptr(xxhash.Sum64(b[:])) ^ seed
}
