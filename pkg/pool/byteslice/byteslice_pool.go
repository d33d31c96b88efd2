// Copyright (c) 2023 Paweł Gaczyński
// Copyright (c) 2021 Andy Pan
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

package byteslice

import (
	"math/bits"

	pool "github.com/pawelgaczynski/lfstack/pkg/pool/sync"
)

// Slices above this size are served by the allocator directly.
const maxPooledSize = 64 * 1024 * 1024

const sizeClasses = 32

// Pool recycles byte slices in power-of-two size classes. A slice
// obtained from Get keeps its backing array across a Put/Get cycle as
// long as the runtime does not trim the underlying pools.
type Pool struct {
	pools [sizeClasses]pool.Pool[*[]byte]
}

func NewByteSlicePool() *Pool {
	bsPool := &Pool{}
	for i := range bsPool.pools {
		bsPool.pools[i] = pool.NewPool[*[]byte]()
	}

	return bsPool
}

// Get returns a slice of the given length backed by an array of the
// class capacity. It returns nil for non-positive sizes.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > maxPooledSize {
		return make([]byte, size)
	}
	idx := index(uint32(size))
	if bs := p.pools[idx].Get(); bs != nil {
		return (*bs)[:size]
	}

	return make([]byte, size, 1<<idx)
}

// Put hands a slice back for reuse. Slices whose capacity is not an
// exact class size are filed under the class they can still serve.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 || cap(buf) > maxPooledSize {
		return
	}
	idx := index(uint32(cap(buf)))
	if cap(buf) != 1<<idx {
		idx--
	}
	p.pools[idx].Put(&buf)
}

func index(n uint32) uint32 {
	return uint32(bits.Len32(n - 1))
}

var builtinPool = NewByteSlicePool()

// Get returns a slice from the builtin pool.
func Get(size int) []byte {
	return builtinPool.Get(size)
}

// Put returns a slice to the builtin pool.
func Put(buf []byte) {
	builtinPool.Put(buf)
}
