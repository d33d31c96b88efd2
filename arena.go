// Copyright (c) 2023 Paweł Gaczyński
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

package lfstack

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	lfErrors "github.com/pawelgaczynski/lfstack/pkg/errors"
)

// arena owns every node of one stack. Nodes live in fixed-size slabs so
// a 32-bit index addresses any of them, and recycle through a Treiber
// free list keyed by index rather than pointer. The upper half of the
// free list head carries a tag that is bumped on every push, so a CAS
// holding a stale head cannot be fooled by an index that was popped,
// freed and pushed back in the meantime.
//
// Growing the arena appends a slab behind a mutex. Allocation and
// recycling stay lock-free; only the slow path that materializes new
// nodes may block, and it never runs while the free list has stock.
type arena[T any] struct {
	freeHead uint64 // tag<<32 | index of the first free node
	_        [7]uint64

	slabs     unsafe.Pointer // *[]*slab[T], copy-on-write
	grow      sync.Mutex
	slabSize  uint32 // power of two
	shift     uint32
	mask      uint32
	capacity  uint32 // total node budget, zero means unbounded
	allocated uint32 // nodes materialized so far, atomic
	checks    bool
	logger    zerolog.Logger
}

type slab[T any] struct {
	nodes []node[T]
}

func newArena[T any](config Config, logger zerolog.Logger) *arena[T] {
	size := uint32(config.SlabSize)
	a := &arena[T]{
		freeHead: uint64(noIndex),
		slabSize: size,
		shift:    uint32(bits.TrailingZeros32(size)),
		mask:     size - 1,
		capacity: uint32(config.Capacity),
		checks:   config.StateChecks,
		logger:   logger,
	}
	slabs := make([]*slab[T], 0)
	atomic.StorePointer(&a.slabs, unsafe.Pointer(&slabs))

	return a
}

// allocate hands out a free node with the value already stored. It
// grows the arena when the free list runs dry and fails only once the
// capacity budget is spent.
func (a *arena[T]) allocate(value T) (*node[T], error) {
	for {
		if n := a.takeFree(); n != nil {
			if a.checks {
				n.transition(stateFree, stateAllocated)
			}
			n.value = value
			n.next = nil

			return n, nil
		}
		if err := a.growSlab(); err != nil {
			return nil, err
		}
	}
}

// free recycles an unlinked node. The payload slot is zeroed so the
// arena never pins application references while a node waits for its
// next allocation.
func (a *arena[T]) free(p unsafe.Pointer) {
	n := (*node[T])(p)
	if a.checks {
		n.transition(stateUnlinked, stateFree)
	}
	n.value = getZero[T]()
	n.next = nil
	a.pushFree(&n.nodeHeader)
}

// at resolves an arena index to the node it names.
func (a *arena[T]) at(idx uint32) unsafe.Pointer {
	slabs := a.loadSlabs()
	s := slabs[idx>>a.shift]

	return unsafe.Pointer(&s.nodes[idx&a.mask])
}

func (a *arena[T]) loadSlabs() []*slab[T] {
	return *(*[]*slab[T])(atomic.LoadPointer(&a.slabs))
}

func (a *arena[T]) headIndex() uint32 {
	return uint32(atomic.LoadUint64(&a.freeHead))
}

func (a *arena[T]) takeFree() *node[T] {
	for {
		old := atomic.LoadUint64(&a.freeHead)
		idx := uint32(old)
		if idx == noIndex {
			return nil
		}
		n := (*node[T])(a.at(idx))
		next := atomic.LoadUint32(&n.link)
		if atomic.CompareAndSwapUint64(&a.freeHead, old, old>>32<<32|uint64(next)) {
			return n
		}
	}
}

func (a *arena[T]) pushFree(h *nodeHeader) {
	for {
		old := atomic.LoadUint64(&a.freeHead)
		atomic.StoreUint32(&h.link, uint32(old))
		tag := old>>32 + 1
		if atomic.CompareAndSwapUint64(&a.freeHead, old, tag<<32|uint64(h.idx)) {
			return
		}
	}
}

// growSlab appends one slab and seeds the free list with its nodes.
// Returns ErrArenaExhausted once the capacity budget leaves no room; a
// capped arena clamps its last slab so it never materializes more nodes
// than the budget allows.
func (a *arena[T]) growSlab() error {
	a.grow.Lock()
	defer a.grow.Unlock()

	if a.headIndex() != noIndex {
		// Another allocator already grew the arena or recycled nodes.
		return nil
	}
	count := a.slabSize
	if a.capacity > 0 {
		allocated := atomic.LoadUint32(&a.allocated)
		if allocated >= a.capacity {
			return lfErrors.ErrArenaExhausted
		}
		if remaining := a.capacity - allocated; remaining < count {
			count = remaining
		}
	}
	old := a.loadSlabs()
	base := uint32(len(old)) << a.shift
	newSlab := &slab[T]{nodes: make([]node[T], count)}
	for i := range newSlab.nodes {
		newSlab.nodes[i].idx = base + uint32(i)
		newSlab.nodes[i].link = noIndex
	}
	slabs := make([]*slab[T], len(old)+1)
	copy(slabs, old)
	slabs[len(old)] = newSlab
	atomic.StorePointer(&a.slabs, unsafe.Pointer(&slabs))
	atomic.AddUint32(&a.allocated, count)
	for i := range newSlab.nodes {
		a.pushFree(&newSlab.nodes[i].nodeHeader)
	}
	a.logger.Debug().
		Uint32("nodes", count).
		Uint32("allocated", atomic.LoadUint32(&a.allocated)).
		Msg("arena slab added")

	return nil
}

// destroy drops every slab. The caller guarantees exclusive access; any
// node pointer obtained earlier is invalid afterwards.
func (a *arena[T]) destroy() {
	a.grow.Lock()
	defer a.grow.Unlock()

	empty := make([]*slab[T], 0)
	atomic.StorePointer(&a.slabs, unsafe.Pointer(&empty))
	atomic.StoreUint64(&a.freeHead, uint64(noIndex))
	atomic.StoreUint32(&a.allocated, 0)
}
