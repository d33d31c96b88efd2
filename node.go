package lfstack

import (
	"sync/atomic"
	"unsafe"

	lfErrors "github.com/pawelgaczynski/lfstack/pkg/errors"
)

// Node lifecycle. The only permitted walk is
// free -> allocated -> linked -> unlinked -> free; the unlinked -> free
// edge is gated on the reclamation scheme's grace period.
const (
	stateFree uint32 = iota
	stateAllocated
	stateLinked
	stateUnlinked
)

// noIndex is the nil sentinel for intrusive index links. Slot zero is a
// valid arena index, so the maximum value is reserved instead.
const noIndex = ^uint32(0)

// nodeHeader is the part of a node the reclamation strategies see. It
// must stay the first field of node so that a pointer to a node and a
// pointer to its header are interchangeable.
type nodeHeader struct {
	// next links the stack chain. Written only by the exclusive owner:
	// the pusher before publication, the arena during recycling.
	next unsafe.Pointer
	// link threads the node through the arena free list or a limbo
	// list. Always accessed atomically.
	link uint32
	// idx is the arena slot, immutable after slab creation.
	idx uint32
	// state is the lifecycle word, maintained only with state checks on.
	state uint32
}

type node[T any] struct {
	nodeHeader
	value T
}

func asHeader(p unsafe.Pointer) *nodeHeader {
	return (*nodeHeader)(p)
}

func getZero[T any]() T {
	var result T

	return result
}

// transition flips the lifecycle word and panics when the node is not in
// the expected state. A failed transition is the double-free or
// use-after-free bug class, not a recoverable condition.
func (h *nodeHeader) transition(from, to uint32) {
	if !atomic.CompareAndSwapUint32(&h.state, from, to) {
		panic(lfErrors.ErrorInvalidNodeState(atomic.LoadUint32(&h.state), from))
	}
}
