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
	"sync/atomic"
	"unsafe"
)

// guard brackets one stack operation between its first read of the top
// pointer and the moment it can no longer dereference a shared node.
//
// The protocol is fixed: protect a candidate before touching its next
// pointer, re-validate the top afterwards, clear between retries, and
// close when the operation is done. A node handed to retire is already
// unlinked; the scheme returns it to the arena once its grace period
// provably elapsed.
type guard interface {
	protect(p unsafe.Pointer)
	clear()
	retire(p unsafe.Pointer)
	close()
}

// scheme is the reclamation strategy of one stack. Implementations are
// safe for concurrent use by any number of goroutines.
type scheme interface {
	enter() guard
	// collect makes a synchronous best-effort attempt to return
	// deferred nodes to the arena. Called on allocation pressure.
	collect()
	// drain unconditionally frees every deferred node. Teardown only:
	// the caller guarantees no guard is live.
	drain()
}

// nodeArena is the narrow arena view the strategies operate through.
type nodeArena interface {
	at(idx uint32) unsafe.Pointer
	free(p unsafe.Pointer)
}

// limboList collects retired nodes, threaded through their header link
// word. Pushes race freely; detach hands the whole chain to a single
// owner.
type limboList struct {
	head uint32
}

func (l *limboList) push(h *nodeHeader) {
	for {
		old := atomic.LoadUint32(&l.head)
		atomic.StoreUint32(&h.link, old)
		if atomic.CompareAndSwapUint32(&l.head, old, h.idx) {
			return
		}
	}
}

func (l *limboList) detach() uint32 {
	return atomic.SwapUint32(&l.head, noIndex)
}

// walkLimbo visits every node of a detached chain. The successor is
// read before the visit because visiting usually frees the node, which
// reuses the link word for the arena free list.
func walkLimbo(arena nodeArena, idx uint32, visit func(p unsafe.Pointer)) {
	for idx != noIndex {
		p := arena.at(idx)
		next := atomic.LoadUint32(&asHeader(p).link)
		visit(p)
		idx = next
	}
}
