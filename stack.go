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
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	lfErrors "github.com/pawelgaczynski/lfstack/pkg/errors"
)

const (
	stackActive uint32 = iota
	stackDraining
	stackDestroyed
)

// Stack is a lock-free multi-producer multi-consumer LIFO container.
//
// All mutation funnels through a CAS on the top pointer. Contention is
// resolved by retrying, never by blocking, so some operation always
// makes progress even when individual goroutines starve. Nodes come
// from a slab arena and recycle through it once the configured
// reclamation scheme proves no concurrent pop can still dereference
// them; the arena, not the garbage collector, bounds the memory of a
// long-lived stack.
type Stack[T any] struct {
	top unsafe.Pointer
	_   [7]uint64

	length uint64
	_      [7]uint64

	inflight int64
	_        [7]uint64

	state   atomic.Uint32
	arena   *arena[T]
	scheme  scheme
	workers *pond.WorkerPool
	logger  zerolog.Logger
	config  Config
	maxSpin int
	checks  bool
}

// Push links value on top of the stack. It fails only when the arena
// capacity is exhausted or the stack is closed; a failed push has no
// observable effect.
func (s *Stack[T]) Push(value T) error {
	atomic.AddInt64(&s.inflight, 1)
	defer atomic.AddInt64(&s.inflight, -1)

	if s.state.Load() != stackActive {
		return lfErrors.ErrStackClosed
	}
	n, err := s.arena.allocate(value)
	if err != nil {
		// One forced reclamation pass before giving up: retired nodes
		// whose grace period elapsed refill the free list.
		s.scheme.collect()
		if n, err = s.arena.allocate(value); err != nil {
			return err
		}
	}
	if s.checks {
		n.transition(stateAllocated, stateLinked)
	}
	item := unsafe.Pointer(n)
	spins := 0
	for {
		top := atomic.LoadPointer(&s.top)
		n.next = top
		if atomic.CompareAndSwapPointer(&s.top, top, item) {
			atomic.AddUint64(&s.length, 1)

			return nil
		}
		spins = s.spin(spins)
	}
}

// Pop unlinks the youngest element and returns its value. The second
// result is false when the stack is empty, which is an ordinary
// outcome, not an error. Pop never blocks and never returns a value
// that another pop also returned.
func (s *Stack[T]) Pop() (T, bool) {
	if atomic.LoadPointer(&s.top) == nil {
		return getZero[T](), false
	}
	atomic.AddInt64(&s.inflight, 1)
	defer atomic.AddInt64(&s.inflight, -1)

	if s.state.Load() != stackActive {
		return getZero[T](), false
	}
	g := s.scheme.enter()
	spins := 0
	for {
		top := atomic.LoadPointer(&s.top)
		if top == nil {
			g.close()

			return getZero[T](), false
		}
		// Publish the intent to dereference top before reading its next
		// pointer, then make sure the top did not move: a protection
		// published after a concurrent free protects nothing.
		g.protect(top)
		if atomic.LoadPointer(&s.top) != top {
			g.clear()
			spins = s.spin(spins)

			continue
		}
		item := (*node[T])(top)
		next := atomic.LoadPointer(&item.next)
		if atomic.CompareAndSwapPointer(&s.top, top, next) {
			atomic.AddUint64(&s.length, ^uint64(0))
			value := item.value
			item.value = getZero[T]()
			if s.checks {
				item.transition(stateLinked, stateUnlinked)
			}
			// The node is unlinked and owned by this goroutine alone,
			// so the protection can drop before retirement.
			g.clear()
			g.retire(top)
			g.close()

			return value, true
		}
		g.clear()
		spins = s.spin(spins)
	}
}

// IsEmpty reports whether the stack was empty at some instant of the
// call. Concurrent pushes and pops may change the picture before the
// caller acts on the answer.
func (s *Stack[T]) IsEmpty() bool {
	return atomic.LoadPointer(&s.top) == nil
}

// Len returns a best-effort element count. The counter trails the CAS
// that linked or unlinked a node, so it is advisory under concurrency.
func (s *Stack[T]) Len() int {
	return int(atomic.LoadUint64(&s.length))
}

// Close drains the stack and tears it down: remaining elements are
// discarded, retired nodes are freed regardless of grace periods and
// the arena storage is dropped. Close waits for in-flight operations
// to finish. Push after Close fails with ErrStackClosed, Pop reports an
// empty stack, and a second Close fails with ErrStackClosed.
func (s *Stack[T]) Close() error {
	if !s.state.CompareAndSwap(stackActive, stackDraining) {
		return lfErrors.ErrStackClosed
	}
	// New operations bounce off the state gate from now on; wait out
	// the ones already past it.
	for atomic.LoadInt64(&s.inflight) != 0 {
		runtime.Gosched()
	}
	if s.workers != nil {
		s.workers.StopAndWait()
	}
	drained := s.drainChain()
	s.scheme.drain()
	s.arena.destroy()
	atomic.StoreUint64(&s.length, 0)
	s.state.Store(stackDestroyed)
	s.logDebug().Int("drained", drained).Msg("stack closed")

	return nil
}

// drainChain unlinks and frees every node still reachable from the
// top. Runs with exclusive access during teardown.
func (s *Stack[T]) drainChain() int {
	count := 0
	top := atomic.LoadPointer(&s.top)
	atomic.StorePointer(&s.top, nil)
	for top != nil {
		item := (*node[T])(top)
		top = item.next
		if s.checks {
			item.transition(stateLinked, stateUnlinked)
		}
		s.arena.free(unsafe.Pointer(item))
		count++
	}

	return count
}

// spin counts a failed CAS attempt and yields the processor once the
// configured budget is spent.
func (s *Stack[T]) spin(spins int) int {
	spins++
	if spins >= s.maxSpin {
		runtime.Gosched()

		return 0
	}

	return spins
}

func (s *Stack[T]) logDebug() *zerolog.Event {
	return s.logger.Debug().Str("strategy", s.config.Reclamation.String())
}
