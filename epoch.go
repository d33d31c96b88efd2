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
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	pool "github.com/pawelgaczynski/lfstack/pkg/pool/sync"
)

const epochBuckets = 3

// epochs implements epoch based reclamation. An operating goroutine
// pins the global epoch for the duration of one stack operation; a
// retired node parks in the limbo bucket of its retirement epoch. The
// epoch advances from e to e+1 only when every pinned record has
// observed e, so once it reaches e+2 no goroutine that could have held
// a node retired at e is still inside an operation. Three buckets
// rotate: retiring fills bucket e, the advance to e+1 sweeps the bucket
// that just left its grace period.
//
// Individual pops never publish per-node state, which makes the scheme
// cheaper than hazard pointers under load, at the price of delaying all
// reclamation while any goroutine sits pinned in an old epoch.
type epochs struct {
	epoch uint64 // global epoch, starts at 1, atomic
	_     [7]uint64

	records unsafe.Pointer // *epRecord, head of the grow-only list
	retires uint64         // retires since creation, atomic
	buckets [epochBuckets]limboList
	// advanceMu makes moving the epoch and sweeping the expired bucket
	// one indivisible step. Buckets rotate mod epochBuckets, so a
	// sweeper stalled between the two would later free nodes retired a
	// full rotation afterwards into the same bucket, under readers
	// still pinned at the retirement epoch.
	advanceMu sync.Mutex
	cache     pool.Pool[*epRecord]
	arena     nodeArena
	batch     uint64
	workers   *pond.WorkerPool
	logger    zerolog.Logger
}

type epRecord struct {
	pinned uint64 // 0 when quiescent, epoch<<1|1 when pinned, atomic
	_      [7]uint64

	next  *epRecord
	owner *epochs
}

func newEpochs(arena nodeArena, config Config, workers *pond.WorkerPool, logger zerolog.Logger) *epochs {
	e := &epochs{
		epoch:   1,
		arena:   arena,
		batch:   uint64(config.RetireBatch),
		workers: workers,
		logger:  logger,
	}
	for i := range e.buckets {
		e.buckets[i].head = noIndex
	}
	e.cache = pool.NewPoolWith(func() *epRecord {
		return e.link()
	})

	return e
}

func (e *epochs) link() *epRecord {
	record := &epRecord{owner: e}
	for {
		head := atomic.LoadPointer(&e.records)
		record.next = (*epRecord)(head)
		if atomic.CompareAndSwapPointer(&e.records, head, unsafe.Pointer(record)) {
			return record
		}
	}
}

func (e *epochs) enter() guard {
	record := e.cache.Get()
	record.pin()

	return record
}

// pin publishes the current global epoch in the record. The publication
// must be visible before the goroutine reads the stack top, so the
// store is re-validated against the global word and repeated if the
// epoch moved in between.
func (r *epRecord) pin() {
	for {
		epoch := atomic.LoadUint64(&r.owner.epoch)
		atomic.StoreUint64(&r.pinned, epoch<<1|1)
		if atomic.LoadUint64(&r.owner.epoch) == epoch {
			return
		}
	}
}

// The pinned epoch already protects every node reachable from the top,
// so per-node publication is a no-op under this scheme.
func (r *epRecord) protect(unsafe.Pointer) {}

func (r *epRecord) clear() {}

func (r *epRecord) retire(p unsafe.Pointer) {
	e := r.owner
	epoch := atomic.LoadUint64(&e.epoch)
	e.buckets[epoch%epochBuckets].push(asHeader(p))
	if atomic.AddUint64(&e.retires, 1)%e.batch == 0 {
		e.advance()
	}
}

func (r *epRecord) close() {
	atomic.StoreUint64(&r.pinned, 0)
	r.owner.cache.Put(r)
}

// advance tries to move the epoch forward, on the worker pool when one
// is configured and has room. The retire path never blocks on the pool.
func (e *epochs) advance() {
	if e.workers != nil && e.workers.TrySubmit(e.advanceNow) {
		return
	}
	e.advanceNow()
}

// advanceNow makes one best-effort advance attempt. When another
// goroutine already holds the critical section its sweep covers this
// call, so the retire path never blocks here.
func (e *epochs) advanceNow() {
	if !e.advanceMu.TryLock() {
		return
	}
	defer e.advanceMu.Unlock()
	e.advanceLocked()
}

// advanceLocked moves the global epoch from e to e+1 when every pinned
// record has observed e, then sweeps the bucket whose grace period
// ended. A record pinned in an older epoch vetoes the advance. The
// caller holds advanceMu, so the bucket cannot start collecting nodes
// of a later epoch before the sweep detaches it.
func (e *epochs) advanceLocked() {
	epoch := atomic.LoadUint64(&e.epoch)
	for record := (*epRecord)(atomic.LoadPointer(&e.records)); record != nil; record = record.next {
		pinned := atomic.LoadUint64(&record.pinned)
		if pinned != 0 && pinned>>1 != epoch {
			return
		}
	}
	atomic.StoreUint64(&e.epoch, epoch+1)
	e.sweepBucket((epoch + epochBuckets - 1) % epochBuckets)
}

// sweepBucket frees every node retired two epochs ago.
func (e *epochs) sweepBucket(bucket uint64) {
	freed := 0
	walkLimbo(e.arena, e.buckets[bucket].detach(), func(p unsafe.Pointer) {
		e.arena.free(p)
		freed++
	})
	if freed > 0 {
		e.logger.Debug().
			Uint64("epoch", atomic.LoadUint64(&e.epoch)).
			Int("freed", freed).
			Msg("epoch sweep")
	}
}

// collect walks the epoch forward through a full grace window, freeing
// as much as currently pinned records allow. Runs on allocation
// pressure and teardown, so waiting for the critical section is fine.
func (e *epochs) collect() {
	e.advanceMu.Lock()
	defer e.advanceMu.Unlock()

	for i := 0; i < epochBuckets; i++ {
		e.advanceLocked()
	}
}

func (e *epochs) drain() {
	for i := range e.buckets {
		walkLimbo(e.arena, e.buckets[i].detach(), func(p unsafe.Pointer) {
			e.arena.free(p)
		})
	}
}
