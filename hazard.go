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

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	"github.com/pawelgaczynski/lfstack/pkg/pool/sync"
)

// hazards implements hazard pointer reclamation. An operating goroutine
// borrows a record, publishes the node it is about to dereference in
// the record's slot and re-validates the top before trusting the
// publication. A sweep snapshots every published slot and frees only
// the retired nodes no slot references; the rest wait on the survivors
// list for a later pass.
//
// Records are cached through a pool and linked into a grow-only list.
// A record the pool drops stays in the list as an inactive entry, so a
// sweep can never miss a slot.
type hazards struct {
	records   unsafe.Pointer // *hpRecord, head of the grow-only list
	count     int32          // records ever created, atomic
	survivors limboList
	cache     sync.Pool[*hpRecord]
	arena     nodeArena
	batch     int
	workers   *pond.WorkerPool
	logger    zerolog.Logger
}

type hpRecord struct {
	slot unsafe.Pointer // currently protected node, atomic
	_    [7]uint64      // keep hot slots on separate cache lines

	retired []unsafe.Pointer // nodes retired through this record, owner only
	next    *hpRecord
	owner   *hazards
}

func newHazards(arena nodeArena, config Config, workers *pond.WorkerPool, logger zerolog.Logger) *hazards {
	h := &hazards{
		arena:   arena,
		batch:   config.RetireBatch,
		workers: workers,
		logger:  logger,
	}
	h.survivors.head = noIndex
	h.cache = sync.NewPoolWith(func() *hpRecord {
		return h.link()
	})

	return h
}

// link creates a record and publishes it at the head of the record
// list. Records are never unlinked.
func (h *hazards) link() *hpRecord {
	record := &hpRecord{owner: h}
	for {
		head := atomic.LoadPointer(&h.records)
		record.next = (*hpRecord)(head)
		if atomic.CompareAndSwapPointer(&h.records, head, unsafe.Pointer(record)) {
			atomic.AddInt32(&h.count, 1)

			return record
		}
	}
}

func (h *hazards) enter() guard {
	return h.cache.Get()
}

func (r *hpRecord) protect(p unsafe.Pointer) {
	atomic.StorePointer(&r.slot, p)
}

func (r *hpRecord) clear() {
	atomic.StorePointer(&r.slot, nil)
}

func (r *hpRecord) retire(p unsafe.Pointer) {
	r.retired = append(r.retired, p)
	if len(r.retired) < r.owner.batch {
		return
	}
	batch := r.retired
	r.retired = make([]unsafe.Pointer, 0, r.owner.batch)
	r.owner.sweep(batch)
}

func (r *hpRecord) close() {
	atomic.StorePointer(&r.slot, nil)
	r.owner.cache.Put(r)
}

// sweep disposes of one retired batch, on the worker pool when one is
// configured and has room. The retire path never blocks on the pool.
func (h *hazards) sweep(batch []unsafe.Pointer) {
	if h.workers != nil && h.workers.TrySubmit(func() { h.sweepNow(batch) }) {
		return
	}
	h.sweepNow(batch)
}

func (h *hazards) sweepNow(batch []unsafe.Pointer) {
	protected := h.snapshot()
	// Survivors of earlier sweeps are retried first against the same
	// snapshot, so a once-protected node does not wait for allocation
	// pressure before it can return to the arena.
	freed := h.sweepSurvivors(protected)
	for _, p := range batch {
		if _, ok := protected[p]; ok {
			h.survivors.push(asHeader(p))

			continue
		}
		h.arena.free(p)
		freed++
	}
	h.logger.Debug().
		Int("freed", freed).
		Msg("hazard sweep")
}

// sweepSurvivors re-examines the survivors of previous sweeps against
// an already taken hazard snapshot.
func (h *hazards) sweepSurvivors(protected map[unsafe.Pointer]struct{}) int {
	idx := h.survivors.detach()
	if idx == noIndex {
		return 0
	}
	freed := 0
	walkLimbo(h.arena, idx, func(p unsafe.Pointer) {
		if _, ok := protected[p]; ok {
			h.survivors.push(asHeader(p))

			return
		}
		h.arena.free(p)
		freed++
	})

	return freed
}

// snapshot collects every currently published hazard.
func (h *hazards) snapshot() map[unsafe.Pointer]struct{} {
	protected := make(map[unsafe.Pointer]struct{}, atomic.LoadInt32(&h.count))
	for record := (*hpRecord)(atomic.LoadPointer(&h.records)); record != nil; record = record.next {
		if p := atomic.LoadPointer(&record.slot); p != nil {
			protected[p] = struct{}{}
		}
	}

	return protected
}

// collect retries the survivors of previous sweeps.
func (h *hazards) collect() {
	freed := h.sweepSurvivors(h.snapshot())
	h.logger.Debug().Int("freed", freed).Msg("hazard collect")
}

func (h *hazards) drain() {
	for record := (*hpRecord)(atomic.LoadPointer(&h.records)); record != nil; record = record.next {
		for _, p := range record.retired {
			h.arena.free(p)
		}
		record.retired = nil
	}
	walkLimbo(h.arena, h.survivors.detach(), func(p unsafe.Pointer) {
		h.arena.free(p)
	})
}
