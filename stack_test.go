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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	lfErrors "github.com/pawelgaczynski/lfstack/pkg/errors"
)

var strategies = []ReclamationStrategy{HazardPointers, EpochBased}

func forEachStrategy(t *testing.T, test func(t *testing.T, strategy ReclamationStrategy)) {
	t.Helper()
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy.String(), func(t *testing.T) {
			test(t, strategy)
		})
	}
}

func TestPushPopSequential(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		s := New[int](WithReclamation(strategy))

		require.NoError(t, s.Push(1))
		require.NoError(t, s.Push(2))
		require.NoError(t, s.Push(3))
		require.Equal(t, 3, s.Len())

		value, ok := s.Pop()
		require.True(t, ok)
		require.Equal(t, 3, value)
		value, ok = s.Pop()
		require.True(t, ok)
		require.Equal(t, 2, value)
		value, ok = s.Pop()
		require.True(t, ok)
		require.Equal(t, 1, value)

		_, ok = s.Pop()
		require.False(t, ok)
		require.True(t, s.IsEmpty())
		require.Equal(t, 0, s.Len())

		require.NoError(t, s.Close())
	})
}

func TestPopEmpty(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		s := New[string](WithReclamation(strategy))

		for i := 0; i < 3; i++ {
			value, ok := s.Pop()
			require.False(t, ok)
			require.Equal(t, "", value)
		}
		require.True(t, s.IsEmpty())
		require.NoError(t, s.Close())
	})
}

func TestLIFOOrder(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const count = 1000
		s := New[int](WithReclamation(strategy), WithSlabSize(64))

		for i := 0; i < count; i++ {
			require.NoError(t, s.Push(i))
		}
		for i := count - 1; i >= 0; i-- {
			value, ok := s.Pop()
			require.True(t, ok)
			require.Equal(t, i, value)
		}
		require.True(t, s.IsEmpty())
		require.NoError(t, s.Close())
	})
}

func TestValuesClearedOnPop(t *testing.T) {
	type payload struct {
		data []byte
	}
	s := New[*payload]()

	require.NoError(t, s.Push(&payload{data: make([]byte, 1024)}))
	value, ok := s.Pop()
	require.True(t, ok)
	require.NotNil(t, value)

	// The node slot no longer references the payload; pushing a nil
	// pointer and popping it back must hand out the zero value.
	require.NoError(t, s.Push(nil))
	value, ok = s.Pop()
	require.True(t, ok)
	require.Nil(t, value)
	require.NoError(t, s.Close())
}

func TestConcurrentPushPop(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const (
			producers   = 2
			consumers   = 2
			perProducer = 100
		)
		total := producers * perProducer
		s := New[int](WithReclamation(strategy), WithSlabSize(32))
		counts := make([]int32, total)

		var popped int64
		var workers sync.WaitGroup

		for p := 0; p < producers; p++ {
			workers.Add(1)
			go func(producer int) {
				defer workers.Done()
				base := producer * perProducer
				for i := 0; i < perProducer; i++ {
					require.NoError(t, s.Push(base+i))
				}
			}(p)
		}
		for c := 0; c < consumers; c++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				for {
					value, ok := s.Pop()
					if ok {
						atomic.AddInt32(&counts[value], 1)
						if atomic.AddInt64(&popped, 1) == int64(total) {
							return
						}
						continue
					}
					if atomic.LoadInt64(&popped) == int64(total) {
						return
					}
					runtime.Gosched()
				}
			}()
		}
		workers.Wait()

		for value, count := range counts {
			require.Equal(t, int32(1), count, "value %d", value)
		}
		require.True(t, s.IsEmpty())
		_, ok := s.Pop()
		require.False(t, ok)
		require.NoError(t, s.Close())
	})
}

func TestNoLostOrDuplicatedPushes(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const (
			producers   = 8
			perProducer = 500
		)
		total := producers * perProducer
		s := New[int](WithReclamation(strategy))

		var workers sync.WaitGroup
		for p := 0; p < producers; p++ {
			workers.Add(1)
			go func(producer int) {
				defer workers.Done()
				base := producer * perProducer
				for i := 0; i < perProducer; i++ {
					require.NoError(t, s.Push(base+i))
				}
			}(p)
		}
		workers.Wait()
		require.Equal(t, total, s.Len())

		counts := make([]int32, total)
		for {
			value, ok := s.Pop()
			if !ok {
				break
			}
			counts[value]++
		}
		for value, count := range counts {
			require.Equal(t, int32(1), count, "value %d", value)
		}
		require.NoError(t, s.Close())
	})
}

func TestChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const (
			workersCount = 4
			iterations   = 5000
		)
		s := New[uint64](
			WithReclamation(strategy),
			WithSlabSize(64),
			WithRetireBatch(16),
			WithStateChecks(true),
		)

		var pushed, popped uint64
		var workers sync.WaitGroup

		// Every worker both pushes and pops, so nodes constantly cross
		// the retire/reclaim boundary while other goroutines hold
		// references. State checks turn a premature recycle into a
		// panic.
		for w := 0; w < workersCount; w++ {
			workers.Add(1)
			go func(worker int) {
				defer workers.Done()
				for i := 0; i < iterations; i++ {
					require.NoError(t, s.Push(uint64(worker)<<32|uint64(i)))
					atomic.AddUint64(&pushed, 1)
					if _, ok := s.Pop(); ok {
						atomic.AddUint64(&popped, 1)
					}
				}
			}(w)
		}
		workers.Wait()

		remaining := 0
		for {
			if _, ok := s.Pop(); !ok {
				break
			}
			remaining++
		}
		require.Equal(t, atomic.LoadUint64(&pushed), atomic.LoadUint64(&popped)+uint64(remaining))
		require.NoError(t, s.Close())
	})
}

func TestCapacityExhausted(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const capacity = 8
		s := New[int](
			WithReclamation(strategy),
			WithCapacity(capacity),
			WithSlabSize(4),
		)

		for i := 0; i < capacity; i++ {
			require.NoError(t, s.Push(i))
		}
		err := s.Push(capacity)
		require.ErrorIs(t, err, lfErrors.ErrArenaExhausted)

		// The failed push must not have disturbed the content.
		require.Equal(t, capacity, s.Len())
		for i := capacity - 1; i >= 0; i-- {
			value, ok := s.Pop()
			require.True(t, ok)
			require.Equal(t, i, value)
		}
		require.NoError(t, s.Close())
	})
}

func TestCapacityConcurrent(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const (
			capacity = 64
			workers  = 8
			attempts = 32
		)
		s := New[int](
			WithReclamation(strategy),
			WithCapacity(capacity),
			WithSlabSize(16),
		)

		var succeeded, failed int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < attempts; i++ {
					if err := s.Push(i); err == nil {
						atomic.AddInt64(&succeeded, 1)
					} else {
						require.ErrorIs(t, err, lfErrors.ErrArenaExhausted)
						atomic.AddInt64(&failed, 1)
					}
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int64(capacity), succeeded)
		require.Equal(t, int64(workers*attempts-capacity), failed)
		require.Equal(t, capacity, s.Len())
		require.NoError(t, s.Close())
	})
}

func TestCapacityRecycle(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const capacity = 2
		s := New[int](
			WithReclamation(strategy),
			WithCapacity(capacity),
			WithSlabSize(2),
			WithRetireBatch(1),
		)

		// Fill, drain and refill several times: every refill runs on
		// recycled nodes because the arena can never grow past the
		// capacity budget.
		for cycle := 0; cycle < 10; cycle++ {
			require.NoError(t, s.Push(cycle))
			require.NoError(t, s.Push(cycle + 100))

			value, ok := s.Pop()
			require.True(t, ok)
			require.Equal(t, cycle+100, value)
			value, ok = s.Pop()
			require.True(t, ok)
			require.Equal(t, cycle, value)
		}
		require.NoError(t, s.Close())
	})
}

func TestCloseSemantics(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		s := New[int](WithReclamation(strategy), WithStateChecks(true))

		require.NoError(t, s.Push(1))
		require.NoError(t, s.Push(2))
		require.NoError(t, s.Close())

		require.ErrorIs(t, s.Push(3), lfErrors.ErrStackClosed)
		value, ok := s.Pop()
		require.False(t, ok)
		require.Equal(t, 0, value)
		require.True(t, s.IsEmpty())
		require.Equal(t, 0, s.Len())
		require.ErrorIs(t, s.Close(), lfErrors.ErrStackClosed)
	})
}

func TestCloseConcurrent(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		s := New[int](WithReclamation(strategy), WithSlabSize(16))

		var wg sync.WaitGroup
		var closed int32
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					if err := s.Push(i); err != nil {
						require.ErrorIs(t, err, lfErrors.ErrStackClosed)

						return
					}
					s.Pop()
					if atomic.LoadInt32(&closed) == 1 && i > 100 {
						return
					}
				}
			}()
		}
		for i := 0; i < 100; i++ {
			require.NoError(t, s.Push(i))
		}
		require.NoError(t, s.Close())
		atomic.StoreInt32(&closed, 1)
		wg.Wait()

		_, ok := s.Pop()
		require.False(t, ok)
	})
}

func TestGoroutinePoolReclamation(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy ReclamationStrategy) {
		const iterations = 2000
		s := New[int](
			WithReclamation(strategy),
			WithGoroutinePool(true),
			WithRetireBatch(8),
			WithSlabSize(32),
		)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					require.NoError(t, s.Push(i))
					s.Pop()
				}
			}()
		}
		wg.Wait()
		// Close stops the worker pool and waits for queued sweeps, so
		// nothing may touch freed arena memory afterwards.
		require.NoError(t, s.Close())
	})
}

func TestLenAdvisory(t *testing.T) {
	s := New[int]()

	require.Equal(t, 0, s.Len())
	require.NoError(t, s.Push(1))
	require.Equal(t, 1, s.Len())
	require.NoError(t, s.Push(2))
	require.Equal(t, 2, s.Len())
	s.Pop()
	require.Equal(t, 1, s.Len())
	require.NoError(t, s.Close())
	require.Equal(t, 0, s.Len())
}

func benchmarkPushPop(b *testing.B, strategy ReclamationStrategy) {
	s := New[int](WithReclamation(strategy))
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = s.Push(1)
			s.Pop()
		}
	})
	b.StopTimer()
	_ = s.Close()
}

func BenchmarkPushPopHazard(b *testing.B) {
	benchmarkPushPop(b, HazardPointers)
}

func BenchmarkPushPopEpoch(b *testing.B) {
	benchmarkPushPop(b, EpochBased)
}

func BenchmarkPushPopUncontended(b *testing.B) {
	for _, strategy := range strategies {
		strategy := strategy
		b.Run(strategy.String(), func(b *testing.B) {
			s := New[int](WithReclamation(strategy))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = s.Push(i)
				s.Pop()
			}
			b.StopTimer()
			_ = s.Close()
		})
	}
}

func BenchmarkPushPopMutexBaseline(b *testing.B) {
	var mu sync.Mutex
	values := make([]int, 0, 1024)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			mu.Lock()
			values = append(values, 1)
			mu.Unlock()
			mu.Lock()
			if n := len(values); n > 0 {
				values = values[:n-1]
			}
			mu.Unlock()
		}
	})
}
