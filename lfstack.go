// Copyright (c) 2023 Paweł Gaczyński
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lfstack provides a lock-free multi-producer multi-consumer
// LIFO stack with safe memory reclamation.
//
// Values live in nodes managed by a slab arena, so a long-lived stack
// reuses a bounded set of allocations instead of churning the garbage
// collector. Because a popped node may still be examined by concurrent
// pops, recycling is deferred until a reclamation scheme proves no
// reader can hold it: hazard pointers by default, epoch based
// reclamation as an alternative. Either way a recycled node can never
// reappear at the same address while an operation still depends on it,
// which also closes the classic compare-and-swap ABA hole.
package lfstack

import (
	"github.com/alitto/pond"

	"github.com/pawelgaczynski/lfstack/logger"
)

// New creates a ready-to-use stack. The zero configuration means
// hazard pointer reclamation, an unbounded arena and inline
// reclamation passes.
func New[T any](opts ...ConfigOption) *Stack[T] {
	return NewWithConfig[T](NewConfig(opts...))
}

// NewWithConfig creates a stack from an already built configuration.
func NewWithConfig[T any](config Config) *Stack[T] {
	log := logger.NewLogger("lfstack", config.LoggerLevel, config.PrettyLogger)
	s := &Stack[T]{
		arena:   newArena[T](config, log),
		logger:  log,
		config:  config,
		maxSpin: config.MaxSpin,
		checks:  config.StateChecks,
	}
	if config.GoroutinePool {
		s.workers = pond.New(goPoolMaxWorkers, goPoolMaxCapacity)
	}
	switch config.Reclamation {
	case EpochBased:
		s.scheme = newEpochs(s.arena, config, s.workers, log)
	default:
		s.scheme = newHazards(s.arena, config, s.workers, log)
	}

	return s
}
