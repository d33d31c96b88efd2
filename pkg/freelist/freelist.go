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

// Package freelist provides a concurrent object free list backed by the
// lock-free stack. It hands out recycled objects in LIFO order, which
// favors cache-warm objects, and manufactures new ones on demand.
package freelist

import (
	"github.com/pkg/errors"

	"github.com/pawelgaczynski/lfstack"
	lfErrors "github.com/pawelgaczynski/lfstack/pkg/errors"
)

type Pool[T any] struct {
	stack   *lfstack.Stack[T]
	newFunc func() T
}

// New creates a free list. newFunc may be nil, in which case Get
// returns the zero value when the list is empty. Options configure the
// backing stack; a capacity option bounds how many idle objects the
// list retains.
func New[T any](newFunc func() T, opts ...lfstack.ConfigOption) *Pool[T] {
	return &Pool[T]{
		stack:   lfstack.New[T](opts...),
		newFunc: newFunc,
	}
}

// Get pops a recycled object or manufactures a fresh one.
func (p *Pool[T]) Get() T {
	value, ok := p.stack.Pop()
	if ok {
		return value
	}
	if p.newFunc != nil {
		return p.newFunc()
	}

	return value
}

// Put returns an object to the list. With a bounded backing stack the
// object is dropped once the list is full, and the error reports it.
func (p *Pool[T]) Put(value T) error {
	if err := p.stack.Push(value); err != nil {
		return errors.Wrap(err, "returning object to free list")
	}

	return nil
}

// Prefill seeds the list with count manufactured objects.
func (p *Pool[T]) Prefill(count int) error {
	if p.newFunc == nil {
		return lfErrors.ErrMissingConstructor
	}
	for i := 0; i < count; i++ {
		if err := p.stack.Push(p.newFunc()); err != nil {
			return errors.Wrapf(err, "prefilling free list, object: %d", i)
		}
	}

	return nil
}

// Len returns a best-effort count of idle objects.
func (p *Pool[T]) Len() int {
	return p.stack.Len()
}

// Close tears down the backing stack. Idle objects are discarded.
func (p *Pool[T]) Close() error {
	return errors.Wrap(p.stack.Close(), "closing free list")
}
