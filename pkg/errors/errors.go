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

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrArenaExhausted occurs when the node arena reached its capacity
	// and a reclamation pass could not refill the free list.
	ErrArenaExhausted = errors.New("node arena exhausted")
	// ErrStackClosed occurs when an operation is attempted on a closed stack.
	ErrStackClosed = errors.New("stack already closed")
	// ErrIsEmpty indicates that data holder, free list or buffer is empty.
	ErrIsEmpty = errors.New("is empty")
	// ErrInvalidNodeState occurs when a node lifecycle transition is violated.
	// It signals a double free or a use after free.
	ErrInvalidNodeState = errors.New("invalid node state")
	// ErrMissingConstructor occurs when an operation needs an object
	// constructor that was not configured.
	ErrMissingConstructor = errors.New("missing object constructor")
)

func ErrorInvalidNodeState(state, expected uint32) error {
	return fmt.Errorf("%w, state: %d, expected: %d", ErrInvalidNodeState, state, expected)
}
