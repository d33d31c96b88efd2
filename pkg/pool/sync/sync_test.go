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

package sync

import (
	"runtime/debug"
	"testing"

	. "github.com/stretchr/testify/require"
)

type resource struct {
	id int
}

func TestPoolZeroValueWhenEmpty(t *testing.T) {
	pool := NewPool[*resource]()

	Nil(t, pool.Get())
}

func TestPoolPutGet(t *testing.T) {
	// Disable GC so the runtime cannot empty the pool mid-test.
	gc := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(gc)

	pool := NewPool[*resource]()

	pool.Put(&resource{id: 1})
	Equal(t, int64(1), pool.Count())

	res := pool.Get()
	NotNil(t, res)
	Equal(t, 1, res.id)
	Equal(t, int64(0), pool.Count())
}

func TestPoolWithConstructor(t *testing.T) {
	created := 0
	pool := NewPoolWith(func() *resource {
		created++

		return &resource{id: created}
	})

	first := pool.Get()
	NotNil(t, first)
	Equal(t, 1, first.id)
	Equal(t, 1, created)
	// A manufactured value does not drive the parked count negative.
	Equal(t, int64(0), pool.Count())

	pool.Put(first)
	NotNil(t, pool.Get())
}
