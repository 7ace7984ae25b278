// Copyright 2025 Tom Barlow
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

package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer[int](3)
	assert.Equal(t, 3, rb.Cap())
	assert.Empty(t, rb.GetAll())

	for i := 1; i <= 5; i++ {
		rb.Add(i)
	}

	assert.Equal(t, 3, rb.Count())
	assert.Equal(t, []int{3, 4, 5}, rb.GetAll())
	assert.Equal(t, []int{4, 5}, rb.GetLast(2))
	assert.Equal(t, []int{3, 4, 5}, rb.GetLast(10))
	assert.Equal(t, []int{3, 5}, rb.Filter(func(v int) bool { return v%2 == 1 }))

	rb.Clear()
	assert.Zero(t, rb.Count())
	rb.Add(9)
	assert.Equal(t, []int{9}, rb.GetAll())
}

func TestRingBuffer_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultRingCapacity, NewRingBuffer[string](0).Cap())
}

func TestLogCapture(t *testing.T) {
	lc := NewLogCapture(2)

	assert.Nil(t, lc.Get("fs", 10, time.Time{}))

	lc.Add("fs", "one")
	lc.Add("fs", "two")
	lc.Add("fs", "three")
	lc.Add("git", "other")

	entries := lc.Get("fs", 0, time.Time{})
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "two", entries[0].Message)
		assert.Equal(t, "three", entries[1].Message)
	}

	last := lc.Get("fs", 1, time.Time{})
	if assert.Len(t, last, 1) {
		assert.Equal(t, "three", last[0].Message)
	}

	assert.Empty(t, lc.Get("fs", 0, time.Now().Add(time.Hour)))
	assert.Len(t, lc.Get("fs", 0, entries[0].Timestamp), 2)

	lc.Clear("fs")
	assert.Empty(t, lc.Get("fs", 0, time.Time{}))
	assert.Len(t, lc.Get("git", 0, time.Time{}), 1)
}
