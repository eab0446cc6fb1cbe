// Copyright 2025 Edgeo SCADA
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

package uasession

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceArithmetic(t *testing.T) {
	assert.True(t, seqAfter(2, 1))
	assert.False(t, seqAfter(1, 1))
	assert.False(t, seqAfter(1, 2))
	assert.True(t, seqAfter(1, math.MaxUint32), "1 follows the last sequence number")
	assert.False(t, seqAfter(math.MaxUint32, 1))

	assert.Equal(t, uint32(2), seqNext(1))
	assert.Equal(t, uint32(1), seqNext(math.MaxUint32))
	assert.Equal(t, uint32(math.MaxUint32), seqPrev(1))
	assert.Equal(t, uint32(4), seqPrev(5))
}

func TestMessageCacheOrdersEntries(t *testing.T) {
	now := time.Now()
	c := newMessageCache()
	for _, seq := range []uint32{5, 3, 7, 4} {
		c.findOrCreate(seq, now)
	}
	assert.Equal(t, []uint32{3, 4, 5, 7}, c.sequenceNumbers())

	e := c.get(5)
	require.NotNil(t, e)
	later := now.Add(time.Second)
	assert.Same(t, e, c.findOrCreate(5, later))
	assert.Equal(t, later, e.timestamp)
	assert.Equal(t, 4, c.len())
}

func TestMessageCacheFillGaps(t *testing.T) {
	now := time.Now()
	c := newMessageCache()
	c.findOrCreate(2, now)
	c.findOrCreate(6, now)

	assert.Equal(t, 3, c.fillGaps(now))
	assert.Equal(t, []uint32{2, 3, 4, 5, 6}, c.sequenceNumbers())
	assert.Nil(t, c.get(4).message)
	assert.Zero(t, c.fillGaps(now))
}

func TestMessageCacheFillGapsAcrossWrap(t *testing.T) {
	now := time.Now()
	c := newMessageCache()
	c.findOrCreate(math.MaxUint32-1, now)
	c.findOrCreate(2, now)

	assert.Equal(t, 2, c.fillGaps(now))
	assert.Equal(t, []uint32{math.MaxUint32 - 1, math.MaxUint32, 1, 2}, c.sequenceNumbers())
}

func TestMessageCacheEvict(t *testing.T) {
	now := time.Now()
	c := newMessageCache()
	for seq := uint32(1); seq <= 4; seq++ {
		c.findOrCreate(seq, now)
	}
	c.get(1).processed = true
	c.get(2).republished = true
	c.get(2).status = StatusBadMessageNotAvailable

	var skipped []uint32
	skip := func(e *incomingMessage) { skipped = append(skipped, e.sequenceNumber) }

	c.evict(now, time.Minute, skip)
	assert.Equal(t, []uint32{3, 4}, c.sequenceNumbers())
	assert.Equal(t, []uint32{2}, skipped)
	assert.Nil(t, c.get(1))

	// a pending republish expires
	c.get(3).republished = true
	c.evict(now.Add(2*time.Minute), time.Minute, skip)
	assert.Equal(t, []uint32{4}, c.sequenceNumbers())
	assert.Equal(t, []uint32{2, 3}, skipped)

	// the newest slot always stays
	c.get(4).processed = true
	c.evict(now, time.Minute, skip)
	assert.Equal(t, []uint32{4}, c.sequenceNumbers())
}

func TestMessageCacheEvictStopsAtWaitingSlot(t *testing.T) {
	now := time.Now()
	c := newMessageCache()
	c.findOrCreate(1, now)
	c.findOrCreate(2, now).processed = true

	c.evict(now.Add(time.Hour), time.Minute, func(*incomingMessage) { t.Fatal("not abandoned") })
	assert.Equal(t, []uint32{1, 2}, c.sequenceNumbers(), "a slot never requested is kept")

	c.reset()
	assert.Zero(t, c.len())
	assert.Nil(t, c.get(1))
}
