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
	"sort"
	"time"
)

// seqAfter reports whether a comes after b modulo 2^32.
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqNext returns the sequence number following s. Zero is never used.
func seqNext(s uint32) uint32 {
	if s == ^uint32(0) {
		return 1
	}
	return s + 1
}

// incomingMessage is one slot of the reassembly window. A slot without a
// message is either a keep-alive marker or a placeholder for a gap.
type incomingMessage struct {
	sequenceNumber uint32
	timestamp      time.Time
	message        *NotificationMessage
	processed      bool
	republished    bool
	status         StatusCode
	retryAt        time.Time
	forceRepublish bool
}

// messageCache keeps the incoming messages of a subscription ordered by
// sequence number. Lookups go through the index; the slice gives order.
type messageCache struct {
	entries []*incomingMessage
	index   map[uint32]*incomingMessage
}

func newMessageCache() *messageCache {
	return &messageCache{index: make(map[uint32]*incomingMessage)}
}

func (c *messageCache) len() int {
	return len(c.entries)
}

func (c *messageCache) get(seq uint32) *incomingMessage {
	return c.index[seq]
}

// findOrCreate returns the slot for seq, refreshing its timestamp when it
// already exists.
func (c *messageCache) findOrCreate(seq uint32, now time.Time) *incomingMessage {
	if e, ok := c.index[seq]; ok {
		e.timestamp = now
		return e
	}
	e := &incomingMessage{sequenceNumber: seq, timestamp: now}
	c.insert(e)
	return e
}

func (c *messageCache) insert(e *incomingMessage) {
	n := len(c.entries)
	if n == 0 || seqAfter(e.sequenceNumber, c.entries[n-1].sequenceNumber) {
		c.entries = append(c.entries, e)
	} else {
		i := sort.Search(n, func(i int) bool {
			return seqAfter(c.entries[i].sequenceNumber, e.sequenceNumber)
		})
		c.entries = append(c.entries, nil)
		copy(c.entries[i+1:], c.entries[i:])
		c.entries[i] = e
	}
	c.index[e.sequenceNumber] = e
}

// fillGaps inserts a placeholder for every sequence number missing between
// two adjacent slots and returns how many were added.
func (c *messageCache) fillGaps(now time.Time) int {
	if len(c.entries) < 2 {
		return 0
	}
	added := 0
	out := make([]*incomingMessage, 0, len(c.entries))
	for i, e := range c.entries {
		out = append(out, e)
		if i == len(c.entries)-1 {
			break
		}
		next := c.entries[i+1].sequenceNumber
		for s := seqNext(e.sequenceNumber); s != next && seqAfter(next, s); s = seqNext(s) {
			p := &incomingMessage{sequenceNumber: s, timestamp: now}
			c.index[s] = p
			out = append(out, p)
			added++
		}
	}
	if added > 0 {
		c.entries = out
	}
	return added
}

// evict drops leading slots that are processed, or whose republish was
// abandoned or has expired. The newest slot is always kept. skip is called
// for a dropped slot that was never processed.
func (c *messageCache) evict(now time.Time, expiry time.Duration, skip func(*incomingMessage)) {
	for len(c.entries) > 1 {
		e := c.entries[0]
		if !e.processed {
			abandoned := e.republished && (e.status.IsBad() || now.Sub(e.timestamp) > expiry)
			if !abandoned {
				return
			}
			skip(e)
		}
		c.entries[0] = nil
		c.entries = c.entries[1:]
		delete(c.index, e.sequenceNumber)
	}
}

// reset empties the cache.
func (c *messageCache) reset() {
	c.entries = nil
	c.index = make(map[uint32]*incomingMessage)
}

// sequenceNumbers lists the cached sequence numbers in order.
func (c *messageCache) sequenceNumbers() []uint32 {
	out := make([]uint32, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.sequenceNumber
	}
	return out
}
