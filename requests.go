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
	"sync"
	"sync/atomic"
	"time"
)

// RequestType tags the requests tracked while in flight.
type RequestType int

// Tracked request types.
const (
	RequestTypePublish RequestType = iota
	RequestTypeKeepAlive
)

// AsyncRequestState describes one in-flight request.
type AsyncRequestState struct {
	Type      RequestType
	RequestID uint32
	Timestamp time.Time
	Defunct   bool
}

// requestTracker records in-flight requests. A request is flagged defunct
// when a newer request of the same type completes while it is still
// outstanding and it is older than the grace window.
type requestTracker struct {
	mu         sync.Mutex
	requests   []*AsyncRequestState
	defunctAge time.Duration
	now        func() time.Time
}

func newRequestTracker(defunctAge time.Duration) *requestTracker {
	return &requestTracker{defunctAge: defunctAge, now: time.Now}
}

func (t *requestTracker) find(id uint32, typ RequestType) int {
	for i, r := range t.requests {
		if r.RequestID == id && r.Type == typ {
			return i
		}
	}
	return -1
}

// started records a dispatched request. A placeholder left by a completion
// that overtook the start is consumed instead.
func (t *requestTracker) started(id uint32, typ RequestType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.find(id, typ); i >= 0 {
		t.requests = append(t.requests[:i], t.requests[i+1:]...)
		return
	}
	t.requests = append(t.requests, &AsyncRequestState{
		Type:      typ,
		RequestID: id,
		Timestamp: t.now(),
	})
}

// completed removes a request and flags older same-type requests as defunct.
func (t *requestTracker) completed(id uint32, typ RequestType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.find(id, typ)
	if i < 0 {
		t.requests = append(t.requests, &AsyncRequestState{
			Type:      typ,
			RequestID: id,
			Timestamp: t.now(),
			Defunct:   true,
		})
		return
	}
	done := t.requests[i]
	t.requests = append(t.requests[:i], t.requests[i+1:]...)
	for _, r := range t.requests {
		if r.Type == typ && !r.Defunct && done.Timestamp.Sub(r.Timestamp) > t.defunctAge {
			r.Defunct = true
		}
	}
}

// markDefunct flags every outstanding request of a type as defunct.
func (t *requestTracker) markDefunct(typ RequestType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.requests {
		if r.Type == typ && !r.Defunct {
			r.Defunct = true
			n++
		}
	}
	return n
}

// good counts non-defunct requests of a type.
func (t *requestTracker) good(typ RequestType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.requests {
		if r.Type == typ && !r.Defunct {
			n++
		}
	}
	return n
}

func (t *requestTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *requestTracker) defunct() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.requests {
		if r.Defunct {
			n++
		}
	}
	return n
}

// snapshot copies the tracked requests.
func (t *requestTracker) snapshot() []AsyncRequestState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AsyncRequestState, len(t.requests))
	for i, r := range t.requests {
		out[i] = *r
	}
	return out
}

// handleCounter hands out request handles. Zero is never returned.
type handleCounter struct {
	v atomic.Uint32
}

func (c *handleCounter) next() uint32 {
	for {
		if h := c.v.Add(1); h != 0 {
			return h
		}
	}
}
