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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// observerList is a set of callbacks of one signal kind.
type observerList[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []observer[T]
}

type observer[T any] struct {
	id uint64
	fn T
}

// add registers fn and returns a function removing it.
func (l *observerList[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, observer[T]{id: id, fn: fn})
	return func() { l.remove(id) }
}

func (l *observerList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *observerList[T]) snapshot() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return nil
	}
	fns := make([]T, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

func (l *observerList[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// copyFrom replaces the observers with those of other.
func (l *observerList[T]) copyFrom(other *observerList[T]) {
	fns := other.snapshot()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	for _, fn := range fns {
		l.nextID++
		l.entries = append(l.entries, observer[T]{id: l.nextID, fn: fn})
	}
}

// notify runs call for every observer, each isolated from a panic in another.
func notify[T any](logger *slog.Logger, signal string, l *observerList[T], call func(T)) {
	for _, fn := range l.snapshot() {
		safeCall(logger, signal, func() { call(fn) })
	}
}

func safeCall(logger *slog.Logger, signal string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("observer panicked",
				slog.String("signal", signal),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// KeepAliveEvent reports the outcome of a keep-alive.
type KeepAliveEvent struct {
	Status      StatusCode
	ServerState ServerState
	CurrentTime time.Time

	// CancelKeepAlive set by an observer stops further keep-alive reads
	// until the session is reconnected.
	CancelKeepAlive bool
}

// PublishErrorEvent reports a failed publish or republish.
type PublishErrorEvent struct {
	Status         StatusCode
	SubscriptionID uint32
	SequenceNumber uint32
}

// AcknowledgementBatch is offered to observers before a publish is sent.
// Entries moved from Acknowledgements to Deferred are kept for a later publish.
type AcknowledgementBatch struct {
	Acknowledgements []SubscriptionAcknowledgement
	Deferred         []SubscriptionAcknowledgement
}

// PublishStateChangedMask signals changes of the publishing state of a subscription.
type PublishStateChangedMask uint32

// Publish state changes.
const (
	PublishStateNone        PublishStateChangedMask = 0
	PublishStateStopped     PublishStateChangedMask = 1 << 0
	PublishStateRecovered   PublishStateChangedMask = 1 << 1
	PublishStateKeepAlive   PublishStateChangedMask = 1 << 2
	PublishStateRepublish   PublishStateChangedMask = 1 << 3
	PublishStateTransferred PublishStateChangedMask = 1 << 4
	PublishStateTimeout     PublishStateChangedMask = 1 << 5
)

// Has reports whether every bit of flag is set.
func (m PublishStateChangedMask) Has(flag PublishStateChangedMask) bool {
	return m&flag == flag
}

func (m PublishStateChangedMask) String() string {
	return maskString(uint32(m), []string{"Stopped", "Recovered", "KeepAlive", "Republish", "Transferred", "Timeout"})
}

// SubscriptionChangeMask signals changes of a subscription or its items.
type SubscriptionChangeMask uint32

// Subscription changes.
const (
	SubscriptionChangeNone          SubscriptionChangeMask = 0
	SubscriptionChangeCreated       SubscriptionChangeMask = 1 << 0
	SubscriptionChangeDeleted       SubscriptionChangeMask = 1 << 1
	SubscriptionChangeModified      SubscriptionChangeMask = 1 << 2
	SubscriptionChangeItemsAdded    SubscriptionChangeMask = 1 << 3
	SubscriptionChangeItemsRemoved  SubscriptionChangeMask = 1 << 4
	SubscriptionChangeItemsCreated  SubscriptionChangeMask = 1 << 5
	SubscriptionChangeItemsDeleted  SubscriptionChangeMask = 1 << 6
	SubscriptionChangeItemsModified SubscriptionChangeMask = 1 << 7
	SubscriptionChangeTransferred   SubscriptionChangeMask = 1 << 8
)

// Has reports whether every bit of flag is set.
func (m SubscriptionChangeMask) Has(flag SubscriptionChangeMask) bool {
	return m&flag == flag
}

func (m SubscriptionChangeMask) String() string {
	return maskString(uint32(m), []string{"Created", "Deleted", "Modified", "ItemsAdded", "ItemsRemoved",
		"ItemsCreated", "ItemsDeleted", "ItemsModified", "Transferred"})
}

func maskString(m uint32, names []string) string {
	if m == 0 {
		return "None"
	}
	var parts []string
	for i, name := range names {
		if m&(1<<uint(i)) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
