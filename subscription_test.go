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
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type maskRecorder struct {
	mu    sync.Mutex
	masks []SubscriptionChangeMask
}

func recordStateChanges(sub *Subscription) *maskRecorder {
	r := &maskRecorder{}
	sub.OnStateChanged(func(_ *Subscription, m SubscriptionChangeMask) {
		r.mu.Lock()
		r.masks = append(r.masks, m)
		r.mu.Unlock()
	})
	return r
}

func (r *maskRecorder) get() []SubscriptionChangeMask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SubscriptionChangeMask(nil), r.masks...)
}

func TestCreateAdjustsCounts(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	createTestSubscription(t, sess,
		WithPublishingInterval(1000),
		WithMaxKeepAliveCount(0),
		WithLifetimeCount(0))

	require.NotNil(t, srv.lastCreate)
	assert.Equal(t, uint32(10), srv.lastCreate.RequestedMaxKeepAliveCount)
	assert.Equal(t, uint32(30), srv.lastCreate.RequestedLifetimeCount)
}

func TestCreateRaisesLifetimeToMinimumInterval(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess,
		WithPublishingInterval(100),
		WithMaxKeepAliveCount(5),
		WithLifetimeCount(20))

	assert.Equal(t, uint32(100), srv.lastCreate.RequestedLifetimeCount, "10s at 100ms")
	assert.Equal(t, uint32(100), sub.CurrentLifetimeCount())
	assert.Equal(t, uint32(5), sub.CurrentKeepAliveCount())
	assert.Equal(t, 100.0, sub.CurrentPublishingInterval())
}

func TestCreateClampsLifetimeForLargeKeepAlive(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	createTestSubscription(t, sess,
		WithPublishingInterval(100),
		WithMaxKeepAliveCount(2_000_000_000),
		WithLifetimeCount(0))

	require.NotNil(t, srv.lastCreate)
	assert.Equal(t, uint32(2_000_000_000), srv.lastCreate.RequestedMaxKeepAliveCount)
	assert.Equal(t, uint32(math.MaxUint32), srv.lastCreate.RequestedLifetimeCount)
}

func TestCreateSubscription(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv, WithNameGenerator(func() string { return "n1" }))

	sub := NewSubscription()
	item := NewMonitoredItem(NewStringNodeID(2, "Temperature"))
	sub.AddItem(item)
	assert.ErrorIs(t, sub.Create(context.Background()), ErrInvalidState, "not added to a session")

	require.True(t, sess.AddSubscription(sub))
	assert.Equal(t, "Subscription n1", sub.DisplayName())
	changes := recordStateChanges(sub)

	require.NoError(t, sub.Create(context.Background()))
	assert.True(t, sub.Created())
	assert.Equal(t, sub.ID(), sub.TransferID())
	assert.True(t, item.Created())
	assert.NotZero(t, item.Status().ID)
	assert.True(t, sub.keepAliveTimer.Running())
	assert.Equal(t, []SubscriptionChangeMask{SubscriptionChangeCreated, SubscriptionChangeItemsCreated}, changes.get())

	assert.ErrorIs(t, sub.Create(context.Background()), ErrInvalidState, "created twice")
}

func TestExplicitDisplayNameIsKept(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess, WithDisplayName("boilers"))
	assert.Equal(t, "boilers", sub.DisplayName())
}

func TestModifySubscription(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)

	assert.ErrorIs(t, NewSubscription().Modify(context.Background()), ErrInvalidState)

	sub := createTestSubscription(t, sess)
	sub.SetPublishingInterval(500)
	require.NoError(t, sub.Modify(context.Background()))
	assert.Equal(t, 1, srv.called("ModifySubscription"))
	assert.Equal(t, 500.0, sub.CurrentPublishingInterval())
}

func TestDeleteSubscription(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)
	item := sub.MonitoredItems()[0]
	feed(sess, sub, nil, 1)
	require.Eventually(t, func() bool { return len(sub.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Delete(context.Background(), false))
	assert.False(t, sub.Created())
	assert.False(t, item.Created())
	assert.Empty(t, sub.Messages())
	assert.False(t, sub.keepAliveTimer.Running())
	assert.Equal(t, 1, srv.called("DeleteSubscriptions"))

	assert.ErrorIs(t, sub.Delete(context.Background(), false), ErrInvalidState)
	assert.NoError(t, sub.Delete(context.Background(), true))

	// the subscription can be created again
	require.NoError(t, sub.Create(context.Background()))
	assert.True(t, item.Created())
}

func TestSubscriptionSetPublishingMode(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)
	assert.True(t, sub.CurrentPublishingEnabled())

	require.NoError(t, sub.SetPublishingMode(context.Background(), false))
	assert.False(t, sub.CurrentPublishingEnabled())
	assert.Equal(t, 1, srv.called("SetPublishingMode"))
}

func TestItemClientHandles(t *testing.T) {
	sub := NewSubscription()
	a := NewMonitoredItem(NewStringNodeID(2, "A"))
	b := NewMonitoredItem(NewStringNodeID(2, "B"))
	c := NewMonitoredItem(NewStringNodeID(2, "C"))
	sub.AddItems(a, b)
	sub.AddItem(c)

	assert.Equal(t, uint32(1), a.ClientHandle())
	assert.Equal(t, uint32(2), b.ClientHandle())
	assert.Equal(t, uint32(3), c.ClientHandle())
	assert.Same(t, b, sub.FindItemByClientHandle(2))
	assert.Nil(t, sub.FindItemByClientHandle(9))
	assert.Equal(t, 3, sub.MonitoredItemCount())

	sub.RemoveItem(b)
	assert.Equal(t, []*MonitoredItem{a, c}, sub.MonitoredItems())

	d := NewMonitoredItem(NewStringNodeID(2, "D"))
	sub.AddItem(d)
	assert.Equal(t, uint32(4), d.ClientHandle(), "handles are never reused")
	assert.Equal(t, "ns=2;s=D", d.DisplayName())
}

func TestApplyChanges(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)
	first := sub.MonitoredItems()[0]

	added := NewMonitoredItem(NewStringNodeID(2, "Pressure"))
	sub.AddItem(added)
	assert.False(t, added.Created())

	first.SetSamplingInterval(50)
	assert.True(t, first.Modified())

	require.NoError(t, sub.ApplyChanges(context.Background()))
	assert.True(t, added.Created())
	assert.False(t, first.Modified())
	assert.Equal(t, 50.0, first.Status().RevisedSamplingInterval)
	assert.Equal(t, 1, srv.called("ModifyMonitoredItems"))
	assert.Equal(t, 2, srv.called("CreateMonitoredItems"))

	sub.RemoveItem(first)
	require.NoError(t, sub.ApplyChanges(context.Background()))
	assert.Equal(t, 1, srv.called("DeleteMonitoredItems"))
	assert.False(t, first.Created())
	assert.Equal(t, []*MonitoredItem{added}, sub.MonitoredItems())
}

func TestSetMonitoringMode(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)
	items := sub.MonitoredItems()

	results, err := sub.SetMonitoringMode(context.Background(), MonitoringModeSampling, items)
	require.NoError(t, err)
	assert.Equal(t, []StatusCode{StatusGood}, results)
	assert.Equal(t, MonitoringModeSampling, items[0].MonitoringMode())
	assert.Equal(t, MonitoringModeSampling, items[0].Status().MonitoringMode)
}

func TestPublishingStoppedAndRecovered(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)

	var offset atomic.Int64
	sub := NewSubscription()
	sub.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	sub.AddItem(NewMonitoredItem(NewStringNodeID(2, "Temperature")))
	require.True(t, sess.AddSubscription(sub))
	require.NoError(t, sub.Create(context.Background()))

	var mu sync.Mutex
	var states []PublishStateChangedMask
	sub.OnPublishStateChanged(func(_ *Subscription, m PublishStateChangedMask) {
		mu.Lock()
		states = append(states, m)
		mu.Unlock()
	})

	assert.False(t, sub.PublishingStopped())

	// keep-alive period is 1000ms * (10+1) plus one second of grace
	offset.Store(int64(13 * time.Second))
	assert.True(t, sub.PublishingStopped())
	sub.checkPublishing()
	sub.checkPublishing()

	feed(sess, sub, nil, 1)
	assert.False(t, sub.PublishingStopped())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []PublishStateChangedMask{PublishStateStopped, PublishStateRecovered}, states)
}
