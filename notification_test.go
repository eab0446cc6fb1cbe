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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryIsMonotonic(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)
	d := recordDeliveries(sub)

	feed(sess, sub, []uint32{1, 2, 3}, 1, 2, 3)
	require.Eventually(t, func() bool { return len(d.get()) == 3 }, 2*time.Second, 5*time.Millisecond)

	// duplicates and late arrivals are never delivered again
	feed(sess, sub, []uint32{2, 3}, 3, 2, 1)
	assert.Never(t, func() bool { return len(d.get()) > 3 }, 150*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3}, d.get())
	assert.Equal(t, uint32(3), sub.LastSequenceNumberProcessed())
	assert.Equal(t, 3.0, testutil.ToFloat64(sess.Metrics().NotificationsDelivered))
}

func TestDeliveryAcrossWraparound(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess, WithSequentialPublishing(true))
	d := recordDeliveries(sub)

	feed(sess, sub, nil, 0xFFFFFFFE, 0xFFFFFFFF, 1, 2)
	require.Eventually(t, func() bool { return len(d.get()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{0xFFFFFFFE, 0xFFFFFFFF, 1, 2}, d.get())
}

func TestGapIsRepublishedOnce(t *testing.T) {
	srv := newFakeServer()
	srv.setRepublish(republishFrom)
	sess := openTestSession(t, srv, withEngineTimings(30*time.Millisecond, 2*time.Second))
	sub := createTestSubscription(t, sess, WithSequentialPublishing(true))
	d := recordDeliveries(sub)

	available := []uint32{1, 2, 3, 4}
	feed(sess, sub, available, 1, 3, 4)

	require.Eventually(t, func() bool { return len(d.get()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3, 4}, d.get())
	assert.Never(t, func() bool { return srv.called("Republish") > 1 }, 150*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []uint32{2}, srv.republishedSeqs())
	assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().RepublishRequests.WithLabelValues("ok")))
}

func TestGapNotAvailableStillDeliversSuccessors(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv, withEngineTimings(30*time.Millisecond, 2*time.Second))
	sub := createTestSubscription(t, sess, WithSequentialPublishing(true))
	d := recordDeliveries(sub)

	var publishErrors atomic.Int32
	sess.OnPublishError(func(_ *Session, ev *PublishErrorEvent) {
		if ev.Status == StatusBadMessageNotAvailable && ev.SequenceNumber == 2 {
			publishErrors.Add(1)
		}
	})

	feed(sess, sub, []uint32{1, 2, 3, 4}, 1, 3, 4)

	require.Eventually(t, func() bool { return len(d.get()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 3, 4}, d.get())
	assert.Equal(t, []uint32{2}, srv.republishedSeqs())
	assert.Equal(t, int32(1), publishErrors.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().MessagesSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().RepublishRequests.WithLabelValues("not_available")))
}

func TestGapMissingFromAvailableIsNotRequested(t *testing.T) {
	srv := newFakeServer()
	srv.setRepublish(republishFrom)
	sess := openTestSession(t, srv, withEngineTimings(20*time.Millisecond, 2*time.Second))
	sub := createTestSubscription(t, sess, WithSequentialPublishing(true))
	d := recordDeliveries(sub)

	feed(sess, sub, []uint32{1, 3}, 1, 3)

	require.Eventually(t, func() bool { return len(d.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 3}, d.get())
	assert.Zero(t, srv.called("Republish"))
}

// An undelivered message that expires is skipped so later messages do not
// wait forever. The skip is the only way a gap reaches the application.
func TestExpiredGapIsSkipped(t *testing.T) {
	srv := newFakeServer()
	srv.setRepublish(func(*RepublishRequest) (*RepublishResponse, error) {
		return nil, NewOPCUAError(ServiceRepublish, StatusBadCommunicationError, "")
	})
	sess := openTestSession(t, srv, withEngineTimings(20*time.Millisecond, 200*time.Millisecond))
	sub := createTestSubscription(t, sess, WithSequentialPublishing(true))
	d := recordDeliveries(sub)

	feed(sess, sub, []uint32{1, 2, 3}, 1, 3)

	require.Eventually(t, func() bool { return len(d.get()) == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 3}, d.get())
	assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().MessagesSkipped))
	assert.GreaterOrEqual(t, srv.called("Republish"), 1)
	assert.Equal(t, uint32(3), sub.LastSequenceNumberProcessed())
}

func TestEncodingLimitsExceededAcknowledgesGap(t *testing.T) {
	srv := newFakeServer()
	srv.setRepublish(func(*RepublishRequest) (*RepublishResponse, error) {
		return nil, NewOPCUAError(ServiceRepublish, StatusBadEncodingLimitsExceeded, "")
	})
	sess := openTestSession(t, srv, withEngineTimings(20*time.Millisecond, 2*time.Second))
	sub := createTestSubscription(t, sess, WithSequentialPublishing(true))
	d := recordDeliveries(sub)

	feed(sess, sub, []uint32{1, 2, 3}, 1, 3)

	require.Eventually(t, func() bool { return len(d.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, sess.PendingAcknowledgements(), SubscriptionAcknowledgement{SubscriptionID: sub.ID(), SequenceNumber: 2})
	assert.Equal(t, 1, srv.called("Republish"))
}

func TestNonSequentialRepublishesGap(t *testing.T) {
	srv := newFakeServer()
	srv.setRepublish(republishFrom)
	sess := openTestSession(t, srv, withEngineTimings(20*time.Millisecond, 2*time.Second))
	sub := createTestSubscription(t, sess)
	require.False(t, sub.SequentialPublishing())
	d := recordDeliveries(sub)

	feed(sess, sub, []uint32{1, 2, 3, 4}, 1, 3, 4)

	require.Eventually(t, func() bool { return len(d.get()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2, 3, 4}, d.get())
	assert.Never(t, func() bool { return srv.called("Republish") > 1 }, 150*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []uint32{2}, srv.republishedSeqs())
	assert.Zero(t, testutil.ToFloat64(sess.Metrics().MessagesSkipped))
}

func TestNonSequentialSkipsGapAfterFailedRepublish(t *testing.T) {
	srv := newFakeServer()
	srv.setRepublish(func(*RepublishRequest) (*RepublishResponse, error) {
		return nil, NewOPCUAError(ServiceRepublish, StatusBadCommunicationError, "")
	})
	// expiry is far beyond the wait below, so only the single failed attempt can release 3
	sess := openTestSession(t, srv, withEngineTimings(20*time.Millisecond, 30*time.Second))
	sub := createTestSubscription(t, sess)
	d := recordDeliveries(sub)

	feed(sess, sub, []uint32{1, 2, 3}, 1, 3)

	require.Eventually(t, func() bool { return len(d.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 3}, d.get())
	assert.Never(t, func() bool { return srv.called("Republish") > 1 }, 150*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().MessagesSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().RepublishRequests.WithLabelValues("retry")))
}

func TestRestartedEngineKeepsDeliveryOrder(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)
	d := recordDeliveries(sub)

	var want []uint32
	for seq := uint32(1); seq <= 300; seq++ {
		want = append(want, seq)
		feed(sess, sub, nil, seq)
		if seq%10 == 0 {
			sub.stopEngine()
			sub.startEngine()
		}
	}

	require.Eventually(t, func() bool { return len(d.get()) == len(want) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, d.get())
}

func TestKeepAliveMessageIsNotDelivered(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)
	d := recordDeliveries(sub)

	var keepAlives atomic.Int32
	var mask atomic.Uint32
	sub.OnKeepAlive(func(_ *Subscription, msg *NotificationMessage) {
		keepAlives.Add(1)
	})
	sub.OnPublishStateChanged(func(_ *Subscription, m PublishStateChangedMask) {
		mask.Store(uint32(m))
	})

	feed(sess, sub, nil, 1)
	sess.processPublishResponse(&PublishResponse{
		SubscriptionID:      sub.ID(),
		NotificationMessage: &NotificationMessage{SequenceNumber: 2, PublishTime: time.Now()},
	}, false)

	require.Eventually(t, func() bool { return keepAlives.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, PublishStateChangedMask(mask.Load()).Has(PublishStateKeepAlive))
	assert.Equal(t, []uint32{1}, d.get())
	assert.Equal(t, uint32(1), sub.LastSequenceNumberProcessed())
	assert.Equal(t, 1.0, testutil.ToFloat64(sess.Metrics().KeepAliveMessages))
}

func TestTransferredStatusStopsEngine(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)

	var status atomic.Uint32
	var transferred atomic.Bool
	sub.OnStatusChange(func(_ *Subscription, n *StatusChangeNotification) {
		status.Store(uint32(n.Status))
	})
	sub.OnPublishStateChanged(func(_ *Subscription, m PublishStateChangedMask) {
		if m.Has(PublishStateTransferred) {
			transferred.Store(true)
		}
	})
	require.True(t, sub.keepAliveTimer.Running())

	sess.processPublishResponse(&PublishResponse{
		SubscriptionID: sub.ID(),
		NotificationMessage: &NotificationMessage{
			SequenceNumber: 1,
			Notifications:  []Notification{&StatusChangeNotification{Status: StatusGoodSubscriptionTransferred}},
		},
	}, false)

	require.Eventually(t, transferred.Load, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(StatusGoodSubscriptionTransferred), status.Load())
	assert.False(t, sub.keepAliveTimer.Running())
}

func TestItemsReceiveValues(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := NewSubscription()
	item := NewMonitoredItem(NewStringNodeID(2, "Pressure"), WithCacheQueueSize(2))
	sub.AddItem(item)
	require.True(t, sess.AddSubscription(sub))
	require.NoError(t, sub.Create(context.Background()))

	var mu sync.Mutex
	var got []ItemNotification
	item.OnNotification(func(n ItemNotification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	feed(sess, sub, nil, 1, 2, 3)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	last, ok := item.LastValue()
	require.True(t, ok)
	assert.Equal(t, 3.0, last.Value)
	values := item.DequeueValues()
	require.Len(t, values, 2)
	assert.Equal(t, 2.0, values[0].Value)
	assert.Empty(t, item.DequeueValues())

	mu.Lock()
	assert.Equal(t, uint32(1), got[0].SequenceNumber)
	assert.Same(t, item, got[0].Item)
	mu.Unlock()
}

func TestObserverPanicIsIsolated(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)

	sub.OnDataChange(func(*Subscription, *DataChangeNotification, *NotificationMessage) {
		panic("observer failure")
	})
	d := recordDeliveries(sub)

	feed(sess, sub, nil, 1, 2)
	require.Eventually(t, func() bool { return len(d.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{1, 2}, d.get())
}

func TestMessageCacheKeepsRecentMessages(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess, WithMaxMessageCount(2))
	d := recordDeliveries(sub)

	feed(sess, sub, nil, 1, 2, 3)
	require.Eventually(t, func() bool { return len(d.get()) == 3 }, 2*time.Second, 5*time.Millisecond)

	msgs := sub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(2), msgs[0].SequenceNumber)
	assert.Equal(t, uint32(3), msgs[1].SequenceNumber)
}

func TestRepublishRequiresCreatedSubscription(t *testing.T) {
	sub := NewSubscription()
	assert.ErrorIs(t, sub.Republish(context.Background(), 1), ErrInvalidState)
}
