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
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenValidatesOptions(t *testing.T) {
	srv := newFakeServer()
	tests := []struct {
		name string
		dial Dialer
		opts []Option
		want error
	}{
		{"no dialer", nil, nil, ErrInvalidConfiguration},
		{"min publish count", srv.dial, []Option{WithMinPublishRequestCount(0)}, ErrInvalidConfiguration},
		{"max publish count", srv.dial, []Option{WithMaxPublishRequestCount(MaxMaxPublishRequestCount + 1)}, ErrInvalidConfiguration},
		{"operation timeout", srv.dial, []Option{WithOperationTimeout(0)}, ErrInvalidConfiguration},
		{"user name", srv.dial, []Option{WithUserPasswordAuth("", "secret")}, ErrInvalidConfiguration},
		{"certificate", srv.dial, []Option{WithCertificateAuth(nil, nil)}, ErrCertificateRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.dial, tt.opts...)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, srv.called("Dial"), "invalid options never reach the server")
}

func TestOpenCreatesAndActivatesSession(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv, WithNameGenerator(func() string { return "fixed" }))

	assert.True(t, sess.Connected())
	assert.False(t, sess.Closed())
	assert.Equal(t, "Session fixed", sess.SessionName())
	assert.Equal(t, "opc.tcp://fake:4840", sess.Endpoint())
	assert.True(t, NewNumericNodeID(1, 1).Equal(sess.SessionID()))
	assert.Equal(t, DefaultSessionTimeout, sess.SessionTimeout())
	assert.Equal(t, 1, srv.called("CreateSession"))
	assert.Equal(t, 1, srv.called("ActivateSession"))
}

func TestOpenUsesExplicitSessionName(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv, WithSessionName("line-7"))
	assert.Equal(t, "line-7", sess.SessionName())
}

func TestOpenReportsDialFailure(t *testing.T) {
	srv := newFakeServer()
	refused := errors.New("connection refused")
	srv.setDialErr(refused)

	_, err := Open(context.Background(), srv.dial, WithLogger(testLogger()))
	assert.ErrorIs(t, err, refused)
	assert.Zero(t, srv.called("CreateSession"))
}

func TestOpenReportsActivationFailure(t *testing.T) {
	srv := newFakeServer()
	srv.expire(NewNumericNodeID(1, 1))

	_, err := Open(context.Background(), srv.dial, WithLogger(testLogger()))
	assert.True(t, IsStatusCode(err, StatusBadSessionIdInvalid))
	assert.Equal(t, 1, srv.called("Close"), "the transport is released")
}

func TestSessionClose(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)

	var closing atomic.Int32
	sess.OnSessionClosing(func(*Session) { closing.Add(1) })

	require.NoError(t, sess.Close(context.Background()))
	assert.True(t, sess.Closed())
	assert.False(t, sess.Connected())
	assert.Equal(t, int32(1), closing.Load())
	assert.Equal(t, 1, srv.called("CloseSession"))
	require.NotNil(t, srv.lastClose)
	assert.True(t, srv.lastClose.DeleteSubscriptions)
	assert.Equal(t, 1, srv.called("Close"))
	assert.False(t, sub.keepAliveTimer.Running())

	require.NoError(t, sess.Close(context.Background()), "closing twice is a no-op")
	assert.Equal(t, 1, srv.called("CloseSession"))

	_, err := sess.SetPublishingMode(context.Background(), false, sub)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, sess.BeginPublish(0))
}

func TestSessionCloseKeepsSubscriptions(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv, WithDeleteSubscriptionsOnClose(false))
	createTestSubscription(t, sess)

	require.NoError(t, sess.Close(context.Background()))
	require.NotNil(t, srv.lastClose)
	assert.False(t, srv.lastClose.DeleteSubscriptions)
}

func TestSessionDispose(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sess.Dispose()

	assert.True(t, sess.Closed())
	assert.Zero(t, srv.called("CloseSession"))
	assert.Equal(t, 1, srv.called("Close"))
}

func TestSessionOwnsSubscriptions(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	other := openTestSession(t, srv)

	sub := NewSubscription()
	require.True(t, sess.AddSubscription(sub))
	assert.True(t, sess.AddSubscription(sub), "adding again to the owner is accepted")
	assert.False(t, other.AddSubscription(sub))
	assert.Same(t, sess, sub.Session())
	assert.Equal(t, 1, sess.SubscriptionCount())
	assert.Zero(t, other.SubscriptionCount())

	err := other.RemoveSubscription(context.Background(), sub)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	require.NoError(t, sess.RemoveSubscription(context.Background(), sub))
	assert.Nil(t, sub.Session())
	assert.Zero(t, sess.SubscriptionCount())
	assert.Zero(t, srv.called("DeleteSubscriptions"), "a subscription never created is not deleted on the server")
}

func TestRemoveCreatedSubscription(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)

	require.NoError(t, sess.RemoveSubscriptions(context.Background(), sub))
	assert.Equal(t, 1, srv.called("DeleteSubscriptions"))
	assert.False(t, sub.Created())
	assert.Empty(t, sess.Subscriptions())
}

func TestSessionSetPublishingMode(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	a := createTestSubscription(t, sess)
	b := createTestSubscription(t, sess)

	results, err := sess.SetPublishingMode(context.Background(), false, a, b)
	require.NoError(t, err)
	assert.Equal(t, []StatusCode{StatusGood, StatusGood}, results)
	assert.False(t, a.CurrentPublishingEnabled())
	assert.False(t, b.CurrentPublishingEnabled())

	results, err = sess.SetPublishingMode(context.Background(), true)
	assert.NoError(t, err)
	assert.Nil(t, results)

	_, err = sess.SetPublishingMode(context.Background(), true, NewSubscription())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPublishRequestCountLimits(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)

	assert.ErrorIs(t, sess.SetMinPublishRequestCount(0), ErrInvalidConfiguration)
	assert.ErrorIs(t, sess.SetMinPublishRequestCount(MaxMinPublishRequestCount+1), ErrInvalidConfiguration)
	assert.ErrorIs(t, sess.SetMaxPublishRequestCount(0), ErrInvalidConfiguration)

	require.NoError(t, sess.SetMinPublishRequestCount(8))
	require.NoError(t, sess.SetMaxPublishRequestCount(4))
	assert.Equal(t, 8, sess.MinPublishRequestCount())
	assert.Equal(t, 8, sess.MaxPublishRequestCount(), "the maximum never drops below the minimum")
}

func TestSessionNotificationObserver(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)
	sub := createTestSubscription(t, sess)

	var seen atomic.Int32
	remove := sess.OnNotification(func(_ *Session, s *Subscription, msg *NotificationMessage) {
		if s == sub {
			seen.Add(1)
		}
	})
	feed(sess, sub, nil, 1)
	sess.processPublishResponse(keepAliveResponse(sub, 2), false)
	assert.Equal(t, int32(2), seen.Load(), "keep-alives are reported too")

	remove()
	feed(sess, sub, nil, 3)
	assert.Equal(t, int32(2), seen.Load())
}
