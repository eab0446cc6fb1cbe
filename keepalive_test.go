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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keepAliveRecorder struct {
	mu     sync.Mutex
	events []KeepAliveEvent
}

func recordKeepAlives(sess *Session, cancelOn StatusCode) *keepAliveRecorder {
	r := &keepAliveRecorder{}
	sess.OnKeepAlive(func(_ *Session, ev *KeepAliveEvent) {
		if cancelOn != StatusGood && ev.Status.Code() == cancelOn {
			ev.CancelKeepAlive = true
		}
		r.mu.Lock()
		r.events = append(r.events, *ev)
		r.mu.Unlock()
	})
	return r
}

func (r *keepAliveRecorder) has(code StatusCode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Status.Code() == code {
			return true
		}
	}
	return false
}

func (r *keepAliveRecorder) last() KeepAliveEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return KeepAliveEvent{}
	}
	return r.events[len(r.events)-1]
}

func withKeepAliveGuard(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.keepAliveGuard = d
	}
}

func failingRead(code StatusCode) func(*ReadRequest) (*ReadResponse, error) {
	return func(*ReadRequest) (*ReadResponse, error) {
		return nil, NewOPCUAError(ServiceRead, code, "")
	}
}

func TestKeepAliveReadsServerState(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv, WithKeepAliveInterval(30*time.Millisecond))
	rec := recordKeepAlives(sess, StatusGood)
	before := sess.LastKeepAliveTime()

	require.Eventually(t, func() bool { return rec.has(StatusGood) }, 2*time.Second, 5*time.Millisecond)
	ev := rec.last()
	assert.Equal(t, ServerStateRunning, ev.ServerState)
	assert.False(t, ev.CurrentTime.IsZero())
	assert.Equal(t, ServerStateRunning, sess.ServerState())
	assert.True(t, sess.LastKeepAliveTime().After(before))
	assert.False(t, sess.KeepAliveStopped())
}

func TestKeepAliveReportsServerStateChange(t *testing.T) {
	srv := newFakeServer()
	srv.setRead(func(*ReadRequest) (*ReadResponse, error) {
		return &ReadResponse{Results: []DataValue{{Value: int32(ServerStateSuspended)}}}, nil
	})
	sess := openTestSession(t, srv, WithKeepAliveInterval(30*time.Millisecond))

	require.Eventually(t, func() bool { return sess.ServerState() == ServerStateSuspended }, 2*time.Second, 5*time.Millisecond)
}

func TestKeepAliveCancelledOnInvalidSession(t *testing.T) {
	srv := newFakeServer()
	srv.setRead(failingRead(StatusBadSessionIdInvalid))
	sess := openTestSession(t, srv, WithKeepAliveInterval(20*time.Millisecond))
	rec := recordKeepAlives(sess, StatusBadSessionIdInvalid)

	require.Eventually(t, func() bool { return rec.has(StatusBadSessionIdInvalid) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !sess.keepAliveTask.Running() }, time.Second, 5*time.Millisecond)
	assert.True(t, sess.KeepAliveStopped())
	assert.Equal(t, ServerStateUnknown, sess.ServerState())
	assert.GreaterOrEqual(t, testutil.ToFloat64(sess.Metrics().KeepAliveFailures), 1.0)

	// keep-alive reads in flight at cancel time may still finish
	time.Sleep(30 * time.Millisecond)
	reads := srv.called("Read")
	assert.Never(t, func() bool { return srv.called("Read") > reads }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestKeepAliveRecoveryRestartsPublishing(t *testing.T) {
	srv := newFakeServer()
	srv.setRead(failingRead(StatusBadCommunicationError))
	sess := openTestSession(t, srv,
		WithKeepAliveInterval(30*time.Millisecond),
		withKeepAliveGuard(20*time.Millisecond))
	createTestSubscription(t, sess)
	require.Eventually(t, func() bool { return srv.pendingPublishes() == 1 }, time.Second, 5*time.Millisecond)
	rec := recordKeepAlives(sess, StatusGood)

	require.Eventually(t, func() bool { return rec.has(StatusBadNoCommunication) }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sess.KeepAliveStopped())

	srv.setRead(nil)
	require.Eventually(t, func() bool { return rec.last().Status == StatusGood }, 2*time.Second, 5*time.Millisecond)

	// the outstanding publish is written off and replaced
	require.Eventually(t, func() bool { return srv.pendingPublishes() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return sess.GoodPublishRequestCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sess.DefunctRequestCount(), 1)
}

func TestSetKeepAliveInterval(t *testing.T) {
	srv := newFakeServer()
	sess := openTestSession(t, srv)

	assert.ErrorIs(t, sess.SetKeepAliveInterval(0), ErrInvalidConfiguration)
	require.NoError(t, sess.SetKeepAliveInterval(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, sess.KeepAliveInterval())
	assert.True(t, sess.keepAliveTask.Running())
}

func TestServerStateOf(t *testing.T) {
	assert.Equal(t, ServerStateRunning, serverStateOf(int32(0)))
	assert.Equal(t, ServerStateShutdown, serverStateOf(uint32(4)))
	assert.Equal(t, ServerStateFailed, serverStateOf(ServerStateFailed))
	assert.Equal(t, ServerStateTest, serverStateOf(int64(5)))
	assert.Equal(t, ServerStateUnknown, serverStateOf("running"))
	assert.Equal(t, ServerStateUnknown, serverStateOf(nil))
}
