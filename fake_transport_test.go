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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer is an in-memory server shared by every transport dialled
// from it. Publish requests are parked until the test answers them.
type fakeServer struct {
	mu            sync.Mutex
	nextSession   uint32
	nextSub       uint32
	nextItem      uint32
	sessions      map[uint32]bool
	expired       map[uint32]bool
	subscriptions map[uint32]*fakeServerSub
	transports    []*fakeTransport
	calls         map[string]int
	republished   []uint32
	lastCreate    *CreateSubscriptionRequest
	lastClose     *CloseSessionRequest

	dialErr   error
	republish func(*RepublishRequest) (*RepublishResponse, error)
	transfer  func(*TransferSubscriptionsRequest) (*TransferSubscriptionsResponse, error)
	read      func(*ReadRequest) (*ReadResponse, error)
	activate  func(context.Context, *ActivateSessionRequest) error

	publishes chan *fakePublish
}

type fakeServerSub struct {
	serverHandles []uint32
	clientHandles []uint32
}

type fakePublish struct {
	transport *fakeTransport
	req       *PublishRequest
	reply     chan fakePublishReply
}

type fakePublishReply struct {
	resp *PublishResponse
	err  error
}

func (p *fakePublish) respond(resp *PublishResponse) {
	p.reply <- fakePublishReply{resp: resp}
}

func (p *fakePublish) fail(err error) {
	p.reply <- fakePublishReply{err: err}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		sessions:      make(map[uint32]bool),
		expired:       make(map[uint32]bool),
		subscriptions: make(map[uint32]*fakeServerSub),
		calls:         make(map[string]int),
		publishes:     make(chan *fakePublish, 256),
	}
}

func (srv *fakeServer) dial(ctx context.Context) (Transport, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["Dial"]++
	if srv.dialErr != nil {
		return nil, srv.dialErr
	}
	t := &fakeTransport{srv: srv, closed: make(chan struct{})}
	srv.transports = append(srv.transports, t)
	return t, nil
}

func (srv *fakeServer) record(name string) {
	srv.mu.Lock()
	srv.calls[name]++
	srv.mu.Unlock()
}

func (srv *fakeServer) called(name string) int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.calls[name]
}

func (srv *fakeServer) republishedSeqs() []uint32 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]uint32(nil), srv.republished...)
}

func (srv *fakeServer) transport(i int) *fakeTransport {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if i >= len(srv.transports) {
		return nil
	}
	return srv.transports[i]
}

func (srv *fakeServer) setDialErr(err error) {
	srv.mu.Lock()
	srv.dialErr = err
	srv.mu.Unlock()
}

func (srv *fakeServer) setRepublish(fn func(*RepublishRequest) (*RepublishResponse, error)) {
	srv.mu.Lock()
	srv.republish = fn
	srv.mu.Unlock()
}

func (srv *fakeServer) setTransfer(fn func(*TransferSubscriptionsRequest) (*TransferSubscriptionsResponse, error)) {
	srv.mu.Lock()
	srv.transfer = fn
	srv.mu.Unlock()
}

func (srv *fakeServer) setRead(fn func(*ReadRequest) (*ReadResponse, error)) {
	srv.mu.Lock()
	srv.read = fn
	srv.mu.Unlock()
}

func (srv *fakeServer) setActivate(fn func(context.Context, *ActivateSessionRequest) error) {
	srv.mu.Lock()
	srv.activate = fn
	srv.mu.Unlock()
}

// expire makes the server forget a session so activating it fails.
func (srv *fakeServer) expire(id NodeID) {
	srv.mu.Lock()
	srv.expired[id.Numeric] = true
	srv.mu.Unlock()
}

// nextPublish waits for the next parked publish request.
func (srv *fakeServer) nextPublish(t *testing.T) *fakePublish {
	t.Helper()
	select {
	case p := <-srv.publishes:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no publish request received")
		return nil
	}
}

// publishFrom waits for a publish request sent on tr, dropping others.
func (srv *fakeServer) publishFrom(t *testing.T, tr *fakeTransport) *fakePublish {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p := <-srv.publishes:
			if p.transport == tr {
				return p
			}
		case <-deadline:
			t.Fatal("no publish request received on the transport")
			return nil
		}
	}
}

func (srv *fakeServer) pendingPublishes() int {
	return len(srv.publishes)
}

// fakeTransport is one channel to a fakeServer.
type fakeTransport struct {
	srv    *fakeServer
	closed chan struct{}
	once   sync.Once
}

func (t *fakeTransport) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["CreateSession"]++
	srv.nextSession++
	id := srv.nextSession
	srv.sessions[id] = true
	return &CreateSessionResponse{
		Header:              ResponseHeader{RequestHandle: req.Header.RequestHandle},
		SessionID:           NewNumericNodeID(1, id),
		AuthenticationToken: NewNumericNodeID(1, 1000+id),
		RevisedTimeout:      req.RequestedTimeout,
		ServerNonce:         []byte{byte(id)},
	}, nil
}

func (t *fakeTransport) ActivateSession(ctx context.Context, req *ActivateSessionRequest) (*ActivateSessionResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	srv.calls["ActivateSession"]++
	hook := srv.activate
	srv.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	id := req.SessionID.Numeric
	if !srv.sessions[id] || srv.expired[id] {
		return nil, NewOPCUAError(ServiceActivateSession, StatusBadSessionIdInvalid, "")
	}
	return &ActivateSessionResponse{ServerNonce: []byte{byte(id), 1}}, nil
}

func (t *fakeTransport) CloseSession(ctx context.Context, req *CloseSessionRequest) error {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["CloseSession"]++
	srv.lastClose = req
	return nil
}

func (t *fakeTransport) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	t.srv.record("Read")
	t.srv.mu.Lock()
	fn := t.srv.read
	t.srv.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &ReadResponse{
		Header:  ResponseHeader{Timestamp: time.Now()},
		Results: []DataValue{{Value: int32(ServerStateRunning)}},
	}, nil
}

func (t *fakeTransport) Call(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["Call"]++
	resp := &CallResponse{}
	for _, m := range req.MethodsToCall {
		r := CallMethodResult{StatusCode: StatusGood}
		if m.MethodID.Equal(GetMonitoredItemsMethodID) {
			id, _ := m.InputArguments[0].(uint32)
			sub, ok := srv.subscriptions[id]
			if !ok {
				r.StatusCode = StatusBadSubscriptionIdInvalid
			} else {
				r.OutputArguments = []interface{}{
					append([]uint32(nil), sub.serverHandles...),
					append([]uint32(nil), sub.clientHandles...),
				}
			}
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}

func (t *fakeTransport) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	p := &fakePublish{transport: t, req: req, reply: make(chan fakePublishReply, 1)}
	select {
	case t.srv.publishes <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, NewOPCUAError(ServicePublish, StatusBadConnectionClosed, "")
	}
	select {
	case r := <-p.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, NewOPCUAError(ServicePublish, StatusBadConnectionClosed, "")
	}
}

func (t *fakeTransport) Republish(ctx context.Context, req *RepublishRequest) (*RepublishResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	srv.calls["Republish"]++
	srv.republished = append(srv.republished, req.RetransmitSequenceNumber)
	fn := srv.republish
	srv.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil, NewOPCUAError(ServiceRepublish, StatusBadMessageNotAvailable, "")
}

func (t *fakeTransport) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*CreateSubscriptionResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["CreateSubscription"]++
	srv.nextSub++
	srv.subscriptions[srv.nextSub] = &fakeServerSub{}
	c := *req
	srv.lastCreate = &c
	return &CreateSubscriptionResponse{
		SubscriptionID:            srv.nextSub,
		RevisedPublishingInterval: req.RequestedPublishingInterval,
		RevisedLifetimeCount:      req.RequestedLifetimeCount,
		RevisedMaxKeepAliveCount:  req.RequestedMaxKeepAliveCount,
	}, nil
}

func (t *fakeTransport) ModifySubscription(ctx context.Context, req *ModifySubscriptionRequest) (*ModifySubscriptionResponse, error) {
	t.srv.record("ModifySubscription")
	return &ModifySubscriptionResponse{
		RevisedPublishingInterval: req.RequestedPublishingInterval,
		RevisedLifetimeCount:      req.RequestedLifetimeCount,
		RevisedMaxKeepAliveCount:  req.RequestedMaxKeepAliveCount,
	}, nil
}

func (t *fakeTransport) DeleteSubscriptions(ctx context.Context, req *DeleteSubscriptionsRequest) (*DeleteSubscriptionsResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["DeleteSubscriptions"]++
	resp := &DeleteSubscriptionsResponse{}
	for _, id := range req.SubscriptionIDs {
		if _, ok := srv.subscriptions[id]; !ok {
			resp.Results = append(resp.Results, StatusBadSubscriptionIdInvalid)
			continue
		}
		delete(srv.subscriptions, id)
		resp.Results = append(resp.Results, StatusGood)
	}
	return resp, nil
}

func (t *fakeTransport) SetPublishingMode(ctx context.Context, req *SetPublishingModeRequest) (*SetPublishingModeResponse, error) {
	t.srv.record("SetPublishingMode")
	resp := &SetPublishingModeResponse{}
	for range req.SubscriptionIDs {
		resp.Results = append(resp.Results, StatusGood)
	}
	return resp, nil
}

func (t *fakeTransport) TransferSubscriptions(ctx context.Context, req *TransferSubscriptionsRequest) (*TransferSubscriptionsResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	srv.calls["TransferSubscriptions"]++
	fn := srv.transfer
	resp := &TransferSubscriptionsResponse{}
	for _, id := range req.SubscriptionIDs {
		r := TransferResult{StatusCode: StatusGood}
		if _, ok := srv.subscriptions[id]; !ok {
			r.StatusCode = StatusBadSubscriptionIdInvalid
		}
		resp.Results = append(resp.Results, r)
	}
	srv.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return resp, nil
}

func (t *fakeTransport) CreateMonitoredItems(ctx context.Context, req *CreateMonitoredItemsRequest) (*CreateMonitoredItemsResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["CreateMonitoredItems"]++
	sub, ok := srv.subscriptions[req.SubscriptionID]
	if !ok {
		return nil, NewOPCUAError(ServiceCreateMonitoredItems, StatusBadSubscriptionIdInvalid, "")
	}
	resp := &CreateMonitoredItemsResponse{}
	for _, item := range req.ItemsToCreate {
		srv.nextItem++
		sub.serverHandles = append(sub.serverHandles, srv.nextItem)
		sub.clientHandles = append(sub.clientHandles, item.RequestedParameters.ClientHandle)
		resp.Results = append(resp.Results, MonitoredItemCreateResult{
			StatusCode:              StatusGood,
			MonitoredItemID:         srv.nextItem,
			RevisedSamplingInterval: item.RequestedParameters.SamplingInterval,
			RevisedQueueSize:        item.RequestedParameters.QueueSize,
		})
	}
	return resp, nil
}

func (t *fakeTransport) ModifyMonitoredItems(ctx context.Context, req *ModifyMonitoredItemsRequest) (*ModifyMonitoredItemsResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["ModifyMonitoredItems"]++
	sub := srv.subscriptions[req.SubscriptionID]
	resp := &ModifyMonitoredItemsResponse{}
	for _, item := range req.ItemsToModify {
		if sub != nil {
			for i, id := range sub.serverHandles {
				if id == item.MonitoredItemID {
					sub.clientHandles[i] = item.RequestedParameters.ClientHandle
				}
			}
		}
		resp.Results = append(resp.Results, MonitoredItemModifyResult{
			StatusCode:              StatusGood,
			RevisedSamplingInterval: item.RequestedParameters.SamplingInterval,
			RevisedQueueSize:        item.RequestedParameters.QueueSize,
		})
	}
	return resp, nil
}

func (t *fakeTransport) DeleteMonitoredItems(ctx context.Context, req *DeleteMonitoredItemsRequest) (*DeleteMonitoredItemsResponse, error) {
	srv := t.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.calls["DeleteMonitoredItems"]++
	sub := srv.subscriptions[req.SubscriptionID]
	resp := &DeleteMonitoredItemsResponse{}
	for _, id := range req.MonitoredItemIDs {
		if sub != nil {
			for i, v := range sub.serverHandles {
				if v == id {
					sub.serverHandles = append(sub.serverHandles[:i:i], sub.serverHandles[i+1:]...)
					sub.clientHandles = append(sub.clientHandles[:i:i], sub.clientHandles[i+1:]...)
					break
				}
			}
		}
		resp.Results = append(resp.Results, StatusGood)
	}
	return resp, nil
}

func (t *fakeTransport) SetMonitoringMode(ctx context.Context, req *SetMonitoringModeRequest) (*SetMonitoringModeResponse, error) {
	t.srv.record("SetMonitoringMode")
	resp := &SetMonitoringModeResponse{}
	for range req.MonitoredItemIDs {
		resp.Results = append(resp.Results, StatusGood)
	}
	return resp, nil
}

func (t *fakeTransport) Close(ctx context.Context) error {
	t.once.Do(func() {
		t.srv.record("Close")
		close(t.closed)
	})
	return nil
}

var _ Transport = (*fakeTransport)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withEngineTimings shortens the reassembly timers.
func withEngineTimings(republishDelay, messageExpiry time.Duration) Option {
	return func(o *sessionOptions) {
		o.republishDelay = republishDelay
		o.messageExpiry = messageExpiry
	}
}

func withPublishThrottle(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.publishThrottle = d
	}
}

func openTestSession(t *testing.T, srv *fakeServer, opts ...Option) *Session {
	t.Helper()
	all := append([]Option{
		WithEndpoint("opc.tcp://fake:4840"),
		WithLogger(testLogger()),
	}, opts...)
	sess, err := Open(context.Background(), srv.dial, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

// createTestSubscription creates a subscription with one item on sess.
func createTestSubscription(t *testing.T, sess *Session, opts ...SubscriptionOption) *Subscription {
	t.Helper()
	sub := NewSubscription(opts...)
	sub.AddItem(NewMonitoredItem(NewStringNodeID(2, "Temperature")))
	require.True(t, sess.AddSubscription(sub))
	require.NoError(t, sub.Create(context.Background()))
	return sub
}

func dataMessage(seq, handle uint32) *NotificationMessage {
	return &NotificationMessage{
		SequenceNumber: seq,
		PublishTime:    time.Now(),
		Notifications: []Notification{&DataChangeNotification{
			MonitoredItems: []MonitoredItemNotification{{
				ClientHandle: handle,
				Value:        DataValue{Value: float64(seq), Status: StatusGood},
			}},
		}},
	}
}

// feed hands data messages to the session as publish responses.
func feed(sess *Session, sub *Subscription, available []uint32, seqs ...uint32) {
	for _, seq := range seqs {
		sess.processPublishResponse(&PublishResponse{
			SubscriptionID:           sub.ID(),
			AvailableSequenceNumbers: available,
			NotificationMessage:      dataMessage(seq, 1),
		}, false)
	}
}

// republishFrom answers republish requests with a data message.
func republishFrom(req *RepublishRequest) (*RepublishResponse, error) {
	return &RepublishResponse{NotificationMessage: dataMessage(req.RetransmitSequenceNumber, 1)}, nil
}

// deliveries records the sequence numbers delivered to a subscription.
type deliveries struct {
	mu   sync.Mutex
	seqs []uint32
}

func recordDeliveries(sub *Subscription) *deliveries {
	d := &deliveries{}
	sub.OnDataChange(func(_ *Subscription, _ *DataChangeNotification, msg *NotificationMessage) {
		d.mu.Lock()
		d.seqs = append(d.seqs, msg.SequenceNumber)
		d.mu.Unlock()
	})
	return d
}

func (d *deliveries) get() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.seqs...)
}
