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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Session is a client session with an OPC UA server. It owns the
// subscriptions created through it, keeps enough publish requests
// outstanding to serve them and watches the server with keep-alive reads.
type Session struct {
	opts *sessionOptions
	dial Dialer

	mu                  sync.RWMutex
	transport           Transport
	sessionID           NodeID
	authenticationToken NodeID
	revisedTimeout      time.Duration
	serverNonce         []byte
	connected           bool
	closed              bool
	reconnecting        bool
	subscriptions       []*Subscription

	minPublishRequestCount int
	maxPublishRequestCount int
	tooManyPublishRequests int

	keepAliveInterval  time.Duration
	lastKeepAlive      time.Time
	lastKeepAliveError StatusCode
	keepAliveCancelled bool
	serverState        ServerState

	ackMu sync.Mutex
	acks  []SubscriptionAcknowledgement

	tracker       *requestTracker
	handles       handleCounter
	keepAliveTask *periodicTask
	keepAliveBusy atomic.Bool
	publishRetry  *scheduledTask

	transferDisabled atomic.Bool

	bgCtx    context.Context
	bgCancel context.CancelFunc

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	keepAliveObservers    observerList[func(*Session, *KeepAliveEvent)]
	publishErrorObservers observerList[func(*Session, *PublishErrorEvent)]
	notificationObservers observerList[func(*Session, *Subscription, *NotificationMessage)]
	ackObservers          observerList[func(*Session, *AcknowledgementBatch)]
	closingObservers      observerList[func(*Session)]
}

// Open dials the server, then creates and activates a session.
func Open(ctx context.Context, dial Dialer, opts ...Option) (*Session, error) {
	if dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidConfiguration)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	s := newSession(o, dial)
	if err := s.open(ctx); err != nil {
		s.Dispose()
		return nil, err
	}
	return s, nil
}

// newSession builds an unopened session from an options snapshot.
func newSession(o *sessionOptions, dial Dialer) *Session {
	if o.sessionName == "" {
		o.sessionName = "Session " + o.names()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Session{
		opts:                   o,
		dial:                   dial,
		minPublishRequestCount: o.minPublishRequestCount,
		maxPublishRequestCount: o.maxPublishRequestCount,
		keepAliveInterval:      o.keepAliveInterval,
		serverState:            ServerStateUnknown,
		tracker:                newRequestTracker(o.defunctAge),
		bgCtx:                  bgCtx,
		bgCancel:               bgCancel,
		logger:                 o.logger.With(slog.String("session", o.sessionName)),
		metrics:                o.metrics,
		now:                    time.Now,
	}
	s.keepAliveTask = newPeriodicTask(s.onKeepAliveTick)
	s.publishRetry = newScheduledTask(s.refillPublish)
	return s
}

func (s *Session) open(ctx context.Context) error {
	tr, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	s.mu.Lock()
	s.transport = tr
	s.mu.Unlock()

	octx, cancel := s.withTimeout(ctx)
	defer cancel()
	created, err := tr.CreateSession(octx, &CreateSessionRequest{
		Header:           s.requestHeader(),
		SessionName:      s.opts.sessionName,
		EndpointURL:      s.opts.endpoint,
		ApplicationURI:   s.opts.applicationURI,
		RequestedTimeout: s.opts.sessionTimeout,
	})
	if err != nil {
		return fmt.Errorf("create session failed: %w", err)
	}
	s.mu.Lock()
	s.sessionID = created.SessionID
	s.authenticationToken = created.AuthenticationToken
	s.revisedTimeout = created.RevisedTimeout
	s.serverNonce = created.ServerNonce
	s.mu.Unlock()

	if err := s.activate(octx, tr); err != nil {
		return fmt.Errorf("activate session failed: %w", err)
	}

	s.mu.Lock()
	s.connected = true
	s.lastKeepAlive = s.now()
	s.lastKeepAliveError = StatusGood
	s.mu.Unlock()

	s.logger.Info("session created",
		slog.String("session_id", created.SessionID.Text()),
		slog.Duration("timeout", created.RevisedTimeout))
	s.startKeepAlive()
	return nil
}

func (s *Session) activate(ctx context.Context, tr Transport) error {
	s.mu.RLock()
	req := &ActivateSessionRequest{
		Header:              s.requestHeader(),
		SessionID:           s.sessionID,
		AuthenticationToken: s.authenticationToken,
		Identity:            s.opts.identity,
		Locales:             s.opts.locales,
	}
	s.mu.RUnlock()
	resp, err := tr.ActivateSession(ctx, req)
	if err != nil {
		return err
	}
	if resp.ServerNonce != nil {
		s.mu.Lock()
		s.serverNonce = resp.ServerNonce
		s.mu.Unlock()
	}
	return nil
}

// Close closes the session on the server and releases the transport.
// Subscriptions are deleted on the server when DeleteSubscriptionsOnClose is set.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.stopKeepAlive()
	notify(s.logger, "session.closing", &s.closingObservers, func(fn func(*Session)) { fn(s) })

	s.mu.Lock()
	s.closed = true
	tr := s.transport
	connected := s.connected
	s.connected = false
	healthy := !s.keepAliveStoppedLocked(s.now())
	subs := append([]*Subscription(nil), s.subscriptions...)
	s.mu.Unlock()

	var errs []error
	if tr != nil && connected && healthy {
		cctx, cancel := s.withTimeout(ctx)
		err := tr.CloseSession(cctx, &CloseSessionRequest{
			Header:              s.requestHeader(),
			DeleteSubscriptions: s.opts.deleteSubscriptionsOnClose,
		})
		cancel()
		if err != nil {
			s.logger.Warn("close session failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if tr != nil {
		if err := tr.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.publishRetry.Stop()
	s.bgCancel()
	for _, sub := range subs {
		sub.stopEngine()
	}
	s.logger.Info("session closed")
	return errors.Join(errs...)
}

// Dispose releases local resources without talking to the server.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	tr := s.transport
	subs := append([]*Subscription(nil), s.subscriptions...)
	s.mu.Unlock()

	s.stopKeepAlive()
	s.publishRetry.Stop()
	s.bgCancel()
	for _, sub := range subs {
		sub.stopEngine()
	}
	if tr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = tr.Close(ctx)
		cancel()
	}
}

// prepare returns the transport and a context bounded by the operation
// timeout for a facade service call.
func (s *Session) prepare(ctx context.Context) (Transport, context.Context, context.CancelFunc, error) {
	s.mu.RLock()
	tr, closed, connected := s.transport, s.closed, s.connected
	s.mu.RUnlock()
	switch {
	case closed:
		return nil, nil, nil, ErrSessionClosed
	case !connected || tr == nil:
		return nil, nil, nil, ErrNotConnected
	}
	cctx, cancel := s.withTimeout(ctx)
	return tr, cctx, cancel, nil
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.operationTimeout)
}

func (s *Session) requestHeader() RequestHeader {
	return RequestHeader{
		RequestHandle: s.handles.next(),
		TimeoutHint:   s.opts.operationTimeout,
	}
}

// callMethod calls one method and returns its output arguments.
func (s *Session) callMethod(ctx context.Context, objectID, methodID NodeID, args ...interface{}) ([]interface{}, error) {
	tr, cctx, cancel, err := s.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	resp, err := tr.Call(cctx, &CallRequest{
		Header: s.requestHeader(),
		MethodsToCall: []CallMethodRequest{{
			ObjectID:       objectID,
			MethodID:       methodID,
			InputArguments: args,
		}},
	})
	if err != nil {
		return nil, err
	}
	if err := validateResults(ServiceCall, len(resp.Results), 1); err != nil {
		return nil, err
	}
	if sc := resp.Results[0].StatusCode; sc.IsBad() {
		return nil, NewOPCUAError(ServiceCall, sc, "method "+methodID.Text())
	}
	return resp.Results[0].OutputArguments, nil
}

// SessionID returns the server assigned session id.
func (s *Session) SessionID() NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SessionName returns the session name.
func (s *Session) SessionName() string {
	return s.opts.sessionName
}

// Endpoint returns the endpoint URL.
func (s *Session) Endpoint() string {
	return s.opts.endpoint
}

// SessionTimeout returns the timeout revised by the server.
func (s *Session) SessionTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.revisedTimeout > 0 {
		return s.revisedTimeout
	}
	return s.opts.sessionTimeout
}

// OperationTimeout returns the timeout of facade service calls.
func (s *Session) OperationTimeout() time.Duration {
	return s.opts.operationTimeout
}

// Connected reports whether the session is activated on a transport.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && !s.closed
}

// Closed reports whether Close or Dispose was called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Reconnecting reports whether a reconnect or transfer is in progress.
func (s *Session) Reconnecting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnecting
}

// Metrics returns the collectors the session reports to.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// GoodPublishRequestCount returns the outstanding publish requests not defunct.
func (s *Session) GoodPublishRequestCount() int {
	return s.tracker.good(RequestTypePublish)
}

// OutstandingRequestCount returns every tracked outstanding request.
func (s *Session) OutstandingRequestCount() int {
	return s.tracker.outstanding()
}

// DefunctRequestCount returns the outstanding requests flagged defunct.
func (s *Session) DefunctRequestCount() int {
	return s.tracker.defunct()
}

// MinPublishRequestCount returns the minimum number of outstanding publish requests.
func (s *Session) MinPublishRequestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minPublishRequestCount
}

// SetMinPublishRequestCount changes the minimum number of outstanding publish requests.
func (s *Session) SetMinPublishRequestCount(n int) error {
	if n < 1 || n > MaxMinPublishRequestCount {
		return fmt.Errorf("%w: min publish request count %d out of range", ErrInvalidConfiguration, n)
	}
	s.mu.Lock()
	s.minPublishRequestCount = n
	s.mu.Unlock()
	return nil
}

// MaxPublishRequestCount returns the maximum number of outstanding publish
// requests, never below the minimum.
func (s *Session) MaxPublishRequestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.maxPublishRequestCount < s.minPublishRequestCount {
		return s.minPublishRequestCount
	}
	return s.maxPublishRequestCount
}

// SetMaxPublishRequestCount changes the maximum number of outstanding publish requests.
func (s *Session) SetMaxPublishRequestCount(n int) error {
	if n < 1 || n > MaxMaxPublishRequestCount {
		return fmt.Errorf("%w: max publish request count %d out of range", ErrInvalidConfiguration, n)
	}
	s.mu.Lock()
	s.maxPublishRequestCount = n
	s.mu.Unlock()
	return nil
}

// OnKeepAlive registers fn for keep-alive results.
func (s *Session) OnKeepAlive(fn func(*Session, *KeepAliveEvent)) func() {
	return s.keepAliveObservers.add(fn)
}

// OnPublishError registers fn for failed publish and republish requests.
func (s *Session) OnPublishError(fn func(*Session, *PublishErrorEvent)) func() {
	return s.publishErrorObservers.add(fn)
}

// OnNotification registers fn for every notification message received,
// keep-alives included, before it is reassembled.
func (s *Session) OnNotification(fn func(*Session, *Subscription, *NotificationMessage)) func() {
	return s.notificationObservers.add(fn)
}

// OnPublishSequenceNumbersToAcknowledge registers fn to inspect the
// acknowledgements of the next publish request.
func (s *Session) OnPublishSequenceNumbersToAcknowledge(fn func(*Session, *AcknowledgementBatch)) func() {
	return s.ackObservers.add(fn)
}

// OnSessionClosing registers fn called when Close starts.
func (s *Session) OnSessionClosing(fn func(*Session)) func() {
	return s.closingObservers.add(fn)
}

func (s *Session) raisePublishError(ev *PublishErrorEvent) {
	notify(s.logger, "session.publish_error", &s.publishErrorObservers, func(fn func(*Session, *PublishErrorEvent)) {
		fn(s, ev)
	})
}

// Subscriptions returns a copy of the owned subscriptions.
func (s *Session) Subscriptions() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Subscription(nil), s.subscriptions...)
}

// SubscriptionCount returns the number of owned subscriptions.
func (s *Session) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

func (s *Session) findSubscription(id uint32) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscriptions {
		if sub.ID() == id {
			return sub
		}
	}
	return nil
}

// AddSubscription makes the session own sub. It returns false when sub
// already belongs to a session.
func (s *Session) AddSubscription(sub *Subscription) bool {
	if owner := sub.Session(); owner != nil {
		return owner == s && s.owns(sub)
	}
	return s.addSubscription(sub)
}

func (s *Session) owns(sub *Subscription) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.subscriptions {
		if v == sub {
			return true
		}
	}
	return false
}

func (s *Session) addSubscription(sub *Subscription) bool {
	s.mu.Lock()
	for _, v := range s.subscriptions {
		if v == sub {
			s.mu.Unlock()
			return false
		}
	}
	s.subscriptions = append(s.subscriptions, sub)
	s.mu.Unlock()
	sub.attach(s)
	return true
}

// removeTransferred drops sub without deleting it on the server.
func (s *Session) removeTransferred(sub *Subscription) bool {
	s.mu.Lock()
	found := false
	for i, v := range s.subscriptions {
		if v == sub {
			s.subscriptions = append(s.subscriptions[:i:i], s.subscriptions[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		sub.detach(s)
	}
	return found
}

// RemoveSubscription deletes sub on the server and drops it.
func (s *Session) RemoveSubscription(ctx context.Context, sub *Subscription) error {
	return s.RemoveSubscriptions(ctx, sub)
}

// RemoveSubscriptions deletes the subscriptions on the server and drops them.
func (s *Session) RemoveSubscriptions(ctx context.Context, subs ...*Subscription) error {
	var errs []error
	for _, sub := range subs {
		if !s.owns(sub) {
			errs = append(errs, fmt.Errorf("%w: subscription %d", ErrSubscriptionNotFound, sub.ID()))
			continue
		}
		if sub.Created() {
			if err := sub.Delete(ctx, false); err != nil {
				errs = append(errs, err)
			}
		}
		s.removeTransferred(sub)
	}
	return errors.Join(errs...)
}

// SetPublishingMode enables or disables publishing of several subscriptions
// in one call.
func (s *Session) SetPublishingMode(ctx context.Context, enabled bool, subs ...*Subscription) ([]StatusCode, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	ids := make([]uint32, len(subs))
	for i, sub := range subs {
		if !sub.Created() {
			return nil, fmt.Errorf("%w: subscription has not been created", ErrInvalidState)
		}
		ids[i] = sub.ID()
	}
	tr, cctx, cancel, err := s.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	resp, err := tr.SetPublishingMode(cctx, &SetPublishingModeRequest{
		Header:            s.requestHeader(),
		PublishingEnabled: enabled,
		SubscriptionIDs:   ids,
	})
	if err != nil {
		return nil, err
	}
	if err := validateResults(ServiceSetPublishingMode, len(resp.Results), len(ids)); err != nil {
		return nil, err
	}
	for i, sub := range subs {
		if resp.Results[i].IsGood() {
			sub.mu.Lock()
			sub.cfg.publishingEnabled = enabled
			sub.currentPublishingEnabled = enabled
			sub.mu.Unlock()
			sub.raiseStateChanged(SubscriptionChangeModified)
		}
	}
	return resp.Results, nil
}

// ResendData asks the server to resend current values of the subscriptions.
func (s *Session) ResendData(ctx context.Context, subs ...*Subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := sub.ResendData(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) deleteOrphan(id uint32) {
	tr, ctx, cancel, err := s.prepare(s.bgCtx)
	if err != nil {
		return
	}
	defer cancel()
	s.logger.Info("deleting subscription unknown to the session", slog.Uint64("subscription_id", uint64(id)))
	if _, err := tr.DeleteSubscriptions(ctx, &DeleteSubscriptionsRequest{
		Header:          s.requestHeader(),
		SubscriptionIDs: []uint32{id},
	}); err != nil {
		s.logger.Warn("delete of unknown subscription failed",
			slog.Uint64("subscription_id", uint64(id)),
			slog.String("error", err.Error()))
	}
}
