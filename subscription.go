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
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var discardMetrics = NewMetrics()

// engineTimings are taken over from the owning session.
type engineTimings struct {
	republishDelay time.Duration
	messageExpiry  time.Duration
	keepAliveGuard time.Duration
}

// Subscription groups monitored items published together by the server.
//
// Lock order: a session lock may be held while taking mu or cacheMu, never
// the reverse. The id, transfer id and owning session are atomics so the
// session can read them without taking mu.
type Subscription struct {
	mu  sync.RWMutex
	cfg subscriptionOptions

	id         atomic.Uint32
	transferID atomic.Uint32
	session    atomic.Pointer[Session]
	logger     atomic.Pointer[slog.Logger]
	metrics    atomic.Pointer[Metrics]

	currentPublishingInterval float64
	currentKeepAliveCount     uint32
	currentLifetimeCount      uint32
	currentPublishingEnabled  bool
	currentPriority           uint8

	items        map[uint32]*MonitoredItem
	itemOrder    []*MonitoredItem
	deletedItems []*MonitoredItem
	nextHandle   uint32

	// reassembly state, guarded by cacheMu
	cacheMu          sync.Mutex
	incoming         *messageCache
	lastProcessed    uint32
	resync           bool
	available        []uint32
	lastNotification time.Time
	publishStopped   bool
	pendingKeepAlive *NotificationMessage
	messages         []*NotificationMessage
	timings          engineTimings
	workerCancel     context.CancelFunc

	// processMu is held by whichever worker is processing; a stopped
	// worker may still be finishing a round when its successor starts.
	processMu      sync.Mutex
	wake           chan struct{}
	keepAliveTimer *periodicTask
	republishTimer *scheduledTask
	now            func() time.Time

	stateChanged  observerList[func(*Subscription, SubscriptionChangeMask)]
	publishState  observerList[func(*Subscription, PublishStateChangedMask)]
	dataChanges   observerList[func(*Subscription, *DataChangeNotification, *NotificationMessage)]
	events        observerList[func(*Subscription, *EventNotificationList, *NotificationMessage)]
	keepAlives    observerList[func(*Subscription, *NotificationMessage)]
	statusChanges observerList[func(*Subscription, *StatusChangeNotification)]
}

// NewSubscription creates a subscription that is not yet added to a session.
func NewSubscription(opts ...SubscriptionOption) *Subscription {
	cfg := defaultSubscriptionOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	return newSubscription(*cfg)
}

func newSubscription(cfg subscriptionOptions) *Subscription {
	if cfg.maxMessageCount < 1 {
		cfg.maxMessageCount = defaultMaxMessageCount
	}
	s := &Subscription{
		cfg:      cfg,
		items:    make(map[uint32]*MonitoredItem),
		incoming: newMessageCache(),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		timings: engineTimings{
			republishDelay: defaultRepublishDelay,
			messageExpiry:  defaultMessageExpiry,
			keepAliveGuard: defaultKeepAliveGuard,
		},
	}
	s.logger.Store(slog.Default())
	s.metrics.Store(discardMetrics)
	s.keepAliveTimer = newPeriodicTask(s.checkPublishing)
	s.republishTimer = newScheduledTask(s.signal)
	return s
}

func (s *Subscription) log() *slog.Logger {
	return s.logger.Load().With(slog.Uint64("subscription_id", uint64(s.ID())))
}

// attach makes sess the owner. The session logger, metrics and timings
// are taken over.
func (s *Subscription) attach(sess *Session) {
	s.session.Store(sess)
	s.logger.Store(sess.logger)
	s.metrics.Store(sess.metrics)
	if s.cfg.displayName == "" {
		s.mu.Lock()
		if s.cfg.displayName == "" {
			s.cfg.displayName = "Subscription " + sess.opts.names()
		}
		s.mu.Unlock()
	}
	s.cacheMu.Lock()
	s.timings = engineTimings{
		republishDelay: sess.opts.republishDelay,
		messageExpiry:  sess.opts.messageExpiry,
		keepAliveGuard: sess.opts.keepAliveGuard,
	}
	s.cacheMu.Unlock()
}

func (s *Subscription) detach(sess *Session) {
	s.session.CompareAndSwap(sess, nil)
}

// ID returns the server assigned id, 0 when not created.
func (s *Subscription) ID() uint32 {
	return s.id.Load()
}

// TransferID returns the id used to transfer the subscription to another session.
func (s *Subscription) TransferID() uint32 {
	return s.transferID.Load()
}

// Created reports whether the subscription exists on the server.
func (s *Subscription) Created() bool {
	return s.ID() != 0
}

// Session returns the owning session.
func (s *Subscription) Session() *Session {
	return s.session.Load()
}

// DisplayName returns the display name.
func (s *Subscription) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.displayName
}

// PublishingInterval returns the requested publishing interval in milliseconds.
func (s *Subscription) PublishingInterval() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.publishingInterval
}

// SetPublishingInterval changes the requested interval; Modify sends it.
func (s *Subscription) SetPublishingInterval(interval float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.publishingInterval = interval
}

// KeepAliveCount returns the requested max keep-alive count.
func (s *Subscription) KeepAliveCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.keepAliveCount
}

// SetKeepAliveCount changes the requested max keep-alive count.
func (s *Subscription) SetKeepAliveCount(count uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.keepAliveCount = count
}

// LifetimeCount returns the requested lifetime count.
func (s *Subscription) LifetimeCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.lifetimeCount
}

// SetLifetimeCount changes the requested lifetime count.
func (s *Subscription) SetLifetimeCount(count uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.lifetimeCount = count
}

// SetMaxNotificationsPerPublish changes the requested notification limit.
func (s *Subscription) SetMaxNotificationsPerPublish(count uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.maxNotifications = count
}

// SetPriority changes the requested priority.
func (s *Subscription) SetPriority(priority uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.priority = priority
}

// CurrentPublishingInterval returns the interval revised by the server.
func (s *Subscription) CurrentPublishingInterval() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPublishingInterval
}

// CurrentKeepAliveCount returns the keep-alive count revised by the server.
func (s *Subscription) CurrentKeepAliveCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentKeepAliveCount
}

// CurrentLifetimeCount returns the lifetime count revised by the server.
func (s *Subscription) CurrentLifetimeCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLifetimeCount
}

// CurrentPublishingEnabled returns the publishing mode on the server.
func (s *Subscription) CurrentPublishingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPublishingEnabled
}

// SequentialPublishing reports whether a failed republish is retried until the gap expires.
func (s *Subscription) SequentialPublishing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.sequentialPublishing
}

// LastSequenceNumberProcessed returns the sequence number delivered last.
func (s *Subscription) LastSequenceNumberProcessed() uint32 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.lastProcessed
}

// AvailableSequenceNumbers returns the sequence numbers the server last
// reported as available for republish.
func (s *Subscription) AvailableSequenceNumbers() []uint32 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return append([]uint32(nil), s.available...)
}

// Messages returns the most recently delivered notification messages.
func (s *Subscription) Messages() []*NotificationMessage {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return append([]*NotificationMessage(nil), s.messages...)
}

// keepAlivePeriod is the time after which the server sends at least a keep-alive.
func (s *Subscription) keepAlivePeriod() time.Duration {
	s.mu.RLock()
	interval, count := s.currentPublishingInterval, s.currentKeepAliveCount
	s.mu.RUnlock()
	if interval <= 0 {
		s.mu.RLock()
		interval, count = s.cfg.publishingInterval, s.cfg.keepAliveCount
		s.mu.RUnlock()
	}
	d := time.Duration(interval * float64(count+1) * float64(time.Millisecond))
	if d < minKeepAliveTimerPeriod {
		d = minKeepAliveTimerPeriod
	}
	return d
}

// PublishingStopped reports whether no message arrived within the keep-alive period.
func (s *Subscription) PublishingStopped() bool {
	period := s.keepAlivePeriod()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.lastNotification.Add(period + s.timings.keepAliveGuard).Before(s.now())
}

// OnStateChanged registers fn for changes of the subscription or its items.
func (s *Subscription) OnStateChanged(fn func(*Subscription, SubscriptionChangeMask)) func() {
	return s.stateChanged.add(fn)
}

// OnPublishStateChanged registers fn for changes of the publishing state.
func (s *Subscription) OnPublishStateChanged(fn func(*Subscription, PublishStateChangedMask)) func() {
	return s.publishState.add(fn)
}

// OnDataChange registers fn for delivered data change notifications.
func (s *Subscription) OnDataChange(fn func(*Subscription, *DataChangeNotification, *NotificationMessage)) func() {
	return s.dataChanges.add(fn)
}

// OnEvent registers fn for delivered event notifications.
func (s *Subscription) OnEvent(fn func(*Subscription, *EventNotificationList, *NotificationMessage)) func() {
	return s.events.add(fn)
}

// OnKeepAlive registers fn for keep-alive messages.
func (s *Subscription) OnKeepAlive(fn func(*Subscription, *NotificationMessage)) func() {
	return s.keepAlives.add(fn)
}

// OnStatusChange registers fn for status change notifications.
func (s *Subscription) OnStatusChange(fn func(*Subscription, *StatusChangeNotification)) func() {
	return s.statusChanges.add(fn)
}

func (s *Subscription) raiseStateChanged(mask SubscriptionChangeMask) {
	notify(s.log(), "subscription.state", &s.stateChanged, func(fn func(*Subscription, SubscriptionChangeMask)) {
		fn(s, mask)
	})
}

func (s *Subscription) raisePublishState(mask PublishStateChangedMask) {
	notify(s.log(), "subscription.publish_state", &s.publishState, func(fn func(*Subscription, PublishStateChangedMask)) {
		fn(s, mask)
	})
}

// owner returns the session a service call goes through.
func (s *Subscription) owner() (*Session, error) {
	sess := s.session.Load()
	if sess == nil {
		return nil, fmt.Errorf("%w: subscription is not added to a session", ErrInvalidState)
	}
	return sess, nil
}

func (s *Subscription) verifyCreated(created bool) error {
	switch {
	case created && !s.Created():
		return fmt.Errorf("%w: subscription has not been created", ErrInvalidState)
	case !created && s.Created():
		return fmt.Errorf("%w: subscription %d already created", ErrInvalidState, s.ID())
	}
	return nil
}

// adjustCounts makes the requested counts acceptable before create or modify.
func (s *Subscription) adjustCounts(sessionTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepAlive := s.cfg.keepAliveCount
	if keepAlive == 0 {
		keepAlive = defaultKeepAliveCount
	}
	lifetime := s.cfg.lifetimeCount
	interval := s.cfg.publishingInterval
	if interval > 0 {
		minLifetime := uint32(math.Ceil(float64(s.cfg.minLifetimeInterval.Milliseconds()) / interval))
		if lifetime < minLifetime {
			lifetime = minLifetime
		}
		if float64(lifetime)*interval < float64(sessionTimeout.Milliseconds()) {
			s.logger.Load().Warn("subscription lifetime is shorter than the session timeout",
				slog.Float64("lifetime_ms", float64(lifetime)*interval),
				slog.Duration("session_timeout", sessionTimeout))
		}
	} else if lifetime == 0 {
		lifetime = defaultLifetimeCount
	}
	if floor := 3 * uint64(keepAlive); uint64(lifetime) < floor {
		lifetime = uint32(min(floor, math.MaxUint32))
	}
	if keepAlive != s.cfg.keepAliveCount || lifetime != s.cfg.lifetimeCount {
		s.logger.Load().Debug("adjusted subscription counts",
			slog.Uint64("keep_alive_count", uint64(keepAlive)),
			slog.Uint64("lifetime_count", uint64(lifetime)))
	}
	s.cfg.keepAliveCount = keepAlive
	s.cfg.lifetimeCount = lifetime
}

// beginPublishTimeout is the timeout used to refill the publish pipeline.
func (s *Subscription) beginPublishTimeout() time.Duration {
	s.mu.RLock()
	d := time.Duration(float64(s.currentKeepAliveCount) * s.currentPublishingInterval * 3 * float64(time.Millisecond))
	s.mu.RUnlock()
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Create creates the subscription on the server, then its items, and
// starts publishing.
func (s *Subscription) Create(ctx context.Context) error {
	sess, err := s.owner()
	if err != nil {
		return err
	}
	if err := s.verifyCreated(false); err != nil {
		return err
	}
	s.adjustCounts(sess.SessionTimeout())

	s.mu.RLock()
	req := &CreateSubscriptionRequest{
		RequestedPublishingInterval: s.cfg.publishingInterval,
		RequestedLifetimeCount:      s.cfg.lifetimeCount,
		RequestedMaxKeepAliveCount:  s.cfg.keepAliveCount,
		MaxNotificationsPerPublish:  s.cfg.maxNotifications,
		PublishingEnabled:           s.cfg.publishingEnabled,
		Priority:                    s.cfg.priority,
	}
	s.mu.RUnlock()

	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		return err
	}
	req.Header = sess.requestHeader()
	resp, err := tr.CreateSubscription(cctx, req)
	cancel()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.currentPublishingInterval = resp.RevisedPublishingInterval
	s.currentKeepAliveCount = resp.RevisedMaxKeepAliveCount
	s.currentLifetimeCount = resp.RevisedLifetimeCount
	s.currentPublishingEnabled = req.PublishingEnabled
	s.currentPriority = req.Priority
	s.mu.Unlock()

	s.id.Store(resp.SubscriptionID)
	s.transferID.Store(resp.SubscriptionID)

	s.cacheMu.Lock()
	s.incoming.reset()
	s.lastProcessed = 0
	s.resync = true
	s.available = nil
	s.publishStopped = false
	s.lastNotification = s.now()
	s.cacheMu.Unlock()

	s.log().Info("subscription created",
		slog.Float64("publishing_interval", resp.RevisedPublishingInterval),
		slog.Uint64("keep_alive_count", uint64(resp.RevisedMaxKeepAliveCount)),
		slog.Uint64("lifetime_count", uint64(resp.RevisedLifetimeCount)))

	s.startEngine()
	s.raiseStateChanged(SubscriptionChangeCreated)

	if _, err := s.CreateItems(ctx); err != nil {
		return err
	}
	sess.StartPublishing(s.beginPublishTimeout(), false)
	return nil
}

// Modify sends the requested publishing parameters to the server.
func (s *Subscription) Modify(ctx context.Context) error {
	sess, err := s.owner()
	if err != nil {
		return err
	}
	if err := s.verifyCreated(true); err != nil {
		return err
	}
	s.adjustCounts(sess.SessionTimeout())

	s.mu.RLock()
	req := &ModifySubscriptionRequest{
		SubscriptionID:              s.ID(),
		RequestedPublishingInterval: s.cfg.publishingInterval,
		RequestedLifetimeCount:      s.cfg.lifetimeCount,
		RequestedMaxKeepAliveCount:  s.cfg.keepAliveCount,
		MaxNotificationsPerPublish:  s.cfg.maxNotifications,
		Priority:                    s.cfg.priority,
	}
	s.mu.RUnlock()

	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		return err
	}
	req.Header = sess.requestHeader()
	resp, err := tr.ModifySubscription(cctx, req)
	cancel()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.currentPublishingInterval = resp.RevisedPublishingInterval
	s.currentKeepAliveCount = resp.RevisedMaxKeepAliveCount
	s.currentLifetimeCount = resp.RevisedLifetimeCount
	s.currentPriority = req.Priority
	s.mu.Unlock()

	s.keepAliveTimer.Start(s.keepAlivePeriod())
	s.raiseStateChanged(SubscriptionChangeModified)
	return nil
}

// Delete deletes the subscription on the server. Local state is reset even
// when the server call fails; with silent set the failure is only logged.
func (s *Subscription) Delete(ctx context.Context, silent bool) error {
	if !silent {
		if err := s.verifyCreated(true); err != nil {
			return err
		}
	}
	s.stopEngine()

	var deleteErr error
	if id := s.ID(); id != 0 {
		deleteErr = s.deleteOnServer(ctx, id)
		if deleteErr != nil {
			s.log().Warn("delete subscription failed", slog.String("error", deleteErr.Error()))
		}
	}

	s.id.Store(0)
	s.transferID.Store(0)
	s.mu.Lock()
	s.currentPublishingInterval = 0
	s.currentKeepAliveCount = 0
	s.currentLifetimeCount = 0
	s.currentPublishingEnabled = false
	s.currentPriority = 0
	items := append([]*MonitoredItem(nil), s.itemOrder...)
	s.deletedItems = nil
	s.mu.Unlock()
	for _, item := range items {
		item.setDeleted(StatusGood)
	}

	s.cacheMu.Lock()
	s.incoming.reset()
	s.available = nil
	s.messages = nil
	s.cacheMu.Unlock()

	s.raiseStateChanged(SubscriptionChangeDeleted)
	if silent {
		return nil
	}
	return deleteErr
}

func (s *Subscription) deleteOnServer(ctx context.Context, id uint32) error {
	sess, err := s.owner()
	if err != nil {
		return err
	}
	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	resp, err := tr.DeleteSubscriptions(cctx, &DeleteSubscriptionsRequest{
		Header:          sess.requestHeader(),
		SubscriptionIDs: []uint32{id},
	})
	if err != nil {
		return err
	}
	if err := validateResults(ServiceDeleteSubscriptions, len(resp.Results), 1); err != nil {
		return err
	}
	if resp.Results[0].IsBad() {
		return NewOPCUAError(ServiceDeleteSubscriptions, resp.Results[0], "")
	}
	return nil
}

// SetPublishingMode enables or disables publishing on the server.
func (s *Subscription) SetPublishingMode(ctx context.Context, enabled bool) error {
	sess, err := s.owner()
	if err != nil {
		return err
	}
	if err := s.verifyCreated(true); err != nil {
		return err
	}
	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	resp, err := tr.SetPublishingMode(cctx, &SetPublishingModeRequest{
		Header:            sess.requestHeader(),
		PublishingEnabled: enabled,
		SubscriptionIDs:   []uint32{s.ID()},
	})
	if err != nil {
		return err
	}
	if err := validateResults(ServiceSetPublishingMode, len(resp.Results), 1); err != nil {
		return err
	}
	if resp.Results[0].IsBad() {
		return NewOPCUAError(ServiceSetPublishingMode, resp.Results[0], "")
	}
	s.mu.Lock()
	s.cfg.publishingEnabled = enabled
	s.currentPublishingEnabled = enabled
	s.mu.Unlock()
	s.raiseStateChanged(SubscriptionChangeModified)
	return nil
}

// startEngine starts the delivery worker and the publish-stopped timer.
func (s *Subscription) startEngine() {
	s.cacheMu.Lock()
	if s.workerCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.workerCancel = cancel
		go s.worker(ctx)
	}
	s.lastNotification = s.now()
	s.cacheMu.Unlock()
	s.signal()
	s.keepAliveTimer.Start(s.keepAlivePeriod())
}

// stopEngine stops the worker and timers without waiting for them.
func (s *Subscription) stopEngine() {
	s.keepAliveTimer.Stop()
	s.republishTimer.Cancel()
	s.cacheMu.Lock()
	cancel := s.workerCancel
	s.workerCancel = nil
	s.cacheMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Subscription) checkPublishing() {
	if !s.PublishingStopped() {
		return
	}
	s.cacheMu.Lock()
	already := s.publishStopped
	s.publishStopped = true
	last := s.lastNotification
	s.cacheMu.Unlock()
	if already {
		return
	}
	s.log().Warn("publishing stopped", slog.Time("last_notification", last))
	s.raisePublishState(PublishStateStopped)
}

// clone copies the configuration, items and observers into a new
// subscription that is not created. The transfer id refers to s.
func (s *Subscription) clone() *Subscription {
	s.mu.RLock()
	c := newSubscription(s.cfg)
	c.nextHandle = s.nextHandle
	for _, item := range s.itemOrder {
		ci := item.clone()
		c.items[ci.clientHandle] = ci
		c.itemOrder = append(c.itemOrder, ci)
	}
	s.mu.RUnlock()

	id := s.ID()
	if id == 0 {
		id = s.TransferID()
	}
	c.transferID.Store(id)
	c.logger.Store(s.logger.Load())
	c.metrics.Store(s.metrics.Load())

	c.stateChanged.copyFrom(&s.stateChanged)
	c.publishState.copyFrom(&s.publishState)
	c.dataChanges.copyFrom(&s.dataChanges)
	c.events.copyFrom(&s.events)
	c.keepAlives.copyFrom(&s.keepAlives)
	c.statusChanges.copyFrom(&s.statusChanges)
	return c
}
