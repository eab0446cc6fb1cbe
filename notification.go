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
	"log/slog"
	"time"
)

// signal wakes the delivery worker. Signals sent while it runs coalesce.
func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// saveMessageInCache stores an incoming message. available is nil for a
// republished message, which leaves the last known list untouched.
func (s *Subscription) saveMessageInCache(available []uint32, msg *NotificationMessage) {
	now := s.now()
	var mask PublishStateChangedMask

	s.cacheMu.Lock()
	if available != nil {
		s.available = append(s.available[:0:0], available...)
	}
	if s.publishStopped {
		s.publishStopped = false
		mask |= PublishStateRecovered
	}
	s.lastNotification = now

	e := s.incoming.findOrCreate(msg.SequenceNumber, now)
	if msg.IsEmpty() {
		mask |= PublishStateKeepAlive
		s.pendingKeepAlive = msg
	} else if e.message == nil && !e.processed {
		e.message = msg
		e.status = StatusGood
	}
	s.incoming.fillGaps(now)
	s.incoming.evict(now, s.timings.messageExpiry, func(e *incomingMessage) { s.skipLocked(e) })
	s.cacheMu.Unlock()

	if !msg.IsEmpty() {
		s.mu.RLock()
		limit := s.cfg.maxNotifications
		s.mu.RUnlock()
		if n := msg.NotificationCount(); limit > 0 && n > int(limit) {
			s.log().Warn("server exceeded max notifications per publish",
				slog.Int("notifications", n),
				slog.Uint64("max_notifications", uint64(limit)))
		}
	}
	if mask != PublishStateNone {
		s.raisePublishState(mask)
	}
	s.signal()
}

// skipLocked is called for an undelivered message dropped from the cache.
// When it is the next one expected, delivery moves past it so later
// messages do not wait forever.
func (s *Subscription) skipLocked(e *incomingMessage) bool {
	if e.sequenceNumber != seqNext(s.lastProcessed) {
		return false
	}
	s.lastProcessed = e.sequenceNumber
	s.metrics.Load().MessagesSkipped.Inc()
	s.log().Warn("skipping notification message",
		slog.Uint64("sequence_number", uint64(e.sequenceNumber)),
		slog.String("status", e.status.String()))
	return true
}

func (s *Subscription) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.processMu.Lock()
		if ctx.Err() != nil {
			// the wake-up belongs to the worker that replaced this one
			s.processMu.Unlock()
			s.signal()
			return
		}
		s.processIncoming(ctx)
		s.processMu.Unlock()
	}
}

// processIncoming delivers what is ready and requests republish of gaps.
func (s *Subscription) processIncoming(ctx context.Context) {
	now := s.now()

	var (
		deliver   []*NotificationMessage
		republish []uint32
		next      time.Duration
	)
	wakeIn := func(d time.Duration) {
		if d > 0 && (next == 0 || d < next) {
			next = d
		}
	}

	s.cacheMu.Lock()
	keepAlive := s.pendingKeepAlive
	s.pendingKeepAlive = nil
	entries := s.incoming.entries
	for i, e := range entries {
		if e.processed {
			continue
		}
		seq := e.sequenceNumber

		if e.message != nil {
			switch {
			case s.resync, seq == seqNext(s.lastProcessed):
				deliver = append(deliver, e.message)
				e.processed = true
				s.lastProcessed = seq
				s.resync = false
			case !seqAfter(seq, s.lastProcessed):
				// arrived after its successors were delivered
				e.processed = true
				s.log().Debug("dropping late notification message",
					slog.Uint64("sequence_number", uint64(seq)),
					slog.Uint64("last_processed", uint64(s.lastProcessed)))
			}
			continue
		}

		if !s.resync && !seqAfter(seq, s.lastProcessed) {
			e.processed = true
			continue
		}
		if e.republished {
			// a failed attempt is retried until the entry expires
			if e.status != 0 || e.retryAt.IsZero() {
				continue
			}
			wakeIn(s.timings.messageExpiry - now.Sub(e.timestamp) + time.Millisecond)
			if now.Before(e.retryAt) {
				wakeIn(e.retryAt.Sub(now))
				continue
			}
			e.retryAt = time.Time{}
			republish = append(republish, seq)
			continue
		}
		if !e.forceRepublish {
			if i == len(entries)-1 {
				continue
			}
			if age := now.Sub(e.timestamp); age < s.timings.republishDelay {
				wakeIn(s.timings.republishDelay - age)
				continue
			}
		}
		e.republished = true
		if s.available != nil && !containsSeq(s.available, seq) {
			e.status = StatusBadMessageNotAvailable
			s.log().Warn("message no longer available for republish",
				slog.Uint64("sequence_number", uint64(seq)))
			continue
		}
		republish = append(republish, seq)
	}
	skipped := false
	s.incoming.evict(now, s.timings.messageExpiry, func(e *incomingMessage) {
		skipped = s.skipLocked(e) || skipped
	})
	s.cacheMu.Unlock()

	if skipped {
		s.signal()
	}
	if next > 0 {
		s.republishTimer.Arm(next)
	}
	for _, msg := range deliver {
		s.deliver(msg)
	}
	if keepAlive != nil {
		notify(s.log(), "subscription.keepalive", &s.keepAlives, func(fn func(*Subscription, *NotificationMessage)) {
			fn(s, keepAlive)
		})
	}
	if len(republish) > 0 {
		s.raisePublishState(PublishStateRepublish)
	}
	for _, seq := range republish {
		if ctx.Err() != nil {
			return
		}
		s.republishMessage(ctx, seq)
	}
	if len(republish) > 0 {
		s.signal()
	}
}

func containsSeq(list []uint32, seq uint32) bool {
	for _, v := range list {
		if v == seq {
			return true
		}
	}
	return false
}

// deliver hands one ordered message to the items and observers.
func (s *Subscription) deliver(msg *NotificationMessage) {
	s.mu.RLock()
	limit := s.cfg.maxMessageCount
	s.mu.RUnlock()

	s.cacheMu.Lock()
	s.messages = append(s.messages, msg)
	if over := len(s.messages) - limit; over > 0 {
		s.messages = append(s.messages[:0:0], s.messages[over:]...)
	}
	s.cacheMu.Unlock()

	s.metrics.Load().NotificationsDelivered.Inc()
	logger := s.log()
	for _, n := range msg.Notifications {
		switch v := n.(type) {
		case *DataChangeNotification:
			for _, mi := range v.MonitoredItems {
				if item := s.FindItemByClientHandle(mi.ClientHandle); item != nil {
					item.receiveValue(mi, msg, logger)
				}
			}
			notify(logger, "subscription.data_change", &s.dataChanges,
				func(fn func(*Subscription, *DataChangeNotification, *NotificationMessage)) {
					fn(s, v, msg)
				})
		case *EventNotificationList:
			for _, ev := range v.Events {
				if item := s.FindItemByClientHandle(ev.ClientHandle); item != nil {
					item.receiveEvent(ev, msg, logger)
				}
			}
			notify(logger, "subscription.event", &s.events,
				func(fn func(*Subscription, *EventNotificationList, *NotificationMessage)) {
					fn(s, v, msg)
				})
		case *StatusChangeNotification:
			s.statusChanged(v)
		}
	}
}

func (s *Subscription) statusChanged(n *StatusChangeNotification) {
	var mask PublishStateChangedMask
	switch n.Status.Code() {
	case StatusGoodSubscriptionTransferred:
		s.log().Info("subscription transferred to another session")
		s.stopEngine()
		mask = PublishStateTransferred
	case StatusBadTimeout:
		s.log().Warn("subscription timed out on the server")
		mask = PublishStateTimeout
	}
	notify(s.log(), "subscription.status_change", &s.statusChanges,
		func(fn func(*Subscription, *StatusChangeNotification)) {
			fn(s, n)
		})
	if mask != PublishStateNone {
		s.raisePublishState(mask)
	}
}

// Republish asks the server to resend a message and feeds it to the
// reassembly engine.
func (s *Subscription) Republish(ctx context.Context, seq uint32) error {
	if err := s.verifyCreated(true); err != nil {
		return err
	}
	return s.republishMessage(ctx, seq)
}

// republishMessage requests seq and records the outcome on its cache entry.
func (s *Subscription) republishMessage(ctx context.Context, seq uint32) error {
	sess, err := s.owner()
	if err != nil {
		return err
	}
	id := s.ID()
	metrics := s.metrics.Load()

	tr, cctx, cancel, err := sess.prepare(ctx)
	if err == nil {
		var resp *RepublishResponse
		resp, err = tr.Republish(cctx, &RepublishRequest{
			Header:                   sess.requestHeader(),
			SubscriptionID:           id,
			RetransmitSequenceNumber: seq,
		})
		cancel()
		if err == nil && resp.NotificationMessage != nil {
			metrics.RepublishRequests.WithLabelValues("ok").Inc()
			s.log().Debug("republished notification message", slog.Uint64("sequence_number", uint64(seq)))
			sess.processPublishResponse(&PublishResponse{
				Header:              resp.Header,
				SubscriptionID:      id,
				NotificationMessage: resp.NotificationMessage,
			}, true)
			return nil
		}
		if err == nil {
			err = NewOPCUAError(ServiceRepublish, StatusBadMessageNotAvailable, "empty republish response")
		}
	}

	code := StatusCodeOf(err)
	now := s.now()
	s.mu.RLock()
	sequential := s.cfg.sequentialPublishing
	s.mu.RUnlock()
	s.cacheMu.Lock()
	e := s.incoming.get(seq)
	switch code.Code() {
	case StatusBadMessageNotAvailable, StatusBadSubscriptionIdInvalid:
		metrics.RepublishRequests.WithLabelValues("not_available").Inc()
		if e != nil {
			e.republished = true
			e.status = code
		}
	case StatusBadEncodingLimitsExceeded:
		metrics.RepublishRequests.WithLabelValues("encoding_limits").Inc()
		if e != nil {
			e.republished = true
			e.status = code
		}
	default:
		metrics.RepublishRequests.WithLabelValues("retry").Inc()
		if e != nil && e.message == nil {
			e.republished = true
			if sequential {
				e.retryAt = now.Add(s.timings.republishDelay)
			} else {
				// one attempt, then the gap is skipped
				e.status = code
			}
		}
	}
	s.cacheMu.Unlock()

	if code.Code() == StatusBadEncodingLimitsExceeded {
		sess.queueAcknowledgement(id, seq)
	}
	s.log().Warn("republish failed",
		slog.Uint64("sequence_number", uint64(seq)),
		slog.String("status", code.String()))
	sess.raisePublishError(&PublishErrorEvent{
		Status:         code,
		SubscriptionID: id,
		SequenceNumber: seq,
	})
	return err
}
