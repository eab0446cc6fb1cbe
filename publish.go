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

// Acknowledgements older than this many sequence numbers behind the latest
// are sent even though the message was never delivered by a publish.
const staleAvailableDistance = 100

// Queued acknowledgements this close to the latest sequence number are kept
// even when the server no longer lists them as available.
const recentAckDistance = 10

// desiredPublishRequestCount returns how many publish requests should be
// outstanding. It is 0 while no subscription is created.
func (s *Session) desiredPublishRequestCount(createdOnly bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	created := 0
	for _, sub := range s.subscriptions {
		if sub.Created() {
			created++
		}
	}
	if created == 0 {
		return 0
	}
	count := len(s.subscriptions)
	if createdOnly {
		count = created
	}
	maxCount := s.maxPublishRequestCount
	if maxCount < s.minPublishRequestCount {
		maxCount = s.minPublishRequestCount
	}
	if s.tooManyPublishRequests > 0 && count > s.tooManyPublishRequests {
		count = s.tooManyPublishRequests
	}
	if count > maxCount {
		count = maxCount
	}
	if count < s.minPublishRequestCount {
		count = s.minPublishRequestCount
	}
	return count
}

// StartPublishing sends publish requests until the desired number is
// outstanding. With fullQueue set every request is sent again regardless
// of those already outstanding.
func (s *Session) StartPublishing(timeout time.Duration, fullQueue bool) {
	publishCount := s.desiredPublishRequestCount(true)
	startCount := 1
	if !fullQueue {
		startCount = s.GoodPublishRequestCount() + 1
	}
	for i := startCount; i <= publishCount; i++ {
		if !s.BeginPublish(timeout) {
			break
		}
	}
}

// BeginPublish sends one publish request carrying the queued
// acknowledgements. It returns false when the session cannot publish.
func (s *Session) BeginPublish(timeout time.Duration) bool {
	s.mu.RLock()
	tr := s.transport
	sid := s.sessionID
	ready := !s.closed && s.connected && !s.reconnecting && tr != nil
	s.mu.RUnlock()
	if !ready {
		return false
	}

	acks := s.takeAcknowledgements()
	hint := s.opts.operationTimeout / 2
	if timeout > 0 && timeout < hint {
		hint = timeout
	}
	deadline := s.opts.operationTimeout
	if timeout > deadline {
		deadline = timeout
	}

	req := &PublishRequest{
		Header:           RequestHeader{RequestHandle: s.handles.next(), TimeoutHint: hint},
		Acknowledgements: acks,
	}
	s.tracker.started(req.Header.RequestHandle, RequestTypePublish)
	s.metrics.PublishRequests.Inc()
	s.metrics.AcknowledgementsSent.Add(float64(len(acks)))
	s.updateRequestGauges()
	s.logger.Debug("publish request sent",
		slog.Uint64("request_handle", uint64(req.Header.RequestHandle)),
		slog.Int("acknowledgements", len(acks)),
		slog.Duration("timeout_hint", hint))

	go func() {
		ctx, cancel := context.WithTimeout(s.bgCtx, deadline)
		resp, err := tr.Publish(ctx, req)
		cancel()
		s.onPublishComplete(sid, req, resp, err)
	}()
	return true
}

// publishTimeout is the timeout used to replace a completed request.
func (s *Session) publishTimeout() time.Duration {
	timeout := s.opts.operationTimeout
	for _, sub := range s.Subscriptions() {
		if !sub.Created() {
			continue
		}
		if d := sub.beginPublishTimeout(); d > timeout {
			timeout = d
		}
	}
	return timeout
}

// queueBeginPublish sends one request when fewer than desired are outstanding.
func (s *Session) queueBeginPublish() {
	if s.GoodPublishRequestCount() < s.desiredPublishRequestCount(false) {
		s.BeginPublish(s.publishTimeout())
	}
}

// refillPublish sends requests until the desired number is outstanding.
func (s *Session) refillPublish() {
	timeout := s.publishTimeout()
	for s.GoodPublishRequestCount() < s.desiredPublishRequestCount(false) {
		if !s.BeginPublish(timeout) {
			return
		}
	}
}

func (s *Session) onPublishComplete(sid NodeID, req *PublishRequest, resp *PublishResponse, err error) {
	s.tracker.completed(req.Header.RequestHandle, RequestTypePublish)
	s.updateRequestGauges()
	if err == nil && resp == nil {
		err = NewOPCUAError(ServicePublish, StatusBadUnexpectedError, "empty publish response")
	}
	if err == nil && resp.Header.ServiceResult.IsBad() {
		err = NewOPCUAError(ServicePublish, resp.Header.ServiceResult, "")
	}
	if err != nil {
		s.publishFailed(sid, req, err)
		return
	}

	for i, r := range resp.Results {
		if !r.IsBad() || r.Code() == StatusBadSequenceNumberUnknown || i >= len(req.Acknowledgements) {
			continue
		}
		s.logger.Warn("acknowledgement rejected",
			slog.Uint64("subscription_id", uint64(req.Acknowledgements[i].SubscriptionID)),
			slog.Uint64("sequence_number", uint64(req.Acknowledgements[i].SequenceNumber)),
			slog.String("status", r.String()))
	}

	s.mu.RLock()
	stale := !s.sessionID.Equal(sid)
	closed := s.closed
	s.mu.RUnlock()
	if stale || closed {
		s.logger.Debug("discarding publish response of a previous session",
			slog.Uint64("subscription_id", uint64(resp.SubscriptionID)))
		return
	}

	s.metrics.PublishResponses.Inc()
	s.processPublishResponse(resp, false)
	if s.Reconnecting() {
		return
	}
	s.queueBeginPublish()
}

func (s *Session) publishFailed(sid NodeID, req *PublishRequest, err error) {
	code := StatusCodeOf(err)

	s.mu.RLock()
	closed := s.closed
	stale := !s.sessionID.Equal(sid)
	reconnecting := s.reconnecting
	s.mu.RUnlock()
	if closed {
		return
	}

	s.metrics.PublishErrors.WithLabelValues(code.Code().String()).Inc()
	if code.Code() != StatusBadNoSubscription {
		s.raisePublishError(&PublishErrorEvent{Status: code})
	}
	if stale {
		return
	}
	s.requeueAcknowledgements(req.Acknowledgements)
	if reconnecting {
		s.logger.Debug("publish failed while reconnecting", slog.String("status", code.String()))
		return
	}

	switch code.Code() {
	case StatusBadTooManyPublishRequests:
		good := s.GoodPublishRequestCount()
		s.mu.Lock()
		limit := s.tooManyPublishRequests
		if limit <= 0 {
			limit = s.maxPublishRequestCount
		}
		if good < limit {
			s.tooManyPublishRequests = max(good, 1)
		}
		ceiling := s.tooManyPublishRequests
		s.mu.Unlock()
		s.logger.Info("server limits outstanding publish requests",
			slog.Int("good_requests", good),
			slog.Int("ceiling", ceiling))

	case StatusBadNoSubscription, StatusBadSessionClosed, StatusBadSessionIdInvalid,
		StatusBadSecureChannelIdInvalid, StatusBadSecureChannelClosed, StatusBadSecurityChecksFailed,
		StatusBadCertificateInvalid, StatusBadServerHalted:
		s.logger.Debug("publishing stopped", slog.String("status", code.String()))

	case StatusBadTimeout:
		s.queueBeginPublish()

	case StatusBadTooManyOperations, StatusBadServerTooBusy, StatusBadTcpServerTooBusy:
		s.logger.Debug("server busy, throttling publish", slog.String("status", code.String()))
		s.publishRetry.ArmIfIdle(s.opts.publishThrottle)

	default:
		s.logger.Warn("unexpected publish error", slog.String("status", code.String()))
		s.publishRetry.ArmIfIdle(s.opts.publishThrottle)
	}
}

// processPublishResponse updates the acknowledgement queue and hands the
// message to its subscription. A republished message leaves the server's
// list of available sequence numbers untouched.
func (s *Session) processPublishResponse(resp *PublishResponse, republished bool) {
	msg := resp.NotificationMessage
	if msg == nil {
		msg = &NotificationMessage{}
	}

	var available []uint32
	if !republished {
		s.mu.Lock()
		s.lastKeepAlive = s.now()
		s.mu.Unlock()
		available = resp.AvailableSequenceNumbers
		if available == nil {
			available = []uint32{}
		}
		if msg.IsEmpty() {
			s.metrics.KeepAliveMessages.Inc()
		}
	}
	s.updateAcknowledgements(resp.SubscriptionID, msg, available)

	sub := s.findSubscription(resp.SubscriptionID)
	if sub != nil {
		sub.saveMessageInCache(available, msg)
		notify(s.logger, "session.notification", &s.notificationObservers,
			func(fn func(*Session, *Subscription, *NotificationMessage)) {
				fn(s, sub, msg)
			})
		return
	}
	if republished || resp.SubscriptionID == 0 {
		return
	}

	s.mu.RLock()
	remove := s.opts.deleteSubscriptionsOnClose && !s.reconnecting
	s.mu.RUnlock()
	if !remove {
		s.logger.Debug("ignoring message of an unknown subscription",
			slog.Uint64("subscription_id", uint64(resp.SubscriptionID)))
		return
	}
	go s.deleteOrphan(resp.SubscriptionID)
}

// updateAcknowledgements queues the ack of a data message and prunes
// acknowledgements the server no longer holds. available is nil when the
// server's list is unknown.
func (s *Session) updateAcknowledgements(id uint32, msg *NotificationMessage, available []uint32) {
	latest := msg.SequenceNumber

	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	var avail []uint32
	if available != nil {
		avail = make([]uint32, 0, len(available))
		for _, seq := range available {
			if msg.IsEmpty() || seq != latest {
				avail = append(avail, seq)
			}
		}
	}

	kept := s.acks[:0]
	dropped := 0
	for _, ack := range s.acks {
		switch {
		case ack.SubscriptionID != id, available == nil:
			kept = append(kept, ack)
		case containsSeq(available, ack.SequenceNumber):
			kept = append(kept, ack)
			avail = removeSeq(avail, ack.SequenceNumber)
		case absDistance(latest, ack.SequenceNumber) < recentAckDistance:
			kept = append(kept, ack)
		default:
			dropped++
			s.logger.Warn("dropping acknowledgement of a message the server no longer holds",
				slog.Uint64("subscription_id", uint64(id)),
				slog.Uint64("sequence_number", uint64(ack.SequenceNumber)))
		}
	}
	s.acks = kept
	if dropped > 0 {
		s.metrics.AcknowledgementsDropped.Add(float64(dropped))
	}

	if !msg.IsEmpty() && !hasAck(s.acks, id, latest) {
		s.acks = append(s.acks, SubscriptionAcknowledgement{SubscriptionID: id, SequenceNumber: latest})
	}
	for _, seq := range avail {
		if int32(latest-seq) > staleAvailableDistance && !hasAck(s.acks, id, seq) {
			s.logger.Debug("acknowledging stale available message",
				slog.Uint64("subscription_id", uint64(id)),
				slog.Uint64("sequence_number", uint64(seq)))
			s.acks = append(s.acks, SubscriptionAcknowledgement{SubscriptionID: id, SequenceNumber: seq})
		}
	}
}

// queueAcknowledgement adds one acknowledgement for the next publish.
func (s *Session) queueAcknowledgement(id, seq uint32) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if !hasAck(s.acks, id, seq) {
		s.acks = append(s.acks, SubscriptionAcknowledgement{SubscriptionID: id, SequenceNumber: seq})
	}
}

// requeueAcknowledgements puts back acknowledgements of a request that
// was not answered, ahead of those queued since.
func (s *Session) requeueAcknowledgements(acks []SubscriptionAcknowledgement) {
	if len(acks) == 0 {
		return
	}
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	merged := make([]SubscriptionAcknowledgement, 0, len(acks)+len(s.acks))
	for _, ack := range acks {
		if !hasAck(merged, ack.SubscriptionID, ack.SequenceNumber) {
			merged = append(merged, ack)
		}
	}
	for _, ack := range s.acks {
		if !hasAck(merged, ack.SubscriptionID, ack.SequenceNumber) {
			merged = append(merged, ack)
		}
	}
	s.acks = merged
}

// takeAcknowledgements empties the queue. Observers may defer entries,
// which go back to the queue.
func (s *Session) takeAcknowledgements() []SubscriptionAcknowledgement {
	s.ackMu.Lock()
	acks := s.acks
	s.acks = nil
	s.ackMu.Unlock()

	if s.ackObservers.len() == 0 {
		return acks
	}
	batch := &AcknowledgementBatch{Acknowledgements: acks}
	notify(s.logger, "session.acknowledge", &s.ackObservers, func(fn func(*Session, *AcknowledgementBatch)) {
		fn(s, batch)
	})
	if len(batch.Deferred) > 0 {
		s.requeueAcknowledgements(batch.Deferred)
	}
	return batch.Acknowledgements
}

// PendingAcknowledgements returns a copy of the queued acknowledgements.
func (s *Session) PendingAcknowledgements() []SubscriptionAcknowledgement {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	return append([]SubscriptionAcknowledgement(nil), s.acks...)
}

func (s *Session) updateRequestGauges() {
	good := s.tracker.good(RequestTypePublish)
	s.metrics.OutstandingRequests.WithLabelValues("good").Set(float64(good))
	s.metrics.OutstandingRequests.WithLabelValues("defunct").Set(float64(s.tracker.defunct()))
}

func hasAck(acks []SubscriptionAcknowledgement, id, seq uint32) bool {
	for _, a := range acks {
		if a.SubscriptionID == id && a.SequenceNumber == seq {
			return true
		}
	}
	return false
}

func removeSeq(list []uint32, seq uint32) []uint32 {
	for i, v := range list {
		if v == seq {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func absDistance(a, b uint32) int64 {
	d := int64(int32(a - b))
	if d < 0 {
		return -d
	}
	return d
}
