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
	"sort"
)

// Transfer moves the subscription with the given server id to sess.
//
// A created subscription is taken from its current session. A subscription
// that is not created, cloned or restored from a store, adopts id and has
// its item handles reconciled with the server.
func (s *Subscription) Transfer(ctx context.Context, sess *Session, id uint32, available []uint32) error {
	if sess == nil {
		return fmt.Errorf("%w: transfer without a target session", ErrInvalidState)
	}
	if s.Created() {
		if s.ID() != id {
			return fmt.Errorf("%w: subscription %d cannot take over id %d", ErrInvalidState, s.ID(), id)
		}
		if old := s.Session(); old != nil && old != sess {
			old.removeTransferred(s)
		}
		for _, other := range sess.Subscriptions() {
			if other != s && !other.Created() && other.TransferID() == id {
				sess.removeTransferred(other)
				other.stopEngine()
			}
		}
		sess.addSubscription(s)
	} else {
		// the subscription changes owner only once the server's handles check out
		serverHandles, clientHandles, err := s.getMonitoredItems(ctx, sess, id)
		if err != nil {
			return err
		}
		if len(serverHandles) != len(clientHandles) {
			return fmt.Errorf("%w: server returned %d server handles and %d client handles",
				ErrTransferFailed, len(serverHandles), len(clientHandles))
		}
		if s.Session() != sess {
			if old := s.Session(); old != nil {
				old.removeTransferred(s)
			}
			sess.addSubscription(s)
		}
		s.id.Store(id)
		s.transferID.Store(id)

		s.mu.Lock()
		s.currentPublishingInterval = s.cfg.publishingInterval
		s.currentKeepAliveCount = s.cfg.keepAliveCount
		s.currentLifetimeCount = s.cfg.lifetimeCount
		s.currentPublishingEnabled = s.cfg.publishingEnabled
		s.currentPriority = s.cfg.priority
		s.mu.Unlock()

		if modify := s.transferItems(serverHandles, clientHandles); len(modify) > 0 {
			if err := s.modifyItems(ctx, modify); err != nil {
				s.log().Warn("update of transferred item handles failed", slog.String("error", err.Error()))
			}
		}
	}

	s.processTransferredSequenceNumbers(sess, available)
	s.startEngine()
	s.log().Info("subscription transferred", slog.Int("available", len(available)))
	s.raiseStateChanged(SubscriptionChangeTransferred)
	s.signal()
	return nil
}

// processTransferredSequenceNumbers restarts reassembly after a transfer.
// With republish after transfer the newest consecutive run of available
// messages is requested again; every other available message is acknowledged.
func (s *Subscription) processTransferredSequenceNumbers(sess *Session, available []uint32) {
	s.mu.RLock()
	replay := s.cfg.republishAfterTransfer
	s.mu.RUnlock()

	sorted := append([]uint32(nil), available...)
	sort.Slice(sorted, func(i, j int) bool { return seqAfter(sorted[j], sorted[i]) })

	now := s.now()
	ack := sorted
	s.cacheMu.Lock()
	s.incoming.reset()
	s.available = append([]uint32{}, sorted...)
	s.resync = true
	s.publishStopped = false
	s.lastNotification = now
	if replay && len(sorted) > 0 {
		start := len(sorted) - 1
		for start > 0 && seqNext(sorted[start-1]) == sorted[start] {
			start--
		}
		for _, seq := range sorted[start:] {
			s.incoming.findOrCreate(seq, now).forceRepublish = true
		}
		s.lastProcessed = seqPrev(sorted[start])
		s.resync = false
		ack = sorted[:start]
	}
	s.cacheMu.Unlock()

	id := s.ID()
	for _, seq := range ack {
		sess.queueAcknowledgement(id, seq)
	}
}

func seqPrev(s uint32) uint32 {
	if s <= 1 {
		return ^uint32(0)
	}
	return s - 1
}

// GetMonitoredItems returns the server and client handles the server holds
// for this subscription.
func (s *Subscription) GetMonitoredItems(ctx context.Context) (serverHandles, clientHandles []uint32, err error) {
	sess, err := s.owner()
	if err != nil {
		return nil, nil, err
	}
	id := s.ID()
	if id == 0 {
		id = s.TransferID()
	}
	return s.getMonitoredItems(ctx, sess, id)
}

func (s *Subscription) getMonitoredItems(ctx context.Context, sess *Session, id uint32) ([]uint32, []uint32, error) {
	out, err := sess.callMethod(ctx, ServerObjectID, GetMonitoredItemsMethodID, id)
	if err != nil {
		return nil, nil, err
	}
	if len(out) != 2 {
		return nil, nil, fmt.Errorf("%w: GetMonitoredItems returned %d output arguments", ErrTransferFailed, len(out))
	}
	serverHandles, ok1 := toUint32s(out[0])
	clientHandles, ok2 := toUint32s(out[1])
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("%w: GetMonitoredItems returned unexpected argument types", ErrTransferFailed)
	}
	return serverHandles, clientHandles, nil
}

func toUint32s(v interface{}) ([]uint32, bool) {
	switch a := v.(type) {
	case []uint32:
		return a, true
	case nil:
		return nil, true
	case []interface{}:
		out := make([]uint32, len(a))
		for i, x := range a {
			u, ok := x.(uint32)
			if !ok {
				return nil, false
			}
			out[i] = u
		}
		return out, true
	}
	return nil, false
}

// ResendData asks the server to send the current value of every item.
func (s *Subscription) ResendData(ctx context.Context) error {
	if err := s.verifyCreated(true); err != nil {
		return err
	}
	sess, err := s.owner()
	if err != nil {
		return err
	}
	_, err = sess.callMethod(ctx, ServerObjectID, ResendDataMethodID, s.ID())
	return err
}

// ConditionRefresh asks the server to report the state of every condition.
func (s *Subscription) ConditionRefresh(ctx context.Context) error {
	if err := s.verifyCreated(true); err != nil {
		return err
	}
	sess, err := s.owner()
	if err != nil {
		return err
	}
	_, err = sess.callMethod(ctx, ConditionTypeID, ConditionRefreshMethodID, s.ID())
	return err
}
