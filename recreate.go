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
)

// Reconnect activates the existing server session again, on the same
// channel when the transport can re-establish it in place or else on a
// newly dialled transport. Publishing restarts with a full queue.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.reconnecting {
		s.mu.Unlock()
		return fmt.Errorf("%w: reconnect already in progress", ErrInvalidState)
	}
	s.reconnecting = true
	tr := s.transport
	s.mu.Unlock()

	s.stopKeepAlive()
	s.logger.Info("reconnecting session")

	err := s.reconnectTransport(ctx, tr)
	if err == nil {
		s.mu.RLock()
		tr = s.transport
		s.mu.RUnlock()
		actx, cancel := s.withTimeout(ctx)
		err = s.activate(actx, tr)
		cancel()
	}
	if err != nil {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
		s.startKeepAlive()
		s.logger.Warn("session reconnect failed", slog.String("status", StatusCodeOf(err).String()))
		return err
	}

	s.mu.Lock()
	s.reconnecting = false
	s.connected = true
	s.lastKeepAlive = s.now()
	s.lastKeepAliveError = StatusGood
	s.tooManyPublishRequests = 0
	s.mu.Unlock()

	n := s.tracker.markDefunct(RequestTypePublish)
	s.updateRequestGauges()
	s.startKeepAlive()
	s.logger.Info("session reconnected", slog.Int("defunct_publish_requests", n))
	s.StartPublishing(s.opts.operationTimeout, true)
	return nil
}

func (s *Session) reconnectTransport(ctx context.Context, tr Transport) error {
	if r, ok := tr.(Reconnector); ok {
		rctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return r.Reconnect(rctx)
	}
	next, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.transport
	s.transport = next
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(ctx); err != nil {
			s.logger.Debug("closing previous transport failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Recreate opens a new server session configured like template and moves
// copies of its subscriptions to it, by transfer when enabled and
// supported, otherwise by creating them again. The template is left
// untouched; dial replaces its dialer when not nil.
func Recreate(ctx context.Context, template *Session, dial Dialer) (*Session, error) {
	template.mu.RLock()
	o := template.opts.clone()
	o.minPublishRequestCount = template.minPublishRequestCount
	o.maxPublishRequestCount = template.maxPublishRequestCount
	o.keepAliveInterval = template.keepAliveInterval
	subs := append([]*Subscription(nil), template.subscriptions...)
	template.mu.RUnlock()
	if dial == nil {
		dial = template.dial
	}

	s := newSession(o, dial)
	s.transferDisabled.Store(template.transferDisabled.Load())
	s.keepAliveObservers.copyFrom(&template.keepAliveObservers)
	s.publishErrorObservers.copyFrom(&template.publishErrorObservers)
	s.notificationObservers.copyFrom(&template.notificationObservers)
	s.ackObservers.copyFrom(&template.ackObservers)
	s.closingObservers.copyFrom(&template.closingObservers)
	for _, sub := range subs {
		s.addSubscription(sub.clone())
	}

	if err := s.open(ctx); err != nil {
		s.Dispose()
		return nil, err
	}
	if err := s.RecreateSubscriptions(ctx); err != nil {
		s.logger.Warn("some subscriptions could not be recreated", slog.String("error", err.Error()))
	}
	return s, nil
}

// RecreateSubscriptions brings every subscription that is not created back
// onto the server. Subscriptions with a transfer id are transferred first
// when transfer on reconnect is enabled.
func (s *Session) RecreateSubscriptions(ctx context.Context) error {
	if s.opts.transferSubscriptionsOnReconnect && !s.transferDisabled.Load() {
		var candidates []*Subscription
		for _, sub := range s.Subscriptions() {
			if !sub.Created() && sub.TransferID() != 0 {
				candidates = append(candidates, sub)
			}
		}
		if len(candidates) > 0 {
			ok, err := s.TransferSubscriptions(ctx, candidates, false)
			switch {
			case IsStatusCode(err, StatusBadServiceUnsupported):
				s.transferDisabled.Store(true)
				s.logger.Warn("server does not support subscription transfer")
			case err != nil:
				s.logger.Warn("transfer of subscriptions failed", slog.String("error", err.Error()))
			case !ok:
				s.logger.Warn("some subscriptions could not be transferred")
			}
		}
	}

	var errs []error
	for _, sub := range s.Subscriptions() {
		if sub.Created() {
			continue
		}
		if err := sub.Create(ctx); err != nil {
			s.logger.Warn("recreate subscription failed",
				slog.String("subscription", sub.DisplayName()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("subscription %q: %w", sub.DisplayName(), err))
		}
	}
	return errors.Join(errs...)
}

// TransferSubscriptions moves server side subscriptions to this session.
// Each subscription must either be owned by this session and not created,
// carrying the id to take over in its transfer id, or be created on
// another session. It reports whether every transfer succeeded.
func (s *Session) TransferSubscriptions(ctx context.Context, subs []*Subscription, sendInitialValues bool) (bool, error) {
	if len(subs) == 0 {
		return true, nil
	}
	ids := make([]uint32, len(subs))
	for i, sub := range subs {
		switch {
		case sub.Created() && sub.Session() == s:
			return false, fmt.Errorf("%w: subscription %d is already created on this session", ErrInvalidState, sub.ID())
		case sub.Created():
			ids[i] = sub.ID()
		case sub.TransferID() == 0:
			return false, fmt.Errorf("%w: subscription %q has no transfer id", ErrInvalidState, sub.DisplayName())
		default:
			ids[i] = sub.TransferID()
		}
	}

	s.mu.Lock()
	wasReconnecting := s.reconnecting
	s.reconnecting = true
	s.mu.Unlock()
	restore := func() {
		s.mu.Lock()
		s.reconnecting = wasReconnecting
		s.mu.Unlock()
	}

	tr, cctx, cancel, err := s.prepare(ctx)
	if err != nil {
		restore()
		return false, err
	}
	resp, err := tr.TransferSubscriptions(cctx, &TransferSubscriptionsRequest{
		Header:            s.requestHeader(),
		SubscriptionIDs:   ids,
		SendInitialValues: sendInitialValues,
	})
	cancel()
	if err == nil {
		err = validateResults(ServiceTransferSubscriptions, len(resp.Results), len(ids))
	}
	if err != nil {
		restore()
		return false, err
	}

	failed := 0
	for i, sub := range subs {
		r := resp.Results[i]
		if r.StatusCode.IsBad() {
			failed++
			s.logger.Warn("subscription transfer rejected",
				slog.Uint64("subscription_id", uint64(ids[i])),
				slog.String("status", r.StatusCode.String()))
			if r.StatusCode.Code() == StatusBadSubscriptionIdInvalid && !sub.Created() {
				sub.transferID.Store(0)
			}
			continue
		}
		if err := sub.Transfer(ctx, s, ids[i], r.AvailableSequenceNumbers); err != nil {
			failed++
			s.logger.Warn("subscription transfer failed",
				slog.Uint64("subscription_id", uint64(ids[i])),
				slog.String("error", err.Error()))
		}
	}
	restore()

	s.logger.Info("subscriptions transferred",
		slog.Int("transferred", len(subs)-failed),
		slog.Int("failed", failed))
	s.StartPublishing(s.opts.operationTimeout, false)
	return failed == 0, nil
}
