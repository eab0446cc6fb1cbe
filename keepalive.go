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
	"time"
)

func (s *Session) startKeepAlive() {
	s.mu.Lock()
	interval := s.keepAliveInterval
	s.keepAliveCancelled = false
	s.mu.Unlock()
	s.keepAliveTask.Start(interval)
}

func (s *Session) stopKeepAlive() {
	s.keepAliveTask.Stop()
}

// KeepAliveInterval returns the interval of keep-alive reads.
func (s *Session) KeepAliveInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keepAliveInterval
}

// SetKeepAliveInterval changes the interval of keep-alive reads. A running
// keep-alive is restarted with the new interval.
func (s *Session) SetKeepAliveInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: keep-alive interval must be positive", ErrInvalidConfiguration)
	}
	s.mu.Lock()
	s.keepAliveInterval = d
	s.mu.Unlock()
	if s.keepAliveTask.Running() {
		s.keepAliveTask.Start(d)
	}
	return nil
}

// LastKeepAliveTime returns when the server last answered a keep-alive or
// a publish request.
func (s *Session) LastKeepAliveTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKeepAlive
}

// ServerState returns the server state read by the last keep-alive.
func (s *Session) ServerState() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverState
}

// KeepAliveStopped reports whether the server missed its keep-alive window
// or a keep-alive reported the session as gone.
func (s *Session) KeepAliveStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keepAliveStoppedLocked(s.now())
}

func (s *Session) keepAliveStoppedLocked(now time.Time) bool {
	switch s.lastKeepAliveError.Code() {
	case StatusGood, StatusBadNoCommunication:
		return now.Sub(s.lastKeepAlive) >= s.keepAliveInterval+s.opts.keepAliveGuard
	}
	return true
}

func (s *Session) onKeepAliveTick() {
	s.mu.RLock()
	tr := s.transport
	interval := s.keepAliveInterval
	skip := s.closed || !s.connected || s.keepAliveCancelled || tr == nil
	reconnecting := s.reconnecting
	stopped := s.keepAliveStoppedLocked(s.now())
	s.mu.RUnlock()
	if skip {
		return
	}
	if reconnecting {
		s.logger.Debug("keep-alive skipped while reconnecting")
		return
	}
	if stopped && !s.onKeepAliveError(StatusBadNoCommunication) {
		return
	}
	if !s.keepAliveBusy.CompareAndSwap(false, true) {
		return
	}

	handle := s.handles.next()
	s.tracker.started(handle, RequestTypeKeepAlive)
	go func() {
		defer s.keepAliveBusy.Store(false)
		ctx, cancel := context.WithTimeout(s.bgCtx, 2*interval)
		resp, err := tr.Read(ctx, &ReadRequest{
			Header:             RequestHeader{RequestHandle: handle, TimeoutHint: 2 * interval},
			TimestampsToReturn: TimestampsToReturnNeither,
			NodesToRead:        []ReadValueID{{NodeID: ServerStatusStateID, AttributeID: AttributeValue}},
		})
		cancel()
		s.tracker.completed(handle, RequestTypeKeepAlive)
		s.onKeepAliveComplete(resp, err)
	}()
}

func (s *Session) onKeepAliveComplete(resp *ReadResponse, err error) {
	if err == nil {
		err = validateResults(ServiceRead, len(resp.Results), 1)
	}
	if err != nil {
		if s.Closed() {
			return
		}
		code := StatusCodeOf(err)
		if code.Code() == StatusBadSessionIdInvalid {
			s.onKeepAliveError(code)
			return
		}
		s.metrics.KeepAliveFailures.Inc()
		s.logger.Warn("keep-alive read failed", slog.String("status", code.String()))
		return
	}

	state := serverStateOf(resp.Results[0].Value)
	now := s.now()
	s.mu.Lock()
	wasStopped := s.keepAliveStoppedLocked(now)
	reconnecting := s.reconnecting
	s.lastKeepAlive = now
	s.lastKeepAliveError = StatusGood
	s.serverState = state
	s.mu.Unlock()

	if wasStopped && !reconnecting {
		n := s.tracker.markDefunct(RequestTypePublish)
		s.updateRequestGauges()
		s.logger.Info("keep-alive recovered", slog.Int("defunct_publish_requests", n))
		s.StartPublishing(s.opts.operationTimeout, false)
	}

	current := resp.Header.Timestamp
	if current.IsZero() {
		current = now
	}
	s.raiseKeepAlive(&KeepAliveEvent{Status: StatusGood, ServerState: state, CurrentTime: current})
}

// onKeepAliveError records a failed keep-alive and tells the observers.
// It returns false when an observer cancelled the keep-alive.
func (s *Session) onKeepAliveError(code StatusCode) bool {
	s.mu.Lock()
	s.lastKeepAliveError = code
	s.serverState = ServerStateUnknown
	last := s.lastKeepAlive
	s.mu.Unlock()

	s.metrics.KeepAliveFailures.Inc()
	s.logger.Warn("keep-alive failed",
		slog.String("status", code.String()),
		slog.Time("last_keep_alive", last))
	ev := &KeepAliveEvent{Status: code, ServerState: ServerStateUnknown, CurrentTime: s.now()}
	s.raiseKeepAlive(ev)
	return !ev.CancelKeepAlive
}

func (s *Session) raiseKeepAlive(ev *KeepAliveEvent) {
	notify(s.logger, "session.keepalive", &s.keepAliveObservers, func(fn func(*Session, *KeepAliveEvent)) {
		fn(s, ev)
	})
	if ev.CancelKeepAlive {
		s.mu.Lock()
		s.keepAliveCancelled = true
		s.mu.Unlock()
		s.stopKeepAlive()
	}
}

func serverStateOf(v interface{}) ServerState {
	switch x := v.(type) {
	case ServerState:
		return x
	case int32:
		return ServerState(x)
	case uint32:
		return ServerState(x)
	case int:
		return ServerState(x)
	case int64:
		return ServerState(x)
	}
	return ServerStateUnknown
}
