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
	"math/rand"
	"sync"
	"time"
)

// Reconnect timing limits.
const (
	MinReconnectPeriod           = 500 * time.Millisecond
	DefaultReconnectPeriod       = time.Second
	MinReconnectOperationTimeout = 5 * time.Second
)

// ReconnectState is the state of a ReconnectHandler.
type ReconnectState int

// Reconnect handler states.
const (
	ReconnectStateReady ReconnectState = iota
	ReconnectStateTriggered
	ReconnectStateReconnecting
	ReconnectStateDisposed
)

// String returns the state name.
func (s ReconnectState) String() string {
	switch s {
	case ReconnectStateReady:
		return "Ready"
	case ReconnectStateTriggered:
		return "Triggered"
	case ReconnectStateReconnecting:
		return "Reconnecting"
	case ReconnectStateDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("ReconnectState(%d)", int(s))
	}
}

// ReconnectCallback is called after a successful reconnect with the
// session now in use, which differs from the one passed to BeginReconnect
// when the session had to be recreated.
type ReconnectCallback func(h *ReconnectHandler, sess *Session)

// EndpointRefresh returns a dialer for endpoints fetched again from the
// server. It is used after a security failure.
type EndpointRefresh func(ctx context.Context) (Dialer, error)

// reconnectBackoff plans the period between attempts.
type reconnectBackoff struct {
	min     time.Duration
	max     time.Duration
	current time.Duration
}

// checked clamps p to the configured limits, doubling it first when
// exponential is set and a maximum is configured.
func (b *reconnectBackoff) checked(p time.Duration, exponential bool) time.Duration {
	if b.max > b.min {
		if exponential {
			p *= 2
		}
		if p < b.min {
			p = b.min
		}
		if p > b.max {
			p = b.max
		}
		return p
	}
	if p < b.min {
		p = b.min
	}
	return p
}

// begin resets the plan to base and returns the first delay.
func (b *reconnectBackoff) begin(base time.Duration) time.Duration {
	b.current = b.checked(base, false)
	return b.current
}

// next returns the delay after a failed attempt that took elapsed.
func (b *reconnectBackoff) next(elapsed time.Duration) time.Duration {
	b.current = b.checked(b.current, true)
	d := b.current - elapsed
	if d < b.min {
		d = b.min
	}
	return d
}

// ReconnectHandler restores a session after a communication failure. It
// first activates the existing session again, then falls back to creating
// a new session and moving the subscriptions to it.
type ReconnectHandler struct {
	mu               sync.Mutex
	state            ReconnectState
	session          *Session
	callback         ReconnectCallback
	backoff          reconnectBackoff
	cancelRequested  bool
	reconnectFailed  bool
	updateFromServer bool

	reconnectAbort  bool
	endpointRefresh EndpointRefresh
	timer           *scheduledTask

	rndMu sync.Mutex
	rnd   *rand.Rand

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// ReconnectOption is a functional option for configuring a ReconnectHandler.
type ReconnectOption func(*ReconnectHandler)

// WithReconnectAbort makes an attempt succeed without doing anything when
// the session recovered on its own in the meantime.
func WithReconnectAbort(enable bool) ReconnectOption {
	return func(h *ReconnectHandler) {
		h.reconnectAbort = enable
	}
}

// WithMaxReconnectPeriod enables exponential backoff up to d.
func WithMaxReconnectPeriod(d time.Duration) ReconnectOption {
	return func(h *ReconnectHandler) {
		h.backoff.max = d
	}
}

// WithMinReconnectPeriod sets the smallest delay between attempts.
func WithMinReconnectPeriod(d time.Duration) ReconnectOption {
	return func(h *ReconnectHandler) {
		h.backoff.min = d
	}
}

// WithEndpointRefresh sets how endpoints are fetched again after a
// security failure.
func WithEndpointRefresh(fn EndpointRefresh) ReconnectOption {
	return func(h *ReconnectHandler) {
		h.endpointRefresh = fn
	}
}

// WithReconnectLogger sets the logger.
func WithReconnectLogger(logger *slog.Logger) ReconnectOption {
	return func(h *ReconnectHandler) {
		h.logger = logger
	}
}

// WithReconnectMetrics sets the metrics collectors.
func WithReconnectMetrics(m *Metrics) ReconnectOption {
	return func(h *ReconnectHandler) {
		h.metrics = m
	}
}

// NewReconnectHandler creates a handler in the Ready state.
func NewReconnectHandler(opts ...ReconnectOption) *ReconnectHandler {
	h := &ReconnectHandler{
		backoff: reconnectBackoff{min: MinReconnectPeriod},
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = discardMetrics
	}
	if h.backoff.min <= 0 {
		h.backoff.min = MinReconnectPeriod
	}
	h.timer = newScheduledTask(h.onTimer)
	return h
}

// State returns the current state.
func (h *ReconnectHandler) State() ReconnectState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Session returns the session being reconnected, or the one in use after
// the last successful reconnect.
func (h *ReconnectHandler) Session() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Period returns the currently planned period between attempts.
func (h *ReconnectHandler) Period() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backoff.current
}

// BeginReconnect schedules a reconnect of sess after period. While an
// attempt is already scheduled a shorter period re-arms it. A nil session
// cancels: immediately when scheduled, after the running attempt otherwise.
func (h *ReconnectHandler) BeginReconnect(sess *Session, period time.Duration, cb ReconnectCallback) (ReconnectState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == ReconnectStateDisposed {
		return h.state, ErrReconnectDisposed
	}
	if sess == nil {
		h.cancelLocked()
		return h.state, nil
	}

	switch h.state {
	case ReconnectStateReady:
		h.session = sess
		h.callback = cb
		h.cancelRequested = false
		h.reconnectFailed = false
		h.updateFromServer = false
		d := h.backoff.begin(period)
		h.state = ReconnectStateTriggered
		h.timer.Arm(h.jitter(d))
		h.logger.Info("reconnect scheduled", slog.Duration("period", d))
	case ReconnectStateTriggered:
		if p := h.backoff.checked(period, false); p < h.backoff.current {
			h.backoff.current = p
			h.timer.Arm(h.jitter(p))
			h.logger.Debug("reconnect rescheduled", slog.Duration("period", p))
		}
	case ReconnectStateReconnecting:
		h.cancelRequested = false
	}
	return h.state, nil
}

// CancelReconnect stops a scheduled reconnect. A running attempt is not
// interrupted; its outcome is discarded.
func (h *ReconnectHandler) CancelReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelLocked()
}

func (h *ReconnectHandler) cancelLocked() {
	switch h.state {
	case ReconnectStateTriggered:
		h.timer.Cancel()
		h.state = ReconnectStateReady
		h.logger.Info("reconnect cancelled")
	case ReconnectStateReconnecting:
		h.cancelRequested = true
	}
}

// Dispose stops the handler for good.
func (h *ReconnectHandler) Dispose() {
	h.mu.Lock()
	h.state = ReconnectStateDisposed
	h.mu.Unlock()
	h.timer.Stop()
}

// jitter spreads d by up to ten percent either way.
func (h *ReconnectHandler) jitter(d time.Duration) time.Duration {
	h.rndMu.Lock()
	r := h.rnd.Intn(2000) - 1000
	h.rndMu.Unlock()
	return d + d*time.Duration(r)/10000
}

func (h *ReconnectHandler) onTimer() {
	h.mu.Lock()
	if h.state != ReconnectStateTriggered {
		h.mu.Unlock()
		return
	}
	h.state = ReconnectStateReconnecting
	h.mu.Unlock()

	start := h.now()
	ok := h.doReconnect()
	elapsed := h.now().Sub(start)
	h.metrics.ReconnectDuration.Observe(elapsed.Seconds())

	h.mu.Lock()
	switch {
	case h.state == ReconnectStateDisposed:
		h.mu.Unlock()
		return
	case h.cancelRequested:
		h.cancelRequested = false
		h.state = ReconnectStateReady
		h.mu.Unlock()
		h.logger.Info("reconnect cancelled")
		return
	case ok:
		h.state = ReconnectStateReady
		sess, cb := h.session, h.callback
		h.mu.Unlock()
		h.logger.Info("reconnect completed", slog.Duration("elapsed", elapsed))
		if cb != nil {
			safeCall(h.logger, "reconnect.callback", func() { cb(h, sess) })
		}
		return
	}
	d := h.backoff.next(elapsed)
	h.state = ReconnectStateTriggered
	h.timer.Arm(h.jitter(d))
	h.mu.Unlock()
	h.logger.Info("reconnect scheduled", slog.Duration("period", d), slog.Duration("elapsed", elapsed))
}

// doReconnect runs one attempt and reports whether the session is usable.
func (h *ReconnectHandler) doReconnect() bool {
	h.mu.Lock()
	sess := h.session
	failed := h.reconnectFailed
	timeout := max(h.backoff.current, MinReconnectOperationTimeout)
	h.mu.Unlock()

	if h.reconnectAbort && sess.Connected() && !sess.KeepAliveStopped() {
		h.metrics.ReconnectAttempts.WithLabelValues("recovered").Inc()
		h.logger.Info("session recovered before reconnect")
		return true
	}

	if !failed {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := sess.Reconnect(ctx)
		cancel()
		if err == nil {
			h.metrics.ReconnectAttempts.WithLabelValues("reactivated").Inc()
			return true
		}
		code := StatusCodeOf(err)
		switch Classify(code) {
		case ErrorClassTransient:
			if sess.LastKeepAliveTime().Add(sess.SessionTimeout()).After(h.now()) {
				h.metrics.ReconnectAttempts.WithLabelValues("retry").Inc()
				h.logger.Warn("reconnect failed, retrying", slog.String("status", code.String()))
				return false
			}
			h.logger.Warn("session timed out during reconnect", slog.String("status", code.String()))
		case ErrorClassSecurity:
			h.logger.Warn("reconnect failed security checks, refreshing endpoint", slog.String("status", code.String()))
			h.mu.Lock()
			h.updateFromServer = true
			h.mu.Unlock()
		default:
			h.logger.Warn("reconnect failed, recreating session", slog.String("status", code.String()))
		}
		h.mu.Lock()
		h.reconnectFailed = true
		h.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var dial Dialer
	h.mu.Lock()
	refresh := h.updateFromServer && h.endpointRefresh != nil
	h.mu.Unlock()
	if refresh {
		d, err := h.endpointRefresh(ctx)
		if err != nil {
			h.metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
			h.logger.Warn("endpoint refresh failed", slog.String("error", err.Error()))
			return false
		}
		dial = d
	}

	next, err := Recreate(ctx, sess, dial)
	if err != nil {
		h.metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
		h.logger.Warn("recreate session failed", slog.String("status", StatusCodeOf(err).String()))
		return false
	}

	h.mu.Lock()
	h.session = next
	h.reconnectFailed = false
	h.updateFromServer = false
	h.mu.Unlock()
	sess.Dispose()
	h.metrics.ReconnectAttempts.WithLabelValues("recreated").Inc()
	h.logger.Info("session recreated", slog.String("session_id", next.SessionID().Text()))
	return true
}
