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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "uasession"

// Metrics holds the collectors of the session layer. A single instance is
// shared by a session and every session recreated from it.
type Metrics struct {
	// Publish pipeline
	PublishRequests         prometheus.Counter
	PublishResponses        prometheus.Counter
	PublishErrors           *prometheus.CounterVec
	KeepAliveMessages       prometheus.Counter
	OutstandingRequests     *prometheus.GaugeVec
	AcknowledgementsSent    prometheus.Counter
	AcknowledgementsDropped prometheus.Counter

	// Notification reassembly
	NotificationsDelivered prometheus.Counter
	MessagesSkipped        prometheus.Counter
	RepublishRequests      *prometheus.CounterVec

	// Keep-alive and reconnect
	KeepAliveFailures prometheus.Counter
	ReconnectAttempts *prometheus.CounterVec
	ReconnectDuration prometheus.Histogram
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		PublishRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "requests_total",
			Help:      "Total number of publish requests sent",
		}),
		PublishResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "responses_total",
			Help:      "Total number of successful publish responses",
		}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "errors_total",
			Help:      "Total number of failed publish requests by status",
		}, []string{"status"}),
		KeepAliveMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "keepalive_messages_total",
			Help:      "Total number of keep-alive notification messages received",
		}),
		OutstandingRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "outstanding_requests",
			Help:      "Outstanding requests by state (good, defunct)",
		}, []string{"state"}),
		AcknowledgementsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "acknowledgements_sent_total",
			Help:      "Total number of sequence number acknowledgements sent",
		}),
		AcknowledgementsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "publish",
			Name:      "acknowledgements_dropped_total",
			Help:      "Total number of acknowledgements dropped because the server no longer holds the message",
		}),
		NotificationsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscription",
			Name:      "messages_delivered_total",
			Help:      "Total number of notification messages delivered in order",
		}),
		MessagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscription",
			Name:      "messages_skipped_total",
			Help:      "Total number of sequence numbers skipped after expiring undelivered",
		}),
		RepublishRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "subscription",
			Name:      "republish_total",
			Help:      "Total number of republish requests by result",
		}, []string{"result"}),
		KeepAliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "keepalive_failures_total",
			Help:      "Total number of failed or overdue keep-alive reads",
		}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts by outcome",
		}, []string{"outcome"}),
		ReconnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "reconnect_duration_seconds",
			Help:      "Duration of reconnect attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// Collectors returns every collector.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PublishRequests,
		m.PublishResponses,
		m.PublishErrors,
		m.KeepAliveMessages,
		m.OutstandingRequests,
		m.AcknowledgementsSent,
		m.AcknowledgementsDropped,
		m.NotificationsDelivered,
		m.MessagesSkipped,
		m.RepublishRequests,
		m.KeepAliveFailures,
		m.ReconnectAttempts,
		m.ReconnectDuration,
	}
}

// Register registers every collector. Collectors already registered by a
// previous call are accepted.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
