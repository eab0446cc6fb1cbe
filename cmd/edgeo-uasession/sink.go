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

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/edgeo-scada/uasession"
)

// notificationRecord is the JSON form of one delivered item notification.
type notificationRecord struct {
	Subscription    string        `json:"subscription"`
	SubscriptionID  uint32        `json:"subscription_id"`
	Sequence        uint32        `json:"sequence"`
	PublishTime     time.Time     `json:"publish_time"`
	Node            string        `json:"node,omitempty"`
	ClientHandle    uint32        `json:"client_handle"`
	Value           interface{}   `json:"value,omitempty"`
	Status          string        `json:"status,omitempty"`
	SourceTimestamp *time.Time    `json:"source_timestamp,omitempty"`
	EventFields     []interface{} `json:"event_fields,omitempty"`
}

func dataChangeRecords(sub *uasession.Subscription, n *uasession.DataChangeNotification, msg *uasession.NotificationMessage) []notificationRecord {
	out := make([]notificationRecord, 0, len(n.MonitoredItems))
	for _, mi := range n.MonitoredItems {
		r := newRecord(sub, msg, mi.ClientHandle)
		r.Value = jsonValue(mi.Value.Value)
		r.Status = mi.Value.Status.String()
		if !mi.Value.SourceTimestamp.IsZero() {
			ts := mi.Value.SourceTimestamp
			r.SourceTimestamp = &ts
		}
		out = append(out, r)
	}
	return out
}

func eventRecords(sub *uasession.Subscription, n *uasession.EventNotificationList, msg *uasession.NotificationMessage) []notificationRecord {
	out := make([]notificationRecord, 0, len(n.Events))
	for _, ev := range n.Events {
		r := newRecord(sub, msg, ev.ClientHandle)
		r.EventFields = make([]interface{}, len(ev.EventFields))
		for i, f := range ev.EventFields {
			r.EventFields[i] = jsonValue(f)
		}
		out = append(out, r)
	}
	return out
}

func newRecord(sub *uasession.Subscription, msg *uasession.NotificationMessage, handle uint32) notificationRecord {
	r := notificationRecord{
		Subscription:   sub.DisplayName(),
		SubscriptionID: sub.ID(),
		Sequence:       msg.SequenceNumber,
		PublishTime:    msg.PublishTime,
		ClientHandle:   handle,
	}
	if item := sub.FindItemByClientHandle(handle); item != nil {
		r.Node = item.DisplayName()
	}
	return r
}

func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case uasession.NodeID:
		return x.Text()
	case uasession.StatusCode:
		return x.String()
	}
	return v
}

// subjectFor builds <prefix>.<subscription>.<kind> with every token made
// safe for NATS.
func subjectFor(prefix, subscription, kind string) string {
	return strings.Join([]string{prefix, subjectToken(subscription), kind}, ".")
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// natsSink publishes delivered notifications to NATS.
type natsSink struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

func newNATSSink(url, prefix string, logger *slog.Logger) (*natsSink, error) {
	logger = logger.With(slog.String("component", "nats"))
	conn, err := nats.Connect(url,
		nats.Name("edgeo-uasession"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DrainTimeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected", slog.String("url", conn.ConnectedUrl()))
	return &natsSink{conn: conn, prefix: prefix, logger: logger}, nil
}

func (s *natsSink) publish(kind string, sub *uasession.Subscription, records []notificationRecord) {
	subject := subjectFor(s.prefix, sub.DisplayName(), kind)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			s.logger.Warn("encode notification failed", slog.String("error", err.Error()))
			continue
		}
		if err := s.conn.Publish(subject, data); err != nil {
			s.logger.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
	}
}

func (s *natsSink) Close() error {
	return s.conn.Drain()
}
