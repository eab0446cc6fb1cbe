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

package uatransport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/uasession"
)

// BaseEventType is used for select clauses without a type definition.
var baseEventTypeID = uasession.NewNumericNodeID(0, 2041)

// mapError turns gopcua failures into errors carrying a uasession status code.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return fmt.Errorf("%v: %w", err, uasession.StatusCode(sc))
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", uasession.StatusBadConnectionClosed, err)
	}
	return err
}

func toNodeID(id uasession.NodeID) (*ua.NodeID, error) {
	n, err := ua.ParseNodeID(id.Text())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", uasession.ErrInvalidNodeID, err)
	}
	return n, nil
}

func fromNodeID(n *ua.NodeID) uasession.NodeID {
	if n == nil {
		return uasession.NodeID{}
	}
	id, err := uasession.ParseNodeID(n.String())
	if err != nil {
		return uasession.NodeID{}
	}
	return id
}

func toReadValueID(r uasession.ReadValueID) (*ua.ReadValueID, error) {
	n, err := toNodeID(r.NodeID)
	if err != nil {
		return nil, err
	}
	attr := r.AttributeID
	if attr == 0 {
		attr = uasession.AttributeValue
	}
	return &ua.ReadValueID{
		NodeID:       n,
		AttributeID:  ua.AttributeID(attr),
		IndexRange:   r.IndexRange,
		DataEncoding: &ua.QualifiedName{},
	}, nil
}

func toVariant(v interface{}) (*ua.Variant, error) {
	switch x := v.(type) {
	case *ua.Variant:
		return x, nil
	case uasession.NodeID:
		n, err := toNodeID(x)
		if err != nil {
			return nil, err
		}
		return ua.NewVariant(n)
	case uasession.StatusCode:
		return ua.NewVariant(ua.StatusCode(x))
	}
	return ua.NewVariant(v)
}

// fromValue unwraps gopcua values into the types the session layer uses.
func fromValue(v interface{}) interface{} {
	switch x := v.(type) {
	case *ua.Variant:
		if x == nil {
			return nil
		}
		return fromValue(x.Value())
	case *ua.NodeID:
		return fromNodeID(x)
	case *ua.ExpandedNodeID:
		if x == nil {
			return nil
		}
		return fromNodeID(x.NodeID)
	case ua.StatusCode:
		return uasession.StatusCode(x)
	case *ua.LocalizedText:
		if x == nil {
			return ""
		}
		return x.Text
	case *ua.QualifiedName:
		if x == nil {
			return ""
		}
		return x.Name
	}
	return v
}

func fromVariants(vs []*ua.Variant) []interface{} {
	if len(vs) == 0 {
		return nil
	}
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = fromValue(v)
	}
	return out
}

func fromDataValue(dv *ua.DataValue) uasession.DataValue {
	if dv == nil {
		return uasession.DataValue{Status: uasession.StatusBadNoCommunication}
	}
	return uasession.DataValue{
		Value:           fromValue(dv.Value),
		Status:          uasession.StatusCode(dv.Status),
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
	}
}

func fromStatusCodes(codes []ua.StatusCode) []uasession.StatusCode {
	out := make([]uasession.StatusCode, len(codes))
	for i, c := range codes {
		out[i] = uasession.StatusCode(c)
	}
	return out
}

func fromResponseHeader(h *ua.ResponseHeader) uasession.ResponseHeader {
	if h == nil {
		return uasession.ResponseHeader{}
	}
	return uasession.ResponseHeader{
		Timestamp:     h.Timestamp,
		RequestHandle: h.RequestHandle,
		ServiceResult: uasession.StatusCode(h.ServiceResult),
	}
}

func toAcknowledgements(acks []uasession.SubscriptionAcknowledgement) []*ua.SubscriptionAcknowledgement {
	out := make([]*ua.SubscriptionAcknowledgement, len(acks))
	for i, a := range acks {
		out[i] = &ua.SubscriptionAcknowledgement{
			SubscriptionID: a.SubscriptionID,
			SequenceNumber: a.SequenceNumber,
		}
	}
	return out
}

// fromNotificationMessage decodes the extension objects of a message.
// Payloads of unknown types are dropped.
func fromNotificationMessage(m *ua.NotificationMessage) *uasession.NotificationMessage {
	if m == nil {
		return nil
	}
	msg := &uasession.NotificationMessage{
		SequenceNumber: m.SequenceNumber,
		PublishTime:    m.PublishTime,
	}
	if msg.PublishTime.IsZero() {
		msg.PublishTime = time.Now().UTC()
	}
	for _, eo := range m.NotificationData {
		if eo == nil {
			continue
		}
		switch v := eo.Value.(type) {
		case *ua.DataChangeNotification:
			n := &uasession.DataChangeNotification{
				MonitoredItems: make([]uasession.MonitoredItemNotification, 0, len(v.MonitoredItems)),
			}
			for _, item := range v.MonitoredItems {
				if item == nil {
					continue
				}
				n.MonitoredItems = append(n.MonitoredItems, uasession.MonitoredItemNotification{
					ClientHandle: item.ClientHandle,
					Value:        fromDataValue(item.Value),
				})
			}
			msg.Notifications = append(msg.Notifications, n)
		case *ua.EventNotificationList:
			n := &uasession.EventNotificationList{
				Events: make([]uasession.EventFieldList, 0, len(v.Events)),
			}
			for _, ev := range v.Events {
				if ev == nil {
					continue
				}
				n.Events = append(n.Events, uasession.EventFieldList{
					ClientHandle: ev.ClientHandle,
					EventFields:  fromVariants(ev.EventFields),
				})
			}
			msg.Notifications = append(msg.Notifications, n)
		case *ua.StatusChangeNotification:
			msg.Notifications = append(msg.Notifications, &uasession.StatusChangeNotification{
				Status: uasession.StatusCode(v.Status),
			})
		}
	}
	return msg
}

func toFilter(f uasession.MonitoringFilter) (*ua.ExtensionObject, error) {
	switch v := f.(type) {
	case nil:
		return nil, nil
	case *uasession.DataChangeFilter:
		if v == nil {
			return nil, nil
		}
		return ua.NewExtensionObject(&ua.DataChangeFilter{
			Trigger:       ua.DataChangeTrigger(v.Trigger),
			DeadbandType:  uint32(v.DeadbandType),
			DeadbandValue: v.DeadbandValue,
		}), nil
	case *uasession.EventFilter:
		if v == nil {
			return nil, nil
		}
		ef := &ua.EventFilter{
			SelectClauses: make([]*ua.SimpleAttributeOperand, 0, len(v.SelectClauses)),
			WhereClause:   &ua.ContentFilter{},
		}
		for _, op := range v.SelectClauses {
			typeID := op.TypeDefinitionID
			if typeID.IsNull() {
				typeID = baseEventTypeID
			}
			tid, err := toNodeID(typeID)
			if err != nil {
				return nil, err
			}
			path := make([]*ua.QualifiedName, len(op.BrowsePath))
			for i, name := range op.BrowsePath {
				path[i] = &ua.QualifiedName{Name: name}
			}
			attr := op.AttributeID
			if attr == 0 {
				attr = uasession.AttributeValue
			}
			ef.SelectClauses = append(ef.SelectClauses, &ua.SimpleAttributeOperand{
				TypeDefinitionID: tid,
				BrowsePath:       path,
				AttributeID:      ua.AttributeID(attr),
			})
		}
		return ua.NewExtensionObject(ef), nil
	}
	return nil, fmt.Errorf("%w: unsupported filter %T", uasession.ErrInvalidConfiguration, f)
}

func toMonitoringParameters(p uasession.MonitoringParameters) (*ua.MonitoringParameters, error) {
	filter, err := toFilter(p.Filter)
	if err != nil {
		return nil, err
	}
	return &ua.MonitoringParameters{
		ClientHandle:     p.ClientHandle,
		SamplingInterval: p.SamplingInterval,
		Filter:           filter,
		QueueSize:        p.QueueSize,
		DiscardOldest:    p.DiscardOldest,
	}, nil
}
