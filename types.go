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

// Package uasession implements the client side session and subscription
// layer of OPC UA: the publish request pipeline, per-subscription
// notification reassembly with republish based gap recovery, and the
// reconnect and transfer state machine. Wire encoding and the secure
// channel are provided by a Transport.
package uasession

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeIDType represents the type of a NodeID.
type NodeIDType uint8

// NodeID types.
const (
	NodeIDTypeNumeric NodeIDType = iota
	NodeIDTypeString
	NodeIDTypeGUID
	NodeIDTypeOpaque
)

// NodeID represents an OPC UA NodeID.
type NodeID struct {
	Type      NodeIDType
	Namespace uint16
	Numeric   uint32
	String    string
	GUID      [16]byte
	Opaque    []byte
}

// NewNumericNodeID creates a new numeric NodeID.
func NewNumericNodeID(namespace uint16, id uint32) NodeID {
	return NodeID{
		Type:      NodeIDTypeNumeric,
		Namespace: namespace,
		Numeric:   id,
	}
}

// NewStringNodeID creates a new string NodeID.
func NewStringNodeID(namespace uint16, id string) NodeID {
	return NodeID{
		Type:      NodeIDTypeString,
		Namespace: namespace,
		String:    id,
	}
}

// IsNull reports whether the node id is the numeric null id ns=0;i=0.
func (n NodeID) IsNull() bool {
	switch n.Type {
	case NodeIDTypeNumeric:
		return n.Namespace == 0 && n.Numeric == 0
	case NodeIDTypeString:
		return n.Namespace == 0 && n.String == ""
	case NodeIDTypeOpaque:
		return n.Namespace == 0 && len(n.Opaque) == 0
	default:
		return n.Namespace == 0 && n.GUID == [16]byte{}
	}
}

// Equal reports whether two node ids identify the same node.
func (n NodeID) Equal(o NodeID) bool {
	if n.Type != o.Type || n.Namespace != o.Namespace {
		return false
	}
	switch n.Type {
	case NodeIDTypeNumeric:
		return n.Numeric == o.Numeric
	case NodeIDTypeString:
		return n.String == o.String
	case NodeIDTypeGUID:
		return n.GUID == o.GUID
	default:
		return bytes.Equal(n.Opaque, o.Opaque)
	}
}

// Text returns the standard string form, e.g. "ns=2;s=Temperature".
func (n NodeID) Text() string {
	var id string
	switch n.Type {
	case NodeIDTypeNumeric:
		id = "i=" + strconv.FormatUint(uint64(n.Numeric), 10)
	case NodeIDTypeString:
		id = "s=" + n.String
	case NodeIDTypeGUID:
		id = "g=" + uuid.UUID(n.GUID).String()
	default:
		id = "b=" + base64.StdEncoding.EncodeToString(n.Opaque)
	}
	if n.Namespace == 0 {
		return id
	}
	return fmt.Sprintf("ns=%d;%s", n.Namespace, id)
}

// ParseNodeID parses the standard string form of a node id.
func ParseNodeID(s string) (NodeID, error) {
	var ns uint16
	rest := strings.TrimSpace(s)
	if strings.HasPrefix(rest, "ns=") {
		sep := strings.IndexByte(rest, ';')
		if sep < 0 {
			return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
		}
		v, err := strconv.ParseUint(rest[3:sep], 10, 16)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: namespace in %q", ErrInvalidNodeID, s)
		}
		ns = uint16(v)
		rest = rest[sep+1:]
	}
	if len(rest) < 2 || rest[1] != '=' {
		return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	value := rest[2:]
	switch rest[0] {
	case 'i':
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: numeric identifier in %q", ErrInvalidNodeID, s)
		}
		return NewNumericNodeID(ns, uint32(v)), nil
	case 's':
		return NewStringNodeID(ns, value), nil
	case 'g':
		g, err := uuid.Parse(value)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: guid in %q", ErrInvalidNodeID, s)
		}
		return NodeID{Type: NodeIDTypeGUID, Namespace: ns, GUID: g}, nil
	case 'b':
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: opaque identifier in %q", ErrInvalidNodeID, s)
		}
		return NodeID{Type: NodeIDTypeOpaque, Namespace: ns, Opaque: b}, nil
	}
	return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
}

// Well known nodes used by the session layer.
var (
	ServerObjectID            = NewNumericNodeID(0, 2253)
	ServerStatusStateID       = NewNumericNodeID(0, 2259)
	GetMonitoredItemsMethodID = NewNumericNodeID(0, 11492)
	ResendDataMethodID        = NewNumericNodeID(0, 12873)
	ConditionTypeID           = NewNumericNodeID(0, 2782)
	ConditionRefreshMethodID  = NewNumericNodeID(0, 3875)
)

// ServiceID identifies the service a failure belongs to.
type ServiceID uint32

// OPC UA service ids used by this layer.
const (
	ServiceCreateSession         ServiceID = 461
	ServiceActivateSession       ServiceID = 467
	ServiceCloseSession          ServiceID = 473
	ServiceRead                  ServiceID = 631
	ServiceCall                  ServiceID = 712
	ServiceCreateMonitoredItems  ServiceID = 751
	ServiceModifyMonitoredItems  ServiceID = 763
	ServiceSetMonitoringMode     ServiceID = 769
	ServiceDeleteMonitoredItems  ServiceID = 781
	ServiceCreateSubscription    ServiceID = 787
	ServiceModifySubscription    ServiceID = 793
	ServiceSetPublishingMode     ServiceID = 799
	ServicePublish               ServiceID = 826
	ServiceRepublish             ServiceID = 832
	ServiceTransferSubscriptions ServiceID = 841
	ServiceDeleteSubscriptions   ServiceID = 847
)

// String returns the service name.
func (s ServiceID) String() string {
	switch s {
	case ServiceCreateSession:
		return "CreateSession"
	case ServiceActivateSession:
		return "ActivateSession"
	case ServiceCloseSession:
		return "CloseSession"
	case ServiceRead:
		return "Read"
	case ServiceCall:
		return "Call"
	case ServiceCreateMonitoredItems:
		return "CreateMonitoredItems"
	case ServiceModifyMonitoredItems:
		return "ModifyMonitoredItems"
	case ServiceSetMonitoringMode:
		return "SetMonitoringMode"
	case ServiceDeleteMonitoredItems:
		return "DeleteMonitoredItems"
	case ServiceCreateSubscription:
		return "CreateSubscription"
	case ServiceModifySubscription:
		return "ModifySubscription"
	case ServiceSetPublishingMode:
		return "SetPublishingMode"
	case ServicePublish:
		return "Publish"
	case ServiceRepublish:
		return "Republish"
	case ServiceTransferSubscriptions:
		return "TransferSubscriptions"
	case ServiceDeleteSubscriptions:
		return "DeleteSubscriptions"
	default:
		return fmt.Sprintf("Service(%d)", uint32(s))
	}
}

// StatusCode represents an OPC UA StatusCode.
type StatusCode uint32

// AttributeID identifies a node attribute.
type AttributeID uint32

// Attributes commonly monitored.
const (
	AttributeNodeID        AttributeID = 1
	AttributeBrowseName    AttributeID = 3
	AttributeDisplayName   AttributeID = 4
	AttributeEventNotifier AttributeID = 12
	AttributeValue         AttributeID = 13
)

// MonitoringMode controls sampling and reporting of a monitored item.
type MonitoringMode uint32

// Monitoring modes.
const (
	MonitoringModeDisabled  MonitoringMode = 0
	MonitoringModeSampling  MonitoringMode = 1
	MonitoringModeReporting MonitoringMode = 2
)

// String returns the mode name.
func (m MonitoringMode) String() string {
	switch m {
	case MonitoringModeDisabled:
		return "Disabled"
	case MonitoringModeSampling:
		return "Sampling"
	case MonitoringModeReporting:
		return "Reporting"
	default:
		return fmt.Sprintf("MonitoringMode(%d)", uint32(m))
	}
}

// TimestampsToReturn selects the timestamps reported with values.
type TimestampsToReturn uint32

// Timestamp selections.
const (
	TimestampsToReturnSource  TimestampsToReturn = 0
	TimestampsToReturnServer  TimestampsToReturn = 1
	TimestampsToReturnBoth    TimestampsToReturn = 2
	TimestampsToReturnNeither TimestampsToReturn = 3
)

// ServerState is the value of Server_ServerStatus_State.
type ServerState int32

// Server states.
const (
	ServerStateRunning            ServerState = 0
	ServerStateFailed             ServerState = 1
	ServerStateNoConfiguration    ServerState = 2
	ServerStateSuspended          ServerState = 3
	ServerStateShutdown           ServerState = 4
	ServerStateTest               ServerState = 5
	ServerStateCommunicationFault ServerState = 6
	ServerStateUnknown            ServerState = 7
)

// String returns the state name.
func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "Running"
	case ServerStateFailed:
		return "Failed"
	case ServerStateNoConfiguration:
		return "NoConfiguration"
	case ServerStateSuspended:
		return "Suspended"
	case ServerStateShutdown:
		return "Shutdown"
	case ServerStateTest:
		return "Test"
	case ServerStateCommunicationFault:
		return "CommunicationFault"
	default:
		return "Unknown"
	}
}

// DataValue is a value with quality and timestamps.
type DataValue struct {
	Value           interface{}
	Status          StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// NotificationMessage is one sequenced message of a subscription. A message
// without notification data is a keep-alive.
type NotificationMessage struct {
	SequenceNumber uint32
	PublishTime    time.Time
	Notifications  []Notification
	StringTable    []string
}

// IsEmpty reports whether the message is a keep-alive.
func (m *NotificationMessage) IsEmpty() bool {
	return m == nil || len(m.Notifications) == 0
}

// NotificationCount returns the number of item level notifications carried.
func (m *NotificationMessage) NotificationCount() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, d := range m.Notifications {
		switch v := d.(type) {
		case *DataChangeNotification:
			n += len(v.MonitoredItems)
		case *EventNotificationList:
			n += len(v.Events)
		case *StatusChangeNotification:
			n++
		}
	}
	return n
}

// Notification is one payload of a NotificationMessage.
type Notification interface {
	notification()
}

// DataChangeNotification reports value changes.
type DataChangeNotification struct {
	MonitoredItems []MonitoredItemNotification
}

// MonitoredItemNotification is a value change of one monitored item.
type MonitoredItemNotification struct {
	ClientHandle uint32
	Value        DataValue
}

// EventNotificationList reports events.
type EventNotificationList struct {
	Events []EventFieldList
}

// EventFieldList holds the selected fields of one event.
type EventFieldList struct {
	ClientHandle uint32
	EventFields  []interface{}
}

// StatusChangeNotification reports a change of the subscription status.
type StatusChangeNotification struct {
	Status StatusCode
}

func (*DataChangeNotification) notification()   {}
func (*EventNotificationList) notification()    {}
func (*StatusChangeNotification) notification() {}

// SubscriptionAcknowledgement acknowledges one notification message.
type SubscriptionAcknowledgement struct {
	SubscriptionID uint32
	SequenceNumber uint32
}
