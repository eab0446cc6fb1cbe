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
	"time"
)

// Transport is the service layer the session runs on. It owns wire
// encoding and the secure channel. Every method blocks until the response
// arrives, ctx is done, or the channel fails; a bad service result is
// returned as an error carrying the status code.
type Transport interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error)
	ActivateSession(ctx context.Context, req *ActivateSessionRequest) (*ActivateSessionResponse, error)
	CloseSession(ctx context.Context, req *CloseSessionRequest) error

	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Call(ctx context.Context, req *CallRequest) (*CallResponse, error)

	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
	Republish(ctx context.Context, req *RepublishRequest) (*RepublishResponse, error)

	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*CreateSubscriptionResponse, error)
	ModifySubscription(ctx context.Context, req *ModifySubscriptionRequest) (*ModifySubscriptionResponse, error)
	DeleteSubscriptions(ctx context.Context, req *DeleteSubscriptionsRequest) (*DeleteSubscriptionsResponse, error)
	SetPublishingMode(ctx context.Context, req *SetPublishingModeRequest) (*SetPublishingModeResponse, error)
	TransferSubscriptions(ctx context.Context, req *TransferSubscriptionsRequest) (*TransferSubscriptionsResponse, error)

	CreateMonitoredItems(ctx context.Context, req *CreateMonitoredItemsRequest) (*CreateMonitoredItemsResponse, error)
	ModifyMonitoredItems(ctx context.Context, req *ModifyMonitoredItemsRequest) (*ModifyMonitoredItemsResponse, error)
	DeleteMonitoredItems(ctx context.Context, req *DeleteMonitoredItemsRequest) (*DeleteMonitoredItemsResponse, error)
	SetMonitoringMode(ctx context.Context, req *SetMonitoringModeRequest) (*SetMonitoringModeResponse, error)

	// Close releases the channel without talking to the server.
	Close(ctx context.Context) error
}

// Reconnector is implemented by transports that can re-establish their
// channel in place, keeping the server side session usable.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Dialer opens a new transport to the server.
type Dialer func(ctx context.Context) (Transport, error)

// RequestHeader is common to every request.
type RequestHeader struct {
	RequestHandle uint32
	TimeoutHint   time.Duration
}

// ResponseHeader is common to every response.
type ResponseHeader struct {
	Timestamp     time.Time
	RequestHandle uint32
	ServiceResult StatusCode
}

// IdentityType selects the user identity token kind.
type IdentityType int

// Identity token kinds.
const (
	IdentityAnonymous IdentityType = iota
	IdentityUserName
	IdentityCertificate
)

// UserIdentity carries the credentials used to activate a session.
type UserIdentity struct {
	Type        IdentityType
	PolicyID    string
	UserName    string
	Password    string
	Certificate []byte
	PrivateKey  []byte
}

type CreateSessionRequest struct {
	Header           RequestHeader
	SessionName      string
	EndpointURL      string
	ApplicationURI   string
	RequestedTimeout time.Duration
}

type CreateSessionResponse struct {
	Header              ResponseHeader
	SessionID           NodeID
	AuthenticationToken NodeID
	RevisedTimeout      time.Duration
	ServerNonce         []byte
}

type ActivateSessionRequest struct {
	Header              RequestHeader
	SessionID           NodeID
	AuthenticationToken NodeID
	Identity            UserIdentity
	Locales             []string
}

type ActivateSessionResponse struct {
	Header      ResponseHeader
	ServerNonce []byte
	Results     []StatusCode
}

type CloseSessionRequest struct {
	Header              RequestHeader
	DeleteSubscriptions bool
}

// ReadValueID names a node attribute.
type ReadValueID struct {
	NodeID      NodeID
	AttributeID AttributeID
	IndexRange  string
}

type ReadRequest struct {
	Header             RequestHeader
	MaxAge             time.Duration
	TimestampsToReturn TimestampsToReturn
	NodesToRead        []ReadValueID
}

type ReadResponse struct {
	Header  ResponseHeader
	Results []DataValue
}

// CallMethodRequest invokes one method on an object.
type CallMethodRequest struct {
	ObjectID       NodeID
	MethodID       NodeID
	InputArguments []interface{}
}

// CallMethodResult is the outcome of one method call.
type CallMethodResult struct {
	StatusCode      StatusCode
	OutputArguments []interface{}
}

type CallRequest struct {
	Header        RequestHeader
	MethodsToCall []CallMethodRequest
}

type CallResponse struct {
	Header  ResponseHeader
	Results []CallMethodResult
}

type PublishRequest struct {
	Header           RequestHeader
	Acknowledgements []SubscriptionAcknowledgement
}

type PublishResponse struct {
	Header                   ResponseHeader
	SubscriptionID           uint32
	AvailableSequenceNumbers []uint32
	MoreNotifications        bool
	NotificationMessage      *NotificationMessage
	Results                  []StatusCode
}

type RepublishRequest struct {
	Header                   RequestHeader
	SubscriptionID           uint32
	RetransmitSequenceNumber uint32
}

type RepublishResponse struct {
	Header              ResponseHeader
	NotificationMessage *NotificationMessage
}

type CreateSubscriptionRequest struct {
	Header                      RequestHeader
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	PublishingEnabled           bool
	Priority                    uint8
}

type CreateSubscriptionResponse struct {
	Header                    ResponseHeader
	SubscriptionID            uint32
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

type ModifySubscriptionRequest struct {
	Header                      RequestHeader
	SubscriptionID              uint32
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	Priority                    uint8
}

type ModifySubscriptionResponse struct {
	Header                    ResponseHeader
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

type DeleteSubscriptionsRequest struct {
	Header          RequestHeader
	SubscriptionIDs []uint32
}

type DeleteSubscriptionsResponse struct {
	Header  ResponseHeader
	Results []StatusCode
}

type SetPublishingModeRequest struct {
	Header            RequestHeader
	PublishingEnabled bool
	SubscriptionIDs   []uint32
}

type SetPublishingModeResponse struct {
	Header  ResponseHeader
	Results []StatusCode
}

type TransferSubscriptionsRequest struct {
	Header            RequestHeader
	SubscriptionIDs   []uint32
	SendInitialValues bool
}

// TransferResult is the per subscription outcome of a transfer.
type TransferResult struct {
	StatusCode               StatusCode
	AvailableSequenceNumbers []uint32
}

type TransferSubscriptionsResponse struct {
	Header  ResponseHeader
	Results []TransferResult
}

// MonitoringFilter is a DataChangeFilter or an EventFilter.
type MonitoringFilter interface {
	monitoringFilter()
}

// DataChangeTrigger selects what counts as a data change.
type DataChangeTrigger uint32

// Data change triggers.
const (
	DataChangeTriggerStatus               DataChangeTrigger = 0
	DataChangeTriggerStatusValue          DataChangeTrigger = 1
	DataChangeTriggerStatusValueTimestamp DataChangeTrigger = 2
)

// DeadbandType selects the deadband applied to analog values.
type DeadbandType uint32

// Deadband types.
const (
	DeadbandTypeNone     DeadbandType = 0
	DeadbandTypeAbsolute DeadbandType = 1
	DeadbandTypePercent  DeadbandType = 2
)

// DataChangeFilter filters value changes.
type DataChangeFilter struct {
	Trigger       DataChangeTrigger
	DeadbandType  DeadbandType
	DeadbandValue float64
}

// SimpleAttributeOperand selects one event field.
type SimpleAttributeOperand struct {
	TypeDefinitionID NodeID
	BrowsePath       []string
	AttributeID      AttributeID
}

// EventFilter selects event fields.
type EventFilter struct {
	SelectClauses []SimpleAttributeOperand
}

func (*DataChangeFilter) monitoringFilter() {}
func (*EventFilter) monitoringFilter()      {}

// MonitoringParameters are the requested sampling settings of an item.
type MonitoringParameters struct {
	ClientHandle     uint32
	SamplingInterval float64
	Filter           MonitoringFilter
	QueueSize        uint32
	DiscardOldest    bool
}

type MonitoredItemCreateRequest struct {
	ItemToMonitor       ReadValueID
	MonitoringMode      MonitoringMode
	RequestedParameters MonitoringParameters
}

type MonitoredItemCreateResult struct {
	StatusCode              StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
}

type CreateMonitoredItemsRequest struct {
	Header             RequestHeader
	SubscriptionID     uint32
	TimestampsToReturn TimestampsToReturn
	ItemsToCreate      []MonitoredItemCreateRequest
}

type CreateMonitoredItemsResponse struct {
	Header  ResponseHeader
	Results []MonitoredItemCreateResult
}

type MonitoredItemModifyRequest struct {
	MonitoredItemID     uint32
	RequestedParameters MonitoringParameters
}

type MonitoredItemModifyResult struct {
	StatusCode              StatusCode
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
}

type ModifyMonitoredItemsRequest struct {
	Header             RequestHeader
	SubscriptionID     uint32
	TimestampsToReturn TimestampsToReturn
	ItemsToModify      []MonitoredItemModifyRequest
}

type ModifyMonitoredItemsResponse struct {
	Header  ResponseHeader
	Results []MonitoredItemModifyResult
}

type DeleteMonitoredItemsRequest struct {
	Header           RequestHeader
	SubscriptionID   uint32
	MonitoredItemIDs []uint32
}

type DeleteMonitoredItemsResponse struct {
	Header  ResponseHeader
	Results []StatusCode
}

type SetMonitoringModeRequest struct {
	Header           RequestHeader
	SubscriptionID   uint32
	MonitoringMode   MonitoringMode
	MonitoredItemIDs []uint32
}

type SetMonitoringModeResponse struct {
	Header  ResponseHeader
	Results []StatusCode
}

// validateResults checks that a service returned one result per operation.
func validateResults(svc ServiceID, got, want int) error {
	if got != want {
		return NewOPCUAError(svc, StatusBadUnexpectedError,
			fmt.Sprintf("server returned %d results for %d operations", got, want))
	}
	return nil
}
