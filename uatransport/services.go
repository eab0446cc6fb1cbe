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
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/uasession"
)

// Read reads node attributes.
func (t *Transport) Read(ctx context.Context, req *uasession.ReadRequest) (*uasession.ReadResponse, error) {
	nodes := make([]*ua.ReadValueID, len(req.NodesToRead))
	for i, r := range req.NodesToRead {
		n, err := toReadValueID(r)
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	resp, err := send[*ua.ReadResponse](ctx, t, &ua.ReadRequest{
		MaxAge:             float64(req.MaxAge / time.Millisecond),
		TimestampsToReturn: ua.TimestampsToReturn(req.TimestampsToReturn),
		NodesToRead:        nodes,
	})
	if err != nil {
		return nil, err
	}
	out := &uasession.ReadResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: make([]uasession.DataValue, len(resp.Results)),
	}
	for i, dv := range resp.Results {
		out.Results[i] = fromDataValue(dv)
	}
	return out, nil
}

// Call invokes methods.
func (t *Transport) Call(ctx context.Context, req *uasession.CallRequest) (*uasession.CallResponse, error) {
	methods := make([]*ua.CallMethodRequest, len(req.MethodsToCall))
	for i, m := range req.MethodsToCall {
		obj, err := toNodeID(m.ObjectID)
		if err != nil {
			return nil, err
		}
		method, err := toNodeID(m.MethodID)
		if err != nil {
			return nil, err
		}
		args := make([]*ua.Variant, len(m.InputArguments))
		for j, a := range m.InputArguments {
			v, err := toVariant(a)
			if err != nil {
				return nil, fmt.Errorf("argument %d of %s: %w", j, m.MethodID.Text(), err)
			}
			args[j] = v
		}
		methods[i] = &ua.CallMethodRequest{ObjectID: obj, MethodID: method, InputArguments: args}
	}
	resp, err := send[*ua.CallResponse](ctx, t, &ua.CallRequest{MethodsToCall: methods})
	if err != nil {
		return nil, err
	}
	out := &uasession.CallResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: make([]uasession.CallMethodResult, len(resp.Results)),
	}
	for i, r := range resp.Results {
		if r == nil {
			out.Results[i] = uasession.CallMethodResult{StatusCode: uasession.StatusBadUnexpectedError}
			continue
		}
		out.Results[i] = uasession.CallMethodResult{
			StatusCode:      uasession.StatusCode(r.StatusCode),
			OutputArguments: fromVariants(r.OutputArguments),
		}
	}
	return out, nil
}

// Publish sends one publish request and waits for its response.
func (t *Transport) Publish(ctx context.Context, req *uasession.PublishRequest) (*uasession.PublishResponse, error) {
	resp, err := send[*ua.PublishResponse](ctx, t, &ua.PublishRequest{
		SubscriptionAcknowledgements: toAcknowledgements(req.Acknowledgements),
	})
	if err != nil {
		return nil, err
	}
	return &uasession.PublishResponse{
		Header:                   fromResponseHeader(resp.ResponseHeader),
		SubscriptionID:           resp.SubscriptionID,
		AvailableSequenceNumbers: resp.AvailableSequenceNumbers,
		MoreNotifications:        resp.MoreNotifications,
		NotificationMessage:      fromNotificationMessage(resp.NotificationMessage),
		Results:                  fromStatusCodes(resp.Results),
	}, nil
}

// Republish asks for a retained notification message.
func (t *Transport) Republish(ctx context.Context, req *uasession.RepublishRequest) (*uasession.RepublishResponse, error) {
	resp, err := send[*ua.RepublishResponse](ctx, t, &ua.RepublishRequest{
		SubscriptionID:           req.SubscriptionID,
		RetransmitSequenceNumber: req.RetransmitSequenceNumber,
	})
	if err != nil {
		return nil, err
	}
	return &uasession.RepublishResponse{
		Header:              fromResponseHeader(resp.ResponseHeader),
		NotificationMessage: fromNotificationMessage(resp.NotificationMessage),
	}, nil
}

// CreateSubscription creates a subscription.
func (t *Transport) CreateSubscription(ctx context.Context, req *uasession.CreateSubscriptionRequest) (*uasession.CreateSubscriptionResponse, error) {
	resp, err := send[*ua.CreateSubscriptionResponse](ctx, t, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: req.RequestedPublishingInterval,
		RequestedLifetimeCount:      req.RequestedLifetimeCount,
		RequestedMaxKeepAliveCount:  req.RequestedMaxKeepAliveCount,
		MaxNotificationsPerPublish:  req.MaxNotificationsPerPublish,
		PublishingEnabled:           req.PublishingEnabled,
		Priority:                    req.Priority,
	})
	if err != nil {
		return nil, err
	}
	return &uasession.CreateSubscriptionResponse{
		Header:                    fromResponseHeader(resp.ResponseHeader),
		SubscriptionID:            resp.SubscriptionID,
		RevisedPublishingInterval: resp.RevisedPublishingInterval,
		RevisedLifetimeCount:      resp.RevisedLifetimeCount,
		RevisedMaxKeepAliveCount:  resp.RevisedMaxKeepAliveCount,
	}, nil
}

// ModifySubscription changes the parameters of a subscription.
func (t *Transport) ModifySubscription(ctx context.Context, req *uasession.ModifySubscriptionRequest) (*uasession.ModifySubscriptionResponse, error) {
	resp, err := send[*ua.ModifySubscriptionResponse](ctx, t, &ua.ModifySubscriptionRequest{
		SubscriptionID:              req.SubscriptionID,
		RequestedPublishingInterval: req.RequestedPublishingInterval,
		RequestedLifetimeCount:      req.RequestedLifetimeCount,
		RequestedMaxKeepAliveCount:  req.RequestedMaxKeepAliveCount,
		MaxNotificationsPerPublish:  req.MaxNotificationsPerPublish,
		Priority:                    req.Priority,
	})
	if err != nil {
		return nil, err
	}
	return &uasession.ModifySubscriptionResponse{
		Header:                    fromResponseHeader(resp.ResponseHeader),
		RevisedPublishingInterval: resp.RevisedPublishingInterval,
		RevisedLifetimeCount:      resp.RevisedLifetimeCount,
		RevisedMaxKeepAliveCount:  resp.RevisedMaxKeepAliveCount,
	}, nil
}

// DeleteSubscriptions deletes subscriptions.
func (t *Transport) DeleteSubscriptions(ctx context.Context, req *uasession.DeleteSubscriptionsRequest) (*uasession.DeleteSubscriptionsResponse, error) {
	resp, err := send[*ua.DeleteSubscriptionsResponse](ctx, t, &ua.DeleteSubscriptionsRequest{
		SubscriptionIDs: req.SubscriptionIDs,
	})
	if err != nil {
		return nil, err
	}
	return &uasession.DeleteSubscriptionsResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: fromStatusCodes(resp.Results),
	}, nil
}

// SetPublishingMode enables or disables publishing.
func (t *Transport) SetPublishingMode(ctx context.Context, req *uasession.SetPublishingModeRequest) (*uasession.SetPublishingModeResponse, error) {
	resp, err := send[*ua.SetPublishingModeResponse](ctx, t, &ua.SetPublishingModeRequest{
		PublishingEnabled: req.PublishingEnabled,
		SubscriptionIDs:   req.SubscriptionIDs,
	})
	if err != nil {
		return nil, err
	}
	return &uasession.SetPublishingModeResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: fromStatusCodes(resp.Results),
	}, nil
}

// TransferSubscriptions moves subscriptions to the session of this channel.
func (t *Transport) TransferSubscriptions(ctx context.Context, req *uasession.TransferSubscriptionsRequest) (*uasession.TransferSubscriptionsResponse, error) {
	resp, err := send[*ua.TransferSubscriptionsResponse](ctx, t, &ua.TransferSubscriptionsRequest{
		SubscriptionIDs:   req.SubscriptionIDs,
		SendInitialValues: req.SendInitialValues,
	})
	if err != nil {
		return nil, err
	}
	out := &uasession.TransferSubscriptionsResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: make([]uasession.TransferResult, len(resp.Results)),
	}
	for i, r := range resp.Results {
		if r == nil {
			out.Results[i] = uasession.TransferResult{StatusCode: uasession.StatusBadUnexpectedError}
			continue
		}
		out.Results[i] = uasession.TransferResult{
			StatusCode:               uasession.StatusCode(r.StatusCode),
			AvailableSequenceNumbers: r.AvailableSequenceNumbers,
		}
	}
	return out, nil
}

// CreateMonitoredItems creates monitored items.
func (t *Transport) CreateMonitoredItems(ctx context.Context, req *uasession.CreateMonitoredItemsRequest) (*uasession.CreateMonitoredItemsResponse, error) {
	items := make([]*ua.MonitoredItemCreateRequest, len(req.ItemsToCreate))
	for i, it := range req.ItemsToCreate {
		rv, err := toReadValueID(it.ItemToMonitor)
		if err != nil {
			return nil, err
		}
		params, err := toMonitoringParameters(it.RequestedParameters)
		if err != nil {
			return nil, err
		}
		items[i] = &ua.MonitoredItemCreateRequest{
			ItemToMonitor:       rv,
			MonitoringMode:      ua.MonitoringMode(it.MonitoringMode),
			RequestedParameters: params,
		}
	}
	resp, err := send[*ua.CreateMonitoredItemsResponse](ctx, t, &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     req.SubscriptionID,
		TimestampsToReturn: ua.TimestampsToReturn(req.TimestampsToReturn),
		ItemsToCreate:      items,
	})
	if err != nil {
		return nil, err
	}
	out := &uasession.CreateMonitoredItemsResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: make([]uasession.MonitoredItemCreateResult, len(resp.Results)),
	}
	for i, r := range resp.Results {
		if r == nil {
			out.Results[i] = uasession.MonitoredItemCreateResult{StatusCode: uasession.StatusBadUnexpectedError}
			continue
		}
		out.Results[i] = uasession.MonitoredItemCreateResult{
			StatusCode:              uasession.StatusCode(r.StatusCode),
			MonitoredItemID:         r.MonitoredItemID,
			RevisedSamplingInterval: r.RevisedSamplingInterval,
			RevisedQueueSize:        r.RevisedQueueSize,
		}
	}
	return out, nil
}

// ModifyMonitoredItems changes the sampling settings of monitored items.
func (t *Transport) ModifyMonitoredItems(ctx context.Context, req *uasession.ModifyMonitoredItemsRequest) (*uasession.ModifyMonitoredItemsResponse, error) {
	items := make([]*ua.MonitoredItemModifyRequest, len(req.ItemsToModify))
	for i, it := range req.ItemsToModify {
		params, err := toMonitoringParameters(it.RequestedParameters)
		if err != nil {
			return nil, err
		}
		items[i] = &ua.MonitoredItemModifyRequest{
			MonitoredItemID:     it.MonitoredItemID,
			RequestedParameters: params,
		}
	}
	resp, err := send[*ua.ModifyMonitoredItemsResponse](ctx, t, &ua.ModifyMonitoredItemsRequest{
		SubscriptionID:     req.SubscriptionID,
		TimestampsToReturn: ua.TimestampsToReturn(req.TimestampsToReturn),
		ItemsToModify:      items,
	})
	if err != nil {
		return nil, err
	}
	out := &uasession.ModifyMonitoredItemsResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: make([]uasession.MonitoredItemModifyResult, len(resp.Results)),
	}
	for i, r := range resp.Results {
		if r == nil {
			out.Results[i] = uasession.MonitoredItemModifyResult{StatusCode: uasession.StatusBadUnexpectedError}
			continue
		}
		out.Results[i] = uasession.MonitoredItemModifyResult{
			StatusCode:              uasession.StatusCode(r.StatusCode),
			RevisedSamplingInterval: r.RevisedSamplingInterval,
			RevisedQueueSize:        r.RevisedQueueSize,
		}
	}
	return out, nil
}

// DeleteMonitoredItems deletes monitored items.
func (t *Transport) DeleteMonitoredItems(ctx context.Context, req *uasession.DeleteMonitoredItemsRequest) (*uasession.DeleteMonitoredItemsResponse, error) {
	resp, err := send[*ua.DeleteMonitoredItemsResponse](ctx, t, &ua.DeleteMonitoredItemsRequest{
		SubscriptionID:   req.SubscriptionID,
		MonitoredItemIDs: req.MonitoredItemIDs,
	})
	if err != nil {
		return nil, err
	}
	return &uasession.DeleteMonitoredItemsResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: fromStatusCodes(resp.Results),
	}, nil
}

// SetMonitoringMode changes the monitoring mode of monitored items.
func (t *Transport) SetMonitoringMode(ctx context.Context, req *uasession.SetMonitoringModeRequest) (*uasession.SetMonitoringModeResponse, error) {
	resp, err := send[*ua.SetMonitoringModeResponse](ctx, t, &ua.SetMonitoringModeRequest{
		SubscriptionID:   req.SubscriptionID,
		MonitoringMode:   ua.MonitoringMode(req.MonitoringMode),
		MonitoredItemIDs: req.MonitoredItemIDs,
	})
	if err != nil {
		return nil, err
	}
	return &uasession.SetMonitoringModeResponse{
		Header:  fromResponseHeader(resp.ResponseHeader),
		Results: fromStatusCodes(resp.Results),
	}, nil
}
