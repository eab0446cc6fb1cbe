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
	"log/slog"
	"sync"
	"time"
)

// MonitoredItemStatus is the server side state of a monitored item.
type MonitoredItemStatus struct {
	ID                      uint32
	Created                 bool
	Error                   StatusCode
	MonitoringMode          MonitoringMode
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
}

// ItemNotification is a value or event delivered to a monitored item.
type ItemNotification struct {
	Item           *MonitoredItem
	SequenceNumber uint32
	PublishTime    time.Time

	// Value is set for data change notifications.
	Value *DataValue
	// EventFields is set for event notifications.
	EventFields []interface{}
}

// MonitoredItem is one observed node attribute of a subscription. The
// client handle is assigned when the item is added to a subscription.
type MonitoredItem struct {
	mu           sync.RWMutex
	nodeID       NodeID
	cfg          monitoredItemOptions
	clientHandle uint32
	status       MonitoredItemStatus
	modified     bool

	cache         []DataValue
	events        [][]interface{}
	lastValue     *DataValue
	lastEvent     []interface{}
	cacheDisabled bool

	observers observerList[func(ItemNotification)]
}

// NewMonitoredItem creates an item monitoring the given node.
func NewMonitoredItem(nodeID NodeID, opts ...MonitoredItemOption) *MonitoredItem {
	cfg := defaultMonitoredItemOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.cacheQueueSize < 1 {
		cfg.cacheQueueSize = 1
	}
	if cfg.displayName == "" {
		cfg.displayName = nodeID.Text()
	}
	return &MonitoredItem{nodeID: nodeID, cfg: *cfg}
}

// NodeID returns the monitored node.
func (m *MonitoredItem) NodeID() NodeID {
	return m.nodeID
}

// DisplayName returns the item display name.
func (m *MonitoredItem) DisplayName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.displayName
}

// ClientHandle returns the handle the server reports notifications with.
func (m *MonitoredItem) ClientHandle() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientHandle
}

// AttributeID returns the monitored attribute.
func (m *MonitoredItem) AttributeID() AttributeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.attributeID
}

// MonitoringMode returns the requested monitoring mode.
func (m *MonitoredItem) MonitoringMode() MonitoringMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.monitoringMode
}

// SamplingInterval returns the requested sampling interval.
func (m *MonitoredItem) SamplingInterval() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.samplingInterval
}

// SetSamplingInterval changes the requested sampling interval. The change
// is sent by ModifyItems or ApplyChanges.
func (m *MonitoredItem) SetSamplingInterval(interval float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.samplingInterval != interval {
		m.cfg.samplingInterval = interval
		m.modified = true
	}
}

// QueueSize returns the requested server queue size.
func (m *MonitoredItem) QueueSize() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.queueSize
}

// SetQueueSize changes the requested server queue size.
func (m *MonitoredItem) SetQueueSize(size uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.queueSize != size {
		m.cfg.queueSize = size
		m.modified = true
	}
}

// SetFilter replaces the monitoring filter.
func (m *MonitoredItem) SetFilter(filter MonitoringFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.filter = filter
	m.modified = true
}

// Filter returns the monitoring filter.
func (m *MonitoredItem) Filter() MonitoringFilter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.filter
}

// Status returns the server side state.
func (m *MonitoredItem) Status() MonitoredItemStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Created reports whether the item exists on the server.
func (m *MonitoredItem) Created() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Created
}

// Modified reports whether the item has changes not yet sent to the server.
func (m *MonitoredItem) Modified() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.modified
}

// OnNotification registers fn for values and events of this item.
func (m *MonitoredItem) OnNotification(fn func(ItemNotification)) func() {
	return m.observers.add(fn)
}

// LastValue returns the most recent value received.
func (m *MonitoredItem) LastValue() (DataValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastValue == nil {
		return DataValue{}, false
	}
	return *m.lastValue, true
}

// LastEvent returns the fields of the most recent event received.
func (m *MonitoredItem) LastEvent() []interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEvent
}

// DequeueValues returns and clears the cached values.
func (m *MonitoredItem) DequeueValues() []DataValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.cache
	m.cache = nil
	return out
}

// DequeueEvents returns and clears the cached events.
func (m *MonitoredItem) DequeueEvents() [][]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.events
	m.events = nil
	return out
}

func (m *MonitoredItem) createRequest() MonitoredItemCreateRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitoredItemCreateRequest{
		ItemToMonitor: ReadValueID{
			NodeID:      m.nodeID,
			AttributeID: m.cfg.attributeID,
			IndexRange:  m.cfg.indexRange,
		},
		MonitoringMode:      m.cfg.monitoringMode,
		RequestedParameters: m.parametersLocked(),
	}
}

func (m *MonitoredItem) modifyRequest() MonitoredItemModifyRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitoredItemModifyRequest{
		MonitoredItemID:     m.status.ID,
		RequestedParameters: m.parametersLocked(),
	}
}

func (m *MonitoredItem) parametersLocked() MonitoringParameters {
	return MonitoringParameters{
		ClientHandle:     m.clientHandle,
		SamplingInterval: m.cfg.samplingInterval,
		Filter:           m.cfg.filter,
		QueueSize:        m.cfg.queueSize,
		DiscardOldest:    m.cfg.discardOldest,
	}
}

func (m *MonitoredItem) setCreateResult(r MonitoredItemCreateResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Error = r.StatusCode
	if r.StatusCode.IsBad() {
		return
	}
	m.status.ID = r.MonitoredItemID
	m.status.Created = true
	m.status.MonitoringMode = m.cfg.monitoringMode
	m.status.RevisedSamplingInterval = r.RevisedSamplingInterval
	m.status.RevisedQueueSize = r.RevisedQueueSize
	m.modified = false
}

func (m *MonitoredItem) setModifyResult(r MonitoredItemModifyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Error = r.StatusCode
	if r.StatusCode.IsBad() {
		return
	}
	m.status.RevisedSamplingInterval = r.RevisedSamplingInterval
	m.status.RevisedQueueSize = r.RevisedQueueSize
	m.modified = false
}

func (m *MonitoredItem) setMonitoringModeResult(mode MonitoringMode, sc StatusCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Error = sc
	if sc.IsGood() {
		m.cfg.monitoringMode = mode
		m.status.MonitoringMode = mode
	}
}

// setDeleted clears the server side state; the item can be created again.
func (m *MonitoredItem) setDeleted(sc StatusCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = MonitoredItemStatus{Error: sc}
}

// SetTransferResult records the server id the item has after a transfer.
func (m *MonitoredItem) SetTransferResult(serverID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.ID = serverID
	m.status.Created = serverID != 0
	m.status.Error = StatusGood
}

func (m *MonitoredItem) receiveValue(n MonitoredItemNotification, msg *NotificationMessage, logger *slog.Logger) {
	v := n.Value
	m.mu.Lock()
	m.lastValue = &v
	if !m.cacheDisabled {
		m.cache = append(m.cache, v)
		if over := len(m.cache) - m.cfg.cacheQueueSize; over > 0 {
			m.cache = append(m.cache[:0:0], m.cache[over:]...)
		}
	}
	m.mu.Unlock()
	notify(logger, "item.notification", &m.observers, func(fn func(ItemNotification)) {
		fn(ItemNotification{
			Item:           m,
			SequenceNumber: msg.SequenceNumber,
			PublishTime:    msg.PublishTime,
			Value:          &v,
		})
	})
}

func (m *MonitoredItem) receiveEvent(e EventFieldList, msg *NotificationMessage, logger *slog.Logger) {
	m.mu.Lock()
	m.lastEvent = e.EventFields
	if !m.cacheDisabled {
		m.events = append(m.events, e.EventFields)
		if over := len(m.events) - m.cfg.cacheQueueSize; over > 0 {
			m.events = append(m.events[:0:0], m.events[over:]...)
		}
	}
	m.mu.Unlock()
	notify(logger, "item.notification", &m.observers, func(fn func(ItemNotification)) {
		fn(ItemNotification{
			Item:           m,
			SequenceNumber: msg.SequenceNumber,
			PublishTime:    msg.PublishTime,
			EventFields:    e.EventFields,
		})
	})
}

// clone copies the configuration and client handle. The copy is not created.
func (m *MonitoredItem) clone() *MonitoredItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &MonitoredItem{
		nodeID:        m.nodeID,
		cfg:           m.cfg,
		clientHandle:  m.clientHandle,
		cacheDisabled: m.cacheDisabled,
	}
	c.status.ID = m.status.ID
	c.observers.copyFrom(&m.observers)
	return c
}
