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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SubscriptionState is the saved form of a subscription. Restored
// subscriptions can be transferred to a new session after a restart.
type SubscriptionState struct {
	TransferID                 uint32               `json:"transferId" bson:"transferId"`
	DisplayName                string               `json:"displayName" bson:"displayName"`
	PublishingInterval         float64              `json:"publishingInterval" bson:"publishingInterval"`
	KeepAliveCount             uint32               `json:"keepAliveCount" bson:"keepAliveCount"`
	LifetimeCount              uint32               `json:"lifetimeCount" bson:"lifetimeCount"`
	MaxNotificationsPerPublish uint32               `json:"maxNotificationsPerPublish" bson:"maxNotificationsPerPublish"`
	PublishingEnabled          bool                 `json:"publishingEnabled" bson:"publishingEnabled"`
	Priority                   uint8                `json:"priority" bson:"priority"`
	TimestampsToReturn         TimestampsToReturn   `json:"timestampsToReturn" bson:"timestampsToReturn"`
	MaxMessageCount            int                  `json:"maxMessageCount" bson:"maxMessageCount"`
	MinLifetimeIntervalMs      int64                `json:"minLifetimeIntervalMs" bson:"minLifetimeIntervalMs"`
	SequentialPublishing       bool                 `json:"sequentialPublishing" bson:"sequentialPublishing"`
	RepublishAfterTransfer     bool                 `json:"republishAfterTransfer" bson:"republishAfterTransfer"`
	DisableItemCache           bool                 `json:"disableItemCache" bson:"disableItemCache"`
	NextClientHandle           uint32               `json:"nextClientHandle" bson:"nextClientHandle"`
	Items                      []MonitoredItemState `json:"items" bson:"items"`
}

// MonitoredItemState is the saved form of a monitored item.
type MonitoredItemState struct {
	ClientHandle     uint32            `json:"clientHandle" bson:"clientHandle"`
	ServerID         uint32            `json:"serverId" bson:"serverId"`
	NodeID           string            `json:"nodeId" bson:"nodeId"`
	DisplayName      string            `json:"displayName" bson:"displayName"`
	AttributeID      AttributeID       `json:"attributeId" bson:"attributeId"`
	IndexRange       string            `json:"indexRange,omitempty" bson:"indexRange,omitempty"`
	MonitoringMode   MonitoringMode    `json:"monitoringMode" bson:"monitoringMode"`
	SamplingInterval float64           `json:"samplingInterval" bson:"samplingInterval"`
	QueueSize        uint32            `json:"queueSize" bson:"queueSize"`
	DiscardOldest    bool              `json:"discardOldest" bson:"discardOldest"`
	CacheQueueSize   int               `json:"cacheQueueSize" bson:"cacheQueueSize"`
	DataChange       *DataChangeFilter `json:"dataChangeFilter,omitempty" bson:"dataChangeFilter,omitempty"`
	EventFields      []EventFieldState `json:"eventFields,omitempty" bson:"eventFields,omitempty"`
}

// EventFieldState is the saved form of one event filter select clause.
type EventFieldState struct {
	TypeDefinitionID string      `json:"typeDefinitionId" bson:"typeDefinitionId"`
	BrowsePath       []string    `json:"browsePath" bson:"browsePath"`
	AttributeID      AttributeID `json:"attributeId" bson:"attributeId"`
}

// SubscriptionStore saves subscription states under a key, typically the
// application or session name.
type SubscriptionStore interface {
	SaveSubscriptions(ctx context.Context, key string, states []SubscriptionState) error
	LoadSubscriptions(ctx context.Context, key string) ([]SubscriptionState, error)
}

// State returns the saved form of the subscription.
func (s *Subscription) State() SubscriptionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.ID()
	if id == 0 {
		id = s.TransferID()
	}
	st := SubscriptionState{
		TransferID:                 id,
		DisplayName:                s.cfg.displayName,
		PublishingInterval:         s.cfg.publishingInterval,
		KeepAliveCount:             s.cfg.keepAliveCount,
		LifetimeCount:              s.cfg.lifetimeCount,
		MaxNotificationsPerPublish: s.cfg.maxNotifications,
		PublishingEnabled:          s.cfg.publishingEnabled,
		Priority:                   s.cfg.priority,
		TimestampsToReturn:         s.cfg.timestampsToReturn,
		MaxMessageCount:            s.cfg.maxMessageCount,
		MinLifetimeIntervalMs:      s.cfg.minLifetimeInterval.Milliseconds(),
		SequentialPublishing:       s.cfg.sequentialPublishing,
		RepublishAfterTransfer:     s.cfg.republishAfterTransfer,
		DisableItemCache:           s.cfg.disableItemCache,
		NextClientHandle:           s.nextHandle,
		Items:                      make([]MonitoredItemState, 0, len(s.itemOrder)),
	}
	for _, item := range s.itemOrder {
		st.Items = append(st.Items, item.state())
	}
	return st
}

func (m *MonitoredItem) state() MonitoredItemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := MonitoredItemState{
		ClientHandle:     m.clientHandle,
		ServerID:         m.status.ID,
		NodeID:           m.nodeID.Text(),
		DisplayName:      m.cfg.displayName,
		AttributeID:      m.cfg.attributeID,
		IndexRange:       m.cfg.indexRange,
		MonitoringMode:   m.cfg.monitoringMode,
		SamplingInterval: m.cfg.samplingInterval,
		QueueSize:        m.cfg.queueSize,
		DiscardOldest:    m.cfg.discardOldest,
		CacheQueueSize:   m.cfg.cacheQueueSize,
	}
	switch f := m.cfg.filter.(type) {
	case *DataChangeFilter:
		c := *f
		st.DataChange = &c
	case *EventFilter:
		for _, op := range f.SelectClauses {
			st.EventFields = append(st.EventFields, EventFieldState{
				TypeDefinitionID: op.TypeDefinitionID.Text(),
				BrowsePath:       append([]string(nil), op.BrowsePath...),
				AttributeID:      op.AttributeID,
			})
		}
	}
	return st
}

// RestoreSubscription builds a subscription that is not created from its
// saved form. Its transfer id and item server ids are kept.
func RestoreSubscription(st SubscriptionState) (*Subscription, error) {
	cfg := defaultSubscriptionOptions()
	cfg.displayName = st.DisplayName
	cfg.publishingInterval = st.PublishingInterval
	cfg.keepAliveCount = st.KeepAliveCount
	cfg.lifetimeCount = st.LifetimeCount
	cfg.maxNotifications = st.MaxNotificationsPerPublish
	cfg.publishingEnabled = st.PublishingEnabled
	cfg.priority = st.Priority
	cfg.timestampsToReturn = st.TimestampsToReturn
	cfg.maxMessageCount = st.MaxMessageCount
	cfg.minLifetimeInterval = time.Duration(st.MinLifetimeIntervalMs) * time.Millisecond
	cfg.sequentialPublishing = st.SequentialPublishing
	cfg.republishAfterTransfer = st.RepublishAfterTransfer
	cfg.disableItemCache = st.DisableItemCache

	sub := newSubscription(*cfg)
	sub.transferID.Store(st.TransferID)
	sub.nextHandle = st.NextClientHandle
	for _, is := range st.Items {
		item, err := restoreMonitoredItem(is)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: %w", st.DisplayName, err)
		}
		item.cacheDisabled = cfg.disableItemCache
		if item.clientHandle > sub.nextHandle {
			sub.nextHandle = item.clientHandle
		}
		sub.items[item.clientHandle] = item
		sub.itemOrder = append(sub.itemOrder, item)
	}
	return sub, nil
}

func restoreMonitoredItem(st MonitoredItemState) (*MonitoredItem, error) {
	nodeID, err := ParseNodeID(st.NodeID)
	if err != nil {
		return nil, err
	}
	opts := []MonitoredItemOption{
		WithItemDisplayName(st.DisplayName),
		WithAttribute(st.AttributeID),
		WithIndexRange(st.IndexRange),
		WithMonitoringMode(st.MonitoringMode),
		WithSamplingInterval(st.SamplingInterval),
		WithQueueSize(st.QueueSize),
		WithDiscardOldest(st.DiscardOldest),
		WithCacheQueueSize(st.CacheQueueSize),
	}
	switch {
	case st.DataChange != nil:
		f := *st.DataChange
		opts = append(opts, WithFilter(&f))
	case len(st.EventFields) > 0:
		f := &EventFilter{}
		for _, ef := range st.EventFields {
			typeID, err := ParseNodeID(ef.TypeDefinitionID)
			if err != nil {
				return nil, err
			}
			f.SelectClauses = append(f.SelectClauses, SimpleAttributeOperand{
				TypeDefinitionID: typeID,
				BrowsePath:       ef.BrowsePath,
				AttributeID:      ef.AttributeID,
			})
		}
		opts = append(opts, WithFilter(f))
	}
	item := NewMonitoredItem(nodeID, opts...)
	item.clientHandle = st.ClientHandle
	item.status.ID = st.ServerID
	return item, nil
}

// SaveSubscriptions stores the state of every subscription of the session.
func (s *Session) SaveSubscriptions(ctx context.Context, store SubscriptionStore, key string) error {
	subs := s.Subscriptions()
	states := make([]SubscriptionState, 0, len(subs))
	for _, sub := range subs {
		states = append(states, sub.State())
	}
	return store.SaveSubscriptions(ctx, key, states)
}

// LoadSubscriptions restores saved subscriptions and adds them to the
// session. They are not created; TransferSubscriptions or
// RecreateSubscriptions brings them back onto the server.
func (s *Session) LoadSubscriptions(ctx context.Context, store SubscriptionStore, key string) ([]*Subscription, error) {
	states, err := store.LoadSubscriptions(ctx, key)
	if err != nil {
		return nil, err
	}
	subs := make([]*Subscription, 0, len(states))
	for _, st := range states {
		sub, err := RestoreSubscription(st)
		if err != nil {
			return nil, err
		}
		s.addSubscription(sub)
		subs = append(subs, sub)
	}
	return subs, nil
}

// FileStore keeps subscription states of any number of keys in one JSON file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by path. The file is created on the
// first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file path.
func (f *FileStore) Path() string {
	return f.path
}

// SaveSubscriptions replaces the states saved under key.
func (f *FileStore) SaveSubscriptions(_ context.Context, key string, states []SubscriptionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.read()
	if err != nil {
		return err
	}
	all[key] = states
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode subscription state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write subscription state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write subscription state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write subscription state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write subscription state: %w", err)
	}
	return nil
}

// LoadSubscriptions returns the states saved under key, none when the file
// or key does not exist.
func (f *FileStore) LoadSubscriptions(_ context.Context, key string) ([]SubscriptionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.read()
	if err != nil {
		return nil, err
	}
	return all[key], nil
}

func (f *FileStore) read() (map[string][]SubscriptionState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string][]SubscriptionState), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscription state: %w", err)
	}
	all := make(map[string][]SubscriptionState)
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode subscription state: %w", err)
	}
	return all, nil
}
