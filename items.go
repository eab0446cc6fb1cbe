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
	"errors"
	"log/slog"
)

// AddItem adds an item locally. It is created on the server by CreateItems
// or ApplyChanges.
func (s *Subscription) AddItem(item *MonitoredItem) {
	s.AddItems(item)
}

// AddItems adds items locally.
func (s *Subscription) AddItems(items ...*MonitoredItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	for _, item := range items {
		item.mu.Lock()
		if item.clientHandle == 0 {
			s.nextHandle++
			item.clientHandle = s.nextHandle
		} else if item.clientHandle > s.nextHandle {
			s.nextHandle = item.clientHandle
		}
		item.cacheDisabled = s.cfg.disableItemCache
		handle := item.clientHandle
		item.mu.Unlock()
		if _, ok := s.items[handle]; ok {
			continue
		}
		s.items[handle] = item
		s.itemOrder = append(s.itemOrder, item)
	}
	s.mu.Unlock()
	s.raiseStateChanged(SubscriptionChangeItemsAdded)
}

// RemoveItem removes an item locally. A created item is deleted on the
// server by DeleteItems or ApplyChanges.
func (s *Subscription) RemoveItem(item *MonitoredItem) {
	s.RemoveItems(item)
}

// RemoveItems removes items locally.
func (s *Subscription) RemoveItems(items ...*MonitoredItem) {
	removed := false
	s.mu.Lock()
	for _, item := range items {
		handle := item.ClientHandle()
		if s.items[handle] != item {
			continue
		}
		delete(s.items, handle)
		for i, it := range s.itemOrder {
			if it == item {
				s.itemOrder = append(s.itemOrder[:i:i], s.itemOrder[i+1:]...)
				break
			}
		}
		if item.Created() {
			s.deletedItems = append(s.deletedItems, item)
		}
		removed = true
	}
	s.mu.Unlock()
	if removed {
		s.raiseStateChanged(SubscriptionChangeItemsRemoved)
	}
}

// MonitoredItems returns the items in the order they were added.
func (s *Subscription) MonitoredItems() []*MonitoredItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*MonitoredItem(nil), s.itemOrder...)
}

// MonitoredItemCount returns the number of items.
func (s *Subscription) MonitoredItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.itemOrder)
}

// FindItemByClientHandle looks up an item.
func (s *Subscription) FindItemByClientHandle(handle uint32) *MonitoredItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[handle]
}

// CreateItems creates every item not yet created and returns them.
func (s *Subscription) CreateItems(ctx context.Context) ([]*MonitoredItem, error) {
	var pending []*MonitoredItem
	for _, item := range s.MonitoredItems() {
		if !item.Created() {
			pending = append(pending, item)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if err := s.verifyCreated(true); err != nil {
		return nil, err
	}
	sess, err := s.owner()
	if err != nil {
		return nil, err
	}

	reqs := make([]MonitoredItemCreateRequest, len(pending))
	for i, item := range pending {
		reqs[i] = item.createRequest()
	}
	s.mu.RLock()
	timestamps := s.cfg.timestampsToReturn
	s.mu.RUnlock()

	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	resp, err := tr.CreateMonitoredItems(cctx, &CreateMonitoredItemsRequest{
		Header:             sess.requestHeader(),
		SubscriptionID:     s.ID(),
		TimestampsToReturn: timestamps,
		ItemsToCreate:      reqs,
	})
	if err != nil {
		return nil, err
	}
	if err := validateResults(ServiceCreateMonitoredItems, len(resp.Results), len(reqs)); err != nil {
		return nil, err
	}
	for i, item := range pending {
		item.setCreateResult(resp.Results[i])
		if resp.Results[i].StatusCode.IsBad() {
			s.log().Warn("create monitored item failed",
				slog.String("node_id", item.NodeID().Text()),
				slog.String("status", resp.Results[i].StatusCode.String()))
		}
	}
	s.raiseStateChanged(SubscriptionChangeItemsCreated)
	return pending, nil
}

// ModifyItems sends changed parameters of created items.
func (s *Subscription) ModifyItems(ctx context.Context) ([]*MonitoredItem, error) {
	var pending []*MonitoredItem
	for _, item := range s.MonitoredItems() {
		if item.Created() && item.Modified() {
			pending = append(pending, item)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if err := s.modifyItems(ctx, pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *Subscription) modifyItems(ctx context.Context, pending []*MonitoredItem) error {
	if err := s.verifyCreated(true); err != nil {
		return err
	}
	sess, err := s.owner()
	if err != nil {
		return err
	}
	reqs := make([]MonitoredItemModifyRequest, len(pending))
	for i, item := range pending {
		reqs[i] = item.modifyRequest()
	}
	s.mu.RLock()
	timestamps := s.cfg.timestampsToReturn
	s.mu.RUnlock()

	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	resp, err := tr.ModifyMonitoredItems(cctx, &ModifyMonitoredItemsRequest{
		Header:             sess.requestHeader(),
		SubscriptionID:     s.ID(),
		TimestampsToReturn: timestamps,
		ItemsToModify:      reqs,
	})
	if err != nil {
		return err
	}
	if err := validateResults(ServiceModifyMonitoredItems, len(resp.Results), len(reqs)); err != nil {
		return err
	}
	for i, item := range pending {
		item.setModifyResult(resp.Results[i])
	}
	s.raiseStateChanged(SubscriptionChangeItemsModified)
	return nil
}

// DeleteItems deletes removed items on the server.
func (s *Subscription) DeleteItems(ctx context.Context) ([]*MonitoredItem, error) {
	s.mu.Lock()
	pending := s.deletedItems
	s.deletedItems = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil, nil
	}
	if !s.Created() {
		for _, item := range pending {
			item.setDeleted(StatusGood)
		}
		return pending, nil
	}
	sess, err := s.owner()
	if err != nil {
		s.requeueDeleted(pending)
		return nil, err
	}
	ids := make([]uint32, len(pending))
	for i, item := range pending {
		ids[i] = item.Status().ID
	}
	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		s.requeueDeleted(pending)
		return nil, err
	}
	defer cancel()
	resp, err := tr.DeleteMonitoredItems(cctx, &DeleteMonitoredItemsRequest{
		Header:           sess.requestHeader(),
		SubscriptionID:   s.ID(),
		MonitoredItemIDs: ids,
	})
	if err != nil {
		s.requeueDeleted(pending)
		return nil, err
	}
	if err := validateResults(ServiceDeleteMonitoredItems, len(resp.Results), len(ids)); err != nil {
		return nil, err
	}
	for i, item := range pending {
		item.setDeleted(resp.Results[i])
	}
	s.raiseStateChanged(SubscriptionChangeItemsDeleted)
	return pending, nil
}

func (s *Subscription) requeueDeleted(items []*MonitoredItem) {
	s.mu.Lock()
	s.deletedItems = append(items, s.deletedItems...)
	s.mu.Unlock()
}

// SetMonitoringMode changes the monitoring mode of created items and
// returns the per item results.
func (s *Subscription) SetMonitoringMode(ctx context.Context, mode MonitoringMode, items []*MonitoredItem) ([]StatusCode, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if err := s.verifyCreated(true); err != nil {
		return nil, err
	}
	sess, err := s.owner()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(items))
	for i, item := range items {
		ids[i] = item.Status().ID
	}
	tr, cctx, cancel, err := sess.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	resp, err := tr.SetMonitoringMode(cctx, &SetMonitoringModeRequest{
		Header:           sess.requestHeader(),
		SubscriptionID:   s.ID(),
		MonitoringMode:   mode,
		MonitoredItemIDs: ids,
	})
	if err != nil {
		return nil, err
	}
	if err := validateResults(ServiceSetMonitoringMode, len(resp.Results), len(ids)); err != nil {
		return nil, err
	}
	for i, item := range items {
		item.setMonitoringModeResult(mode, resp.Results[i])
	}
	s.raiseStateChanged(SubscriptionChangeItemsModified)
	return resp.Results, nil
}

// ApplyChanges deletes removed items, modifies changed items and creates
// new ones.
func (s *Subscription) ApplyChanges(ctx context.Context) error {
	var errs []error
	if _, err := s.DeleteItems(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.ModifyItems(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.CreateItems(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// transferItems reconciles the items with the handles the server reports
// after a transfer and returns the items whose client handle on the server
// has to be updated.
func (s *Subscription) transferItems(serverHandles, clientHandles []uint32) []*MonitoredItem {
	items := s.MonitoredItems()
	byServer := make(map[uint32]*MonitoredItem, len(items))
	byClient := make(map[uint32]*MonitoredItem, len(items))
	for _, item := range items {
		if id := item.Status().ID; id != 0 {
			byServer[id] = item
		}
		byClient[item.ClientHandle()] = item
	}

	matched := make(map[*MonitoredItem]bool, len(serverHandles))
	var modify []*MonitoredItem
	for i, serverID := range serverHandles {
		item, ok := byServer[serverID]
		if !ok {
			item, ok = byClient[clientHandles[i]]
			if !ok || matched[item] {
				s.log().Warn("server reports an unknown monitored item",
					slog.Uint64("monitored_item_id", uint64(serverID)),
					slog.Uint64("client_handle", uint64(clientHandles[i])))
				continue
			}
		}
		item.SetTransferResult(serverID)
		matched[item] = true
		if item.ClientHandle() != clientHandles[i] {
			modify = append(modify, item)
		}
	}
	for _, item := range items {
		if !matched[item] {
			item.setDeleted(StatusGood)
		}
	}
	return modify
}
