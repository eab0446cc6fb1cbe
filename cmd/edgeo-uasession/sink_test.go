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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/uasession"
)

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "opcua.line_1.data", subjectFor("opcua", "line 1", "data"))
	assert.Equal(t, "opcua.a_b_c_.event", subjectFor("opcua", "a.b*c>", "event"))
	assert.Equal(t, "opcua._.data", subjectFor("opcua", "", "data"))
}

func TestDataChangeRecords(t *testing.T) {
	sub := uasession.NewSubscription(uasession.WithDisplayName("cli"))
	item := uasession.NewMonitoredItem(uasession.NewStringNodeID(2, "Temperature"),
		uasession.WithItemDisplayName("ns=2;s=Temperature"))
	sub.AddItem(item)

	ts := time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC)
	msg := &uasession.NotificationMessage{SequenceNumber: 12, PublishTime: ts}
	n := &uasession.DataChangeNotification{MonitoredItems: []uasession.MonitoredItemNotification{
		{ClientHandle: item.ClientHandle(), Value: uasession.DataValue{Value: 21.5, SourceTimestamp: ts}},
		{ClientHandle: 999, Value: uasession.DataValue{Value: uasession.NewNumericNodeID(0, 2253), Status: uasession.StatusBadTimeout}},
	}}

	records := dataChangeRecords(sub, n, msg)
	require.Len(t, records, 2)
	assert.Equal(t, "ns=2;s=Temperature", records[0].Node)
	assert.Equal(t, uint32(12), records[0].Sequence)
	assert.Equal(t, 21.5, records[0].Value)
	require.NotNil(t, records[0].SourceTimestamp)

	assert.Equal(t, "handle=999", nodeLabel(records[1]))
	assert.Equal(t, "i=2253", records[1].Value)
	assert.Equal(t, "BadTimeout", records[1].Status)
	assert.Nil(t, records[1].SourceTimestamp)

	data, err := json.Marshal(records[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"subscription":"cli"`)
	assert.Contains(t, string(data), `"value":21.5`)
}

func TestEventRecords(t *testing.T) {
	sub := uasession.NewSubscription(uasession.WithDisplayName("alarms"))
	msg := &uasession.NotificationMessage{SequenceNumber: 3, PublishTime: time.Now()}
	n := &uasession.EventNotificationList{Events: []uasession.EventFieldList{
		{ClientHandle: 1, EventFields: []interface{}{"Overheat", uasession.StatusGood}},
	}}
	records := eventRecords(sub, n, msg)
	require.Len(t, records, 1)
	assert.Equal(t, []interface{}{"Overheat", "Good"}, records[0].EventFields)
}
