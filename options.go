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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultOperationTimeout       = 15 * time.Second
	DefaultSessionTimeout         = 60 * time.Second
	DefaultKeepAliveInterval      = 5 * time.Second
	DefaultMinPublishRequestCount = 1
	DefaultMaxPublishRequestCount = 100
	MaxMinPublishRequestCount     = 100
	MaxMaxPublishRequestCount     = 65535

	defaultRepublishDelay   = 2 * time.Second
	defaultMessageExpiry    = 10 * time.Second
	defaultPublishThrottle  = 100 * time.Millisecond
	defaultDefunctAge       = time.Second
	defaultKeepAliveGuard   = time.Second
	defaultMinLifetime      = 10 * time.Second
	defaultMaxMessageCount  = 10
	defaultKeepAliveCount   = 10
	defaultLifetimeCount    = 1000
	minKeepAliveTimerPeriod = time.Second
)

// NameGenerator produces unique names for sessions and subscriptions.
type NameGenerator func() string

func uuidNames() string {
	return uuid.NewString()
}

// Option is a functional option for configuring a session.
type Option func(*sessionOptions)

// sessionOptions is copied as a whole when a session is recreated.
type sessionOptions struct {
	endpoint       string
	applicationURI string

	sessionName       string
	sessionTimeout    time.Duration
	operationTimeout  time.Duration
	keepAliveInterval time.Duration

	identity UserIdentity
	locales  []string

	minPublishRequestCount int
	maxPublishRequestCount int

	deleteSubscriptionsOnClose       bool
	transferSubscriptionsOnReconnect bool

	// engine timings
	republishDelay  time.Duration
	messageExpiry   time.Duration
	publishThrottle time.Duration
	defunctAge      time.Duration
	keepAliveGuard  time.Duration

	logger  *slog.Logger
	metrics *Metrics
	names   NameGenerator
}

func defaultOptions() *sessionOptions {
	return &sessionOptions{
		applicationURI:             "urn:edgeo:uasession:client",
		sessionTimeout:             DefaultSessionTimeout,
		operationTimeout:           DefaultOperationTimeout,
		keepAliveInterval:          DefaultKeepAliveInterval,
		identity:                   UserIdentity{Type: IdentityAnonymous},
		minPublishRequestCount:     DefaultMinPublishRequestCount,
		maxPublishRequestCount:     DefaultMaxPublishRequestCount,
		deleteSubscriptionsOnClose: true,
		republishDelay:             defaultRepublishDelay,
		messageExpiry:              defaultMessageExpiry,
		publishThrottle:            defaultPublishThrottle,
		defunctAge:                 defaultDefunctAge,
		keepAliveGuard:             defaultKeepAliveGuard,
		logger:                     slog.Default(),
		names:                      uuidNames,
	}
}

func (o *sessionOptions) clone() *sessionOptions {
	c := *o
	c.locales = append([]string(nil), o.locales...)
	return &c
}

func (o *sessionOptions) validate() error {
	if o.operationTimeout <= 0 {
		return fmt.Errorf("%w: operation timeout must be positive", ErrInvalidConfiguration)
	}
	if o.sessionTimeout <= 0 {
		return fmt.Errorf("%w: session timeout must be positive", ErrInvalidConfiguration)
	}
	if o.keepAliveInterval <= 0 {
		return fmt.Errorf("%w: keep-alive interval must be positive", ErrInvalidConfiguration)
	}
	if o.minPublishRequestCount < 1 || o.minPublishRequestCount > MaxMinPublishRequestCount {
		return fmt.Errorf("%w: min publish request count %d out of range", ErrInvalidConfiguration, o.minPublishRequestCount)
	}
	if o.maxPublishRequestCount < 1 || o.maxPublishRequestCount > MaxMaxPublishRequestCount {
		return fmt.Errorf("%w: max publish request count %d out of range", ErrInvalidConfiguration, o.maxPublishRequestCount)
	}
	switch o.identity.Type {
	case IdentityUserName:
		if o.identity.UserName == "" {
			return fmt.Errorf("%w: user name identity without a user name", ErrInvalidConfiguration)
		}
	case IdentityCertificate:
		if len(o.identity.Certificate) == 0 || len(o.identity.PrivateKey) == 0 {
			return ErrCertificateRequired
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.names == nil {
		o.names = uuidNames
	}
	return nil
}

// WithEndpoint sets the endpoint URL sent in CreateSession.
func WithEndpoint(endpoint string) Option {
	return func(o *sessionOptions) {
		o.endpoint = endpoint
	}
}

// WithApplicationURI sets the client application URI.
func WithApplicationURI(uri string) Option {
	return func(o *sessionOptions) {
		o.applicationURI = uri
	}
}

// WithSessionName sets the session name. A unique name is generated when empty.
func WithSessionName(name string) Option {
	return func(o *sessionOptions) {
		o.sessionName = name
	}
}

// WithSessionTimeout sets the requested session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.sessionTimeout = d
	}
}

// WithOperationTimeout sets the timeout of facade service calls.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.operationTimeout = d
	}
}

// WithKeepAliveInterval sets the session keep-alive read interval.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *sessionOptions) {
		o.keepAliveInterval = d
	}
}

// WithAnonymousAuth activates the session without credentials.
func WithAnonymousAuth() Option {
	return func(o *sessionOptions) {
		o.identity = UserIdentity{Type: IdentityAnonymous}
	}
}

// WithUserPasswordAuth activates the session with a user name and password.
func WithUserPasswordAuth(username, password string) Option {
	return func(o *sessionOptions) {
		o.identity = UserIdentity{Type: IdentityUserName, UserName: username, Password: password}
	}
}

// WithCertificateAuth activates the session with an X.509 identity.
func WithCertificateAuth(cert, key []byte) Option {
	return func(o *sessionOptions) {
		o.identity = UserIdentity{Type: IdentityCertificate, Certificate: cert, PrivateKey: key}
	}
}

// WithLocales sets the preferred locales.
func WithLocales(locales ...string) Option {
	return func(o *sessionOptions) {
		o.locales = locales
	}
}

// WithMinPublishRequestCount sets the minimum number of outstanding publish requests.
func WithMinPublishRequestCount(n int) Option {
	return func(o *sessionOptions) {
		o.minPublishRequestCount = n
	}
}

// WithMaxPublishRequestCount sets the maximum number of outstanding publish requests.
func WithMaxPublishRequestCount(n int) Option {
	return func(o *sessionOptions) {
		o.maxPublishRequestCount = n
	}
}

// WithDeleteSubscriptionsOnClose controls whether CloseSession deletes the
// server side subscriptions and whether unknown subscriptions are deleted.
func WithDeleteSubscriptionsOnClose(enable bool) Option {
	return func(o *sessionOptions) {
		o.deleteSubscriptionsOnClose = enable
	}
}

// WithTransferSubscriptionsOnReconnect makes session recreation transfer
// subscriptions instead of creating them again.
func WithTransferSubscriptionsOnReconnect(enable bool) Option {
	return func(o *sessionOptions) {
		o.transferSubscriptionsOnReconnect = enable
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *sessionOptions) {
		o.metrics = m
	}
}

// WithNameGenerator replaces the generator of session and subscription names.
func WithNameGenerator(g NameGenerator) Option {
	return func(o *sessionOptions) {
		o.names = g
	}
}

// SubscriptionOption is a functional option for configuring subscriptions.
type SubscriptionOption func(*subscriptionOptions)

type subscriptionOptions struct {
	displayName            string
	publishingInterval     float64
	lifetimeCount          uint32
	keepAliveCount         uint32
	maxNotifications       uint32
	publishingEnabled      bool
	priority               uint8
	timestampsToReturn     TimestampsToReturn
	maxMessageCount        int
	minLifetimeInterval    time.Duration
	sequentialPublishing   bool
	republishAfterTransfer bool
	disableItemCache       bool
}

func defaultSubscriptionOptions() *subscriptionOptions {
	return &subscriptionOptions{
		publishingInterval:  1000,
		lifetimeCount:       defaultLifetimeCount,
		keepAliveCount:      defaultKeepAliveCount,
		publishingEnabled:   true,
		timestampsToReturn:  TimestampsToReturnBoth,
		maxMessageCount:     defaultMaxMessageCount,
		minLifetimeInterval: defaultMinLifetime,
	}
}

// WithDisplayName sets the subscription display name.
func WithDisplayName(name string) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.displayName = name
	}
}

// WithPublishingInterval sets the publishing interval in milliseconds.
func WithPublishingInterval(interval float64) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.publishingInterval = interval
	}
}

// WithLifetimeCount sets the lifetime count.
func WithLifetimeCount(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.lifetimeCount = count
	}
}

// WithMaxKeepAliveCount sets the max keep alive count.
func WithMaxKeepAliveCount(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.keepAliveCount = count
	}
}

// WithMaxNotificationsPerPublish sets the max notifications per publish.
func WithMaxNotificationsPerPublish(count uint32) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.maxNotifications = count
	}
}

// WithPublishingEnabled sets whether publishing is enabled.
func WithPublishingEnabled(enabled bool) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.publishingEnabled = enabled
	}
}

// WithPriority sets the subscription priority.
func WithPriority(priority uint8) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.priority = priority
	}
}

// WithTimestampsToReturn sets the timestamps requested for monitored items.
func WithTimestampsToReturn(t TimestampsToReturn) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.timestampsToReturn = t
	}
}

// WithMaxMessageCount sets how many delivered messages are kept in the message cache.
func WithMaxMessageCount(n int) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.maxMessageCount = n
	}
}

// WithMinLifetimeInterval sets the minimum lifetime the lifetime count must cover.
func WithMinLifetimeInterval(d time.Duration) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.minLifetimeInterval = d
	}
}

// WithSequentialPublishing keeps retrying a failed republish until the
// missing message expires. Without it a gap is republished once and then
// skipped so its successors are not held back.
func WithSequentialPublishing(enable bool) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.sequentialPublishing = enable
	}
}

// WithRepublishAfterTransfer republishes the messages still available on
// the server after a transfer instead of acknowledging them.
func WithRepublishAfterTransfer(enable bool) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.republishAfterTransfer = enable
	}
}

// WithMonitoredItemCacheDisabled stops monitored items caching received values.
func WithMonitoredItemCacheDisabled(disable bool) SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.disableItemCache = disable
	}
}

// MonitoredItemOption is a functional option for configuring monitored items.
type MonitoredItemOption func(*monitoredItemOptions)

type monitoredItemOptions struct {
	displayName      string
	attributeID      AttributeID
	indexRange       string
	samplingInterval float64
	queueSize        uint32
	discardOldest    bool
	monitoringMode   MonitoringMode
	filter           MonitoringFilter
	cacheQueueSize   int
}

func defaultMonitoredItemOptions() *monitoredItemOptions {
	return &monitoredItemOptions{
		attributeID:      AttributeValue,
		samplingInterval: 250,
		queueSize:        1,
		discardOldest:    true,
		monitoringMode:   MonitoringModeReporting,
		cacheQueueSize:   1,
	}
}

// WithItemDisplayName sets the monitored item display name.
func WithItemDisplayName(name string) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.displayName = name
	}
}

// WithAttribute sets the monitored attribute.
func WithAttribute(id AttributeID) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.attributeID = id
	}
}

// WithIndexRange sets the index range of array values.
func WithIndexRange(r string) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.indexRange = r
	}
}

// WithSamplingInterval sets the sampling interval in milliseconds.
func WithSamplingInterval(interval float64) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.samplingInterval = interval
	}
}

// WithQueueSize sets the server side queue size.
func WithQueueSize(size uint32) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.queueSize = size
	}
}

// WithDiscardOldest sets whether to discard oldest values when queue is full.
func WithDiscardOldest(discard bool) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.discardOldest = discard
	}
}

// WithMonitoringMode sets the monitoring mode.
func WithMonitoringMode(mode MonitoringMode) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.monitoringMode = mode
	}
}

// WithFilter sets the data change or event filter.
func WithFilter(filter MonitoringFilter) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.filter = filter
	}
}

// WithCacheQueueSize sets how many received values the item keeps locally.
func WithCacheQueueSize(n int) MonitoredItemOption {
	return func(o *monitoredItemOptions) {
		o.cacheQueueSize = n
	}
}
