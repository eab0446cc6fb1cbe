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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/uasession"
	"github.com/edgeo-scada/uasession/mongostore"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to data changes on OPC UA nodes",
	Long: `Subscribe to data changes on OPC UA nodes and print updates.

Lost connections are reconnected. When the server session is gone a new
session is created and the subscriptions are transferred or recreated.
With --state-file or --mongo-uri the subscriptions are kept on the server
at exit and transferred to the new session on the next start.

Examples:
  edgeo-uasession subscribe -e opc.tcp://localhost:4840 -n "ns=2;i=1"
  edgeo-uasession subscribe -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature" -i 500
  edgeo-uasession subscribe -e opc.tcp://localhost:4840 -n "i=2258" --state-file subs.json`,
	RunE: runSubscribe,
}

var subscribeNodeIDs []string

func init() {
	flags := subscribeCmd.Flags()
	flags.StringArrayVarP(&subscribeNodeIDs, "node", "n", nil, "Node ID(s) to subscribe to (can specify multiple)")
	flags.Float64P("interval", "i", 1000, "Publishing interval in milliseconds")
	flags.Float64("sample", 250, "Sampling interval in milliseconds")
	flags.Uint32("queue-size", 1, "Server queue size per monitored item")
	flags.Uint32("keep-alive-count", 10, "Max keep-alive count of the subscription")
	flags.String("name", "cli", "Subscription display name")
	flags.Int("min-publish-requests", uasession.DefaultMinPublishRequestCount, "Minimum outstanding publish requests")
	flags.Int("max-publish-requests", uasession.DefaultMaxPublishRequestCount, "Maximum outstanding publish requests")
	flags.Int("reconnect-period", 1000, "Initial reconnect period in milliseconds")
	flags.Int("max-reconnect-period", 30000, "Maximum reconnect period in milliseconds")
	flags.String("state-file", "", "Keep subscription state in this JSON file for transfer on restart")
	flags.String("mongo-uri", "", "Keep subscription state in MongoDB for transfer on restart")
	flags.String("mongo-database", mongostore.DefaultDatabase, "MongoDB database")
	flags.String("state-key", "", "Key of the saved state (defaults to the endpoint)")
	flags.String("nats-url", "", "Publish notifications to this NATS server")
	flags.String("nats-prefix", "opcua", "Subject prefix for published notifications")

	for _, name := range []string{
		"interval", "sample", "queue-size", "keep-alive-count", "name",
		"min-publish-requests", "max-publish-requests", "reconnect-period", "max-reconnect-period",
		"state-file", "mongo-uri", "mongo-database", "state-key", "nats-url", "nats-prefix",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodes, err := parseNodeIDs(subscribeNodeIDs)
	if err != nil {
		return err
	}
	dial, err := buildDialer(logger)
	if err != nil {
		return err
	}

	metrics := uasession.NewMetrics()
	if addr := viper.GetString("metrics-addr"); addr != "" {
		if err := serveMetrics(ctx, addr, metrics, logger); err != nil {
			return err
		}
	}

	store, closeStore, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	stateKey := viper.GetString("state-key")
	if stateKey == "" {
		stateKey = viper.GetString("endpoint")
	}

	opts := append(buildSessionOptions(logger, metrics, store != nil),
		uasession.WithMinPublishRequestCount(viper.GetInt("min-publish-requests")),
		uasession.WithMaxPublishRequestCount(viper.GetInt("max-publish-requests")))
	sess, err := uasession.Open(ctx, dial, opts...)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	var sink *natsSink
	if url := viper.GetString("nats-url"); url != "" {
		sink, err = newNATSSink(url, viper.GetString("nats-prefix"), logger)
		if err != nil {
			_ = sess.Close(context.Background())
			return err
		}
		defer sink.Close()
	}
	out := &printer{w: cmd.OutOrStdout(), sink: sink, logger: logger}

	if err := setupSubscriptions(ctx, sess, store, stateKey, nodes, out); err != nil {
		_ = sess.Close(context.Background())
		return err
	}

	handler := uasession.NewReconnectHandler(
		uasession.WithMaxReconnectPeriod(time.Duration(viper.GetInt("max-reconnect-period"))*time.Millisecond),
		uasession.WithReconnectLogger(logger),
		uasession.WithReconnectMetrics(metrics))
	defer handler.Dispose()

	var mu sync.Mutex
	current := sess
	restored := func(h *uasession.ReconnectHandler, s *uasession.Session) {
		mu.Lock()
		current = s
		mu.Unlock()
		logger.Info("session restored",
			slog.String("session_id", s.SessionID().Text()),
			slog.Int("subscriptions", s.SubscriptionCount()))
	}
	period := time.Duration(viper.GetInt("reconnect-period")) * time.Millisecond
	// Recreated sessions inherit this observer.
	sess.OnKeepAlive(func(s *uasession.Session, e *uasession.KeepAliveEvent) {
		if !e.Status.IsBad() {
			return
		}
		state, err := handler.BeginReconnect(s, period, restored)
		if err != nil {
			logger.Debug("reconnect not scheduled", slog.String("error", err.Error()))
			return
		}
		logger.Debug("keep-alive failed",
			slog.String("status", e.Status.String()),
			slog.String("reconnect", state.String()))
	})

	fmt.Fprintln(out.w, "Waiting for data changes (Ctrl+C to stop)...")
	<-ctx.Done()
	fmt.Fprintln(out.w, "\nReceived interrupt, stopping...")

	handler.Dispose()
	mu.Lock()
	sess = current
	mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*operationTimeout())
	defer cancel()
	if store != nil {
		if err := sess.SaveSubscriptions(shutdownCtx, store, stateKey); err != nil {
			logger.Warn("saving subscriptions failed", slog.String("error", err.Error()))
		}
	}
	return sess.Close(shutdownCtx)
}

// setupSubscriptions transfers saved subscriptions, or creates one
// subscription for the requested nodes.
func setupSubscriptions(ctx context.Context, sess *uasession.Session, store uasession.SubscriptionStore, key string, nodes []uasession.NodeID, out *printer) error {
	if store != nil {
		subs, err := sess.LoadSubscriptions(ctx, store, key)
		if err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		}
		if len(subs) > 0 {
			for _, sub := range subs {
				out.attach(sub)
			}
			ok, err := sess.TransferSubscriptions(ctx, subs, true)
			if err != nil || !ok {
				out.logger.Warn("saved subscriptions not transferred, creating them again")
			}
			if err := sess.RecreateSubscriptions(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out.w, "Restored %d subscription(s)\n", len(subs))
			return nil
		}
	}
	if len(nodes) == 0 {
		return errors.New("at least one --node is required")
	}

	sub := uasession.NewSubscription(
		uasession.WithDisplayName(viper.GetString("name")),
		uasession.WithPublishingInterval(viper.GetFloat64("interval")),
		uasession.WithMaxKeepAliveCount(viper.GetUint32("keep-alive-count")))
	for i, id := range nodes {
		sub.AddItem(uasession.NewMonitoredItem(id,
			uasession.WithItemDisplayName(subscribeNodeIDs[i]),
			uasession.WithSamplingInterval(viper.GetFloat64("sample")),
			uasession.WithQueueSize(viper.GetUint32("queue-size"))))
	}
	out.attach(sub)
	sess.AddSubscription(sub)
	if err := sub.Create(ctx); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	fmt.Fprintf(out.w, "Subscription created (ID: %d, Interval: %.0fms)\n", sub.ID(), sub.CurrentPublishingInterval())
	for i, item := range sub.MonitoredItems() {
		st := item.Status()
		if st.Error.IsBad() {
			fmt.Fprintf(out.w, "  [%d] %s failed: %s\n", i+1, item.DisplayName(), st.Error)
			continue
		}
		fmt.Fprintf(out.w, "  [%d] %s (ID: %d, Interval: %.0fms)\n", i+1, item.DisplayName(), st.ID, st.RevisedSamplingInterval)
	}
	return nil
}

func openStore(ctx context.Context, logger *slog.Logger) (uasession.SubscriptionStore, func(), error) {
	if path := viper.GetString("state-file"); path != "" {
		return uasession.NewFileStore(path), func() {}, nil
	}
	uri := viper.GetString("mongo-uri")
	if uri == "" {
		return nil, func() {}, nil
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := mongostore.Connect(cctx, uri, viper.GetString("mongo-database"), mongostore.DefaultCollection,
		mongostore.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close(context.Background()) }, nil
}

// printer writes notifications to the console and the optional sink.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	sink   *natsSink
	logger *slog.Logger
}

func (p *printer) attach(sub *uasession.Subscription) {
	sub.OnDataChange(func(s *uasession.Subscription, n *uasession.DataChangeNotification, msg *uasession.NotificationMessage) {
		records := dataChangeRecords(s, n, msg)
		p.mu.Lock()
		for _, r := range records {
			fmt.Fprintf(p.w, "[%s] %s = %v (%s)\n", msg.PublishTime.Local().Format("15:04:05.000"), nodeLabel(r), r.Value, r.Status)
		}
		p.mu.Unlock()
		if p.sink != nil {
			p.sink.publish("data", s, records)
		}
	})
	sub.OnEvent(func(s *uasession.Subscription, n *uasession.EventNotificationList, msg *uasession.NotificationMessage) {
		records := eventRecords(s, n, msg)
		p.mu.Lock()
		for _, r := range records {
			fmt.Fprintf(p.w, "[%s] %s event %v\n", msg.PublishTime.Local().Format("15:04:05.000"), nodeLabel(r), r.EventFields)
		}
		p.mu.Unlock()
		if p.sink != nil {
			p.sink.publish("event", s, records)
		}
	})
	sub.OnStatusChange(func(s *uasession.Subscription, n *uasession.StatusChangeNotification) {
		p.logger.Warn("subscription status changed",
			slog.String("subscription", s.DisplayName()),
			slog.String("status", n.Status.String()))
	})
	sub.OnPublishStateChanged(func(s *uasession.Subscription, m uasession.PublishStateChangedMask) {
		p.logger.Info("publish state changed",
			slog.String("subscription", s.DisplayName()),
			slog.String("state", m.String()))
	})
}

func nodeLabel(r notificationRecord) string {
	if r.Node != "" {
		return r.Node
	}
	return fmt.Sprintf("handle=%d", r.ClientHandle)
}
