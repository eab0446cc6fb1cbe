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
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/uasession"
	"github.com/edgeo-scada/uasession/internal/logging"
	"github.com/edgeo-scada/uasession/uatransport"
)

func operationTimeout() time.Duration {
	return time.Duration(viper.GetInt("timeout")) * time.Millisecond
}

// buildLogger creates the process logger from the log flags.
func buildLogger() (*slog.Logger, error) {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return logging.New(os.Stderr, level, viper.GetBool("no-color")), nil
}

// buildDialer creates the transport dialer from the security flags.
func buildDialer(logger *slog.Logger) (uasession.Dialer, error) {
	opts := []uatransport.Option{
		uatransport.WithSecurityPolicy(viper.GetString("security-policy")),
		uatransport.WithSecurityMode(viper.GetString("security-mode")),
		uatransport.WithEndpointDiscovery(viper.GetBool("discover")),
		uatransport.WithLogger(logger),
	}
	certFile, keyFile := viper.GetString("cert"), viper.GetString("key")
	if certFile != "" || keyFile != "" {
		opts = append(opts, uatransport.WithCertificateFiles(certFile, keyFile))
	}
	// Publish requests are parked by the server for up to a keep-alive period.
	if t := 4 * operationTimeout(); t > uatransport.DefaultRequestTimeout {
		opts = append(opts, uatransport.WithRequestTimeout(t))
	}
	return uatransport.NewDialer(viper.GetString("endpoint"), opts...)
}

// buildSessionOptions creates session options from the CLI flags.
func buildSessionOptions(logger *slog.Logger, metrics *uasession.Metrics, keepSubscriptions bool) []uasession.Option {
	opts := []uasession.Option{
		uasession.WithEndpoint(viper.GetString("endpoint")),
		uasession.WithOperationTimeout(operationTimeout()),
		uasession.WithSessionTimeout(time.Duration(viper.GetInt("session-timeout")) * time.Millisecond),
		uasession.WithTransferSubscriptionsOnReconnect(true),
		uasession.WithDeleteSubscriptionsOnClose(!keepSubscriptions),
		uasession.WithLogger(logger),
		uasession.WithMetrics(metrics),
	}
	if user := viper.GetString("username"); user != "" {
		opts = append(opts, uasession.WithUserPasswordAuth(user, viper.GetString("password")))
	}
	return opts
}

// serveMetrics exposes the registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, metrics *uasession.Metrics, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// parseNodeIDs parses every node id argument.
func parseNodeIDs(ids []string) ([]uasession.NodeID, error) {
	out := make([]uasession.NodeID, len(ids))
	for i, s := range ids {
		id, err := uasession.ParseNodeID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid node ID %q: %w", s, err)
		}
		out[i] = id
	}
	return out, nil
}
