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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "edgeo-uasession",
	Short: "OPC UA subscription client with reconnect and transfer",
	Long: `A command line client that keeps OPC UA subscriptions alive across
connection losses, reconnecting the session or recreating it and
transferring its subscriptions.

Examples:
  edgeo-uasession subscribe -e opc.tcp://localhost:4840 -n "ns=2;s=Temperature"
  edgeo-uasession subscribe -e opc.tcp://plc:4840 -n "ns=3;i=1001" --state-file subs.json
  edgeo-uasession subscribe -e opc.tcp://plc:4840 -n "i=2258" --nats-url nats://localhost:4222 --metrics-addr :9102`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (YAML)")
	flags.StringP("endpoint", "e", "opc.tcp://localhost:4840", "OPC UA server endpoint URL")
	flags.IntP("timeout", "t", 15000, "Operation timeout in milliseconds")
	flags.Int("session-timeout", 60000, "Requested session timeout in milliseconds")
	flags.StringP("security-policy", "s", "None", "Security policy (None, Basic128Rsa15, Basic256, Basic256Sha256, Aes128Sha256RsaOaep, Aes256Sha256RsaPss)")
	flags.StringP("security-mode", "m", "None", "Security mode (None, Sign, SignAndEncrypt)")
	flags.Bool("discover", false, "Select security settings from the server's endpoints")
	flags.String("cert", "", "Path to client certificate file (PEM format)")
	flags.String("key", "", "Path to client private key file (PEM format)")
	flags.StringP("username", "u", "", "User name for user name authentication")
	flags.StringP("password", "p", "", "Password for user name authentication")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.Bool("no-color", false, "Disable colored log output")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")

	for _, name := range []string{
		"endpoint", "timeout", "session-timeout", "security-policy", "security-mode", "discover",
		"cert", "key", "username", "password", "log-level", "verbose", "no-color", "metrics-addr",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("UASESSION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
