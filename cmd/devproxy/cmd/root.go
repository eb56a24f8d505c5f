// Package cmd provides the CLI commands for devproxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devproxy/devproxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "devproxy",
	Short: "devproxy - an intercepting HTTP/HTTPS development proxy",
	Long: `devproxy is a developer-facing intercepting proxy: a rule-matching
dispatch engine, CONNECT-to-internal-TLS bridging with per-SNI
certificates minted from a user-supplied root CA, and a content-
addressed on-disk response cache.

Quick start:
  1. Create a config file: devproxy.yaml
  2. Run: devproxy serve

Configuration:
  Config is loaded from devproxy.yaml in the current directory,
  $HOME/.devproxy/, or /etc/devproxy/.

  Environment variables can override config values with the DEVPROXY_
  prefix. Example: DEVPROXY_SERVER_ADDR=:9090

Commands:
  serve       Start the proxy
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./devproxy.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
