package main

import (
	"net"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/messagebus/internal/runtime/config"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "messagebus",
		Short:         "WebSocket message bus",
		Long:          "messagebus relays every text message a client sends to every connected client.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+configpkg.EnvConfigFile+")")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "override log format (text, json)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newListenCmd(opts))
	return cmd
}

// load resolves the effective config with flag overrides applied.
func (o *rootOptions) load() *configpkg.Config {
	cfg := configpkg.Loader{Path: o.configPath, Logger: o.bootstrapLogger()}.Load()
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg
}

// bootstrapLogger reports config loading problems before the configured
// logger exists.
func (o *rootOptions) bootstrapLogger() loggingpkg.ServiceLogger {
	log, err := loggingpkg.NewDefaultLogger(o.logLevel, o.logFormat)
	if err != nil {
		return loggingpkg.NewNopServiceLogger()
	}
	return loggingpkg.NewSlogServiceLogger(log)
}

// busURL is the address local clients dial for cfg.
func busURL(cfg *configpkg.Config) string {
	host := cfg.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	scheme := "ws"
	if cfg.SSL {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(cfg.Port)), Path: cfg.Route}
	return u.String()
}
