package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appkg "github.com/drblury/messagebus/internal/runtime/app"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/messagebus/internal/runtime/metadata"
	sinkpkg "github.com/drblury/messagebus/internal/runtime/sink"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var logEvents bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the message bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, logEvents)
		},
	}
	cmd.Flags().BoolVar(&logEvents, "log-events", false, "log every sink event (needs sink.system other than none)")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, logEvents bool) error {
	cfg := root.load()

	slogger, err := loggingpkg.NewDefaultLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger := loggingpkg.NewSlogServiceLogger(slogger)

	opts := []appkg.Option{appkg.WithLogger(logger)}
	if logEvents {
		opts = append(opts, appkg.WithObserver("log_events", eventLogger(logger)))
	}

	a, err := appkg.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	logger.Info("Starting message bus", loggingpkg.LogFields{
		"address":  cfg.Addr(),
		"route":    cfg.Route,
		"sink":     cfg.Sink.System,
		"max_size": cfg.MaxMessageBytes(),
	})
	return a.Run(ctx)
}

func eventLogger(logger loggingpkg.ServiceLogger) sinkpkg.ObserverFunc {
	return func(_ context.Context, ev sinkpkg.Event) error {
		logger.Info("Bus event", loggingpkg.LogFields{
			"event_id":      ev.ID,
			"connection_id": ev.ConnectionID().String(),
			"size":          ev.Metadata[metadatapkg.KeySize],
			"received_at":   ev.Metadata[metadatapkg.KeyReceivedAt],
		})
		return nil
	}
}
