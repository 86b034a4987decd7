// Package jetstream provides the NATS JetStream sink transport. It shares the
// NATS connection settings and adds durable, auto-provisioned streams.
package jetstream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"

	"github.com/drblury/messagebus/transport"
	natstransport "github.com/drblury/messagebus/transport/nats"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

// DurablePrefix prefixes durable consumer names.
const DurablePrefix = "messagebus"

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Config returns the JetStream settings used by Build.
func Config() nats.JetStreamConfig {
	return nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: DurablePrefix,
	}
}

// Build creates a new JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return natstransport.BuildWithJetStream(ctx, cfg, logger, Config())
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}
