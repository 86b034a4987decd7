// Package channel provides the in-memory sink transport. Observers in the same
// process receive events through a Watermill GoChannel, and nothing survives a
// restart.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/messagebus/transport"
)

const TransportName = "channel"

// OutputBuffer is how many events each observer may fall behind before the
// sink's publish blocks.
const OutputBuffer = 256

// PubSub is one value acting as both ends of the transport.
type PubSub interface {
	message.Publisher
	message.Subscriber
}

// Factory builds the pub/sub. Overridable in tests.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) PubSub {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Config is the GoChannel setup for in-process observers: buffered per
// observer, not persistent, and never waiting for acks on publish.
func Config() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            OutputBuffer,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}
}

// Build returns one pub/sub serving as both publisher and subscriber. The
// transport config carries nothing for this backend.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	ps := Factory(Config(), logger)
	return transport.Transport{Publisher: ps, Subscriber: ps}, nil
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
