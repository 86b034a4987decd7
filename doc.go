// Package messagebus is a WebSocket message bus. Every text message a client
// sends on the bus route is relayed to every connected client, the sender
// included, in the order the bus accepted it.
//
// Each accepted connection gets a session: a reader that parses frames and
// hands accepted messages to the dispatcher, and a writer that drains the
// connection's DeliveryChannel onto the socket. The Registry maps connection
// ids to delivery channels, and broadcasting enqueues into every live channel
// without blocking on slow peers. Bounded channels apply an OverflowPolicy.
//
// A minimal setup loads a Config, builds an App with New, and calls Run:
//
//	cfg := messagebus.LoadConfig()
//	app, err := messagebus.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	return app.Run(ctx)
//
// # Configuration
//
// Config is read from the YAML file named by OVOS_BUS_CONFIG_FILE. The
// websocket section carries host, port, route, ssl and max_msg_size, and the
// OVOS_BUS_HOST, OVOS_BUS_PORT and OVOS_BUS_MAX_MSG_SIZE variables override
// them. Loading never fails: a missing or broken file yields the defaults.
//
// # Event sink
//
// When sink.system names a transport (channel, kafka, rabbitmq, aws, nats,
// nats-jetstream, http or io), every accepted message is also published as an
// event through Watermill. Observers registered with WithObserver consume
// those events behind the default middleware chain: correlation ids, logging,
// OpenTelemetry tracing, Prometheus metrics, retries and panic recovery. An
// observer that keeps failing is logged and skipped and never affects the
// relay.
package messagebus
