// Package transports imports every built-in sink transport so that each one
// registers itself with the default registry.
package transports

import (
	_ "github.com/drblury/messagebus/transport/aws"
	_ "github.com/drblury/messagebus/transport/channel"
	_ "github.com/drblury/messagebus/transport/http"
	_ "github.com/drblury/messagebus/transport/io"
	_ "github.com/drblury/messagebus/transport/jetstream"
	_ "github.com/drblury/messagebus/transport/kafka"
	_ "github.com/drblury/messagebus/transport/nats"
	_ "github.com/drblury/messagebus/transport/rabbitmq"
)
