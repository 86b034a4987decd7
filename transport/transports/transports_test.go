package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/messagebus/transport"
)

func TestBuiltinsRegistered(t *testing.T) {
	names := transport.DefaultRegistry.Names()
	for _, want := range []string{"aws", "channel", "http", "io", "kafka", "nats", "nats-jetstream", "rabbitmq"} {
		assert.Contains(t, names, want)
	}
}
