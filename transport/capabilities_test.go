package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	assert.True(t, Capabilities{SupportsAck: true, SupportsNack: true}.SupportsReliableDelivery())
	assert.False(t, Capabilities{SupportsAck: true}.SupportsReliableDelivery())
	assert.False(t, NATSCapabilities.SupportsReliableDelivery())
}

func TestCapabilities_Accepts(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		size int64
		want bool
	}{
		{"unlimited", ChannelCapabilities, 50 << 20, true},
		{"at limit", AWSCapabilities, 262144, true},
		{"over limit", AWSCapabilities, 262145, false},
		{"kafka default", KafkaCapabilities, 2 << 20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.Accepts(tt.size))
		})
	}
}

func TestPredefinedCapabilityNames(t *testing.T) {
	for want, caps := range map[string]Capabilities{
		"channel":  ChannelCapabilities,
		"kafka":    KafkaCapabilities,
		"rabbitmq": RabbitMQCapabilities,
		"nats":     NATSCapabilities,
		"nats-jetstream": JetStreamCapabilities,
		"aws":      AWSCapabilities,
		"http":     HTTPCapabilities,
		"io":       IOCapabilities,
	} {
		assert.Equal(t, want, caps.Name)
	}
}
