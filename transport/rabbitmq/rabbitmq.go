// Package rabbitmq provides the RabbitMQ/AMQP sink transport. Events are
// published to a fanout exchange per topic so every observer queue gets a copy.
package rabbitmq

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/messagebus/transport"
)

const TransportName = "rabbitmq"

// QueueSuffix is appended to the topic to name the observers' queue.
const QueueSuffix = "messagebus"

// Overridable in tests.
var (
	ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	CloseConnection = func(conn *amqp.ConnectionWrapper) error {
		return conn.Close()
	}
	PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

func init() {
	Register()
}

func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build dials once and shares the connection between the publisher and the
// subscriber. The connection is closed after the subscriber, which
// Transport.Close closes last.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := strings.TrimSpace(cfg.GetRabbitMQURL())
	if uri == "" {
		return transport.Transport{}, errors.New("rabbitmq: url is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	release := func() error { return CloseConnection(conn) }

	pubSubConfig := amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(QueueSuffix))

	publisher, err := PublisherFactory(pubSubConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(err, release())
	}
	subscriber, err := SubscriberFactory(pubSubConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close(), release())
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &ownedConnSubscriber{Subscriber: subscriber, release: release},
	}, nil
}

// ownedConnSubscriber releases the shared connection once the subscriber has
// stopped its consumers.
type ownedConnSubscriber struct {
	message.Subscriber
	release func() error
}

func (s *ownedConnSubscriber) Close() error {
	return errors.Join(s.Subscriber.Close(), s.release())
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
