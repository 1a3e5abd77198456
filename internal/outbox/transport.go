package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// AMQPTransport publishes outbox messages to a RabbitMQ exchange. It
// backs the email_* handler: the orchestrator's job is to enqueue mail
// reliably, not to render or deliver it, so every email_* message is
// handed to a mail-relay consumer (out of scope here) that drains
// the exchange.
type AMQPTransport struct {
	channel      *amqp.Channel
	exchange     string
	logger       *slog.Logger
}

// NewAMQPTransport dials url and declares exchange as a durable fanout.
func NewAMQPTransport(url, exchange string, logger *slog.Logger) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("outbox: dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("outbox: open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("outbox: declare amqp exchange %s: %w", exchange, err)
	}

	return &AMQPTransport{channel: ch, exchange: exchange, logger: logger}, nil
}

// Handler returns an outbox.Handler that publishes payload/headers as a
// JSON-bodied AMQP message on t.exchange.
func (t *AMQPTransport) Handler() Handler {
	return func(ctx context.Context, payload map[string]any, headers map[string]string) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("outbox: marshal amqp payload: %w", err)
		}

		table := amqp.Table{}
		for k, v := range headers {
			table[k] = v
		}

		return t.channel.PublishWithContext(ctx, t.exchange, "", false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Headers:     table,
		})
	}
}

// Close releases the underlying AMQP channel.
func (t *AMQPTransport) Close() error {
	return t.channel.Close()
}

// KafkaTransport publishes outbox messages to a Kafka topic. It backs
// the webhook_*/sync_* handlers, for downstream consumers that prefer
// a replayable log over a point-to-point queue.
type KafkaTransport struct {
	writer *kafka.Writer
}

// NewKafkaTransport constructs a writer against brokers/topic.
func NewKafkaTransport(brokers []string, topic string) *KafkaTransport {
	return &KafkaTransport{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Handler returns an outbox.Handler that publishes payload as a
// JSON-bodied Kafka message, keyed by the aggregateRef header when
// present so related messages land on the same partition.
func (t *KafkaTransport) Handler() Handler {
	return func(ctx context.Context, payload map[string]any, headers map[string]string) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("outbox: marshal kafka payload: %w", err)
		}

		msg := kafka.Message{Value: body}
		if ref, ok := headers["aggregateRef"]; ok {
			msg.Key = []byte(ref)
		}

		return t.writer.WriteMessages(ctx, msg)
	}
}

// Close flushes and closes the underlying Kafka writer.
func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}
