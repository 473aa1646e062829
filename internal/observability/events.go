package observability

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topic exchange and routing keys for realtime lifecycle events. Connection
// lifecycle and presence transitions fan out to downstream consumers
// (analytics, moderation tooling) through these keys.
const (
	DefaultExchange = "realtime_events"

	RoutingKeyWSEvents = "realtime_events.ws"
	RoutingKeyPresence = "realtime_events.presence"
)

// EventEnvelope wraps a lifecycle payload for consumers on the exchange.
type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// EventHeaders correlates an event with its originating request and trace.
func EventHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// EventSink publishes lifecycle envelopes.
type EventSink interface {
	PublishJSON(ctx context.Context, routingKey string, event interface{}, headers map[string]string) error
}

// ExchangePublisher is the AMQP-backed EventSink.
type ExchangePublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewExchangePublisher dials the broker and declares the realtime topic
// exchange. An empty exchange name falls back to DefaultExchange.
func NewExchangePublisher(url, exchange string) (*ExchangePublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &ExchangePublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// PublishJSON marshals the event and publishes it persistently under the
// given routing key.
func (p *ExchangePublisher) PublishJSON(ctx context.Context, routingKey string, event interface{}, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	amqpHeaders := amqp.Table{}
	for key, value := range headers {
		amqpHeaders[key] = value
	}

	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqpHeaders,
	})
}

// Close releases the channel and connection.
func (p *ExchangePublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var defaultSink EventSink

// SetEventSink installs the process-wide sink used by PublishEvent.
func SetEventSink(sink EventSink) {
	defaultSink = sink
}

// PublishEvent sends an envelope through the default sink. A nil sink drops
// the event so the service runs without a broker; publish failures are
// counted but left to the caller to ignore.
func PublishEvent(ctx context.Context, routingKey string, event interface{}, headers map[string]string) error {
	if defaultSink == nil {
		return nil
	}
	if err := defaultSink.PublishJSON(ctx, routingKey, event, headers); err != nil {
		IncAMQPPublishError()
		return err
	}
	return nil
}
