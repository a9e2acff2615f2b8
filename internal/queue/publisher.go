package queue

import (
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// bridgingExchange is the topic exchange every committed bridging decision
// is published to, for any external consumer that wants lifecycle events
// without polling the reporting API.
const bridgingExchange = "bridging.events"

// Publisher implements bridging.Observer by publishing each decision onto
// a RabbitMQ topic exchange. A connection failure at construction time is
// non-fatal to the caller: NewPublisher returns an error and the process
// is expected to run without one rather than refuse to start.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher dials amqpURL and declares the topic exchange.
func NewPublisher(amqpURL string) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(bridgingExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch}, nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// OnBridgingUpdate publishes d to the bridging.events exchange, routed by
// its status so a consumer can subscribe to e.g. only
// "bridging.BRIDGING_DONE".
func (p *Publisher) OnBridgingUpdate(d models.BridgingDecision) {
	body, err := json.Marshal(d)
	if err != nil {
		log.Printf("[publisher] failed to marshal bridging decision %s: %v", d.EventID, err)
		return
	}
	routingKey := "bridging." + d.Status
	err = p.channel.Publish(bridgingExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		log.Printf("[publisher] failed to publish bridging decision %s: %v", d.EventID, err)
	}
}
