package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-settlement/internal/models"
)

type Producer struct {
	Writer *kafka.Writer
}

// NewProducer returns a producer that routes each message by its
// per-message topic, so one writer serves every settlement stream.
func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return &Producer{Writer: writer}
}

func (p *Producer) publish(topic, key string, payload any) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	fmt.Printf("Publishing to Kafka [%s]: %s\n", topic, string(msgBytes))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: msgBytes,
		},
	)
}

// PublishOrderPaid streams a settled order to downstream consumers
func (p *Producer) PublishOrderPaid(order models.Order) error {
	return p.publish(TopicOrderPaid, order.ID, order)
}

// PublishOrderRefunded streams a refunded order to downstream consumers
func (p *Producer) PublishOrderRefunded(order models.Order) error {
	return p.publish(TopicOrderRefunded, order.ID, order)
}

// PublishTicketScanned streams a successful check-in
func (p *Producer) PublishTicketScanned(ticket models.Ticket) error {
	return p.publish(TopicTicketScanned, ticket.ID, ticket)
}

// PublishHoldExpired streams a lapsed inventory hold
func (p *Producer) PublishHoldExpired(hold models.TicketHold) error {
	return p.publish(TopicHoldExpired, hold.ID, hold)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
