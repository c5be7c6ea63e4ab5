package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"async-notify/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the executor needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PaymentEvent is the message published for every processed notification.
type PaymentEvent struct {
	Category string         `json:"category"`
	Payload  models.Payload `json:"payload"`
	SentAt   int64          `json:"sent_at"`
}

// KafkaExecutor publishes the payload to a topic keyed by order reference, so
// events for one order stay on one partition.
type KafkaExecutor struct {
	category string
	writer   MessageWriter
	timeout  time.Duration
}

// NewKafkaWriter builds the shared synchronous producer.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

func NewKafkaExecutor(category string, writer MessageWriter) *KafkaExecutor {
	return &KafkaExecutor{category: category, writer: writer, timeout: 10 * time.Second}
}

func (e *KafkaExecutor) Execute(ctx context.Context, payload models.Payload) Result {
	value, err := json.Marshal(PaymentEvent{Category: e.category, Payload: payload, SentAt: time.Now().Unix()})
	if err != nil {
		return Result{Message: fmt.Sprintf("encode event: %v", err)}
	}
	writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg := kafka.Message{Key: []byte(payload.OrderRef), Value: value}
	if err := e.writer.WriteMessages(writeCtx, msg); err != nil {
		return Result{Message: fmt.Sprintf("publish event: %v", err)}
	}
	return Result{Success: true, Message: "published"}
}
