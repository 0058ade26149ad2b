package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/mmeshcher/atelier-checkout/internal/model"
)

// KafkaPublisher публикует уведомления в топик Kafka. Ключом сообщения служит
// идентификатор сессии, поэтому уведомления одной сессии попадают в одну партицию по порядку.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// ParseBrokers разбирает список брокеров, разделённых запятыми.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NewKafkaPublisher создаёт публикатор для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish отправляет уведомления одним пакетом.
func (p *KafkaPublisher) Publish(ctx context.Context, notifications []model.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(notifications))
	for _, n := range notifications {
		msg, err := newMessage(n)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}

func newMessage(n model.Notification) (kafka.Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal notification: %w", err)
	}
	return kafka.Message{
		Key:   []byte(n.SessionID),
		Value: data,
		Time:  n.CreatedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}, nil
}

// Close закрывает writer и дожидается отправки буферизованных сообщений.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
