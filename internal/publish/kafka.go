package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"algo-dashboard/internal/snapshot"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher forwards every snapshot, in its wire JSON form, to a Kafka topic.
type Publisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		timeout: 5 * time.Second,
	}
}

func (p *Publisher) OnSnapshot(ctx context.Context, s snapshot.Snapshot) {
	msg, err := buildMessage(s)
	if err != nil {
		hlog.Errorf("kafka build message error: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		hlog.Warnf("kafka publish error: %v", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func buildMessage(s snapshot.Snapshot) (kafka.Message, error) {
	value, err := json.Marshal(s)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return kafka.Message{
		Key:   []byte(s.Source),
		Value: value,
		Time:  s.UpdatedAt,
	}, nil
}
