package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/segmentio/kafka-go"
)

// messageWriter kafka.Writer的子集，测试中替换
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	// 使用Hash分区器，同一场比赛的事件进入同一分区，保证顺序
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	return newProducerWithWriter(writer), nil
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{writer: w, timeout: 5 * time.Second}
}

// SendRSVPEvent 发送RSVP变更事件
func (p *Producer) SendRSVPEvent(ctx context.Context, event *model.RSVPEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化RSVP事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RoutingKey()),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "trace_id", Value: []byte(event.TraceID)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送RSVP事件失败: %w", err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
