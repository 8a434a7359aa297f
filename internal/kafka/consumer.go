package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lvdashuaibi/rsvpsync/config"
	"github.com/lvdashuaibi/rsvpsync/internal/logging"
	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/segmentio/kafka-go"
)

// messageReader kafka.Reader的子集，测试中替换
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHandler 处理一条RSVP事件；扇出是尽力而为的，返回错误只记录日志，偏移量照常提交
type EventHandler func(ctx context.Context, event *model.RSVPEvent) error

type Consumer struct {
	readers    []messageReader
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	retryDelay time.Duration
}

// NewConsumer 以消费者组模式创建多个reader，分区由组协调分配
func NewConsumer(cfg config.KafkaConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("未配置Kafka broker")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	readers := make([]messageReader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  500 * time.Millisecond,
		}))
	}
	logging.Info().Str("topic", cfg.Topic).Str("group_id", cfg.GroupID).Int("workers", workers).
		Msg("创建Kafka消费者组")

	return newConsumerWithReaders(readers), nil
}

func newConsumerWithReaders(readers []messageReader) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers:    readers,
		ctx:        ctx,
		cancel:     cancel,
		retryDelay: time.Second,
	}
}

// StartConsuming 每个reader一个goroutine并发消费
func (c *Consumer) StartConsuming(handler EventHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r messageReader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	logging.Info().Int("workers", len(c.readers)).Msg("已启动Kafka消费者工作线程")
}

// consumeMessages 单个消费者goroutine的消费逻辑
func (c *Consumer) consumeMessages(workerID int, reader messageReader, handler EventHandler) {
	log := logging.Component("kafka-consumer").With().Int("worker", workerID).Logger()

	for {
		m, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("读取消息失败")
			if !c.sleep(c.retryDelay) {
				return
			}
			continue
		}

		var event model.RSVPEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			// 无法解析的消息直接提交，避免阻塞分区
			log.Error().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("解析RSVP事件失败")
			c.commit(reader, m)
			continue
		}

		if err := handler(c.ctx, &event); err != nil {
			log.Warn().Err(err).Int64("match_id", event.MatchID).Str("trace_id", event.TraceID).Msg("处理RSVP事件失败")
			if c.ctx.Err() != nil {
				return
			}
		}
		c.commit(reader, m)
	}
}

func (c *Consumer) commit(reader messageReader, m kafka.Message) {
	if err := reader.CommitMessages(c.ctx, m); err != nil && c.ctx.Err() == nil {
		logging.Warn().Err(err).Int64("offset", m.Offset).Msg("提交偏移量失败")
	}
}

func (c *Consumer) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			logging.Warn().Err(err).Int("worker", i).Msg("关闭消费者失败")
		}
	}
	logging.Info().Msg("所有Kafka消费者工作线程已停止")
	return nil
}
