package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/model"
	"github.com/segmentio/kafka-go"
)

// EventHandler 处理一条通知事件
type EventHandler func(ctx context.Context, event *model.NotificationEvent) error

// messageReader kafka.Reader的子集
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer 简报转发：消费通知事件并交给投递处理器
type Consumer struct {
	readers []messageReader
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer 按worker数量创建同一消费者组的reader
func NewConsumer(workers int, logger *slog.Logger) (*Consumer, error) {
	if len(config.AppConfig.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}
	if workers <= 0 {
		workers = 1
	}

	readers := make([]messageReader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  config.AppConfig.Kafka.Brokers,
			Topic:    config.AppConfig.Kafka.Topic,
			GroupID:  config.AppConfig.Kafka.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		}))
	}

	return newConsumer(readers, logger), nil
}

func newConsumer(readers []messageReader, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		logger:  resolveLogger(logger),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartConsuming 每个reader一个goroutine
func (c *Consumer) StartConsuming(handler EventHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r messageReader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	c.logger.Info("已启动Kafka通知消费者", "workers", len(c.readers))
}

func (c *Consumer) consumeMessages(workerID int, reader messageReader, handler EventHandler) {
	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("读取通知消息失败", "worker", workerID, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.handleMessage(workerID, m, handler)
	}
}

func (c *Consumer) handleMessage(workerID int, m kafka.Message, handler EventHandler) {
	var event model.NotificationEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		c.logger.Warn("解析通知消息失败", "worker", workerID, "offset", m.Offset, "error", err)
		return
	}

	if err := handler(c.ctx, &event); err != nil {
		c.logger.Error("处理通知事件失败",
			"worker", workerID,
			"event_id", event.EventID,
			"kind", event.Kind,
			"error", err,
		)
	}
}

// Stop 停止消费并关闭reader
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			c.logger.Warn("关闭消费者失败", "worker", i, "error", err)
		}
	}
	c.logger.Info("Kafka通知消费者已停止")
	return nil
}

// NewsletterRelay 默认投递处理器，只记录日志，实际邮件投递在外部系统
func NewsletterRelay(logger *slog.Logger) EventHandler {
	logger = resolveLogger(logger)
	return func(_ context.Context, event *model.NotificationEvent) error {
		logger.Info("newsletter",
			"event_id", event.EventID,
			"kind", event.Kind,
			"subject", event.Subject,
			"occurred_at", event.OccurredAt,
		)
		return nil
	}
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
