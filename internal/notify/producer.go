package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/model"
	"github.com/segmentio/kafka-go"
)

// Notifier 通知出口
type Notifier interface {
	Notify(ctx context.Context, kind model.NotificationKind, subject, body string) error
}

// messageWriter kafka.Writer的子集
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier 把通知事件写入Kafka，由订阅方(邮件简报等)投递
type KafkaNotifier struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafkaNotifier() (*KafkaNotifier, error) {
	if len(config.AppConfig.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 获取分区数量，仅用于启动时检查主题和配置的分区是否可用
	partition := config.AppConfig.Kafka.Partition
	conn, err := kafka.DialLeader(ctx, "tcp", config.AppConfig.Kafka.Brokers[0], config.AppConfig.Kafka.Topic, partition)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == config.AppConfig.Kafka.Topic {
			topicPartitions++
		}
	}
	slog.Info("生产者检测到Kafka主题分区", "topic", config.AppConfig.Kafka.Topic, "partitions", topicPartitions)
	if err := checkPartition(partition, topicPartitions); err != nil {
		return nil, err
	}

	// 同一类型的通知进入同一分区，保证顺序
	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.AppConfig.Kafka.Brokers...),
		Topic:    config.AppConfig.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}

	return newKafkaNotifier(writer), nil
}

func checkPartition(partition, topicPartitions int) error {
	if partition < 0 || partition >= topicPartitions {
		return fmt.Errorf("主题 %s 没有分区 %d（共%d个分区）", config.AppConfig.Kafka.Topic, partition, topicPartitions)
	}
	return nil
}

func newKafkaNotifier(w messageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w, now: time.Now}
}

// Notify 发送一条通知事件
func (n *KafkaNotifier) Notify(ctx context.Context, kind model.NotificationKind, subject, body string) error {
	event := model.NotificationEvent{
		EventID:    uuid.NewString(),
		Kind:       kind,
		Subject:    subject,
		Body:       body,
		OccurredAt: n.now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化通知事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(kind),
		Value: data,
		Time:  event.OccurredAt,
	}

	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送通知事件失败: %w", err)
	}
	return nil
}

// Close 关闭Kafka生产者
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
