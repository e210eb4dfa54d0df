// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"reg-smart-go/internal/config"
	"reg-smart-go/pkg/database"
	"reg-smart-go/pkg/log"
	"reg-smart-go/pkg/tasks"
)

// TaskProcessor 定义任务处理方的接口，用于解耦消费者与具体的处理流水线。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.DocumentIngestTask) error
}

// 同一任务最多重试次数，超过后提交 offset 终止重试。
const maxAttempts = 3

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceIngestTask 发送一个文档入库任务到 Kafka。
func ProduceIngestTask(task tasks.DocumentIngestTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(task.FileMD5),
			Value: taskBytes,
		},
	)
}

// StartConsumer 启动一个 Kafka 消费者处理文档入库任务，ctx 取消后退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "reg-smart-go-consumer"
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Kafka 消费者收到退出信号")
				break
			}
			log.Error("从 Kafka 读取消息失败", err)
			break
		}

		log.Infof("收到 Kafka 消息: offset %d", m.Offset)

		var task tasks.DocumentIngestTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("开始处理入库任务: MD5=%s, FileName=%s", task.FileMD5, task.FileName)
		if err := processor.Process(ctx, task); err != nil {
			log.Errorf("处理入库任务失败: MD5=%s, Error: %v", task.FileMD5, err)
			// 使用 Redis 计数失败次数，达到阈值后提交 offset 终止重试
			attemptsKey := fmt.Sprintf("kafka:ingest:attempts:%s", task.FileMD5)
			attempts, incErr := database.RDB.Incr(ctx, attemptsKey).Result()
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			_ = database.RDB.Expire(ctx, attemptsKey, 24*time.Hour).Err()

			if attempts >= maxAttempts {
				log.Errorf("入库任务多次失败(>=%d)，提交 offset 终止重试: MD5=%s", maxAttempts, task.FileMD5)
				if err := r.CommitMessages(ctx, m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
			// 未达阈值时不提交 offset，让 Kafka 自动重试
		} else {
			log.Infof("入库任务处理成功: MD5=%s", task.FileMD5)
			_ = database.RDB.Del(ctx, fmt.Sprintf("kafka:ingest:attempts:%s", task.FileMD5)).Err()
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}
