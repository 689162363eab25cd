/*
 * @module service/changefeed/kafka
 * @description Kafka 实体变更监听器，消费变更主题并交给 Handler
 * @architecture 适配器模式 - 封装 kafka-go Reader
 * @documentReference DESIGN.md
 * @stateFlow Start -> 读取循环 -> Handle -> Close
 * @rules 使用消费组自动提交位点；读取错误在上下文取消前按退避重试
 * @dependencies github.com/segmentio/kafka-go
 * @refs service/changefeed/changefeed.go
 */

package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig Kafka 监听配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaListener Kafka 变更监听器
type KafkaListener struct {
	cfg     KafkaConfig
	handler *Handler
	reader  messageReader
	wg      sync.WaitGroup
	backoff time.Duration
}

// NewKafkaListener 创建 Kafka 监听器，未配置 broker 或主题时返回 nil
func NewKafkaListener(cfg KafkaConfig, handler *Handler) *KafkaListener {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "dataquality-service"
	}
	return &KafkaListener{cfg: cfg, handler: handler, backoff: time.Second}
}

// Name 监听器名称
func (k *KafkaListener) Name() string { return SourceKafka + ":" + k.cfg.Topic }

// Start 创建消费者并启动读取循环
func (k *KafkaListener) Start(ctx context.Context) error {
	if k.reader == nil {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        k.cfg.Brokers,
			Topic:          k.cfg.Topic,
			GroupID:        k.cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
		})
	}

	k.wg.Add(1)
	go k.loop(ctx)
	return nil
}

func (k *KafkaListener) loop(ctx context.Context) {
	defer k.wg.Done()
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("读取Kafka变更消息失败", "topic", k.cfg.Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(k.backoff):
			}
			continue
		}
		payload := msg.Value
		if len(payload) == 0 {
			payload = msg.Key
		}
		_, _ = k.handler.Handle(SourceKafka, payload)
	}
}

// Close 关闭消费者并等待读取循环退出
func (k *KafkaListener) Close() error {
	if k.reader == nil {
		return nil
	}
	err := k.reader.Close()
	k.wg.Wait()
	if err != nil {
		return fmt.Errorf("关闭Kafka消费者失败: %w", err)
	}
	return nil
}
