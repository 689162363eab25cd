/*
 * @module service/changefeed/nats
 * @description NATS 实体变更监听器
 * @architecture 发布订阅 - 订阅变更主题
 * @documentReference DESIGN.md
 * @stateFlow 连接 -> 订阅(可选队列组) -> Handle -> Drain
 * @rules 配置队列组时多实例共享消息，同一消息只被一个实例处理
 * @dependencies github.com/nats-io/nats.go
 * @refs service/changefeed/changefeed.go
 */

package changefeed

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSConfig NATS 监听配置
type NATSConfig struct {
	URL     string
	Subject string
	Queue   string
}

// NATSListener NATS 变更监听器
type NATSListener struct {
	cfg     NATSConfig
	handler *Handler
	conn    *nats.Conn
	sub     *nats.Subscription
}

// NewNATSListener 创建 NATS 监听器，未配置地址或主题时返回 nil
func NewNATSListener(cfg NATSConfig, handler *Handler) *NATSListener {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil
	}
	return &NATSListener{cfg: cfg, handler: handler}
}

// Name 监听器名称
func (n *NATSListener) Name() string { return SourceNATS + ":" + n.cfg.Subject }

func (n *NATSListener) onMessage(msg *nats.Msg) {
	_, _ = n.handler.Handle(SourceNATS, msg.Data)
}

// Start 连接并订阅
func (n *NATSListener) Start(_ context.Context) error {
	conn, err := nats.Connect(n.cfg.URL, nats.Name("dataquality-service"))
	if err != nil {
		return fmt.Errorf("连接NATS失败: %w", err)
	}

	var sub *nats.Subscription
	if n.cfg.Queue != "" {
		sub, err = conn.QueueSubscribe(n.cfg.Subject, n.cfg.Queue, n.onMessage)
	} else {
		sub, err = conn.Subscribe(n.cfg.Subject, n.onMessage)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("订阅NATS主题 %s 失败: %w", n.cfg.Subject, err)
	}
	n.conn, n.sub = conn, sub
	return nil
}

// Close 排空订阅并关闭连接
func (n *NATSListener) Close() error {
	if n.conn == nil {
		return nil
	}
	err := n.conn.Drain()
	n.conn.Close()
	n.conn, n.sub = nil, nil
	return err
}
