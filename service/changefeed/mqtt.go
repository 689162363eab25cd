/*
 * @module service/changefeed/mqtt
 * @description MQTT 实体变更监听器
 * @architecture 适配器模式 - 封装 paho MQTT 客户端
 * @documentReference DESIGN.md
 * @stateFlow 连接 broker -> 订阅主题 -> 消息回调 Handle -> 断开
 * @rules 重连后由 OnConnect 回调重新订阅
 * @dependencies github.com/eclipse/paho.mqtt.golang
 * @refs service/changefeed/changefeed.go
 */

package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig MQTT 监听配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTListener MQTT 变更监听器
type MQTTListener struct {
	cfg     MQTTConfig
	handler *Handler
	client  mqtt.Client
}

// NewMQTTListener 创建 MQTT 监听器，未配置 broker 或主题时返回 nil
func NewMQTTListener(cfg MQTTConfig, handler *Handler) *MQTTListener {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("dataquality-%d", time.Now().UnixNano())
	}
	return &MQTTListener{cfg: cfg, handler: handler}
}

// Name 监听器名称
func (m *MQTTListener) Name() string { return SourceMQTT + ":" + m.cfg.Topic }

func (m *MQTTListener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	_, _ = m.handler.Handle(SourceMQTT, msg.Payload())
}

func (m *MQTTListener) onConnect(c mqtt.Client) {
	token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, m.onMessage)
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		slog.Error("订阅MQTT变更主题失败", "topic", m.cfg.Topic, "error", token.Error())
		return
	}
	slog.Info("已订阅MQTT变更主题", "topic", m.cfg.Topic, "qos", m.cfg.QoS)
}

// Start 连接 broker，订阅在连接回调中完成
func (m *MQTTListener) Start(_ context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT连接断开", "broker", m.cfg.Broker, "error", err)
	})

	m.client = mqtt.NewClient(opts)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT连接失败: %w", token.Error())
	}
	return nil
}

// Close 取消订阅并断开连接
func (m *MQTTListener) Close() error {
	if m.client == nil || !m.client.IsConnected() {
		return nil
	}
	if token := m.client.Unsubscribe(m.cfg.Topic); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		slog.Warn("取消MQTT订阅失败", "topic", m.cfg.Topic, "error", token.Error())
	}
	m.client.Disconnect(250)
	return nil
}
