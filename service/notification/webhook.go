/*
 * @module service/notification/webhook
 * @description Webhook 渠道，将告警以 JSON POST 到收件人 URL
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 序列化消息 -> POST -> 回执
 * @rules 状态码 >= 400 视为失败，按状态码归类原因
 * @dependencies github.com/go-resty/resty/v2
 * @refs dispatcher.go
 */

package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSender Webhook 发送器
type WebhookSender struct {
	client  *resty.Client
	headers map[string]string
}

// NewWebhookSender 创建 Webhook 发送器
func NewWebhookSender(timeout time.Duration, headers map[string]string) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		client:  resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		headers: headers,
	}
}

// Channel 渠道类型
func (w *WebhookSender) Channel() Channel { return ChannelWebhook }

type webhookPayload struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Send 发送 Webhook
func (w *WebhookSender) Send(ctx context.Context, msg Message) (*DeliveryReceipt, error) {
	now := time.Now().UTC()
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeaders(w.headers).
		SetBody(webhookPayload{Subject: msg.Subject, Body: msg.Body, SentAt: now}).
		Post(msg.Recipient)
	if err != nil {
		return nil, &DispatchError{Channel: ChannelWebhook, Reason: ReasonNetwork, Err: err}
	}
	if resp.IsError() {
		return nil, &DispatchError{
			Channel: ChannelWebhook,
			Reason:  classifyStatus(resp.StatusCode()),
			Err:     fmt.Errorf("Webhook 响应错误: %d", resp.StatusCode()),
		}
	}
	return &DeliveryReceipt{
		Channel:        ChannelWebhook,
		Recipient:      msg.Recipient,
		ExternalStatus: resp.Status(),
		SentAt:         now,
	}, nil
}
