/*
 * @module service/notification/dispatcher
 * @description 通知分发器：按渠道(邮件/工单/Webhook)发送告警通知，失败以 DispatchError 返回
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 校验消息 -> 限流 -> 渠道发送 -> 回执 / DispatchError
 * @rules 投递失败不致命，由调用方记录日志；工单渠道回执包含外部工单号与状态
 * @dependencies golang.org/x/time/rate, service/metrics
 * @refs email.go, ticket.go, webhook.go, service/alerting/engine.go
 */

package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dataquality-service/service/metrics"

	"golang.org/x/time/rate"
)

// Channel 通知渠道
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelTicket  Channel = "ticket"
	ChannelWebhook Channel = "webhook"
)

// ParseChannel 解析渠道
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelEmail, ChannelTicket, ChannelWebhook:
		return c, nil
	}
	return "", fmt.Errorf("不支持的通知渠道 %q", s)
}

// 工单类型
var IssueTypes = []string{"Bug", "Task", "Incident"}

// 工单优先级
var Priorities = []string{"Highest", "High", "Medium", "Low", "Lowest"}

// TicketFields 工单字段
type TicketFields struct {
	IssueType string   `json:"issue_type"`
	Priority  string   `json:"priority"`
	Assignee  string   `json:"assignee,omitempty"`
	Labels    []string `json:"labels,omitempty"`
}

// Validate 校验枚举字段，空值使用默认
func (t *TicketFields) Validate() error {
	if t.IssueType == "" {
		t.IssueType = "Bug"
	}
	if t.Priority == "" {
		t.Priority = "Medium"
	}
	if !containsFold(IssueTypes, &t.IssueType) {
		return fmt.Errorf("工单类型 %q 不支持", t.IssueType)
	}
	if !containsFold(Priorities, &t.Priority) {
		return fmt.Errorf("工单优先级 %q 不支持", t.Priority)
	}
	return nil
}

// containsFold 不区分大小写匹配，命中时把值规范为枚举写法
func containsFold(values []string, v *string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, *v) {
			*v = candidate
			return true
		}
	}
	return false
}

// Message 待发送的通知
type Message struct {
	Channel   Channel       `json:"channel"`
	Recipient string        `json:"recipient"`
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`
	Ticket    *TicketFields `json:"ticket,omitempty"`
}

// DeliveryReceipt 投递回执
type DeliveryReceipt struct {
	Channel        Channel   `json:"channel"`
	Recipient      string    `json:"recipient"`
	ExternalKey    string    `json:"external_key,omitempty"`
	ExternalStatus string    `json:"external_status,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// 投递失败原因
const (
	ReasonNetwork   = "network"
	ReasonAuth      = "auth"
	ReasonRateLimit = "rate_limit"
	ReasonRejected  = "rejected"
	ReasonInvalid   = "invalid"
)

// ErrDispatch 投递失败哨兵
var ErrDispatch = errors.New("通知投递失败")

// DispatchError 通知投递失败
type DispatchError struct {
	Channel Channel
	Reason  string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s 渠道投递失败(%s): %v", e.Channel, e.Reason, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// Sender 渠道发送器
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) (*DeliveryReceipt, error)
}

// Dispatcher 通知分发器
type Dispatcher struct {
	senders map[Channel]Sender
	limiter *rate.Limiter
	quota   Quota
}

// Quota 跨实例的接收方配额
type Quota interface {
	Allow(ctx context.Context, channel, recipient string) (bool, error)
}

// WithQuota 设置接收方配额；配额服务不可用时放行
func (d *Dispatcher) WithQuota(q Quota) *Dispatcher {
	d.quota = q
	return d
}

// NewDispatcher 创建分发器；perSecond<=0 表示不限流
func NewDispatcher(perSecond float64, burst int, senders ...Sender) *Dispatcher {
	d := &Dispatcher{senders: make(map[Channel]Sender)}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	for _, s := range senders {
		if s != nil {
			d.senders[s.Channel()] = s
		}
	}
	return d
}

// Channels 已配置的渠道
func (d *Dispatcher) Channels() []Channel {
	out := make([]Channel, 0, len(d.senders))
	for c := range d.senders {
		out = append(out, c)
	}
	return out
}

// Send 发送通知
func (d *Dispatcher) Send(ctx context.Context, msg Message) (*DeliveryReceipt, error) {
	receipt, err := d.send(ctx, msg)
	status := "sent"
	if err != nil {
		status = "failed"
		slog.Warn("通知投递失败", "channel", msg.Channel, "recipient", msg.Recipient, "error", err)
	} else {
		slog.Info("通知已投递", "channel", msg.Channel, "recipient", msg.Recipient, "external_key", receipt.ExternalKey)
	}
	metrics.NotificationsTotal.WithLabelValues(string(msg.Channel), status).Inc()
	return receipt, err
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (*DeliveryReceipt, error) {
	sender, ok := d.senders[msg.Channel]
	if !ok {
		return nil, &DispatchError{Channel: msg.Channel, Reason: ReasonInvalid, Err: fmt.Errorf("渠道未配置")}
	}
	if msg.Channel == ChannelTicket {
		if msg.Ticket == nil {
			msg.Ticket = &TicketFields{}
		}
		if err := msg.Ticket.Validate(); err != nil {
			return nil, &DispatchError{Channel: msg.Channel, Reason: ReasonInvalid, Err: err}
		}
	} else if strings.TrimSpace(msg.Recipient) == "" {
		return nil, &DispatchError{Channel: msg.Channel, Reason: ReasonInvalid, Err: fmt.Errorf("收件人不能为空")}
	}

	if d.limiter != nil && !d.limiter.Allow() {
		return nil, &DispatchError{Channel: msg.Channel, Reason: ReasonRateLimit, Err: fmt.Errorf("本地发送速率超限")}
	}
	if d.quota != nil {
		allowed, err := d.quota.Allow(ctx, string(msg.Channel), msg.Recipient)
		if err != nil {
			slog.Warn("通知配额检查失败，继续投递", "channel", msg.Channel, "error", err)
		} else if !allowed {
			return nil, &DispatchError{Channel: msg.Channel, Reason: ReasonRateLimit, Err: fmt.Errorf("接收方 %s 超出通知配额", msg.Recipient)}
		}
	}
	return sender.Send(ctx, msg)
}

// classifyStatus 按 HTTP 状态码归类失败原因
func classifyStatus(code int) string {
	switch {
	case code == 401 || code == 403:
		return ReasonAuth
	case code == 429:
		return ReasonRateLimit
	default:
		return ReasonRejected
	}
}
