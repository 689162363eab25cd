/*
 * @module service/notification/ticket
 * @description 工单渠道：调用 JIRA 风格 REST 接口创建工单并读取状态
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow POST /rest/api/2/issue -> GET /rest/api/2/issue/{key} -> 回执(工单号, 状态)
 * @rules 网络错误为 network；401/403 为 auth；429 为 rate_limit；其他失败为 rejected
 * @dependencies github.com/go-resty/resty/v2
 * @refs dispatcher.go
 */

package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
)

// TicketConfig 工单系统配置
type TicketConfig struct {
	BaseURL    string
	Username   string
	APIToken   string
	ProjectKey string
	Timeout    time.Duration
}

// TicketSender 工单发送器
type TicketSender struct {
	client     *resty.Client
	projectKey string
}

// NewTicketSender 创建工单发送器
func NewTicketSender(cfg TicketConfig) *TicketSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetBasicAuth(cfg.Username, cfg.APIToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &TicketSender{client: client, projectKey: cfg.ProjectKey}
}

// Client 底层 HTTP 客户端
func (t *TicketSender) Client() *resty.Client { return t.client }

// Channel 渠道类型
func (t *TicketSender) Channel() Channel { return ChannelTicket }

type issueRef struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type issueStatus struct {
	Key    string `json:"key"`
	Fields struct {
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
	} `json:"fields"`
}

func (t *TicketSender) issuePayload(msg Message) map[string]interface{} {
	fields := map[string]interface{}{
		"project":     map[string]string{"key": t.projectKey},
		"summary":     msg.Subject,
		"description": msg.Body,
		"issuetype":   map[string]string{"name": msg.Ticket.IssueType},
		"priority":    map[string]string{"name": msg.Ticket.Priority},
	}
	assignee := msg.Ticket.Assignee
	if assignee == "" {
		assignee = msg.Recipient
	}
	if assignee != "" {
		fields["assignee"] = map[string]string{"name": assignee}
	}
	if len(msg.Ticket.Labels) > 0 {
		fields["labels"] = msg.Ticket.Labels
	}
	return map[string]interface{}{"fields": fields}
}

// Send 创建工单
func (t *TicketSender) Send(ctx context.Context, msg Message) (*DeliveryReceipt, error) {
	if msg.Ticket == nil {
		msg.Ticket = &TicketFields{}
		if err := msg.Ticket.Validate(); err != nil {
			return nil, &DispatchError{Channel: ChannelTicket, Reason: ReasonInvalid, Err: err}
		}
	}

	var created issueRef
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(t.issuePayload(msg)).
		SetResult(&created).
		Post("/rest/api/2/issue")
	if err != nil {
		return nil, &DispatchError{Channel: ChannelTicket, Reason: ReasonNetwork, Err: err}
	}
	if resp.IsError() {
		return nil, &DispatchError{
			Channel: ChannelTicket,
			Reason:  classifyStatus(resp.StatusCode()),
			Err:     fmt.Errorf("创建工单返回 %d: %s", resp.StatusCode(), truncate(resp.String(), 300)),
		}
	}
	if created.Key == "" {
		return nil, &DispatchError{Channel: ChannelTicket, Reason: ReasonRejected, Err: fmt.Errorf("响应中缺少工单号")}
	}

	receipt := &DeliveryReceipt{
		Channel:        ChannelTicket,
		Recipient:      msg.Recipient,
		ExternalKey:    created.Key,
		ExternalStatus: "Created",
		SentAt:         time.Now().UTC(),
	}

	var status issueStatus
	statusResp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("fields", "status").
		SetResult(&status).
		Get("/rest/api/2/issue/" + created.Key)
	switch {
	case err != nil:
		slog.Warn("读取工单状态失败", "key", created.Key, "error", err)
	case statusResp.IsError():
		slog.Warn("读取工单状态失败", "key", created.Key, "status_code", statusResp.StatusCode())
	case status.Fields.Status.Name != "":
		receipt.ExternalStatus = status.Fields.Status.Name
	}
	return receipt, nil
}

// truncate 截断到不超过 n 字节，不拆分多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
