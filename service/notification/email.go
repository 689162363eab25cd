/*
 * @module service/notification/email
 * @description 邮件渠道，通过 shoutrrr 的 smtp 服务发送
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 组装 smtp URL(发件人/收件人/主题) -> shoutrrr 发送 -> 回执
 * @rules 多个收件人以逗号分隔；认证失败归类为 auth，其余为 network
 * @dependencies github.com/nicholas-fedor/shoutrrr
 * @refs dispatcher.go
 */

package notification

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
)

// EmailConfig SMTP 配置
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender 邮件发送器
type EmailSender struct {
	cfg  EmailConfig
	send func(rawURL, message string) error
}

// NewEmailSender 创建邮件发送器
func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{cfg: cfg, send: shoutrrr.Send}
}

// Channel 渠道类型
func (e *EmailSender) Channel() Channel { return ChannelEmail }

// serviceURL 构造 shoutrrr smtp URL
func (e *EmailSender) serviceURL(recipient, subject string) string {
	port := e.cfg.Port
	if port == 0 {
		port = 25
	}
	u := url.URL{
		Scheme: "smtp",
		Host:   e.cfg.Host + ":" + strconv.Itoa(port),
		Path:   "/",
	}
	if e.cfg.Username != "" {
		u.User = url.UserPassword(e.cfg.Username, e.cfg.Password)
	}
	q := url.Values{}
	q.Set("from", e.cfg.From)
	q.Set("to", strings.Join(splitRecipients(recipient), ","))
	q.Set("subject", subject)
	u.RawQuery = q.Encode()
	return u.String()
}

func splitRecipients(recipient string) []string {
	var out []string
	for _, r := range strings.FieldsFunc(recipient, func(c rune) bool { return c == ',' || c == ';' }) {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Send 发送邮件
func (e *EmailSender) Send(ctx context.Context, msg Message) (*DeliveryReceipt, error) {
	if e.cfg.Host == "" {
		return nil, &DispatchError{Channel: ChannelEmail, Reason: ReasonInvalid, Err: fmt.Errorf("未配置 SMTP 服务器")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &DispatchError{Channel: ChannelEmail, Reason: ReasonNetwork, Err: err}
	}

	if err := e.send(e.serviceURL(msg.Recipient, msg.Subject), msg.Body); err != nil {
		reason := ReasonNetwork
		lower := strings.ToLower(err.Error())
		if strings.Contains(lower, "auth") || strings.Contains(lower, "535") {
			reason = ReasonAuth
		}
		return nil, &DispatchError{Channel: ChannelEmail, Reason: reason, Err: err}
	}

	return &DeliveryReceipt{
		Channel:        ChannelEmail,
		Recipient:      msg.Recipient,
		ExternalStatus: "sent",
		SentAt:         time.Now().UTC(),
	}, nil
}
