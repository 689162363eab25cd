/*
 * @module service/changefeed/changefeed
 * @description 实体变更信号接入：解析外部消息中的实体名并唤醒 TRIGGER_ON_CHANGES 调度
 * @architecture 适配器模式 - 各消息中间件监听器共享同一解码与分发逻辑
 * @documentReference DESIGN.md
 * @stateFlow 消息到达 -> 解码实体名 -> 校验 -> Notifier.NotifyChanged -> 计数
 * @rules 单条消息解码失败只记录日志不影响监听；实体名按标识符规则校验
 * @dependencies encoding/json, log/slog, service/metrics
 * @refs service/quality/scheduler.go, service/changefeed/kafka.go, service/changefeed/mqtt.go, service/changefeed/nats.go, service/changefeed/dapr.go
 */

package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"dataquality-service/service/metrics"
	"dataquality-service/service/quality"
)

// 信号来源
const (
	SourceKafka = "kafka"
	SourceMQTT  = "mqtt"
	SourceNATS  = "nats"
	SourceDapr  = "dapr"
	SourceHTTP  = "http"
)

// ErrBadEvent 变更消息无法解析
var ErrBadEvent = errors.New("无效的实体变更消息")

// Notifier 接收实体变更通知
type Notifier interface {
	NotifyChanged(entity string) bool
}

// Event 实体变更事件，entity 与 entities 至少给出一个
type Event struct {
	Entity   string   `json:"entity,omitempty"`
	Entities []string `json:"entities,omitempty"`
}

// ValidEntity 校验实体名，允许 schema.table 形式
func ValidEntity(entity string) bool {
	parts := strings.Split(entity, ".")
	if len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		if !quality.IsSafeIdentifier(p) {
			return false
		}
	}
	return true
}

// Decode 解析消息体，支持 JSON 事件或裸实体名
func Decode(payload []byte) ([]string, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return nil, fmt.Errorf("%w: 消息为空", ErrBadEvent)
	}

	var names []string
	switch raw[0] {
	case '{':
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
		}
		if evt.Entity != "" {
			names = append(names, evt.Entity)
		}
		names = append(names, evt.Entities...)
	case '"':
		var name string
		if err := json.Unmarshal([]byte(raw), &name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
		}
		names = append(names, name)
	default:
		names = append(names, raw)
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("%w: 未包含实体名", ErrBadEvent)
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if !ValidEntity(n) {
			return nil, fmt.Errorf("%w: 非法实体名 %q", ErrBadEvent, n)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// Handler 解码消息并通知调度器
type Handler struct {
	notifier Notifier
}

// NewHandler 创建变更处理器
func NewHandler(notifier Notifier) *Handler {
	return &Handler{notifier: notifier}
}

// Handle 处理一条消息，返回被唤醒的实体
func (h *Handler) Handle(source string, payload []byte) ([]string, error) {
	entities, err := Decode(payload)
	if err != nil {
		metrics.ChangeEvents.WithLabelValues(source + "_invalid").Inc()
		slog.Warn("丢弃无效变更消息", "source", source, "error", err)
		return nil, err
	}

	metrics.ChangeEvents.WithLabelValues(source).Inc()
	var woken []string
	for _, entity := range entities {
		if h.notifier.NotifyChanged(entity) {
			woken = append(woken, entity)
		}
	}
	slog.Debug("处理实体变更消息", "source", source, "entities", entities, "woken", len(woken))
	return woken, nil
}

// Listener 消息中间件监听器
type Listener interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
}

// Feed 管理一组监听器的生命周期
type Feed struct {
	listeners []Listener
	mu        sync.Mutex
	cancel    context.CancelFunc
}

// NewFeed 创建变更信号源集合，nil 监听器被忽略
func NewFeed(listeners ...Listener) *Feed {
	f := &Feed{}
	for _, l := range listeners {
		if l != nil {
			f.listeners = append(f.listeners, l)
		}
	}
	return f
}

// Listeners 已注册的监听器
func (f *Feed) Listeners() []Listener {
	return f.listeners
}

// Start 启动全部监听器，任一失败时关闭已启动的监听器
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	for i, l := range f.listeners {
		if err := l.Start(ctx); err != nil {
			cancel()
			for _, started := range f.listeners[:i] {
				if cerr := started.Close(); cerr != nil {
					slog.Warn("关闭变更监听器失败", "listener", started.Name(), "error", cerr)
				}
			}
			return fmt.Errorf("启动变更监听器 %s 失败: %w", l.Name(), err)
		}
		slog.Info("变更监听器已启动", "listener", l.Name())
	}
	return nil
}

// Close 停止全部监听器
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	for _, l := range f.listeners {
		if err := l.Close(); err != nil {
			slog.Warn("关闭变更监听器失败", "listener", l.Name(), "error", err)
		}
	}
}
