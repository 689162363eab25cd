/*
 * @module service/changefeed/dapr
 * @description Dapr pubsub 实体变更订阅
 * @architecture 发布订阅 - 由 daprd 服务回调主题事件
 * @documentReference DESIGN.md
 * @stateFlow sidecar 推送 TopicEvent -> 解码 -> Handle
 * @rules 无效消息不重试；处理成功返回 retry=false
 * @dependencies github.com/dapr/go-sdk/service/common
 * @refs main.go, service/changefeed/changefeed.go
 */

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dapr/go-sdk/service/common"
)

// DaprConfig Dapr pubsub 订阅配置
type DaprConfig struct {
	PubsubName string
	Topic      string
	Route      string
}

// Subscription 生成 Dapr 订阅声明，未配置时返回 nil
func (c DaprConfig) Subscription() *common.Subscription {
	if c.PubsubName == "" || c.Topic == "" {
		return nil
	}
	route := c.Route
	if route == "" {
		route = "/dapr/events/entity-changed"
	}
	return &common.Subscription{PubsubName: c.PubsubName, Topic: c.Topic, Route: route}
}

func topicPayload(e *common.TopicEvent) ([]byte, error) {
	if len(e.RawData) > 0 {
		return e.RawData, nil
	}
	switch d := e.Data.(type) {
	case nil:
		return nil, fmt.Errorf("%w: 事件无数据", ErrBadEvent)
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(d)
	}
}

// TopicHandler 返回 Dapr 主题事件处理函数
func (h *Handler) TopicHandler() common.TopicEventHandler {
	return func(_ context.Context, e *common.TopicEvent) (bool, error) {
		payload, err := topicPayload(e)
		if err != nil {
			return false, err
		}
		if _, err := h.Handle(SourceDapr, payload); err != nil {
			return false, err
		}
		return false, nil
	}
}

// RegisterDapr 在 Dapr 服务上注册变更主题订阅，未配置时跳过
func RegisterDapr(s common.Service, cfg DaprConfig, h *Handler) error {
	sub := cfg.Subscription()
	if sub == nil {
		return nil
	}
	if err := s.AddTopicEventHandler(sub, h.TopicHandler()); err != nil {
		return fmt.Errorf("注册Dapr变更订阅失败: %w", err)
	}
	return nil
}
