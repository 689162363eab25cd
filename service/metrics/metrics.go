/*
 * @module service/metrics/metrics
 * @description 服务自身的 Prometheus 指标：评估次数/耗时、跳过次数、告警触发与通知投递
 * @architecture 分层架构 - 可观测性
 * @documentReference DESIGN.md
 * @stateFlow 组件打点 -> 注册表 -> /metrics 暴露
 * @rules 指标变量在包初始化时创建，未注册时打点无副作用
 * @dependencies github.com/prometheus/client_golang
 * @refs service/quality/evaluator.go, service/alerting/engine.go, main.go
 */

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dataquality"

var (
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Metric evaluations by outcome.",
		},
		[]string{"metric", "outcome"},
	)
	EvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of metric evaluations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"metric"},
	)
	EvaluationsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_skipped_total",
			Help:      "Wake-ups skipped for a binding, by reason.",
		},
		[]string{"reason"},
	)
	ScheduleWakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_wakes_total",
			Help:      "Entity schedule wake-ups by trigger.",
		},
		[]string{"trigger"},
	)
	AlertTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_ticks_total",
			Help:      "Alert rule ticks by result.",
		},
		[]string{"rule", "result"},
	)
	AlertFirings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_firings_total",
			Help:      "Alert firings by severity.",
		},
		[]string{"rule", "severity"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification dispatch attempts by channel and status.",
		},
		[]string{"channel", "status"},
	)
	ChangeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Entity change events received by source.",
		},
		[]string{"source"},
	)
)

var registerOnce sync.Once

// Register 将全部指标注册到 reg，重复调用只注册一次
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EvaluationsTotal,
			EvaluationDuration,
			EvaluationsSkipped,
			ScheduleWakes,
			AlertTicks,
			AlertFirings,
			NotificationsTotal,
			ChangeEvents,
		)
	})
}
