/*
 * @module service/quality/schedule
 * @description 调度表达式解析，调度是一个和类型: 固定间隔 | 带时区的cron | 数据变更触发
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 表达式字符串 -> Schedule 变体 -> cron.Schedule
 * @rules 支持 "<N> MINUTE"、"USING CRON <expr> <timezone>"、"TRIGGER_ON_CHANGES" 三种格式
 * @dependencies github.com/robfig/cron/v3
 * @refs scheduler.go, service/alerting/engine.go
 */

package quality

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind 调度类型
type ScheduleKind string

const (
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindCron     ScheduleKind = "cron"
	ScheduleKindOnChange ScheduleKind = "on_change"
)

// Schedule 调度策略
type Schedule interface {
	Kind() ScheduleKind
	String() string
	// Next 返回 t 之后的下一次触发时间，数据变更触发返回零值
	Next(t time.Time) time.Time
	cronSchedule() cron.Schedule
}

// IntervalSchedule 固定间隔调度
type IntervalSchedule struct {
	Every time.Duration
}

func (s IntervalSchedule) Kind() ScheduleKind { return ScheduleKindInterval }

func (s IntervalSchedule) String() string {
	return fmt.Sprintf("%d MINUTE", int(s.Every/time.Minute))
}

func (s IntervalSchedule) Next(t time.Time) time.Time { return s.cronSchedule().Next(t) }

func (s IntervalSchedule) cronSchedule() cron.Schedule { return cron.Every(s.Every) }

// CronSchedule cron表达式调度，在固定时区内求值
type CronSchedule struct {
	Expr     string
	Location *time.Location
	spec     cron.Schedule
}

func (s CronSchedule) Kind() ScheduleKind { return ScheduleKindCron }

func (s CronSchedule) String() string {
	return fmt.Sprintf("USING CRON %s %s", s.Expr, s.Location.String())
}

func (s CronSchedule) Next(t time.Time) time.Time { return s.spec.Next(t) }

func (s CronSchedule) cronSchedule() cron.Schedule { return s.spec }

// OnChangeSchedule 数据写入后触发
type OnChangeSchedule struct{}

func (OnChangeSchedule) Kind() ScheduleKind { return ScheduleKindOnChange }

func (OnChangeSchedule) String() string { return "TRIGGER_ON_CHANGES" }

func (OnChangeSchedule) Next(time.Time) time.Time { return time.Time{} }

func (OnChangeSchedule) cronSchedule() cron.Schedule { return nil }

var (
	intervalPattern = regexp.MustCompile(`(?i)^(\d+)\s+MINUTES?$`)
	cronPrefix      = regexp.MustCompile(`(?i)^USING\s+CRON\s+`)
	cronParser      = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule 解析调度表达式
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &ValidationError{Field: "schedule", Reason: "调度表达式不能为空"}
	}

	if strings.EqualFold(expr, "TRIGGER_ON_CHANGES") {
		return OnChangeSchedule{}, nil
	}

	if m := intervalPattern.FindStringSubmatch(expr); m != nil {
		minutes, err := strconv.Atoi(m[1])
		if err != nil || minutes <= 0 {
			return nil, &ValidationError{Field: "schedule", Reason: "间隔分钟数必须大于0"}
		}
		return IntervalSchedule{Every: time.Duration(minutes) * time.Minute}, nil
	}

	if loc := cronPrefix.FindStringIndex(expr); loc != nil {
		fields := strings.Fields(expr[loc[1]:])
		if len(fields) < 2 {
			return nil, &ValidationError{Field: "schedule", Reason: "USING CRON 需要 cron 表达式和时区"}
		}
		tz := fields[len(fields)-1]
		cronExpr := strings.Join(fields[:len(fields)-1], " ")

		location, err := time.LoadLocation(tz)
		if err != nil {
			return nil, &ValidationError{Field: "schedule", Reason: fmt.Sprintf("未知时区 %s", tz)}
		}
		spec, err := cronParser.Parse(cronExpr)
		if err != nil {
			return nil, &ValidationError{Field: "schedule", Reason: fmt.Sprintf("cron表达式错误: %v", err)}
		}
		if specSchedule, ok := spec.(*cron.SpecSchedule); ok {
			specSchedule.Location = location
		}
		return CronSchedule{Expr: cronExpr, Location: location, spec: spec}, nil
	}

	return nil, &ValidationError{Field: "schedule", Reason: fmt.Sprintf("无法识别的调度表达式 %q", expr)}
}
