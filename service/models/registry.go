/*
 * @module service/models/registry
 * @description 数据质量服务的全部持久化模型清单，供迁移与测试使用
 * @architecture 数据模型层
 * @documentReference DESIGN.md
 * @stateFlow 模型清单 -> AutoMigrate
 * @rules 新增持久化模型必须加入清单
 * @dependencies 无
 * @refs service/database/migrate.go, testutil/test_helper.go
 */

package models

// QualityModels 返回需要迁移的全部模型
func QualityModels() []interface{} {
	return []interface{}{
		&MetricDefinition{},
		&MetricBinding{},
		&EntitySchedule{},
		&MetricResult{},
		&LatestMetricResult{},
		&AlertRule{},
		&AlertFiring{},
		&NotificationDelivery{},
	}
}
