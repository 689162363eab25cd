/*
 * @module api/routes
 * @description API路由配置模块，负责初始化和配置所有HTTP路由
 * @architecture RESTful API架构
 * @documentReference DESIGN.md
 * @stateFlow 无状态HTTP请求处理
 * @rules 遵循RESTful API设计规范，统一错误处理和响应格式；业务接口统一挂在 /quality 下
 * @dependencies github.com/go-chi/chi/v5, github.com/go-chi/cors, github.com/go-chi/render
 * @refs api/controllers, service/init.go
 */

package api

import (
	"dataquality-service/api/controllers"
	apimiddleware "dataquality-service/api/middleware"
	"dataquality-service/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// InitRoute 初始化所有API路由
func InitRoute(r chi.Router, app *service.App) {
	// 基础中间件
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// CORS配置
	origins := app.Config.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", apimiddleware.APIKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(apimiddleware.NewAPIKeyAuthMiddleware(app.Config.Server.APIKeyHash).Middleware)

	// 健康检查
	healthController := controllers.NewHealthController(app.Ready)
	r.Get("/health", healthController.Health)
	r.Get("/ready", healthController.Ready)

	metricController := controllers.NewMetricController(app.Registry)
	bindingController := controllers.NewBindingController(app.Bindings, app.Scheduler)
	scheduleController := controllers.NewScheduleController(app.Scheduler, app.Changes)
	resultController := controllers.NewResultController(app.Results, app.Classifier)
	alertController := controllers.NewAlertController(app.Alerts, app.Dispatcher)

	r.Route("/quality", func(r chi.Router) {
		// 指标定义
		r.Route("/metrics", func(r chi.Router) {
			r.Post("/", metricController.DefineMetric)
			r.Get("/", metricController.ListMetrics)
			r.Post("/validate", metricController.ValidateMetric)
			r.Get("/{name}", metricController.GetMetric)
			r.Delete("/{name}", metricController.DeleteMetric)
		})

		// 指标绑定
		r.Route("/bindings", func(r chi.Router) {
			r.Post("/", bindingController.Bind)
			r.Get("/", bindingController.ListBindings)
			r.Get("/{id}", bindingController.GetBinding)
			r.Delete("/{id}", bindingController.Unbind)
			r.Post("/{id}/run", bindingController.RunBinding)
		})

		// 实体调度
		r.Route("/entities/{entity}", func(r chi.Router) {
			r.Put("/schedule", scheduleController.SetSchedule)
			r.Get("/schedule", scheduleController.GetSchedule)
			r.Delete("/schedule", scheduleController.ClearSchedule)
			r.Post("/suspend", scheduleController.Suspend)
			r.Post("/resume", scheduleController.Resume)
			r.Post("/run", scheduleController.RunNow)
			r.Post("/changed", scheduleController.Changed)
		})
		r.Get("/schedules", scheduleController.ListSchedules)
		r.Post("/events/entity-changed", scheduleController.EntityChanged)

		// 指标结果
		r.Route("/results", func(r chi.Router) {
			r.Get("/", resultController.Query)
			r.Get("/latest", resultController.Latest)
			r.Get("/trend", resultController.Trend)
		})

		// 告警规则
		r.Route("/alerts", func(r chi.Router) {
			r.Post("/", alertController.CreateRule)
			r.Get("/", alertController.ListRules)
			r.Route("/{rule}", func(r chi.Router) {
				r.Get("/", alertController.GetRule)
				r.Delete("/", alertController.DropRule)
				r.Post("/suspend", alertController.SuspendRule)
				r.Post("/resume", alertController.ResumeRule)
				r.Post("/tick", alertController.TickRule)
				r.Post("/test-fire", alertController.TestFire)
				r.Get("/firings", alertController.ListFirings)
				r.Get("/deliveries", alertController.ListDeliveries)
			})
		})

		r.Post("/notifications/test", alertController.SendTestNotification)
	})
}
