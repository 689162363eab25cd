/*
 * @module service/quality/inflight
 * @description 绑定级在途评估守卫：保证每个绑定同一时刻至多一个评估，并支持取消
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 入队时占位 -> 执行时挂载取消函数 -> 完成释放 / 解绑或暂停时取消
 * @rules 占位失败即跳过本次触发，不排队；配置分布式锁时跨实例互斥
 * @dependencies service/distributed_lock
 * @refs scheduler.go, evaluator.go, binding_store.go
 */

package quality

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dataquality-service/service/distributed_lock"
)

// Flight 一个在途评估
type Flight struct {
	BindingID string
	Entity    string

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// attach 挂载取消函数，已被取消时立即取消并返回 false
func (f *Flight) attach(cancel context.CancelFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		cancel()
		return false
	}
	f.cancel = cancel
	return true
}

func (f *Flight) abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	if f.cancel != nil {
		f.cancel()
	}
}

// Cancelled 是否已被取消
func (f *Flight) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// InFlightGuard 在途评估守卫
type InFlightGuard struct {
	mu      sync.Mutex
	flights map[string]*Flight
	locker  *distributed_lock.LockExecutor
	lockTTL time.Duration
}

// NewInFlightGuard 创建守卫，lock 为 nil 时只做进程内互斥
func NewInFlightGuard(lock distributed_lock.DistributedLock, lockTTL time.Duration) *InFlightGuard {
	g := &InFlightGuard{
		flights: make(map[string]*Flight),
		lockTTL: lockTTL,
	}
	if lock != nil {
		g.locker = distributed_lock.NewLockExecutor(lock)
	}
	if g.lockTTL <= 0 {
		g.lockTTL = 10 * time.Minute
	}
	return g
}

// TryAcquire 为绑定占位，已有在途评估时返回 nil
func (g *InFlightGuard) TryAcquire(bindingID, entity string) *Flight {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.flights[bindingID]; busy {
		return nil
	}
	f := &Flight{BindingID: bindingID, Entity: entity}
	g.flights[bindingID] = f
	return f
}

// Release 释放占位，只释放自己持有的那一个
func (g *InFlightGuard) Release(f *Flight) {
	if f == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flights[f.BindingID] == f {
		delete(g.flights, f.BindingID)
	}
}

// Cancel 取消绑定的在途评估
func (g *InFlightGuard) Cancel(bindingID string) bool {
	g.mu.Lock()
	f, ok := g.flights[bindingID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	f.abort()
	slog.Info("已取消在途评估", "binding_id", bindingID)
	return true
}

// CancelEntity 取消实体上全部在途评估，返回取消数量
func (g *InFlightGuard) CancelEntity(entity string) int {
	g.mu.Lock()
	var targets []*Flight
	for _, f := range g.flights {
		if f.Entity == entity {
			targets = append(targets, f)
		}
	}
	g.mu.Unlock()

	for _, f := range targets {
		f.abort()
	}
	if len(targets) > 0 {
		slog.Info("已取消实体的在途评估", "entity", entity, "count", len(targets))
	}
	return len(targets)
}

// InFlight 绑定是否有在途评估
func (g *InFlightGuard) InFlight(bindingID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flights[bindingID]
	return ok
}

// Count 在途评估数量
func (g *InFlightGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}

// runExclusive 在跨实例锁保护下执行，锁被其他实例持有时返回 false
func (g *InFlightGuard) runExclusive(ctx context.Context, bindingID string, fn func() error) (bool, error) {
	return g.locker.ExecuteWithLock(ctx, "quality_binding:"+bindingID, g.lockTTL, fn)
}
