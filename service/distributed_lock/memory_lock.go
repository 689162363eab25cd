/*
 * @module service/distributed_lock/memory_lock
 * @description 进程内锁实现，单实例部署或未配置Redis时使用
 * @architecture 分层架构 - 基础设施层
 * @documentReference DESIGN.md
 * @stateFlow Add(不存在才写入) -> 过期自动释放
 * @rules 与 RedisLock 语义一致：锁带过期时间，重复获取失败
 * @dependencies github.com/patrickmn/go-cache
 * @refs redis_lock.go
 */

package distributed_lock

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryLock 基于 go-cache 的进程内锁
type MemoryLock struct {
	items *gocache.Cache
}

// NewMemoryLock 创建进程内锁
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{items: gocache.New(gocache.NoExpiration, time.Minute)}
}

// TryLock 尝试获取锁
func (m *MemoryLock) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := m.items.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Unlock 释放锁
func (m *MemoryLock) Unlock(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Refresh 刷新锁的过期时间
func (m *MemoryLock) Refresh(_ context.Context, key string, ttl time.Duration) error {
	if err := m.items.Replace(key, struct{}{}, ttl); err != nil {
		return fmt.Errorf("锁不存在: %s", key)
	}
	return nil
}

// IsLocked 检查锁是否存在
func (m *MemoryLock) IsLocked(_ context.Context, key string) (bool, error) {
	_, ok := m.items.Get(key)
	return ok, nil
}
