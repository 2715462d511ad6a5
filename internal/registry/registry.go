// Package registry 记录哪些用户当前有正在运行的自动交易会话。
package registry

import (
	"sort"
	"sync"
)

// Registry 是按用户索引的运行标记，所有方法都是幂等且并发安全的。
type Registry struct {
	mu     sync.RWMutex
	active map[int64]bool
}

// New 创建一个空的注册表
func New() *Registry {
	return &Registry{active: make(map[int64]bool)}
}

// Start 标记用户为运行中。已在运行时返回 false。
func (r *Registry) Start(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[userID] {
		return false
	}
	r.active[userID] = true
	return true
}

// Stop 清除运行标记，返回此前是否处于运行状态
func (r *Registry) Stop(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.active[userID]
	delete(r.active, userID)
	return was
}

// IsActive 查询用户是否在运行；从未启动过的用户为 false
func (r *Registry) IsActive(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[userID]
}

// Active 返回所有运行中的用户，按ID升序
func (r *Registry) Active() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
