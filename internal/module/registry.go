package module

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry 保存已注册模块；List 按名称排序，Ordered 保留注册顺序供路由使用。
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
	ordered []*Module
}

// NewRegistry 创建独立的注册表，测试可据此隔离全局状态。
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Register 将模块加入注册表，重复名称会返回错误。
func (r *Registry) Register(m *Module) error {
	if err := m.Validate(); err != nil {
		return err
	}
	key := normalizeKey(m.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[key]; exists {
		return fmt.Errorf("module %s already registered", key)
	}
	r.modules[key] = m
	r.ordered = append(r.ordered, m)
	return nil
}

// MustRegister 在注册失败时 panic，适合 init() 或启动阶段调用。
func (r *Registry) MustRegister(m *Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Resolve 返回指定名称的模块。
func (r *Registry) Resolve(name string) (*Module, bool) {
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[normalizeKey(name)]
	return m, ok
}

// List 返回按名称排序的模块列表。
func (r *Registry) List() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.modules) == 0 {
		return nil
	}
	result := make([]*Module, len(r.ordered))
	copy(result, r.ordered)
	sort.Slice(result, func(i, j int) bool {
		return normalizeKey(result[i].Name) < normalizeKey(result[j].Name)
	})
	return result
}

// Ordered 返回注册顺序的模块列表。
func (r *Registry) Ordered() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Module, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// Keys 返回所有已注册模块的名称，供诊断使用。
func (r *Registry) Keys() []string {
	items := r.List()
	result := make([]string, len(items))
	for i, m := range items {
		result[i] = normalizeKey(m.Name)
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
