package server

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/any-hub/modserve/internal/module"
)

// AnyHost 注册到所有 Host 的通配条目。
const AnyHost = "*"

// ranked 记录模块及其注册序号，路由时按序号恢复注册顺序。
type ranked struct {
	seq    int
	module *module.Module
}

// prefixNode 是按路径段组织的前缀树节点；发布后不可修改，写入时复制路径上的节点。
type prefixNode struct {
	children map[string]*prefixNode
	modules  []ranked
}

func (n *prefixNode) clone() *prefixNode {
	out := &prefixNode{
		children: make(map[string]*prefixNode, len(n.children)),
		modules:  append([]ranked(nil), n.modules...),
	}
	for k, v := range n.children {
		out.children[k] = v
	}
	return out
}

// routeTable 是某个 Host 的不可变快照。
type routeTable struct {
	root         *prefixNode
	unrestricted []ranked
	ordered      []ranked
}

func emptyTable() *routeTable {
	return &routeTable{root: &prefixNode{children: map[string]*prefixNode{}}}
}

// with 返回插入模块后的新快照，旧快照保持不变。
func (t *routeTable) with(entry ranked) *routeTable {
	next := &routeTable{
		root:         t.root,
		unrestricted: t.unrestricted,
		ordered:      append(append([]ranked(nil), t.ordered...), entry),
	}
	if len(entry.module.Prefixes) == 0 {
		next.unrestricted = append(append([]ranked(nil), t.unrestricted...), entry)
		return next
	}
	for _, prefix := range entry.module.Prefixes {
		next.root = insert(next.root, splitSegments(prefix), entry)
	}
	return next
}

func insert(node *prefixNode, segments []string, entry ranked) *prefixNode {
	copied := node.clone()
	if len(segments) == 0 {
		copied.modules = append(copied.modules, entry)
		return copied
	}
	child, ok := copied.children[segments[0]]
	if !ok {
		child = &prefixNode{children: map[string]*prefixNode{}}
	}
	copied.children[segments[0]] = insert(child, segments[1:], entry)
	return copied
}

// candidates 收集前缀匹配 path 的模块（含不限前缀的模块）。
func (t *routeTable) candidates(segments []string) []ranked {
	out := append([]ranked(nil), t.unrestricted...)
	node := t.root
	out = append(out, node.modules...)
	for _, seg := range segments {
		next, ok := node.children[seg]
		if !ok {
			break
		}
		node = next
		out = append(out, node.modules...)
	}
	return out
}

// HostEntry 保存单个 Host 的路由快照以及模块私有数据。
type HostEntry struct {
	Name  string
	table atomic.Pointer[routeTable]
	// Bag 供模块按 Host 存放私有数据。
	Bag sync.Map
}

func newHostEntry(name string) *HostEntry {
	e := &HostEntry{Name: name}
	e.table.Store(emptyTable())
	return e
}

// Modules 返回该 Host 上按注册顺序排列的模块。
func (e *HostEntry) Modules() []*module.Module {
	table := e.table.Load()
	out := make([]*module.Module, len(table.ordered))
	for i, r := range table.ordered {
		out[i] = r.module
	}
	return out
}

// HostRegistry 提供 Host 到模块前缀树的映射。读路径无锁，写入串行化后原子替换快照。
type HostRegistry struct {
	mu    sync.Mutex
	hosts sync.Map // normalized host -> *HostEntry
	seq   int
}

// NewHostRegistry 创建注册表，并为给定 Host 预建条目。通配 Host 总是存在。
func NewHostRegistry(hosts ...string) (*HostRegistry, error) {
	r := &HostRegistry{}
	r.hosts.Store(AnyHost, newHostEntry(AnyHost))
	for _, raw := range hosts {
		host := normalizeDomain(raw)
		if host == "" {
			return nil, fmt.Errorf("invalid host %q", raw)
		}
		if _, loaded := r.hosts.LoadOrStore(host, newHostEntry(host)); loaded {
			return nil, fmt.Errorf("duplicate host mapping detected for %s", host)
		}
	}
	return r, nil
}

// Register 将模块挂到其声明的 Host 上（未声明时挂到通配 Host）。
func (r *HostRegistry) Register(mod *module.Module) error {
	if err := mod.Validate(); err != nil {
		return err
	}
	hosts := mod.Hosts
	if len(hosts) == 0 {
		hosts = []string{AnyHost}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	entry := ranked{seq: r.seq, module: mod}
	for _, raw := range hosts {
		host := AnyHost
		if strings.TrimSpace(raw) != AnyHost {
			host = normalizeDomain(raw)
		}
		if host == "" {
			return fmt.Errorf("module %s: invalid host %q", mod.Name, raw)
		}
		value, _ := r.hosts.LoadOrStore(host, newHostEntry(host))
		he := value.(*HostEntry)
		he.table.Store(he.table.Load().with(entry))
	}
	return nil
}

// Lookup 根据 Host 或 Host:port 查找条目。
func (r *HostRegistry) Lookup(host string) (*HostEntry, bool) {
	if r == nil {
		return nil, false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}
	value, ok := r.hosts.Load(normalized)
	if !ok {
		return nil, false
	}
	return value.(*HostEntry), true
}

// Candidates 返回对 host+path 有资格的模块，按注册顺序排列。
func (r *HostRegistry) Candidates(host, path string) []*module.Module {
	segments := splitSegments(path)
	var merged []ranked
	if entry, ok := r.Lookup(host); ok && entry.Name != AnyHost {
		merged = append(merged, entry.table.Load().candidates(segments)...)
	}
	if value, ok := r.hosts.Load(AnyHost); ok {
		merged = append(merged, value.(*HostEntry).table.Load().candidates(segments)...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })

	out := make([]*module.Module, 0, len(merged))
	last := -1
	for _, item := range merged {
		if item.seq == last {
			continue
		}
		last = item.seq
		out = append(out, item.module)
	}
	return out
}

// Hosts 返回所有 Host 名称（排序）。
func (r *HostRegistry) Hosts() []string {
	var out []string
	r.hosts.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Bindings 返回 Host 到模块名的绑定关系，用于诊断输出。
func (r *HostRegistry) Bindings() map[string][]string {
	out := make(map[string][]string)
	r.hosts.Range(func(key, value any) bool {
		var names []string
		for _, mod := range value.(*HostEntry).Modules() {
			names = append(names, mod.Name)
		}
		out[key.(string)] = names
		return true
	})
	return out
}

var errEmptyHost = errors.New("empty host")

func splitSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

// SplitHostPort 拆分 Host 头，返回小写主机名与端口（缺省 0）。
func SplitHostPort(raw string) (string, int, error) {
	host, port := normalizeHost(raw)
	if host == "" {
		return "", 0, errEmptyHost
	}
	return host, port, nil
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
