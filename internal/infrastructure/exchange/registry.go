package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Registry 交易所连接器注册表，按名称解析
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]port.Connector
	feeds      []port.MarkPriceFeed
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]port.Connector)}
}

// Register 注册连接器；同名重复注册返回错误
func (r *Registry) Register(conn port.Connector) error {
	name := strings.ToLower(conn.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[name]; ok {
		return fmt.Errorf("%s: already registered", name)
	}
	r.connectors[name] = conn
	return nil
}

// RegisterFeed 注册标记价格流
func (r *Registry) RegisterFeed(feed port.MarkPriceFeed) {
	r.mu.Lock()
	r.feeds = append(r.feeds, feed)
	r.mu.Unlock()
}

// Get 按名称取连接器
func (r *Registry) Get(exchange string) (port.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[strings.ToLower(exchange)]
	if !ok {
		return nil, fmt.Errorf("exchange %s: %w", exchange, model.ErrNotFound)
	}
	return conn, nil
}

// Names 已注册的交易所（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Feeds 已注册的标记价格流
func (r *Registry) Feeds() []port.MarkPriceFeed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]port.MarkPriceFeed(nil), r.feeds...)
}
