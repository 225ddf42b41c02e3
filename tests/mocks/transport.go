package mocks

import (
	"context"
	"sync"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// MockTransport 模拟 Transport 接口实现
//
// 未设置 XxxFunc 时，RemoteLookup 与 RemoteDeliver 转给已绑定的 Handler；
// 未绑定 Handler 时返回 ErrUnknownDevice。
type MockTransport struct {
	mu      sync.Mutex
	handler interfaces.Handler
	closed  bool

	// 可覆盖的方法
	RemoteLookupFunc  func(ctx context.Context, key types.RendezvousKey) (types.Value, error)
	RemoteDeliverFunc func(ctx context.Context, key types.RendezvousKey, value types.Value) error
	CloseFunc         func() error

	// 调用记录
	lookups  []types.RendezvousKey
	delivers []DeliverCall
}

// DeliverCall 记录 RemoteDeliver 调用
type DeliverCall struct {
	Key   types.RendezvousKey
	Value types.Value
}

var (
	_ interfaces.Transport     = (*MockTransport)(nil)
	_ interfaces.HandlerBinder = (*MockTransport)(nil)
)

// NewMockTransport 创建 MockTransport
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// BindHandler 绑定本地处理者
func (m *MockTransport) BindHandler(h interfaces.Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Handler 返回已绑定的处理者
func (m *MockTransport) Handler() interfaces.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// RemoteLookup 远端取值
func (m *MockTransport) RemoteLookup(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	m.mu.Lock()
	m.lookups = append(m.lookups, key)
	h := m.handler
	m.mu.Unlock()

	if m.RemoteLookupFunc != nil {
		return m.RemoteLookupFunc(ctx, key)
	}
	if h == nil {
		return types.Value{}, types.ErrUnknownDevice
	}
	return h.ServeLookup(ctx, key)
}

// RemoteDeliver 远端投递
func (m *MockTransport) RemoteDeliver(ctx context.Context, key types.RendezvousKey, value types.Value) error {
	m.mu.Lock()
	m.delivers = append(m.delivers, DeliverCall{Key: key, Value: value})
	h := m.handler
	m.mu.Unlock()

	if m.RemoteDeliverFunc != nil {
		return m.RemoteDeliverFunc(ctx, key, value)
	}
	if h == nil {
		return types.ErrUnknownDevice
	}
	return h.ServeDeliver(ctx, key, value)
}

// Close 关闭传输
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Closed 是否已关闭
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LookupCalls 返回 RemoteLookup 调用记录
func (m *MockTransport) LookupCalls() []types.RendezvousKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.RendezvousKey(nil), m.lookups...)
}

// DeliverCalls 返回 RemoteDeliver 调用记录
func (m *MockTransport) DeliverCalls() []DeliverCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliverCall(nil), m.delivers...)
}
