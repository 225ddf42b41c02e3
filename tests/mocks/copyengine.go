package mocks

import (
	"context"
	"sync"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// MockCopyEngine 模拟 CopyEngine 接口实现
//
// 默认深拷贝数据并把 Memory 改为目标内存空间。
type MockCopyEngine struct {
	mu sync.Mutex

	// 可覆盖的方法
	CopyFunc func(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error)

	// 调用记录
	calls []CopyCall
}

// CopyCall 记录 Copy 调用
type CopyCall struct {
	From  types.MemoryKind
	To    types.MemoryKind
	Bytes int
}

var _ interfaces.CopyEngine = (*MockCopyEngine)(nil)

// NewMockCopyEngine 创建 MockCopyEngine
func NewMockCopyEngine() *MockCopyEngine {
	return &MockCopyEngine{}
}

// Copy 拷贝到目标内存空间
func (m *MockCopyEngine) Copy(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error) {
	m.mu.Lock()
	m.calls = append(m.calls, CopyCall{From: from, To: to, Bytes: value.NumBytes()})
	m.mu.Unlock()

	if m.CopyFunc != nil {
		return m.CopyFunc(ctx, value, from, to)
	}
	out := value.Clone()
	out.Memory = to
	return out, nil
}

// Calls 返回调用记录
func (m *MockCopyEngine) Calls() []CopyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CopyCall(nil), m.calls...)
}
