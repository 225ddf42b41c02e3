package placement

import (
	"context"
	"fmt"
	"sync"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// ArenaEngine 模拟设备内存的拷贝引擎
//
// 只为 rendezvous 在途持有的设备缓冲区记账，超出预算时拷贝失败。
// 值被消费端取走、从表中丢弃或交给传输层时，适配器调用 Free 归还；
// 从设备拷回主机时同样释放源缓冲区。
type ArenaEngine struct {
	capacity int64

	mu    sync.Mutex
	used  int64
	alloc map[*byte]int64
}

// 确保实现接口
var (
	_ interfaces.CopyEngine  = (*ArenaEngine)(nil)
	_ interfaces.BufferFreer = (*ArenaEngine)(nil)
)

// NewArenaEngine 创建设备内存池，capacity <= 0 表示不限
func NewArenaEngine(capacity int64) *ArenaEngine {
	return &ArenaEngine{
		capacity: capacity,
		alloc:    make(map[*byte]int64),
	}
}

// Copy 实现 CopyEngine
func (e *ArenaEngine) Copy(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error) {
	if err := ctx.Err(); err != nil {
		return types.Value{}, err
	}

	out := value.Clone()
	out.Memory = to

	switch {
	case from == types.MemoryHost && to == types.MemoryDevice:
		if err := e.reserve(out.Data); err != nil {
			return types.Value{}, err
		}
	case from == types.MemoryDevice && to == types.MemoryHost:
		e.Free(value)
	case from == to:
	default:
		return types.Value{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedCopy, from, to)
	}
	return out, nil
}

// reserve 为设备缓冲区记账
func (e *ArenaEngine) reserve(data []byte) error {
	size := int64(len(data))
	if size == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.capacity > 0 && e.used+size > e.capacity {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrArenaExhausted, size, e.used, e.capacity)
	}
	e.used += size
	e.alloc[&data[0]] = size
	return nil
}

// Free 归还设备缓冲区；不属于本池的值被忽略
func (e *ArenaEngine) Free(value types.Value) {
	if len(value.Data) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if size, ok := e.alloc[&value.Data[0]]; ok {
		delete(e.alloc, &value.Data[0])
		e.used -= size
	}
}

// Used 已分配字节数
func (e *ArenaEngine) Used() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

// Capacity 容量（0 表示不限）
func (e *ArenaEngine) Capacity() int64 {
	return e.capacity
}
