package interfaces

import (
	"context"

	"github.com/dep2p/go-rendezvous/pkg/types"
)

// CopyEngine 主机/设备内存之间的拷贝引擎（外部协作者）
type CopyEngine interface {
	// Copy 将值拷贝到目标内存空间，返回的新值不得与输入共享数据
	Copy(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error)
}

// CopyEngineFunc 函数适配器
type CopyEngineFunc func(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error)

// Copy 实现 CopyEngine
func (f CopyEngineFunc) Copy(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error) {
	return f(ctx, value, from, to)
}

// PlacementAdapter 决定并执行跨内存空间的暂存
type PlacementAdapter interface {
	// Stage 将值暂存到目标内存空间；from == to 时原样返回
	Stage(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error)

	// StageForSend 按发送原语要求的内存空间暂存
	StageForSend(ctx context.Context, op types.OpKind, value types.Value) (types.Value, error)

	// StageForRecv 按消费端执行上下文要求的内存空间暂存
	StageForRecv(ctx context.Context, value types.Value, consumer types.MemoryKind) (types.Value, error)
}

// BufferFreer 拷贝引擎的可选扩展：归还引擎为目标缓冲区记账的资源
type BufferFreer interface {
	// Free 归还值占用的缓冲区；不属于引擎的值被忽略，可重复调用
	Free(value types.Value)
}

// ValueReleaser 值离开 rendezvous（交付、丢弃或交给传输层）后归还其暂存资源
type ValueReleaser interface {
	Release(value types.Value)
}
