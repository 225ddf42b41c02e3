package interfaces

import (
	"context"

	"github.com/dep2p/go-rendezvous/pkg/types"
)

// Router 投递模式路由器
//
// 根据原语的投递模式与对端位置，将 Send/Recv 分派到本地表或传输层。
// Router 同时实现 Handler，供传输层回调。
type Router interface {
	Handler

	// Send 由发送原语调用
	Send(ctx context.Context, op types.OpKind, key types.RendezvousKey, value types.Value) error

	// Recv 由接收原语调用，阻塞直到值到达
	Recv(ctx context.Context, op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind) (types.Value, error)

	// RecvAsync 非阻塞接收
	RecvAsync(op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind, opts RecvOptions, cb DoneCallback) RecvHandle
}

// ClientScope 客户端会话私有的 rendezvous 作用域
type ClientScope interface {
	// ID 会话 ID
	ID() string

	// Send 投递 feed 值
	Send(ctx context.Context, op types.OpKind, key types.RendezvousKey, value types.Value) error

	// Recv 接收 fetch 值
	Recv(ctx context.Context, op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind) (types.Value, error)

	// RecvAsync 非阻塞接收
	RecvAsync(op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind, opts RecvOptions, cb DoneCallback) RecvHandle

	// Cancel 取消单个键
	Cancel(key types.RendezvousKey)

	// Teardown 结束会话，取消全部挂起条目
	Teardown() error
}
