package interfaces

import (
	"context"

	"github.com/dep2p/go-rendezvous/pkg/types"
)

// Transport 跨进程字节传输底座（外部协作者）
type Transport interface {
	// RemoteLookup 被动模式消费端：向发送端所在进程请求值，阻塞直到对端匹配
	RemoteLookup(ctx context.Context, key types.RendezvousKey) (types.Value, error)

	// RemoteDeliver 主动推送模式生产端：单向投递到接收端所在进程的表
	RemoteDeliver(ctx context.Context, key types.RendezvousKey, value types.Value) error

	// Close 关闭传输
	Close() error
}

// Handler 传输层收到远端请求后的本地处理者
type Handler interface {
	// ServeLookup 处理远端的被动模式请求
	ServeLookup(ctx context.Context, key types.RendezvousKey) (types.Value, error)

	// ServeDeliver 处理远端的主动推送
	ServeDeliver(ctx context.Context, key types.RendezvousKey, value types.Value) error
}

// IncarnationSource 提供本进程各设备 incarnation 的来源（用于握手）
type IncarnationSource interface {
	// LocalIncarnations 返回 device -> incarnation
	LocalIncarnations() map[string]uint64
}

// HandlerBinder 构造后才能绑定本地处理者的传输
//
// 路由器依赖传输，传输又要回调路由器；实现该接口的传输由路由器模块在启动前绑定。
type HandlerBinder interface {
	// BindHandler 绑定本地处理者
	BindHandler(h Handler)
}
