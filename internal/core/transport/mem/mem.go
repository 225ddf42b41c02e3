// Package mem 实现进程内传输
//
// Hub 把多个运行时连接在同一个进程里，用于测试与嵌入式部署。
// 每次调用直接调用对端的 Handler，值在跨越边界时深拷贝。
package mem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

var logger = log.Logger("transport/mem")

// Hub 进程内传输的路由中心
type Hub struct {
	mu      sync.RWMutex
	devices map[string]*Endpoint
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{devices: make(map[string]*Endpoint)}
}

// Endpoint 为一组设备创建端点
//
// 设备已被其他端点占用时返回错误。
func (h *Hub) Endpoint(devices ...string) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, d := range devices {
		if _, ok := h.devices[d]; ok {
			return nil, fmt.Errorf("device %s already attached", d)
		}
	}

	ep := &Endpoint{hub: h, devices: append([]string(nil), devices...)}
	for _, d := range devices {
		h.devices[d] = ep
	}
	return ep, nil
}

// route 返回设备所在端点
func (h *Hub) route(device string) *Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.devices[device]
}

// detach 移除端点的设备
func (h *Hub) detach(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range ep.devices {
		if h.devices[d] == ep {
			delete(h.devices, d)
		}
	}
}

// ============================================================================
//                              Endpoint
// ============================================================================

// Endpoint 一个运行时在 Hub 上的端点
type Endpoint struct {
	hub     *Hub
	devices []string

	handler atomic.Pointer[handlerRef]
	closed  atomic.Bool

	lookups  atomic.Int64
	delivers atomic.Int64
}

type handlerRef struct {
	h interfaces.Handler
}

// 确保实现接口
var (
	_ interfaces.Transport     = (*Endpoint)(nil)
	_ interfaces.HandlerBinder = (*Endpoint)(nil)
)

// BindHandler 绑定本地处理者
func (e *Endpoint) BindHandler(h interfaces.Handler) {
	e.handler.Store(&handlerRef{h: h})
}

// peerHandler 返回设备所在端点的处理者
func (e *Endpoint) peerHandler(device string) (interfaces.Handler, error) {
	if e.closed.Load() {
		return nil, types.ErrTransportClosed
	}
	peer := e.hub.route(device)
	if peer == nil || peer.closed.Load() {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownDevice, device)
	}
	ref := peer.handler.Load()
	if ref == nil {
		return nil, fmt.Errorf("%w: %s has no handler", types.ErrUnknownDevice, device)
	}
	return ref.h, nil
}

// RemoteLookup 向发送端所在端点取值
func (e *Endpoint) RemoteLookup(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	h, err := e.peerHandler(key.SendDevice)
	if err != nil {
		return types.Value{}, err
	}
	e.lookups.Add(1)
	logger.Debug("lookup", "key", key.String())

	v, err := h.ServeLookup(ctx, key)
	if err != nil {
		return types.Value{}, err
	}
	return v.Clone(), nil
}

// RemoteDeliver 投递到接收端所在端点
func (e *Endpoint) RemoteDeliver(ctx context.Context, key types.RendezvousKey, value types.Value) error {
	h, err := e.peerHandler(key.RecvDevice)
	if err != nil {
		return err
	}
	e.delivers.Add(1)
	logger.Debug("deliver", "key", key.String(), "bytes", value.NumBytes())
	return h.ServeDeliver(ctx, key, value.Clone())
}

// Lookups 已发起的远端取值次数
func (e *Endpoint) Lookups() int64 {
	return e.lookups.Load()
}

// Delivers 已发起的远端投递次数
func (e *Endpoint) Delivers() int64 {
	return e.delivers.Load()
}

// Devices 端点拥有的设备
func (e *Endpoint) Devices() []string {
	return append([]string(nil), e.devices...)
}

// Close 关闭端点并从 Hub 移除
func (e *Endpoint) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.hub.detach(e)
	}
	return nil
}
