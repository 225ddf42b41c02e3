package router

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

var logger = log.Logger("core/router")

// Observer 路由观察者（用于指标）
type Observer interface {
	// Routed 一次 Send/Recv 被分派；remote 表示经过传输层
	Routed(op types.OpKind, remote bool)

	// Conflict 张量名混用投递模式
	Conflict(tensorName string)
}

// Router 投递模式路由器
//
// 被动模式：发送端写入本地表，接收端在本地表或经 RemoteLookup 向发送端进程取值。
// 主动推送：发送端直接投递到接收端进程的表，接收端只在本地表等待，不发起任何请求。
type Router struct {
	table     interfaces.Table
	placement interfaces.PlacementAdapter
	guard     interfaces.IncarnationGuard
	transport interfaces.Transport

	clock    clock.Clock
	observer Observer

	local       map[string]struct{}
	incarnation uint64

	modes *lru.Cache[string, types.DeliveryMode]

	pushWarn int
	warn     *rate.Limiter

	recvTimeout time.Duration

	started atomic.Bool
}

// 确保实现接口
var (
	_ interfaces.Router            = (*Router)(nil)
	_ interfaces.IncarnationSource = (*Router)(nil)
)

// Deps 路由器依赖
type Deps struct {
	Table     interfaces.Table
	Placement interfaces.PlacementAdapter
	Guard     interfaces.IncarnationGuard

	// Transport 跨进程传输，nil 表示单进程
	Transport interfaces.Transport

	Clock    clock.Clock
	Observer Observer

	// RecvTimeout 等待远端发送端时的默认超时，0 表示只受 ctx 约束
	RecvTimeout time.Duration
}

// New 创建路由器
func New(cfg config.RouterConfig, deps Deps) (*Router, error) {
	if deps.Table == nil || deps.Placement == nil {
		return nil, fmt.Errorf("router requires table and placement")
	}

	size := cfg.ModeCacheSize
	if size <= 0 {
		size = config.DefaultRouterConfig().ModeCacheSize
	}
	modes, err := lru.New[string, types.DeliveryMode](size)
	if err != nil {
		return nil, fmt.Errorf("create mode cache: %w", err)
	}

	every := cfg.WarnEvery.Duration()
	if every <= 0 {
		every = 10 * time.Second
	}

	inc := cfg.LocalIncarnation
	if inc == 0 {
		inc = newIncarnation()
	}

	r := &Router{
		table:       deps.Table,
		placement:   deps.Placement,
		guard:       deps.Guard,
		transport:   deps.Transport,
		clock:       deps.Clock,
		observer:    deps.Observer,
		local:       make(map[string]struct{}, len(cfg.LocalDevices)),
		incarnation: inc,
		modes:       modes,
		pushWarn:    cfg.PushBufferWarn,
		warn:        rate.NewLimiter(rate.Every(every), 1),
		recvTimeout: deps.RecvTimeout,
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	for _, d := range cfg.LocalDevices {
		r.local[d] = struct{}{}
	}
	return r, nil
}

// newIncarnation 生成非零随机 incarnation
func newIncarnation() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return uint64(time.Now().UnixNano())
		}
		if v := binary.LittleEndian.Uint64(b[:]); v != 0 {
			return v
		}
	}
}

// ============================================================================
//                              本地设备
// ============================================================================

// IsLocal 设备是否属于本进程
//
// 未配置本地设备时视为单进程部署，所有设备都是本地的。
func (r *Router) IsLocal(device string) bool {
	if len(r.local) == 0 {
		return true
	}
	_, ok := r.local[device]
	return ok
}

// Incarnation 本进程设备的 incarnation
func (r *Router) Incarnation() uint64 {
	return r.incarnation
}

// LocalIncarnations 实现 IncarnationSource
func (r *Router) LocalIncarnations() map[string]uint64 {
	out := make(map[string]uint64, len(r.local))
	for d := range r.local {
		out[d] = r.incarnation
	}
	return out
}

// Start 向守卫登记本地设备的 incarnation
func (r *Router) Start(_ context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}
	if r.guard != nil {
		for d := range r.local {
			r.guard.Update(d, r.incarnation)
		}
	}
	logger.Info("路由器启动", "local_devices", len(r.local), "incarnation", fmt.Sprintf("%016x", r.incarnation))
	return nil
}

// ============================================================================
//                              模式登记
// ============================================================================

// checkMode 张量名首次使用时登记投递模式，之后必须一致
func (r *Router) checkMode(name string, mode types.DeliveryMode) error {
	prev, ok, _ := r.modes.PeekOrAdd(name, mode)
	if ok && prev != mode {
		if r.observer != nil {
			r.observer.Conflict(name)
		}
		return fmt.Errorf("%w: %q registered as %s, used as %s", types.ErrModeConflict, name, prev, mode)
	}
	return nil
}

// Mode 返回张量名已登记的投递模式
func (r *Router) Mode(name string) (types.DeliveryMode, bool) {
	return r.modes.Peek(name)
}

// validate 校验原语方向、键与模式
func (r *Router) validate(op types.OpKind, key types.RendezvousKey, send bool) error {
	if !op.Valid() || op.IsSend() != send {
		return fmt.Errorf("%w: %s", types.ErrInvalidOp, op)
	}
	if err := key.Validate(); err != nil {
		return err
	}
	return r.checkMode(key.TensorName, op.Mode())
}

func (r *Router) routed(op types.OpKind, remote bool) {
	if r.observer != nil {
		r.observer.Routed(op, remote)
	}
}

// ============================================================================
//                              Send
// ============================================================================

// Send 由发送原语调用
func (r *Router) Send(ctx context.Context, op types.OpKind, key types.RendezvousKey, value types.Value) error {
	if err := r.validate(op, key, true); err != nil {
		return types.NewTransferError("send", key, err)
	}

	staged, err := r.placement.StageForSend(ctx, op, value)
	if err != nil {
		return types.NewTransferError("send", key, err)
	}

	if op.Mode() == types.ModeActivePush && !r.IsLocal(key.RecvDevice) {
		r.routed(op, true)
		if r.transport == nil {
			return types.NewTransferError("send", key, fmt.Errorf("%w: %s", types.ErrUnknownDevice, key.RecvDevice))
		}
		logger.Debug("推送到远端", "key", key.String(), "bytes", staged.NumBytes())
		err := r.transport.RemoteDeliver(ctx, key, staged)
		r.release(staged)
		return types.NewTransferError("deliver", key, err)
	}

	r.routed(op, false)
	if err := r.admit(key, func() error { return r.table.Send(key, staged) }); err != nil {
		r.release(staged)
		return err
	}
	if op.Mode() == types.ModeActivePush {
		r.checkBacklog()
	}
	return nil
}

// checkBacklog 推送积压超过阈值时告警（限速）
func (r *Router) checkBacklog() {
	if r.pushWarn <= 0 {
		return
	}
	if n := r.table.Len(); n > r.pushWarn && r.warn.Allow() {
		logger.Warn("推送缓冲积压，消费者过慢", "pending", n, "threshold", r.pushWarn)
	}
}

// ============================================================================
//                              Recv
// ============================================================================

// Recv 由接收原语调用，阻塞直到值到达
func (r *Router) Recv(ctx context.Context, op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind) (types.Value, error) {
	if err := r.validate(op, key, false); err != nil {
		return types.Value{}, types.NewTransferError("recv", key, err)
	}

	var (
		v   types.Value
		err error
	)
	if r.isRemoteLookup(op, key) {
		r.routed(op, true)
		v, err = r.lookup(ctx, key)
	} else {
		r.routed(op, false)
		v, err = r.recvLocal(ctx, key)
	}
	if err != nil {
		return types.Value{}, err
	}

	staged, err := r.placement.StageForRecv(ctx, v, consumer)
	if err != nil {
		return types.Value{}, types.NewTransferError("recv", key, err)
	}
	return staged, nil
}

// admit 经守卫准入后写入本地表
func (r *Router) admit(key types.RendezvousKey, fn func() error) error {
	if r.guard == nil {
		return fn()
	}
	return r.guard.Admit(key, fn)
}

// release 值离开本进程的表后归还暂存资源
func (r *Router) release(v types.Value) {
	if rel, ok := r.placement.(interfaces.ValueReleaser); ok {
		rel.Release(v)
	}
}

// recvLocal 在本地表上等待
//
// 等待者经守卫准入：登记后再次校验 incarnation，
// 与 Update 的失效扫描交错时等待者以 ErrStaleIncarnation 释放。
// 发送端设备已被更新时，即便值曾经暂存过（已被扫描丢弃）也立即失败。
func (r *Router) recvLocal(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	if r.guard == nil {
		return r.table.Recv(ctx, key)
	}

	if r.recvTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = r.clock.WithTimeout(ctx, r.recvTimeout)
			defer cancel()
		}
	}

	type result struct {
		value types.Value
		err   error
	}
	ch := make(chan result, 1)

	var h interfaces.RecvHandle
	err := r.guard.Admit(key, func() error {
		h = r.table.RecvAsync(key, interfaces.RecvOptions{}, func(v types.Value, err error) {
			ch <- result{value: v, err: err}
		})
		return nil
	})
	if err != nil {
		return types.Value{}, types.NewTransferError("recv", key, err)
	}

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		if h.Cancel() {
			return types.Value{}, types.NewTransferError("recv", key, contextErr(ctx.Err()))
		}
		res := <-ch
		return res.value, res.err
	}
}

// isRemoteLookup 被动模式且发送端在远端进程
func (r *Router) isRemoteLookup(op types.OpKind, key types.RendezvousKey) bool {
	return op.Mode() == types.ModePassive && !r.IsLocal(key.SendDevice)
}

// lookup 向发送端进程取值，前后两次校验 incarnation
func (r *Router) lookup(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	if r.transport == nil {
		return types.Value{}, types.NewTransferError("lookup", key, fmt.Errorf("%w: %s", types.ErrUnknownDevice, key.SendDevice))
	}
	if err := r.checkIncarnation(key); err != nil {
		return types.Value{}, err
	}

	v, err := r.transport.RemoteLookup(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = contextErr(ctxErr)
		}
		return types.Value{}, types.NewTransferError("lookup", key, err)
	}

	// 等待期间发送端进程可能已重启
	if err := r.checkIncarnation(key); err != nil {
		return types.Value{}, err
	}
	return v, nil
}

func (r *Router) checkIncarnation(key types.RendezvousKey) error {
	if r.guard == nil {
		return nil
	}
	return types.NewTransferError("lookup", key, r.guard.Check(key.SendDevice, key.SendDeviceIncarnation))
}

// RecvAsync 非阻塞接收
//
// 本地路径的回调在完成匹配的 goroutine 上执行；远端路径在内部 goroutine 上执行。
func (r *Router) RecvAsync(op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind, opts interfaces.RecvOptions, cb interfaces.DoneCallback) interfaces.RecvHandle {
	if err := r.validate(op, key, false); err != nil {
		return failedHandle(cb, types.NewTransferError("recv", key, err))
	}

	if r.isRemoteLookup(op, key) {
		r.routed(op, true)
		return r.lookupAsync(key, consumer, opts, cb)
	}

	r.routed(op, false)
	staged := func(v types.Value, err error) {
		if err == nil {
			v, err = r.placement.StageForRecv(context.Background(), v, consumer)
			err = types.NewTransferError("recv", key, err)
		}
		if cb != nil {
			cb(v, err)
		}
	}
	if r.guard == nil {
		return r.table.RecvAsync(key, opts, staged)
	}

	// 准入失败且未登记时由这里回调；登记后失效的等待者已由扫描释放
	var h interfaces.RecvHandle
	err := r.guard.Admit(key, func() error {
		h = r.table.RecvAsync(key, opts, staged)
		return nil
	})
	if h == nil {
		return failedHandle(cb, types.NewTransferError("recv", key, err))
	}
	return h
}

// lookupAsync 在后台 goroutine 中执行远端取值
func (r *Router) lookupAsync(key types.RendezvousKey, consumer types.MemoryKind, opts interfaces.RecvOptions, cb interfaces.DoneCallback) interfaces.RecvHandle {
	ctx, cancel := context.WithCancel(context.Background())
	if !opts.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = r.clock.WithDeadline(ctx, opts.Deadline)
		cancelBase := cancel
		cancel = func() {
			cancelDeadline()
			cancelBase()
		}
	}

	h := newAsyncHandle(cb, cancel)
	go func() {
		defer cancel()
		v, err := r.lookup(ctx, key)
		if err == nil {
			v, err = r.placement.StageForRecv(ctx, v, consumer)
			err = types.NewTransferError("recv", key, err)
		}
		h.finish(v, err)
	}()
	return h
}

// ============================================================================
//                              Handler（传输层回调）
// ============================================================================

// ServeLookup 处理远端消费者的被动模式请求
func (r *Router) ServeLookup(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	if err := key.Validate(); err != nil {
		return types.Value{}, types.NewTransferError("lookup", key, err)
	}
	if !r.IsLocal(key.SendDevice) {
		return types.Value{}, types.NewTransferError("lookup", key, fmt.Errorf("%w: %s", types.ErrUnknownDevice, key.SendDevice))
	}
	if err := r.checkMode(key.TensorName, types.ModePassive); err != nil {
		return types.Value{}, types.NewTransferError("lookup", key, err)
	}

	logger.Debug("处理远端取值", "key", key.String())
	v, err := r.recvLocal(ctx, key)
	if err != nil {
		return types.Value{}, err
	}
	// 值交给传输层后不再占用本进程的暂存资源
	r.release(v)
	return v, nil
}

// ServeDeliver 处理远端生产者的主动推送
func (r *Router) ServeDeliver(_ context.Context, key types.RendezvousKey, value types.Value) error {
	if err := key.Validate(); err != nil {
		return types.NewTransferError("deliver", key, err)
	}
	if !r.IsLocal(key.RecvDevice) {
		return types.NewTransferError("deliver", key, fmt.Errorf("%w: %s", types.ErrUnknownDevice, key.RecvDevice))
	}
	if err := r.checkMode(key.TensorName, types.ModeActivePush); err != nil {
		return types.NewTransferError("deliver", key, err)
	}

	if err := r.admit(key, func() error { return r.table.Send(key, value) }); err != nil {
		return err
	}

	logger.Debug("收到远端推送", "key", key.String(), "bytes", value.NumBytes())
	r.checkBacklog()
	return nil
}
