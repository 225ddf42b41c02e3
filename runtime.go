package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"

	"github.com/dep2p/go-rendezvous/internal/core/clientscope"
	"github.com/dep2p/go-rendezvous/internal/core/incarnation"
	"github.com/dep2p/go-rendezvous/internal/core/metrics"
	"github.com/dep2p/go-rendezvous/internal/core/router"
	"github.com/dep2p/go-rendezvous/internal/core/table"
	"github.com/dep2p/go-rendezvous/internal/core/transport/tcp"
)

var logger = log.Logger("rendezvous")

// ════════════════════════════════════════════════════════════════════════════
//                              生命周期常量
// ════════════════════════════════════════════════════════════════════════════

const (
	// startTimeout 启动超时（Fx App Start）
	startTimeout = 30 * time.Second

	// stopTimeout 关闭超时（Fx App Stop）
	stopTimeout = 30 * time.Second
)

// MetricsSnapshot 指标快照
type MetricsSnapshot = metrics.Snapshot

// Runtime rendezvous 运行时
//
// 持有本进程唯一的匹配表及其周边组件，由 New 显式构造，Close 后不可再用。
type Runtime struct {
	mu      sync.RWMutex
	app     *fx.App
	started bool
	closed  bool

	// aborted 发布 StartAbort 事件（Start 之后可用）
	aborted interfaces.Emitter

	// ────────────────────────────────────────────────────────────────────────
	// 组件（由 Fx 注入）
	// ────────────────────────────────────────────────────────────────────────

	config    *config.Config
	bus       interfaces.EventBus
	table     *table.Table
	guard     *incarnation.Guard
	router    *router.Router
	sessions  *clientscope.Manager
	collector *metrics.Collector
	tcp       *tcp.Transport
	transport interfaces.Transport
}

// New 创建运行时
//
// 只装配组件，调用 Start 之后才能收发。
func New(opts ...Option) (*Runtime, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	rt := &Runtime{}
	app, err := buildFxApp(o, rt)
	if err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	rt.app = app
	return rt, nil
}

// Start 启动运行时
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return ErrRuntimeClosed
	}
	if rt.started {
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	// 调用各模块 OnStart
	if err := rt.app.Start(startCtx); err != nil {
		logger.Error("运行时启动失败", "error", err)
		return fmt.Errorf("start fx app: %w", err)
	}

	em, err := rt.bus.Emitter(new(types.EvtTransferAborted))
	if err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		return multierr.Append(fmt.Errorf("create abort emitter: %w", err), rt.app.Stop(stopCtx))
	}
	rt.aborted = em
	rt.started = true

	logger.Info("运行时已启动",
		"incarnation", fmt.Sprintf("%016x", rt.router.Incarnation()),
		"addr", rt.addr(),
		"metrics", rt.collector != nil)
	return nil
}

// Close 关闭运行时并释放所有资源
//
// 挂起条目以 ErrTableClosed 释放，所有会话被拆除。可重复调用。
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return nil
	}
	rt.closed = true

	var err error
	if rt.aborted != nil {
		err = multierr.Append(err, rt.aborted.Close())
		rt.aborted = nil
	}
	if rt.started {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		// 各模块 OnStop 按反向顺序执行
		if stopErr := rt.app.Stop(ctx); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop fx app: %w", stopErr))
		}
		rt.started = false
	}

	if err != nil {
		logger.Warn("运行时关闭出错", "error", err)
	} else {
		logger.Info("运行时已关闭")
	}
	return err
}

// ready 检查运行时可用
func (rt *Runtime) ready() error {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return ErrRuntimeClosed
	}
	if !rt.started {
		return ErrNotStarted
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              收发
// ════════════════════════════════════════════════════════════════════════════

// Send 由发送原语调用
func (rt *Runtime) Send(ctx context.Context, op types.OpKind, key types.RendezvousKey, value types.Value) error {
	if err := rt.ready(); err != nil {
		return err
	}
	return rt.router.Send(ctx, op, key, value)
}

// Recv 由接收原语调用，阻塞直到值到达、取消或 ctx 到期
func (rt *Runtime) Recv(ctx context.Context, op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind) (types.Value, error) {
	if err := rt.ready(); err != nil {
		return types.Value{}, err
	}
	return rt.router.Recv(ctx, op, key, consumer)
}

// RecvAsync 非阻塞接收，cb 恰好被调用一次
func (rt *Runtime) RecvAsync(op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind, opts interfaces.RecvOptions, cb interfaces.DoneCallback) interfaces.RecvHandle {
	if err := rt.ready(); err != nil {
		return failedHandle(cb, err)
	}
	return rt.router.RecvAsync(op, key, consumer, opts, cb)
}

// Cancel 取消单个键
//
// 等待者以 ErrCancelled 释放，之后该键上的 Send/Recv 均失败，直到 Reset。
func (rt *Runtime) Cancel(key types.RendezvousKey) {
	if rt.ready() != nil {
		return
	}
	rt.table.Cancel(key)
}

// ════════════════════════════════════════════════════════════════════════════
//                              step 控制
// ════════════════════════════════════════════════════════════════════════════

// StartAbort 以 cause 中止全部挂起条目
//
// 之后的调用均失败，错误同时满足 errors.Is(err, ErrCancelled) 与 errors.Is(err, cause)。
func (rt *Runtime) StartAbort(cause error) {
	if rt.ready() != nil {
		return
	}
	n := rt.table.Len()
	rt.table.StartAbort(cause)
	logger.Warn("中止全部传输", "reason", cause, "pending", n)

	rt.mu.RLock()
	em := rt.aborted
	rt.mu.RUnlock()
	if em != nil {
		_ = em.Emit(types.EvtTransferAborted{
			Scope:     "table",
			Reason:    cause,
			Count:     n,
			Timestamp: time.Now(),
		})
	}
}

// Reset step 结束后的清理：清除中止状态与取消记录
func (rt *Runtime) Reset() {
	if rt.ready() != nil {
		return
	}
	rt.table.Reset()
}

// Pending 挂起条目数
func (rt *Runtime) Pending() int {
	if rt.table == nil {
		return 0
	}
	return rt.table.Len()
}

// ════════════════════════════════════════════════════════════════════════════
//                              incarnation
// ════════════════════════════════════════════════════════════════════════════

// Incarnation 本进程设备的 incarnation
func (rt *Runtime) Incarnation() uint64 {
	return rt.router.Incarnation()
}

// UpdateIncarnation 记录远端设备的新 incarnation，返回失效的挂起条目数
func (rt *Runtime) UpdateIncarnation(device string, incarnation uint64) int {
	return rt.guard.Update(device, incarnation)
}

// KnownIncarnation 返回设备当前记录的 incarnation
func (rt *Runtime) KnownIncarnation(device string) (uint64, bool) {
	return rt.guard.Incarnation(device)
}

// ════════════════════════════════════════════════════════════════════════════
//                              客户端会话
// ════════════════════════════════════════════════════════════════════════════

// OpenSession 打开客户端会话，id 为空时自动生成
func (rt *Runtime) OpenSession(id string) (interfaces.ClientScope, error) {
	if err := rt.ready(); err != nil {
		return nil, err
	}
	s, err := rt.sessions.Open(id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Session 查找已打开的会话
func (rt *Runtime) Session(id string) (interfaces.ClientScope, bool) {
	s, ok := rt.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// ════════════════════════════════════════════════════════════════════════════
//                              观测
// ════════════════════════════════════════════════════════════════════════════

// Metrics 返回指标快照，指标关闭时返回零值
func (rt *Runtime) Metrics() MetricsSnapshot {
	if rt.collector == nil {
		return MetricsSnapshot{}
	}
	return rt.collector.Snapshot()
}

// Addr 返回 TCP 传输的监听地址，未监听时为空
func (rt *Runtime) Addr() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.addr()
}

func (rt *Runtime) addr() string {
	if rt.tcp == nil {
		return ""
	}
	return rt.tcp.Addr()
}

// Config 返回生效配置的副本
func (rt *Runtime) Config() *config.Config {
	return rt.config.Clone()
}

// failedHandle 立即以错误完成的句柄
func failedHandle(cb interfaces.DoneCallback, err error) interfaces.RecvHandle {
	h := &doneHandle{done: make(chan struct{})}
	if cb != nil {
		cb(types.Value{}, err)
	}
	close(h.done)
	return h
}

type doneHandle struct {
	done chan struct{}
}

func (h *doneHandle) Cancel() bool { return false }

func (h *doneHandle) Done() <-chan struct{} { return h.done }
