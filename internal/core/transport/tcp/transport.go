package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/internal/core/incarnation"
	"github.com/dep2p/go-rendezvous/internal/core/transport/codec"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

var logger = log.Logger("core/transport/tcp")

// ============================================================================
//                              Transport 实现
// ============================================================================

type handlerRef struct{ h interfaces.Handler }

type emitterRef struct{ em interfaces.Emitter }

// Transport TCP 传输
type Transport struct {
	cfg      config.TransportConfig
	codec    *codec.Codec
	yamuxCfg *yamux.Config
	bus      interfaces.EventBus

	handler atomic.Pointer[handlerRef]
	emitter atomic.Pointer[emitterRef]

	// mu 保护以下字段以及 closed 的写入
	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*yamux.Session
	inbound  map[*yamux.Session]struct{}
	known    map[string]uint64

	dials singleflight.Group
	group errgroup.Group
	calls sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	closed  atomic.Bool
}

// 确保实现接口
var (
	_ interfaces.Transport     = (*Transport)(nil)
	_ interfaces.HandlerBinder = (*Transport)(nil)
)

// Option 传输选项
type Option func(*Transport)

// WithEventBus 设置事件总线，对端 incarnation 变化将发布到总线
func WithEventBus(bus interfaces.EventBus) Option {
	return func(t *Transport) {
		t.bus = bus
	}
}

// WithHandler 设置本地处理者
func WithHandler(h interfaces.Handler) Option {
	return func(t *Transport) {
		t.BindHandler(h)
	}
}

// New 创建 TCP 传输
func New(cfg config.TransportConfig, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.New(cfg.CompressThreshold, cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:      cfg,
		codec:    c,
		yamuxCfg: yamuxConfig(cfg),
		sessions: make(map[string]*yamux.Session),
		inbound:  make(map[*yamux.Session]struct{}),
		known:    make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// BindHandler 绑定本地处理者
//
// 处理者若实现 interfaces.IncarnationSource，握手时会携带其 incarnation。
func (t *Transport) BindHandler(h interfaces.Handler) {
	if h == nil {
		t.handler.Store(nil)
		return
	}
	t.handler.Store(&handlerRef{h: h})
}

// Start 启动传输
//
// 配置了监听地址时开始接受入站连接。
func (t *Transport) Start(ctx context.Context) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	if t.bus != nil {
		em, err := t.bus.Emitter(new(types.EvtIncarnationChanged))
		if err != nil {
			return fmt.Errorf("create incarnation emitter: %w", err)
		}
		t.emitter.Store(&emitterRef{em: em})
	}

	if t.cfg.ListenAddr == "" {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.cfg.ListenAddr, err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	if !t.spawn(func() error { return t.acceptLoop(ln) }) {
		_ = ln.Close()
		return ErrTransportClosed
	}

	logger.Info("TCP 传输已启动", "addr", ln.Addr().String())
	return nil
}

// Addr 返回实际监听地址，未监听时返回空串
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// RemoteIncarnations 返回握手得知的对端设备 incarnation
func (t *Transport) RemoteIncarnations() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.known))
	for d, inc := range t.known {
		out[d] = inc
	}
	return out
}

// SessionCount 返回出站会话数量
func (t *Transport) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Close 关闭传输
//
// 关闭监听器与全部会话，等待在途的处理结束。
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return nil
	}
	t.closed.Store(true)
	ln := t.listener
	sessions := make([]*yamux.Session, 0, len(t.sessions)+len(t.inbound))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	for s := range t.inbound {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*yamux.Session)
	t.inbound = make(map[*yamux.Session]struct{})
	t.mu.Unlock()

	t.cancel()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	err = multierr.Append(err, t.group.Wait())
	t.calls.Wait()

	if ref := t.emitter.Swap(nil); ref != nil {
		err = multierr.Append(err, ref.em.Close())
	}
	err = multierr.Append(err, t.codec.Close())

	logger.Debug("TCP 传输已关闭")
	return err
}

// spawn 在传输未关闭时启动后台任务
func (t *Transport) spawn(fn func() error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.group.Go(fn)
	return true
}

// acquire 登记一次出站调用
func (t *Transport) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.calls.Add(1)
	return true
}

// ============================================================================
//                              出站调用
// ============================================================================

// RemoteLookup 向发送端设备所在进程请求值
func (t *Transport) RemoteLookup(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	addr, err := t.peerAddr(key.SendDevice)
	if err != nil {
		return types.Value{}, err
	}
	res, err := t.call(ctx, addr, codec.Request{Type: codec.FrameLookup, Key: key})
	if err != nil {
		return types.Value{}, err
	}
	if err := resultErr(ctx, res); err != nil {
		return types.Value{}, err
	}
	return res.Value, nil
}

// RemoteDeliver 将值推送到接收端设备所在进程
func (t *Transport) RemoteDeliver(ctx context.Context, key types.RendezvousKey, value types.Value) error {
	addr, err := t.peerAddr(key.RecvDevice)
	if err != nil {
		return err
	}
	res, err := t.call(ctx, addr, codec.Request{Type: codec.FrameDeliver, Key: key, Value: value})
	if err != nil {
		return err
	}
	return resultErr(ctx, res)
}

// resultErr 还原远端错误；调用方已放弃时以 ctx 错误为准
func resultErr(ctx context.Context, res codec.Result) error {
	err := res.Err()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// peerAddr 查找设备所在进程地址
func (t *Transport) peerAddr(device string) (string, error) {
	addr, ok := t.cfg.Peers[device]
	if !ok {
		return "", fmt.Errorf("%w: no peer address for %s", types.ErrUnknownDevice, device)
	}
	return addr, nil
}

// call 在新流上发送请求并等待结果
//
// ctx 结束时关闭流，对端据此取消处理。
func (t *Transport) call(ctx context.Context, addr string, req codec.Request) (codec.Result, error) {
	if !t.acquire() {
		return codec.Result{}, ErrTransportClosed
	}
	defer t.calls.Done()

	sess, err := t.session(ctx, addr)
	if err != nil {
		return codec.Result{}, err
	}
	stream, err := sess.OpenStream()
	if err != nil {
		return codec.Result{}, t.callErr(ctx, addr, err)
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl
	}
	stop := context.AfterFunc(ctx, func() {
		_ = stream.SetReadDeadline(time.Now())
		_ = stream.Close()
	})
	defer stop()

	if err := t.codec.WriteRequest(stream, req); err != nil {
		return codec.Result{}, t.callErr(ctx, addr, err)
	}
	res, err := t.codec.ReadResult(stream)
	if err != nil {
		return codec.Result{}, t.callErr(ctx, addr, err)
	}
	return res, nil
}

// callErr 调用方已放弃时返回 ctx 错误
func (t *Transport) callErr(ctx context.Context, addr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return fmt.Errorf("call %s: %w", addr, err)
}

// session 返回到 addr 的会话，不存在时拨号
func (t *Transport) session(ctx context.Context, addr string) (*yamux.Session, error) {
	t.mu.Lock()
	s := t.sessions[addr]
	t.mu.Unlock()
	if s != nil && !s.IsClosed() {
		return s, nil
	}

	ch := t.dials.DoChan(addr, func() (interface{}, error) {
		return t.dial(addr)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*yamux.Session), nil
	}
}

// dial 建立会话并完成握手
func (t *Transport) dial(addr string) (*yamux.Session, error) {
	timeout := t.cfg.DialTimeout.Duration()
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	setNoDelay(conn)

	sess, err := yamux.Client(conn, t.yamuxCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create yamux session: %w", err)
	}

	stream, err := sess.OpenStream()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: open stream: %w", ErrHandshake, err)
	}
	_ = stream.SetDeadline(time.Now().Add(timeout))
	err = t.sendHello(stream)
	_ = stream.Close()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = sess.Close()
		return nil, ErrTransportClosed
	}
	if old := t.sessions[addr]; old != nil {
		_ = old.Close()
	}
	t.sessions[addr] = sess
	t.group.Go(func() error {
		t.watch(addr, sess)
		return nil
	})
	t.mu.Unlock()

	logger.Debug("已建立出站会话", "addr", addr)
	return sess, nil
}

// watch 会话断开后移除记录
func (t *Transport) watch(addr string, sess *yamux.Session) {
	select {
	case <-sess.CloseChan():
	case <-t.ctx.Done():
		return
	}

	t.mu.Lock()
	if t.sessions[addr] == sess {
		delete(t.sessions, addr)
	}
	t.mu.Unlock()
	logger.Debug("出站会话已断开", "addr", addr)
}

// ============================================================================
//                              入站处理
// ============================================================================

// acceptLoop 接受入站连接
func (t *Transport) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("接受连接失败", "err", err)
			return err
		}
		setNoDelay(conn)

		if !t.spawn(func() error {
			t.serveConn(conn)
			return nil
		}) {
			_ = conn.Close()
			return nil
		}
	}
}

// serveConn 在入站连接上完成握手并分派流
func (t *Transport) serveConn(conn net.Conn) {
	sess, err := yamux.Server(conn, t.yamuxCfg)
	if err != nil {
		_ = conn.Close()
		logger.Debug("创建 yamux 会话失败", "err", err)
		return
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = sess.Close()
		return
	}
	t.inbound[sess] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inbound, sess)
		t.mu.Unlock()
		_ = sess.Close()
	}()

	// 握手超时则关闭会话
	timer := time.AfterFunc(t.cfg.DialTimeout.Duration(), func() { _ = sess.Close() })
	stream, err := sess.AcceptStream()
	if err != nil {
		timer.Stop()
		return
	}
	err = t.answerHello(stream)
	timer.Stop()
	_ = stream.Close()
	if err != nil {
		logger.Debug("入站握手失败", "remote", conn.RemoteAddr().String(), "err", err)
		return
	}

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			return
		}
		if !t.spawn(func() error {
			t.serveStream(stream)
			return nil
		}) {
			_ = stream.Close()
			return
		}
	}
}

// serveStream 处理一次请求
func (t *Transport) serveStream(stream *yamux.Stream) {
	defer stream.Close()

	req, err := t.codec.ReadRequest(stream)
	if err != nil {
		logger.Debug("读取请求失败", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	if !req.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, req.Deadline)
		defer cancelDeadline()
	}

	// 请求方关闭流即放弃等待
	go func() {
		var b [1]byte
		_, _ = stream.Read(b[:])
		cancel()
	}()
	defer func() { _ = stream.SetReadDeadline(time.Now()) }()

	res := t.dispatch(ctx, req)
	if err := t.codec.WriteResult(stream, res); err != nil {
		logger.Debug("写回结果失败", "key", req.Key.String(), "err", err)
	}
}

// dispatch 将请求交给本地处理者
func (t *Transport) dispatch(ctx context.Context, req codec.Request) codec.Result {
	ref := t.handler.Load()
	if ref == nil {
		return codec.ResultOf(types.Value{}, ErrNoHandler)
	}

	switch req.Type {
	case codec.FrameLookup:
		v, err := ref.h.ServeLookup(ctx, req.Key)
		return codec.ResultOf(v, err)
	case codec.FrameDeliver:
		return codec.ResultOf(types.Value{}, ref.h.ServeDeliver(ctx, req.Key, req.Value))
	default:
		return codec.ResultOf(types.Value{}, codec.ErrUnexpectedFrame)
	}
}

// ============================================================================
//                              握手
// ============================================================================

// localHello 构造本进程的握手消息
func (t *Transport) localHello() codec.Hello {
	if ref := t.handler.Load(); ref != nil {
		if src, ok := ref.h.(interfaces.IncarnationSource); ok {
			return codec.Hello{Incarnations: src.LocalIncarnations()}
		}
	}
	return codec.Hello{}
}

// sendHello 拨号方：先写后读
func (t *Transport) sendHello(stream *yamux.Stream) error {
	if err := t.codec.WriteHello(stream, t.localHello()); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	remote, err := t.codec.ReadHello(stream)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	t.observe(remote)
	return nil
}

// answerHello 监听方：先读后写
func (t *Transport) answerHello(stream *yamux.Stream) error {
	remote, err := t.codec.ReadHello(stream)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := t.codec.WriteHello(stream, t.localHello()); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	t.observe(remote)
	return nil
}

// observe 记录对端 incarnation，变化时发布事件
//
// 事件发布成功后才更新记录，发布失败时下一次握手重新发布。
func (t *Transport) observe(h codec.Hello) {
	for device, inc := range h.Incarnations {
		if inc == 0 {
			continue
		}

		t.mu.Lock()
		prev, seen := t.known[device]
		t.mu.Unlock()
		if seen && prev == inc {
			continue
		}

		if ref := t.emitter.Load(); ref != nil {
			evt := types.EvtIncarnationChanged{
				Device:      device,
				Incarnation: inc,
				Previous:    prev,
				Source:      incarnation.SourceHandshake,
				Timestamp:   time.Now(),
			}
			if err := ref.em.Emit(evt); err != nil {
				logger.Warn("发布 incarnation 事件失败", "device", device, "incarnation", inc, "err", err)
				continue
			}
		}

		t.mu.Lock()
		t.known[device] = inc
		t.mu.Unlock()
		logger.Debug("对端 incarnation", "device", device, "incarnation", inc, "previous", prev)
	}
}

// setNoDelay 关闭 Nagle
func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}
