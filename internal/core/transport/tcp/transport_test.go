package tcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/internal/core/eventbus"
	"github.com/dep2p/go-rendezvous/internal/core/transport/codec"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

const (
	devA = "/job:a/replica:0/task:0/device:CPU:0"
	devB = "/job:b/replica:0/task:0/device:CPU:0"
)

// fakeHandler 记录推送并按键返回预置值
type fakeHandler struct {
	incs map[string]uint64

	mu        sync.Mutex
	values    map[types.RendezvousKey]types.Value
	delivered []types.RendezvousKey
	lookupErr error

	// block 为 true 时 ServeLookup 等待 ctx 结束
	block     bool
	cancelled chan struct{}
}

func newFakeHandler(incs map[string]uint64) *fakeHandler {
	return &fakeHandler{
		incs:      incs,
		values:    make(map[types.RendezvousKey]types.Value),
		cancelled: make(chan struct{}, 1),
	}
}

func (h *fakeHandler) ServeLookup(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	h.mu.Lock()
	v, ok := h.values[key]
	err := h.lookupErr
	block := h.block
	h.mu.Unlock()

	if block {
		<-ctx.Done()
		h.cancelled <- struct{}{}
		return types.Value{}, types.ErrCancelled
	}
	if err != nil {
		return types.Value{}, err
	}
	if !ok {
		return types.Value{}, types.ErrUnknownDevice
	}
	return v, nil
}

func (h *fakeHandler) ServeDeliver(_ context.Context, key types.RendezvousKey, value types.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, key)
	h.values[key] = value
	return nil
}

func (h *fakeHandler) LocalIncarnations() map[string]uint64 {
	return h.incs
}

func (h *fakeHandler) deliveredKeys() []types.RendezvousKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.RendezvousKey(nil), h.delivered...)
}

// newServer 在回环地址上启动持有 devB 的传输
func newServer(t *testing.T, h *fakeHandler) *Transport {
	t.Helper()
	cfg := config.DefaultTransportConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	srv, err := New(cfg, WithHandler(h))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// newClient 创建持有 devA、指向 srv 的传输
func newClient(t *testing.T, srv *Transport, opts ...Option) *Transport {
	t.Helper()
	cfg := config.DefaultTransportConfig().WithPeer(devB, srv.Addr())
	cfg.DialTimeout = config.Duration(2 * time.Second)

	opts = append([]Option{WithHandler(newFakeHandler(map[string]uint64{devA: 0xA1}))}, opts...)
	cli, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, cli.Start(context.Background()))
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestTransport_DeliverAndLookup(t *testing.T) {
	h := newFakeHandler(map[string]uint64{devB: 0xB1})
	srv := newServer(t, h)
	cli := newClient(t, srv)
	ctx := context.Background()

	t.Run("推送到接收端", func(t *testing.T) {
		key := types.NewKey(devA, 0xA1, devB, "push")
		v := types.Value{DType: "float32", Shape: []int64{2}, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}

		require.NoError(t, cli.RemoteDeliver(ctx, key, v))
		assert.Equal(t, []types.RendezvousKey{key}, h.deliveredKeys())
	})

	t.Run("从发送端取值", func(t *testing.T) {
		key := types.NewKey(devB, 0xB1, devA, "pull")
		h.mu.Lock()
		h.values[key] = types.Value{DType: "int64", Data: []byte("payload")}
		h.mu.Unlock()

		v, err := cli.RemoteLookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "int64", v.DType)
		assert.Equal(t, []byte("payload"), v.Data)
	})

	t.Run("复用同一会话", func(t *testing.T) {
		assert.Equal(t, 1, cli.SessionCount())
	})
}

func TestTransport_Handshake(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe(new(types.EvtIncarnationChanged))
	require.NoError(t, err)
	defer sub.Close()

	srv := newServer(t, newFakeHandler(map[string]uint64{devB: 0xB1}))
	cli := newClient(t, srv, WithEventBus(bus))

	key := types.NewKey(devA, 0xA1, devB, "hs")
	require.NoError(t, cli.RemoteDeliver(context.Background(), key, types.Value{}))

	t.Run("拨号方得知对端 incarnation", func(t *testing.T) {
		assert.Equal(t, map[string]uint64{devB: 0xB1}, cli.RemoteIncarnations())

		select {
		case evt := <-sub.Out():
			e := evt.(types.EvtIncarnationChanged)
			assert.Equal(t, devB, e.Device)
			assert.Equal(t, uint64(0xB1), e.Incarnation)
			assert.Equal(t, uint64(0), e.Previous)
			assert.Equal(t, "handshake", e.Source)
		case <-time.After(2 * time.Second):
			t.Fatal("未收到 incarnation 事件")
		}
	})

	t.Run("监听方得知拨号方 incarnation", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			return srv.RemoteIncarnations()[devA] == 0xA1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestTransport_HandshakeEventDropped(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	// 无缓冲且无人读取：事件必然被丢弃
	full, err := bus.Subscribe(new(types.EvtIncarnationChanged), interfaces.BufSize(0))
	require.NoError(t, err)

	tr, err := New(config.DefaultTransportConfig(), WithEventBus(bus))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	hello := codec.Hello{Incarnations: map[string]uint64{devB: 0xB2}}

	t.Run("事件丢弃时不记录", func(t *testing.T) {
		tr.observe(hello)
		assert.Empty(t, tr.RemoteIncarnations())
		assert.Equal(t, int64(1), bus.Dropped(new(types.EvtIncarnationChanged)))
	})

	t.Run("下一次握手重新发布", func(t *testing.T) {
		require.NoError(t, full.Close())
		sub, err := bus.Subscribe(new(types.EvtIncarnationChanged), interfaces.BufSize(1))
		require.NoError(t, err)
		defer sub.Close()

		tr.observe(hello)
		assert.Equal(t, map[string]uint64{devB: 0xB2}, tr.RemoteIncarnations())

		evt := (<-sub.Out()).(types.EvtIncarnationChanged)
		assert.Equal(t, uint64(0xB2), evt.Incarnation)

		// 记录未变化时不再发布
		tr.observe(hello)
		assert.Len(t, sub.Out(), 0)
	})
}

func TestTransport_RemoteErrors(t *testing.T) {
	h := newFakeHandler(map[string]uint64{devB: 0xB1})
	srv := newServer(t, h)
	cli := newClient(t, srv)
	ctx := context.Background()

	t.Run("远端错误还原为哨兵错误", func(t *testing.T) {
		h.mu.Lock()
		h.lookupErr = types.ErrStaleIncarnation
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			h.lookupErr = nil
			h.mu.Unlock()
		}()

		_, err := cli.RemoteLookup(ctx, types.NewKey(devB, 0xB0, devA, "stale"))
		require.ErrorIs(t, err, types.ErrStaleIncarnation)
	})

	t.Run("未配置地址的设备", func(t *testing.T) {
		_, err := cli.RemoteLookup(ctx, types.NewKey("/job:c/task:0/device:CPU:0", 1, devA, "x"))
		require.ErrorIs(t, err, types.ErrUnknownDevice)
	})

	t.Run("未绑定处理者", func(t *testing.T) {
		bare := newServer(t, h)
		bare.BindHandler(nil)

		cfg := config.DefaultTransportConfig().WithPeer(devB, bare.Addr())
		c, err := New(cfg)
		require.NoError(t, err)
		defer c.Close()

		err = c.RemoteDeliver(ctx, types.NewKey(devA, 1, devB, "nohandler"), types.Value{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrNoHandler.Error())
	})
}

func TestTransport_CallerGivesUp(t *testing.T) {
	h := newFakeHandler(map[string]uint64{devB: 0xB1})
	h.block = true
	srv := newServer(t, h)
	cli := newClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := cli.RemoteLookup(ctx, types.NewKey(devB, 0xB1, devA, "slow"))
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-h.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("远端处理未被取消")
	}
}

func TestTransport_Close(t *testing.T) {
	srv := newServer(t, newFakeHandler(nil))

	cfg := config.DefaultTransportConfig().WithPeer(devB, srv.Addr())
	cli, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, cli.RemoteDeliver(context.Background(), types.NewKey(devA, 1, devB, "a"), types.Value{}))

	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close())

	t.Run("关闭后调用失败", func(t *testing.T) {
		err := cli.RemoteDeliver(context.Background(), types.NewKey(devA, 1, devB, "b"), types.Value{})
		require.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("关闭后不能启动", func(t *testing.T) {
		require.ErrorIs(t, cli.Start(context.Background()), ErrTransportClosed)
	})
}

func TestYamuxConfig(t *testing.T) {
	cfg := config.DefaultTransportConfig()
	cfg.MaxStreamWindowSize = 4 << 20
	cfg.KeepAliveInterval = config.Duration(5 * time.Second)

	ycfg := yamuxConfig(cfg)
	assert.Equal(t, uint32(4<<20), ycfg.MaxStreamWindowSize)
	assert.Equal(t, 5*time.Second, ycfg.KeepAliveInterval)
	assert.Equal(t, cfg.DialTimeout.Duration(), ycfg.StreamOpenTimeout)
	assert.True(t, ycfg.EnableKeepAlive)
}
