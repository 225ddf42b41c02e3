package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/internal/core/transport/mem"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
	"github.com/dep2p/go-rendezvous/tests/mocks"
)

const (
	devA = "/job:worker/replica:0/task:0/device:GPU:0"
	devB = "/job:worker/replica:0/task:1/device:GPU:0"
)

// ============================================================================
//                              辅助
// ============================================================================

func startRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func hostValue(s string) types.Value {
	return types.Value{DType: "uint8", Shape: []int64{int64(len(s))}, Data: []byte(s), Memory: types.MemoryHost}
}

// ============================================================================
//                              生命周期
// ============================================================================

func TestRuntime_Lifecycle(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	ctx := context.Background()
	key := types.NewKey(devA, 1, devB, "x")

	t.Run("未启动时拒绝调用", func(t *testing.T) {
		err := rt.Send(ctx, types.OpSend, key, hostValue("a"))
		require.ErrorIs(t, err, ErrNotStarted)

		var got error
		h := rt.RecvAsync(types.OpRecv, key, types.MemoryHost, interfaces.RecvOptions{}, func(_ types.Value, err error) {
			got = err
		})
		<-h.Done()
		require.ErrorIs(t, got, ErrNotStarted)
	})

	t.Run("重复启动", func(t *testing.T) {
		require.NoError(t, rt.Start(ctx))
		require.ErrorIs(t, rt.Start(ctx), ErrAlreadyStarted)
		assert.NotZero(t, rt.Incarnation())
		assert.Empty(t, rt.Addr(), "未配置传输时不监听")
	})

	t.Run("关闭可重复调用", func(t *testing.T) {
		require.NoError(t, rt.Close())
		require.NoError(t, rt.Close())
	})

	t.Run("关闭后不可用", func(t *testing.T) {
		require.ErrorIs(t, rt.Start(ctx), ErrRuntimeClosed)
		require.ErrorIs(t, rt.Send(ctx, types.OpSend, key, hostValue("a")), ErrRuntimeClosed)
		_, err := rt.OpenSession("")
		require.ErrorIs(t, err, ErrRuntimeClosed)
	})
}

func TestRuntime_Options(t *testing.T) {
	t.Run("空配置", func(t *testing.T) {
		_, err := New(WithConfig(nil))
		require.ErrorIs(t, err, ErrInvalidOption)
	})

	t.Run("空对端", func(t *testing.T) {
		_, err := New(WithPeer(devB, ""))
		require.ErrorIs(t, err, ErrInvalidOption)
	})

	t.Run("无效配置", func(t *testing.T) {
		_, err := New(WithListenAddr("no-port"))
		require.Error(t, err)
	})

	t.Run("配置被复制", func(t *testing.T) {
		cfg := config.NewConfig()
		rt, err := New(WithConfig(cfg), WithLocalDevices(devA), WithLocalIncarnation(7))
		require.NoError(t, err)
		defer rt.Close()

		assert.Empty(t, cfg.Router.LocalDevices)
		assert.Equal(t, []string{devA}, rt.Config().Router.LocalDevices)
		assert.Equal(t, uint64(7), rt.Incarnation())
	})
}

// ============================================================================
//                              单进程收发
// ============================================================================

func TestRuntime_LocalTransfer(t *testing.T) {
	rt := startRuntime(t, WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	t.Run("先发后收", func(t *testing.T) {
		key := types.NewKey(devA, rt.Incarnation(), devB, "send_first")
		require.NoError(t, rt.Send(ctx, types.OpSend, key, hostValue("abc")))

		v, err := rt.Recv(ctx, types.OpRecv, key, types.MemoryDevice)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), v.Data)
		assert.Equal(t, types.MemoryDevice, v.Memory)
	})

	t.Run("先收后发", func(t *testing.T) {
		key := types.NewKey(devA, rt.Incarnation(), devB, "recv_first")
		got := make(chan types.Value, 1)
		go func() {
			v, err := rt.Recv(ctx, types.OpHostRecv, key, types.MemoryHost)
			if err == nil {
				got <- v
			}
		}()

		require.Eventually(t, func() bool { return rt.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, rt.Send(ctx, types.OpHostSend, key, hostValue("xyz")))

		select {
		case v := <-got:
			assert.Equal(t, []byte("xyz"), v.Data)
			assert.Equal(t, types.MemoryHost, v.Memory)
		case <-time.After(2 * time.Second):
			t.Fatal("接收未完成")
		}
	})

	t.Run("重复发送", func(t *testing.T) {
		key := types.NewKey(devA, rt.Incarnation(), devB, "dup")
		require.NoError(t, rt.Send(ctx, types.OpSend, key, hostValue("1")))
		require.ErrorIs(t, rt.Send(ctx, types.OpSend, key, hostValue("2")), types.ErrDuplicateKey)
		_, err := rt.Recv(ctx, types.OpRecv, key, types.MemoryHost)
		require.NoError(t, err)
	})

	t.Run("取消单个键", func(t *testing.T) {
		key := types.NewKey(devA, rt.Incarnation(), devB, "cancelled")
		done := make(chan error, 1)
		rt.RecvAsync(types.OpRecv, key, types.MemoryHost, interfaces.RecvOptions{}, func(_ types.Value, err error) {
			done <- err
		})
		rt.Cancel(key)
		require.ErrorIs(t, <-done, types.ErrCancelled)
		require.ErrorIs(t, rt.Send(ctx, types.OpSend, key, hostValue("late")), types.ErrCancelled)
		rt.Reset()
	})

	t.Run("指标", func(t *testing.T) {
		m := rt.Metrics()
		assert.GreaterOrEqual(t, m.Delivered, uint64(3))
		assert.GreaterOrEqual(t, m.Cancelled, uint64(1))
		assert.NotZero(t, m.LocalRoutes)
		assert.Zero(t, m.RemoteRoutes)
	})
}

func TestRuntime_StartAbort(t *testing.T) {
	var bus interfaces.EventBus
	rt := startRuntime(t, WithFxOptions(fx.Populate(&bus)))
	require.NotNil(t, bus)

	sub, err := bus.Subscribe(new(types.EvtTransferAborted))
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	key := types.NewKey(devA, rt.Incarnation(), devB, "aborted")
	done := make(chan error, 1)
	rt.RecvAsync(types.OpRecv, key, types.MemoryHost, interfaces.RecvOptions{}, func(_ types.Value, err error) {
		done <- err
	})

	cause := errors.New("step failed")
	rt.StartAbort(cause)

	t.Run("等待者以中止原因释放", func(t *testing.T) {
		err := <-done
		require.ErrorIs(t, err, types.ErrCancelled)
		require.ErrorIs(t, err, cause)
	})

	t.Run("发布中止事件", func(t *testing.T) {
		select {
		case evt := <-sub.Out():
			e := evt.(types.EvtTransferAborted)
			assert.Equal(t, "table", e.Scope)
			assert.Equal(t, 1, e.Count)
			assert.ErrorIs(t, e.Reason, cause)
		case <-time.After(2 * time.Second):
			t.Fatal("未收到中止事件")
		}
	})

	t.Run("中止后调用失败", func(t *testing.T) {
		err := rt.Send(ctx, types.OpSend, types.NewKey(devA, rt.Incarnation(), devB, "after"), hostValue("a"))
		require.ErrorIs(t, err, cause)
	})

	t.Run("重置后恢复", func(t *testing.T) {
		rt.Reset()
		k := types.NewKey(devA, rt.Incarnation(), devB, "after_reset")
		require.NoError(t, rt.Send(ctx, types.OpSend, k, hostValue("ok")))
		v, err := rt.Recv(ctx, types.OpRecv, k, types.MemoryHost)
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), v.Data)
	})
}

func TestRuntime_UpdateIncarnation(t *testing.T) {
	rt := startRuntime(t, WithLocalDevices(devA), WithMetrics(false))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 远端 devB 推送到本地 devA，接收方在本地表上等待
	key := types.NewKey(devB, 1, devA, "pushed")
	done := make(chan error, 1)
	go func() {
		_, err := rt.Recv(ctx, types.OpPushRecv, key, types.MemoryDevice)
		done <- err
	}()
	require.Eventually(t, func() bool { return rt.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	t.Run("记录变化使旧条目失效", func(t *testing.T) {
		assert.Equal(t, 1, rt.UpdateIncarnation(devB, 2))
		require.ErrorIs(t, <-done, types.ErrStaleIncarnation)

		inc, ok := rt.KnownIncarnation(devB)
		require.True(t, ok)
		assert.Equal(t, uint64(2), inc)
	})

	t.Run("相同记录不再失效", func(t *testing.T) {
		assert.Zero(t, rt.UpdateIncarnation(devB, 2))
	})

	t.Run("指标关闭时快照为零值", func(t *testing.T) {
		assert.Equal(t, MetricsSnapshot{}, rt.Metrics())
	})
}

func TestRuntime_SenderRestartedBeforeRecv(t *testing.T) {
	rt := startRuntime(t, WithMetrics(false))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := types.NewKey(devA, 7, devB, "k")
	require.NoError(t, rt.Send(ctx, types.OpSend, key, hostValue("A")))
	assert.Equal(t, 1, rt.UpdateIncarnation(devA, 8))

	t.Run("接收返回 incarnation 失效", func(t *testing.T) {
		_, err := rt.Recv(ctx, types.OpRecv, key, types.MemoryHost)
		require.ErrorIs(t, err, types.ErrStaleIncarnation)
		require.NoError(t, ctx.Err(), "不得等到截止时间")
	})

	t.Run("旧 incarnation 不再准入", func(t *testing.T) {
		late := types.NewKey(devA, 7, devB, "late")
		require.ErrorIs(t, rt.Send(ctx, types.OpSend, late, hostValue("B")), types.ErrStaleIncarnation)
		assert.Zero(t, rt.Pending())
	})
}

func TestRuntime_DeviceBudgetIsReused(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Placement.DeviceMemoryBytes = 64
	rt := startRuntime(t, WithConfig(cfg), WithMetrics(false))
	ctx := context.Background()

	// 累计 96 字节，超过预算，但同一时刻只有一个在途值
	for i := 0; i < 12; i++ {
		key := types.NewKey(devA, rt.Incarnation(), devB, fmt.Sprintf("step_%d", i))
		require.NoError(t, rt.Send(ctx, types.OpSend, key, hostValue("8 bytes!")), "transfer %d", i)
		v, err := rt.Recv(ctx, types.OpRecv, key, types.MemoryDevice)
		require.NoError(t, err, "transfer %d", i)
		assert.Equal(t, []byte("8 bytes!"), v.Data)
	}
	assert.Zero(t, rt.Pending())

	t.Run("取消丢弃的值同样归还", func(t *testing.T) {
		for i := 0; i < 12; i++ {
			key := types.NewKey(devA, rt.Incarnation(), devB, fmt.Sprintf("dropped_%d", i))
			require.NoError(t, rt.Send(ctx, types.OpSend, key, hostValue("8 bytes!")), "transfer %d", i)
			rt.Cancel(key)
		}
	})
}

// ============================================================================
//                              客户端会话
// ============================================================================

func TestRuntime_Sessions(t *testing.T) {
	rt := startRuntime(t)
	ctx := context.Background()

	s, err := rt.OpenSession("")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())

	got, ok := rt.Session(s.ID())
	require.True(t, ok)
	assert.Equal(t, s.ID(), got.ID())

	key := types.NewKey(devA, rt.Incarnation(), devB, "feed")

	t.Run("会话内收发", func(t *testing.T) {
		require.NoError(t, s.Send(ctx, types.OpSend, key, hostValue("feed")))
		v, err := s.Recv(ctx, types.OpRecv, key, types.MemoryHost)
		require.NoError(t, err)
		assert.Equal(t, []byte("feed"), v.Data)
	})

	t.Run("与进程表隔离", func(t *testing.T) {
		require.NoError(t, s.Send(ctx, types.OpSend, key, hostValue("again")))
		assert.Zero(t, rt.Pending())
	})

	t.Run("拆除后不可重开", func(t *testing.T) {
		require.NoError(t, s.Teardown())
		_, err := rt.OpenSession(s.ID())
		require.ErrorIs(t, err, types.ErrScopeClosed)

		_, ok := rt.Session(s.ID())
		assert.False(t, ok)
	})
}

// ============================================================================
//                              跨进程
// ============================================================================

func TestRuntime_TwoProcesses(t *testing.T) {
	hub := mem.NewHub()
	epA, err := hub.Endpoint(devA)
	require.NoError(t, err)
	epB, err := hub.Endpoint(devB)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = epA.Close()
		_ = epB.Close()
	})

	a := startRuntime(t, WithLocalDevices(devA), WithTransport(epA))
	b := startRuntime(t, WithLocalDevices(devB), WithTransport(epB))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("被动模式由接收方取值", func(t *testing.T) {
		key := types.NewKey(devA, a.Incarnation(), devB, "weights")
		require.NoError(t, a.Send(ctx, types.OpSend, key, hostValue("w")))

		v, err := b.Recv(ctx, types.OpRecv, key, types.MemoryHost)
		require.NoError(t, err)
		assert.Equal(t, []byte("w"), v.Data)
		assert.Equal(t, int64(1), epB.Lookups())
	})

	t.Run("主动推送写入接收方表", func(t *testing.T) {
		key := types.NewKey(devA, a.Incarnation(), devB, "grads")
		require.NoError(t, a.Send(ctx, types.OpPushSend, key, hostValue("g")))
		assert.Equal(t, 1, b.Pending())

		v, err := b.Recv(ctx, types.OpPushRecv, key, types.MemoryDevice)
		require.NoError(t, err)
		assert.Equal(t, []byte("g"), v.Data)
		assert.Equal(t, int64(1), epA.Delivers())
	})

	t.Run("发送端重启后旧键失效", func(t *testing.T) {
		key := types.NewKey(devA, a.Incarnation(), devB, "restarted")
		b.UpdateIncarnation(devA, a.Incarnation()+1)

		_, err := b.Recv(ctx, types.OpRecv, key, types.MemoryHost)
		require.ErrorIs(t, err, types.ErrStaleIncarnation)
	})
}

func TestRuntime_TCP(t *testing.T) {
	b := startRuntime(t, WithLocalDevices(devB), WithListenAddr("127.0.0.1:0"))
	require.NotEmpty(t, b.Addr())

	a := startRuntime(t, WithLocalDevices(devA), WithPeer(devB, b.Addr()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("推送到远端", func(t *testing.T) {
		key := types.NewKey(devA, a.Incarnation(), devB, "push")
		require.NoError(t, a.Send(ctx, types.OpPushSend, key, hostValue("pushed")))

		v, err := b.Recv(ctx, types.OpPushRecv, key, types.MemoryHost)
		require.NoError(t, err)
		assert.Equal(t, []byte("pushed"), v.Data)
	})

	t.Run("从远端取值", func(t *testing.T) {
		key := types.NewKey(devB, b.Incarnation(), devA, "pull")
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = b.Send(ctx, types.OpSend, key, hostValue("pulled"))
		}()

		v, err := a.Recv(ctx, types.OpRecv, key, types.MemoryHost)
		require.NoError(t, err)
		assert.Equal(t, []byte("pulled"), v.Data)
	})

	t.Run("握手同步 incarnation", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			inc, ok := a.KnownIncarnation(devB)
			return ok && inc == b.Incarnation()
		}, 2*time.Second, 10*time.Millisecond)

		assert.Eventually(t, func() bool {
			inc, ok := b.KnownIncarnation(devA)
			return ok && inc == a.Incarnation()
		}, 2*time.Second, 10*time.Millisecond)
	})
}

// ============================================================================
//                              外部协作者
// ============================================================================

func TestRuntime_CopyEngine(t *testing.T) {
	eng := mocks.NewMockCopyEngine()
	rt := startRuntime(t, WithCopyEngine(eng))
	ctx := context.Background()

	key := types.NewKey(devA, rt.Incarnation(), devB, "staged")
	require.NoError(t, rt.Send(ctx, types.OpSend, key, hostValue("abc")))
	v, err := rt.Recv(ctx, types.OpRecv, key, types.MemoryHost)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v.Data)

	assert.Equal(t, []mocks.CopyCall{
		{From: types.MemoryHost, To: types.MemoryDevice, Bytes: 3},
		{From: types.MemoryDevice, To: types.MemoryHost, Bytes: 3},
	}, eng.Calls())
}

func TestRuntime_ExternalTransport(t *testing.T) {
	tr := mocks.NewMockTransport()
	tr.RemoteLookupFunc = func(context.Context, types.RendezvousKey) (types.Value, error) {
		return types.Value{}, types.ErrStaleIncarnation
	}
	tr.RemoteDeliverFunc = func(context.Context, types.RendezvousKey, types.Value) error {
		return nil
	}

	rt, err := New(WithLocalDevices(devA), WithTransport(tr))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	ctx := context.Background()

	t.Run("启动时绑定路由器", func(t *testing.T) {
		assert.NotNil(t, tr.Handler())
	})

	t.Run("远端错误透传", func(t *testing.T) {
		_, err := rt.Recv(ctx, types.OpRecv, types.NewKey(devB, 1, devA, "remote"), types.MemoryHost)
		require.ErrorIs(t, err, types.ErrStaleIncarnation)
		assert.Len(t, tr.LookupCalls(), 1)
	})

	t.Run("推送走传输", func(t *testing.T) {
		key := types.NewKey(devA, rt.Incarnation(), devB, "out")
		require.NoError(t, rt.Send(ctx, types.OpPushSend, key, hostValue("p")))
		calls := tr.DeliverCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, key, calls[0].Key)
	})

	t.Run("外部传输由调用方关闭", func(t *testing.T) {
		require.NoError(t, rt.Close())
		assert.False(t, tr.Closed())
	})
}
