package placement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

func hostValue(data string) types.Value {
	return types.Value{DType: "uint8", Shape: []int64{int64(len(data))}, Data: []byte(data), Memory: types.MemoryHost}
}

// countingEngine 记录调用次数的拷贝引擎
type countingEngine struct {
	calls int
	fn    interfaces.CopyEngineFunc
}

func (e *countingEngine) Copy(ctx context.Context, v types.Value, from, to types.MemoryKind) (types.Value, error) {
	e.calls++
	if e.fn != nil {
		return e.fn(ctx, v, from, to)
	}
	out := v.Clone()
	return out, nil
}

// ============================================================================
//                              Stage
// ============================================================================

func TestAdapter_SameKindIsIdentity(t *testing.T) {
	engine := &countingEngine{}
	a := NewAdapter(config.DefaultPlacementConfig(), engine)
	in := hostValue("abc")

	for _, kind := range []types.MemoryKind{types.MemoryHost, types.MemoryDevice} {
		out, err := a.Stage(context.Background(), in, kind, kind)
		require.NoError(t, err)
		assert.True(t, out.SharesData(in), "同空间暂存不得拷贝")
		assert.Equal(t, in, out)
	}
	assert.Equal(t, 0, engine.calls)
}

func TestAdapter_CrossKindCopies(t *testing.T) {
	engine := &countingEngine{}
	a := NewAdapter(config.DefaultPlacementConfig(), engine)
	in := hostValue("abc")

	out, err := a.Stage(context.Background(), in, types.MemoryHost, types.MemoryDevice)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.calls)
	assert.Equal(t, types.MemoryDevice, out.Memory)
	assert.Equal(t, in.Data, out.Data)
	assert.False(t, out.SharesData(in))
}

func TestAdapter_EngineFailure(t *testing.T) {
	boom := errors.New("dma error")
	engine := &countingEngine{fn: func(context.Context, types.Value, types.MemoryKind, types.MemoryKind) (types.Value, error) {
		return types.Value{}, boom
	}}
	a := NewAdapter(config.DefaultPlacementConfig(), engine)

	out, err := a.Stage(context.Background(), hostValue("abc"), types.MemoryHost, types.MemoryDevice)
	require.ErrorIs(t, err, types.ErrPlacementFailed)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, out.Data, "失败时不返回部分结果")
}

func TestAdapter_NoEngine(t *testing.T) {
	a := NewAdapter(config.DefaultPlacementConfig(), nil)

	_, err := a.Stage(context.Background(), hostValue("abc"), types.MemoryHost, types.MemoryDevice)
	require.ErrorIs(t, err, types.ErrPlacementFailed)
	require.ErrorIs(t, err, ErrNoCopyEngine)

	// 同空间不需要引擎
	_, err = a.Stage(context.Background(), hostValue("abc"), types.MemoryHost, types.MemoryHost)
	require.NoError(t, err)
}

func TestAdapter_AliasedResult(t *testing.T) {
	aliasing := &countingEngine{fn: func(_ context.Context, v types.Value, _, _ types.MemoryKind) (types.Value, error) {
		return v, nil
	}}
	in := hostValue("abc")

	t.Run("开启校验时强制深拷贝", func(t *testing.T) {
		a := NewAdapter(config.DefaultPlacementConfig(), aliasing)
		out, err := a.Stage(context.Background(), in, types.MemoryHost, types.MemoryDevice)
		require.NoError(t, err)
		assert.False(t, out.SharesData(in))
		assert.Equal(t, in.Data, out.Data)
	})

	t.Run("关闭校验时保留引擎结果", func(t *testing.T) {
		cfg := config.DefaultPlacementConfig()
		cfg.VerifyNoAlias = false
		a := NewAdapter(cfg, aliasing)
		out, err := a.Stage(context.Background(), in, types.MemoryHost, types.MemoryDevice)
		require.NoError(t, err)
		assert.True(t, out.SharesData(in))
	})
}

func TestAdapter_DeadValue(t *testing.T) {
	engine := &countingEngine{}
	a := NewAdapter(config.DefaultPlacementConfig(), engine)

	out, err := a.Stage(context.Background(), types.Value{IsDead: true}, types.MemoryHost, types.MemoryDevice)
	require.NoError(t, err)
	assert.True(t, out.IsDead)
	assert.Equal(t, types.MemoryDevice, out.Memory)
	assert.Equal(t, 0, engine.calls)
}

func TestAdapter_CancelledContext(t *testing.T) {
	engine := &countingEngine{}
	a := NewAdapter(config.DefaultPlacementConfig(), engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Stage(ctx, hostValue("abc"), types.MemoryHost, types.MemoryDevice)
	require.ErrorIs(t, err, types.ErrPlacementFailed)
	assert.Equal(t, 0, engine.calls)
}

func TestAdapter_StageForSendAndRecv(t *testing.T) {
	engine := &countingEngine{}
	a := NewAdapter(config.DefaultPlacementConfig(), engine)
	ctx := context.Background()

	t.Run("Host 变体不拷贝主机值", func(t *testing.T) {
		out, err := a.StageForSend(ctx, types.OpHostSend, hostValue("x"))
		require.NoError(t, err)
		assert.Equal(t, types.MemoryHost, out.Memory)
		assert.Equal(t, 0, engine.calls)
	})

	t.Run("标准变体拷到设备", func(t *testing.T) {
		out, err := a.StageForSend(ctx, types.OpSend, hostValue("x"))
		require.NoError(t, err)
		assert.Equal(t, types.MemoryDevice, out.Memory)
		assert.Equal(t, 1, engine.calls)

		back, err := a.StageForRecv(ctx, out, types.MemoryHost)
		require.NoError(t, err)
		assert.Equal(t, types.MemoryHost, back.Memory)
		assert.Equal(t, 2, engine.calls)
	})
}

type recordingObserver struct {
	staged int
	failed int
}

func (o *recordingObserver) Staged(_, _ types.MemoryKind, _ int, err error) {
	if err != nil {
		o.failed++
		return
	}
	o.staged++
}

func TestAdapter_Observer(t *testing.T) {
	obs := &recordingObserver{}
	a := NewAdapter(config.DefaultPlacementConfig(), NewArenaEngine(4), WithObserver(obs))
	ctx := context.Background()

	_, err := a.Stage(ctx, hostValue("ab"), types.MemoryHost, types.MemoryDevice)
	require.NoError(t, err)
	_, err = a.Stage(ctx, hostValue("abcdef"), types.MemoryHost, types.MemoryDevice)
	require.ErrorIs(t, err, types.ErrPlacementFailed)

	assert.Equal(t, 1, obs.staged)
	assert.Equal(t, 1, obs.failed)
}

func TestAdapter_ReleasesInFlightValues(t *testing.T) {
	arena := NewArenaEngine(8)
	a := NewAdapter(config.DefaultPlacementConfig(), arena)
	ctx := context.Background()

	t.Run("预算只够一个在途值时可反复往返", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			staged, err := a.StageForSend(ctx, types.OpSend, hostValue("abcdefgh"))
			require.NoError(t, err)
			assert.Equal(t, int64(8), arena.Used())

			out, err := a.StageForRecv(ctx, staged, types.MemoryDevice)
			require.NoError(t, err)
			assert.Equal(t, []byte("abcdefgh"), out.Data)
			assert.Equal(t, int64(0), arena.Used(), "消费端取走后不再计入预算")
		}
	})

	t.Run("丢弃的值经 Release 归还", func(t *testing.T) {
		staged, err := a.StageForSend(ctx, types.OpSend, hostValue("abcd"))
		require.NoError(t, err)
		assert.Equal(t, int64(4), arena.Used())

		a.Release(staged)
		a.Release(staged)
		assert.Equal(t, int64(0), arena.Used())
	})

	t.Run("引擎不支持归还时忽略", func(t *testing.T) {
		plain := NewAdapter(config.DefaultPlacementConfig(), &countingEngine{})
		plain.Release(hostValue("x"))
		NewAdapter(config.DefaultPlacementConfig(), nil).Release(hostValue("x"))
	})
}
