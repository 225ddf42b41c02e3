package table

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// ============================================================================
//                              辅助
// ============================================================================

func newTestTable(t *testing.T, opts ...Option) *Table {
	t.Helper()
	return New(config.DefaultTableConfig(), opts...)
}

func testKey(name string) types.RendezvousKey {
	return types.NewKey("/job:a/task:0/device:CPU:0", 1, "/job:b/task:0/device:GPU:0", name)
}

func testValue(s string) types.Value {
	return types.Value{DType: "uint8", Shape: []int64{int64(len(s))}, Data: []byte(s)}
}

// asyncResult 收集异步回调结果
type asyncResult struct {
	mu    sync.Mutex
	calls int
	value types.Value
	err   error
}

func (r *asyncResult) callback() interfaces.DoneCallback {
	return func(v types.Value, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls++
		r.value = v
		r.err = err
	}
}

func (r *asyncResult) get() (int, types.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.value, r.err
}

func waitDone(t *testing.T, h interfaces.RecvHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("回调未在期限内执行")
	}
}

// ============================================================================
//                              基本匹配
// ============================================================================

func TestTable_SendThenRecv(t *testing.T) {
	tbl := newTestTable(t)
	key := testKey("x")

	require.NoError(t, tbl.Send(key, testValue("hello")))
	kind, ok := tbl.Has(key)
	require.True(t, ok)
	assert.Equal(t, KindValue, kind)

	v, err := tbl.Recv(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v.Data)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_RecvThenSend(t *testing.T) {
	tbl := newTestTable(t)
	key := testKey("x")

	var res asyncResult
	h := tbl.RecvAsync(key, interfaces.RecvOptions{}, res.callback())

	kind, ok := tbl.Has(key)
	require.True(t, ok)
	assert.Equal(t, KindWaiter, kind)

	calls, _, _ := res.get()
	assert.Equal(t, 0, calls, "值到达前不应回调")

	require.NoError(t, tbl.Send(key, testValue("v")))
	waitDone(t, h)

	calls, v, err := res.get()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []byte("v"), v.Data)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_BlockingRecvThenSend(t *testing.T) {
	tbl := newTestTable(t)
	key := testKey("x")

	done := make(chan types.Value, 1)
	go func() {
		v, err := tbl.Recv(context.Background(), key)
		assert.NoError(t, err)
		done <- v
	}()

	require.Eventually(t, func() bool {
		_, ok := tbl.Has(key)
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, tbl.Send(key, testValue("late")))

	select {
	case v := <-done:
		assert.Equal(t, []byte("late"), v.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv 未返回")
	}
}

func TestTable_ExactlyOnce(t *testing.T) {
	tbl := newTestTable(t)
	key := testKey("x")

	require.NoError(t, tbl.Send(key, testValue("once")))
	_, err := tbl.Recv(context.Background(), key)
	require.NoError(t, err)

	t.Run("第二次接收不会再得到同一个值", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := tbl.Recv(ctx, key)
		require.ErrorIs(t, err, types.ErrDeadlineExceeded)
		assert.Equal(t, 0, tbl.Len(), "超时后不得残留等待者")
	})
}

func TestTable_ValueReadyIgnoresDoneContext(t *testing.T) {
	tbl := newTestTable(t)
	key := testKey("x")
	require.NoError(t, tbl.Send(key, testValue("ready")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := tbl.Recv(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("ready"), v.Data)
}

// ============================================================================
//                              重复键
// ============================================================================

func TestTable_DuplicateKey(t *testing.T) {
	t.Run("同一键两次 Send", func(t *testing.T) {
		tbl := newTestTable(t)
		key := testKey("dup")

		require.NoError(t, tbl.Send(key, testValue("a")))
		err := tbl.Send(key, testValue("b"))
		require.ErrorIs(t, err, types.ErrDuplicateKey)

		var te *types.TransferError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "send", te.Op)
		assert.Equal(t, key, te.Key)

		// 第一个值不受影响
		v, err := tbl.Recv(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), v.Data)
	})

	t.Run("同一键两个等待者", func(t *testing.T) {
		tbl := newTestTable(t)
		key := testKey("dup")

		var first, second asyncResult
		h1 := tbl.RecvAsync(key, interfaces.RecvOptions{}, first.callback())
		h2 := tbl.RecvAsync(key, interfaces.RecvOptions{}, second.callback())

		waitDone(t, h2)
		_, _, err := second.get()
		require.ErrorIs(t, err, types.ErrDuplicateKey)

		require.NoError(t, tbl.Send(key, testValue("v")))
		waitDone(t, h1)
		_, v, err := first.get()
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v.Data)
	})
}

func TestTable_InvalidKey(t *testing.T) {
	tbl := newTestTable(t)

	err := tbl.Send(types.RendezvousKey{}, testValue("x"))
	require.ErrorIs(t, err, types.ErrInvalidKey)

	_, err = tbl.Recv(context.Background(), types.NewKey("a", 1, "b", "bad;name"))
	require.ErrorIs(t, err, types.ErrInvalidKey)
	assert.Equal(t, 0, tbl.Len())
}

// ============================================================================
//                              取消
// ============================================================================

func TestTable_Cancel(t *testing.T) {
	t.Run("释放等待者且之后的 Send 失败", func(t *testing.T) {
		tbl := newTestTable(t)
		key := testKey("c")

		var res asyncResult
		h := tbl.RecvAsync(key, interfaces.RecvOptions{}, res.callback())
		tbl.Cancel(key)
		waitDone(t, h)

		_, _, err := res.get()
		require.ErrorIs(t, err, types.ErrCancelled)
		assert.Equal(t, 0, tbl.Len())
		assert.True(t, tbl.IsCancelled(key))

		require.ErrorIs(t, tbl.Send(key, testValue("late")), types.ErrCancelled)
		assert.Equal(t, 0, tbl.Len(), "迟到的值不得暂存")
	})

	t.Run("丢弃挂起值且之后的 Recv 失败", func(t *testing.T) {
		tbl := newTestTable(t)
		key := testKey("c")

		require.NoError(t, tbl.Send(key, testValue("v")))
		tbl.Cancel(key)
		assert.Equal(t, 0, tbl.Len())

		_, err := tbl.Recv(context.Background(), key)
		require.ErrorIs(t, err, types.ErrCancelled)
	})

	t.Run("ClearCancelled 后键可复用", func(t *testing.T) {
		tbl := newTestTable(t)
		key := testKey("c")

		tbl.Cancel(key)
		tbl.ClearCancelled()
		assert.False(t, tbl.IsCancelled(key))

		require.NoError(t, tbl.Send(key, testValue("v")))
		v, err := tbl.Recv(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v.Data)
	})

	t.Run("不影响其他键", func(t *testing.T) {
		tbl := newTestTable(t)
		require.NoError(t, tbl.Send(testKey("other"), testValue("v")))

		tbl.Cancel(testKey("c"))
		assert.Equal(t, 1, tbl.Len())
	})
}

func TestHandle_Cancel(t *testing.T) {
	tbl := newTestTable(t)
	key := testKey("h")

	var res asyncResult
	h := tbl.RecvAsync(key, interfaces.RecvOptions{}, res.callback())

	assert.True(t, h.Cancel())
	waitDone(t, h)
	assert.False(t, h.Cancel(), "重复取消应返回 false")

	calls, _, err := res.get()
	assert.Equal(t, 1, calls)
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.False(t, tbl.IsCancelled(key), "句柄取消不标记键")

	// 键仍可正常使用
	require.NoError(t, tbl.Send(key, testValue("v")))
	assert.Equal(t, 1, tbl.Count(KindValue))
}

// ============================================================================
//                              中止
// ============================================================================

func TestTable_StartAbort(t *testing.T) {
	tbl := newTestTable(t)
	cause := errors.New("step failed")

	const n = 16
	results := make([]*asyncResult, n)
	handles := make([]interfaces.RecvHandle, n)
	for i := 0; i < n; i++ {
		results[i] = &asyncResult{}
		handles[i] = tbl.RecvAsync(testKey(fmt.Sprintf("w%d", i)), interfaces.RecvOptions{}, results[i].callback())
	}
	require.NoError(t, tbl.Send(testKey("pending"), testValue("v")))
	require.Equal(t, n+1, tbl.Len())

	tbl.StartAbort(cause)
	assert.Equal(t, 0, tbl.Len())

	for i := 0; i < n; i++ {
		waitDone(t, handles[i])
		calls, _, err := results[i].get()
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, types.ErrCancelled)
		assert.ErrorIs(t, err, cause)
	}

	t.Run("中止后新操作失败", func(t *testing.T) {
		err := tbl.Send(testKey("new"), testValue("v"))
		require.ErrorIs(t, err, cause)

		_, err = tbl.Recv(context.Background(), testKey("new"))
		require.ErrorIs(t, err, types.ErrCancelled)
		assert.Equal(t, 0, tbl.Len())
	})

	t.Run("重复中止保留第一次的错误", func(t *testing.T) {
		tbl.StartAbort(errors.New("second"))
		assert.ErrorIs(t, tbl.Aborted(), cause)
	})

	t.Run("Reset 后恢复", func(t *testing.T) {
		tbl.Reset()
		require.NoError(t, tbl.Aborted())
		require.NoError(t, tbl.Send(testKey("new"), testValue("v")))
	})
}

func TestTable_AbortMatching(t *testing.T) {
	tbl := newTestTable(t)
	stale := types.NewKey("/job:a/task:0/device:CPU:0", 7, "/job:b/task:0/device:CPU:0", "t")

	var res asyncResult
	h := tbl.RecvAsync(stale, interfaces.RecvOptions{}, res.callback())
	require.NoError(t, tbl.Send(testKey("keep"), testValue("v")))

	n := tbl.AbortMatching(func(k types.RendezvousKey) bool {
		return k.SendDeviceIncarnation == 7
	}, types.ErrStaleIncarnation)

	assert.Equal(t, 1, n)
	waitDone(t, h)
	_, _, err := res.get()
	require.ErrorIs(t, err, types.ErrStaleIncarnation)

	assert.Equal(t, 1, tbl.Len())
	require.NoError(t, tbl.Aborted(), "AbortMatching 不改变中止状态")
}

// recordingReleaser 记录被归还的值
type recordingReleaser struct {
	mu   sync.Mutex
	data []string
}

func (r *recordingReleaser) Release(v types.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, string(v.Data))
}

func (r *recordingReleaser) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func TestTable_ReleasesDroppedValues(t *testing.T) {
	rel := &recordingReleaser{}
	tbl := newTestTable(t, WithReleaser(rel))

	t.Run("交付的值不归还", func(t *testing.T) {
		require.NoError(t, tbl.Send(testKey("ok"), testValue("ok")))
		_, err := tbl.Recv(context.Background(), testKey("ok"))
		require.NoError(t, err)
		assert.Empty(t, rel.released())
	})

	t.Run("取消丢弃的值", func(t *testing.T) {
		require.NoError(t, tbl.Send(testKey("c"), testValue("c")))
		tbl.Cancel(testKey("c"))
		assert.Equal(t, []string{"c"}, rel.released())
	})

	t.Run("批量中止丢弃的值", func(t *testing.T) {
		require.NoError(t, tbl.Send(testKey("m"), testValue("m")))
		h := tbl.RecvAsync(testKey("w"), interfaces.RecvOptions{}, nil)
		n := tbl.AbortMatching(func(types.RendezvousKey) bool { return true }, errors.New("boom"))
		waitDone(t, h)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"c", "m"}, rel.released(), "等待者没有值可归还")
	})

	t.Run("关闭丢弃的值", func(t *testing.T) {
		require.NoError(t, tbl.Send(testKey("z"), testValue("z")))
		require.NoError(t, tbl.Close())
		assert.Equal(t, []string{"c", "m", "z"}, rel.released())
	})
}

func TestTable_Abort(t *testing.T) {
	tbl := newTestTable(t)

	require.NoError(t, tbl.Send(testKey("a"), testValue("a")))
	h := tbl.RecvAsync(testKey("b"), interfaces.RecvOptions{}, nil)

	assert.Equal(t, 2, tbl.Abort(types.ErrScopeClosed))
	waitDone(t, h)
	assert.Equal(t, 0, tbl.Len())

	// 中止状态已生效，之后的写入直接失败，不会漏计
	require.ErrorIs(t, tbl.Send(testKey("late"), testValue("x")), types.ErrScopeClosed)
	assert.Equal(t, 0, tbl.Len())
	assert.Zero(t, tbl.Abort(types.ErrScopeClosed), "重复中止不再扫描")
}

func TestTable_Close(t *testing.T) {
	tbl := newTestTable(t)
	var res asyncResult
	h := tbl.RecvAsync(testKey("x"), interfaces.RecvOptions{}, res.callback())

	require.NoError(t, tbl.Close())
	waitDone(t, h)

	_, _, err := res.get()
	require.ErrorIs(t, err, types.ErrTableClosed)
	require.ErrorIs(t, err, types.ErrCancelled)
}

// ============================================================================
//                              截止时间
// ============================================================================

func TestTable_ExpiredDeadline(t *testing.T) {
	tbl := newTestTable(t)
	key := testKey("late")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := tbl.Recv(ctx, key)
	require.ErrorIs(t, err, types.ErrDeadlineExceeded)
	assert.Equal(t, 0, tbl.Len())

	// 迟到的 Send 只是暂存，不会交付给已超时的接收者
	require.NoError(t, tbl.Send(key, testValue("v")))
	assert.Equal(t, 1, tbl.Count(KindValue))
}

func TestTable_ContextCancelled(t *testing.T) {
	tbl := newTestTable(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := tbl.Recv(ctx, testKey("x"))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return tbl.Len() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, types.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv 未返回")
	}
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_AsyncDeadline(t *testing.T) {
	mock := clock.NewMock()
	tbl := newTestTable(t, WithClock(mock))
	key := testKey("d")

	t.Run("已过期的截止时间立即失败", func(t *testing.T) {
		var res asyncResult
		h := tbl.RecvAsync(key, interfaces.RecvOptions{Deadline: mock.Now()}, res.callback())
		waitDone(t, h)
		_, _, err := res.get()
		require.ErrorIs(t, err, types.ErrDeadlineExceeded)
		assert.Equal(t, 0, tbl.Len())
	})

	t.Run("到期后释放等待者", func(t *testing.T) {
		var res asyncResult
		h := tbl.RecvAsync(key, interfaces.RecvOptions{Deadline: mock.Now().Add(time.Second)}, res.callback())
		require.Equal(t, 1, tbl.Len())

		mock.Add(2 * time.Second)
		waitDone(t, h)

		_, _, err := res.get()
		require.ErrorIs(t, err, types.ErrDeadlineExceeded)
		assert.Equal(t, 0, tbl.Len())
	})

	t.Run("到期前匹配则不超时", func(t *testing.T) {
		var res asyncResult
		h := tbl.RecvAsync(key, interfaces.RecvOptions{Deadline: mock.Now().Add(time.Second)}, res.callback())
		require.NoError(t, tbl.Send(key, testValue("v")))
		waitDone(t, h)

		mock.Add(2 * time.Second)
		calls, v, err := res.get()
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, []byte("v"), v.Data)
	})
}

func TestTable_DefaultRecvTimeout(t *testing.T) {
	tbl := New(config.DefaultTableConfig().WithDefaultRecvTimeout(20 * time.Millisecond))

	_, err := tbl.Recv(context.Background(), testKey("x"))
	require.ErrorIs(t, err, types.ErrDeadlineExceeded)
	assert.Equal(t, 0, tbl.Len())
}

// ============================================================================
//                              回调与并发
// ============================================================================

func TestTable_CallbackMayReenter(t *testing.T) {
	tbl := newTestTable(t)
	first, second := testKey("first"), testKey("second")

	h := tbl.RecvAsync(first, interfaces.RecvOptions{}, func(v types.Value, err error) {
		require.NoError(t, err)
		// 回调内再次调用表不会死锁
		require.NoError(t, tbl.Send(second, v))
	})
	require.NoError(t, tbl.Send(first, testValue("chain")))
	waitDone(t, h)

	v, err := tbl.Recv(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, []byte("chain"), v.Data)
}

func TestTable_ConcurrentSendRecv(t *testing.T) {
	tbl := newTestTable(t)
	const n = 200

	var received atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		key := testKey(fmt.Sprintf("t%d", i))
		want := fmt.Sprintf("v%d", i)

		g.Go(func() error {
			return tbl.Send(key, testValue(want))
		})
		g.Go(func() error {
			v, err := tbl.Recv(ctx, key)
			if err != nil {
				return err
			}
			if string(v.Data) != want {
				return fmt.Errorf("key %s got %q", key.TensorName, v.Data)
			}
			received.Add(1)
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int64(n), received.Load())
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_ConcurrentCancelAndSend(t *testing.T) {
	tbl := newTestTable(t)
	const n = 100

	var delivered, cancelled atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		key := testKey(fmt.Sprintf("r%d", i))
		h := tbl.RecvAsync(key, interfaces.RecvOptions{}, func(_ types.Value, err error) {
			if err == nil {
				delivered.Add(1)
			} else if errors.Is(err, types.ErrCancelled) {
				cancelled.Add(1)
			}
		})

		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = tbl.Send(key, testValue("v"))
		}()
		go func() {
			defer wg.Done()
			tbl.Cancel(key)
		}()
		defer waitDone(t, h)
	}
	wg.Wait()

	// 每个等待者恰好得到一个结果
	assert.Eventually(t, func() bool {
		return delivered.Load()+cancelled.Load() == n
	}, 2*time.Second, time.Millisecond)
}

// ============================================================================
//                              观察者
// ============================================================================

type countingObserver struct {
	added, removed, delivered, aborted, failed atomic.Int64
}

func (o *countingObserver) EntryAdded(EntryKind)    { o.added.Add(1) }
func (o *countingObserver) EntryRemoved(EntryKind)  { o.removed.Add(1) }
func (o *countingObserver) Delivered(time.Duration) { o.delivered.Add(1) }
func (o *countingObserver) Cancelled(int)           {}
func (o *countingObserver) Aborted(n int)           { o.aborted.Add(int64(n)) }
func (o *countingObserver) Failed(error)            { o.failed.Add(1) }

func TestTable_Observer(t *testing.T) {
	obs := &countingObserver{}
	tbl := newTestTable(t, WithObserver(obs))

	require.NoError(t, tbl.Send(testKey("a"), testValue("v")))
	_, err := tbl.Recv(context.Background(), testKey("a"))
	require.NoError(t, err)

	require.NoError(t, tbl.Send(testKey("b"), testValue("v")))
	require.Error(t, tbl.Send(testKey("b"), testValue("v")))

	tbl.StartAbort(errors.New("boom"))

	assert.Equal(t, int64(2), obs.added.Load())
	assert.Equal(t, int64(2), obs.removed.Load())
	assert.Equal(t, int64(1), obs.delivered.Load())
	assert.Equal(t, int64(1), obs.aborted.Load())
	assert.Equal(t, int64(1), obs.failed.Load())
}

func TestEntryKind_String(t *testing.T) {
	assert.Equal(t, "value", KindValue.String())
	assert.Equal(t, "waiter", KindWaiter.String())
}
