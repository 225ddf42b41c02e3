package table

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spaolacci/murmur3"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

var logger = log.Logger("core/table")

// ============================================================================
//                              条目
// ============================================================================

// entry 挂起条目：要么是等待消费者的值，要么是等待值的接收者
type entry struct {
	value  types.Value
	waiter *Handle
	since  time.Time
}

func (e *entry) kind() EntryKind {
	if e.waiter != nil {
		return KindWaiter
	}
	return KindValue
}

// shard 表分片
type shard struct {
	mu        sync.Mutex
	entries   map[types.RendezvousKey]*entry
	cancelled map[types.RendezvousKey]struct{}
}

// ============================================================================
//                              Table 实现
// ============================================================================

// Table 按键哈希分片的 rendezvous 匹配表
//
// 锁只覆盖单个键的检查与修改；回调总在释放锁之后、
// 在执行匹配操作的 goroutine 上内联调用。
type Table struct {
	shards   []*shard
	clock    clock.Clock
	observer Observer
	releaser interfaces.ValueReleaser

	defaultTimeout time.Duration

	// aborted 非 nil 时所有新操作以该错误失败
	aborted atomic.Pointer[abortState]

	nextID atomic.Uint64
}

type abortState struct {
	err error
}

// 确保实现接口
var _ interfaces.Table = (*Table)(nil)

// Option 表选项
type Option func(*Table)

// WithClock 设置时钟（测试时注入 mock）
func WithClock(c clock.Clock) Option {
	return func(t *Table) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithObserver 设置观察者
func WithObserver(o Observer) Option {
	return func(t *Table) {
		if o != nil {
			t.observer = o
		}
	}
}

// WithReleaser 设置丢弃值的归还者（取消、中止时未被消费的值）
func WithReleaser(r interfaces.ValueReleaser) Option {
	return func(t *Table) {
		t.releaser = r
	}
}

// New 创建匹配表
func New(cfg config.TableConfig, opts ...Option) *Table {
	n := cfg.Shards
	if n <= 0 {
		n = config.DefaultTableConfig().Shards
	}

	t := &Table{
		shards:         make([]*shard, n),
		clock:          clock.New(),
		observer:       noopObserver{},
		defaultTimeout: cfg.DefaultRecvTimeout.Duration(),
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			entries:   make(map[types.RendezvousKey]*entry),
			cancelled: make(map[types.RendezvousKey]struct{}),
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// shardFor 返回键所在分片
func (t *Table) shardFor(key types.RendezvousKey) *shard {
	if len(t.shards) == 1 {
		return t.shards[0]
	}
	h := murmur3.Sum32([]byte(key.String()))
	return t.shards[h%uint32(len(t.shards))]
}

// abortErr 返回中止错误（未中止时为 nil）
func (t *Table) abortErr() error {
	if st := t.aborted.Load(); st != nil {
		return st.err
	}
	return nil
}

// ============================================================================
//                              Send
// ============================================================================

// Send 投递值
//
// 已有等待者时立即交付并移除等待者；否则暂存。
// 同一键已有挂起值时返回 ErrDuplicateKey。
func (t *Table) Send(key types.RendezvousKey, value types.Value) error {
	if err := key.Validate(); err != nil {
		return types.NewTransferError("send", key, err)
	}

	s := t.shardFor(key)
	s.mu.Lock()

	if err := t.abortErr(); err != nil {
		s.mu.Unlock()
		t.observer.Failed(err)
		return types.NewTransferError("send", key, err)
	}
	if _, ok := s.cancelled[key]; ok {
		s.mu.Unlock()
		t.observer.Failed(types.ErrCancelled)
		return types.NewTransferError("send", key, types.ErrCancelled)
	}

	if e, ok := s.entries[key]; ok {
		if e.waiter == nil {
			s.mu.Unlock()
			t.observer.Failed(types.ErrDuplicateKey)
			return types.NewTransferError("send", key, types.ErrDuplicateKey)
		}

		w := e.waiter
		delete(s.entries, key)
		w.stopTimer()
		s.mu.Unlock()

		t.observer.EntryRemoved(KindWaiter)
		t.observer.Delivered(t.clock.Since(e.since))
		logger.Debug("交付给等待者", "key", key.String())
		w.fire(value, nil)
		return nil
	}

	s.entries[key] = &entry{value: value, since: t.clock.Now()}
	s.mu.Unlock()

	t.observer.EntryAdded(KindValue)
	logger.Debug("值已暂存", "key", key.String(), "bytes", value.NumBytes())
	return nil
}

// ============================================================================
//                              Recv
// ============================================================================

// RecvAsync 非阻塞接收
//
// 已有挂起值时回调在本 goroutine 内立即执行；
// 否则登记等待者，由匹配的 Send、Cancel、中止或截止时间释放。
// 同一键已有等待者时，本次调用的回调以 ErrDuplicateKey 执行。
func (t *Table) RecvAsync(key types.RendezvousKey, opts interfaces.RecvOptions, cb interfaces.DoneCallback) interfaces.RecvHandle {
	return t.recvAsync(key, opts, cb)
}

func (t *Table) recvAsync(key types.RendezvousKey, opts interfaces.RecvOptions, cb interfaces.DoneCallback) *Handle {
	h := &Handle{
		id:    t.nextID.Add(1),
		key:   key,
		cb:    cb,
		done:  make(chan struct{}),
		table: t,
	}

	if err := key.Validate(); err != nil {
		h.fire(types.Value{}, err)
		return h
	}

	s := t.shardFor(key)
	h.shard = s
	s.mu.Lock()

	if err := t.abortErr(); err != nil {
		s.mu.Unlock()
		h.fire(types.Value{}, err)
		return h
	}
	if _, ok := s.cancelled[key]; ok {
		s.mu.Unlock()
		h.fire(types.Value{}, types.ErrCancelled)
		return h
	}

	if e, ok := s.entries[key]; ok {
		if e.waiter != nil {
			s.mu.Unlock()
			h.fire(types.Value{}, types.ErrDuplicateKey)
			return h
		}

		delete(s.entries, key)
		s.mu.Unlock()

		t.observer.EntryRemoved(KindValue)
		t.observer.Delivered(t.clock.Since(e.since))
		h.fire(e.value, nil)
		return h
	}

	if !opts.Deadline.IsZero() && !t.clock.Now().Before(opts.Deadline) {
		s.mu.Unlock()
		h.fire(types.Value{}, types.ErrDeadlineExceeded)
		return h
	}

	s.entries[key] = &entry{waiter: h, since: t.clock.Now()}
	if !opts.Deadline.IsZero() {
		h.timer = t.clock.AfterFunc(t.clock.Until(opts.Deadline), func() {
			h.release(types.ErrDeadlineExceeded)
		})
	}
	s.mu.Unlock()

	t.observer.EntryAdded(KindWaiter)
	return h
}

// Recv 阻塞接收
//
// ctx 到期或被取消时移除等待者并返回 ErrDeadlineExceeded / ErrCancelled。
// 若截止与 Send 竞争，锁保证只产生一个结果。
func (t *Table) Recv(ctx context.Context, key types.RendezvousKey) (types.Value, error) {
	if t.defaultTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = t.clock.WithTimeout(ctx, t.defaultTimeout)
			defer cancel()
		}
	}

	type result struct {
		value types.Value
		err   error
	}
	ch := make(chan result, 1)

	h := t.recvAsync(key, interfaces.RecvOptions{}, func(v types.Value, err error) {
		ch <- result{value: v, err: err}
	})

	// 已经同步完成（值已就绪或立即失败）
	select {
	case r := <-ch:
		return r.value, r.err
	default:
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		h.release(contextErr(ctx.Err()))
		r := <-ch
		return r.value, r.err
	}
}

// contextErr 将 context 错误映射为 rendezvous 错误
func contextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrDeadlineExceeded
	}
	return types.ErrCancelled
}

// ============================================================================
//                              取消与中止
// ============================================================================

// Cancel 取消单个键
//
// 等待者以 ErrCancelled 释放，挂起值被丢弃；
// 之后该键上的 Send/Recv 均返回 ErrCancelled，直到 ClearCancelled 或 Reset。
func (t *Table) Cancel(key types.RendezvousKey) {
	s := t.shardFor(key)
	s.mu.Lock()
	s.cancelled[key] = struct{}{}
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		if e.waiter != nil {
			e.waiter.stopTimer()
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	t.observer.EntryRemoved(e.kind())
	t.observer.Cancelled(1)
	logger.Debug("键已取消", "key", key.String(), "kind", e.kind())
	if e.waiter != nil {
		e.waiter.fire(types.Value{}, types.ErrCancelled)
		return
	}
	t.release(e.value)
}

// release 归还未被消费的值
func (t *Table) release(v types.Value) {
	if t.releaser != nil {
		t.releaser.Release(v)
	}
}

// IsCancelled 键是否处于取消状态
func (t *Table) IsCancelled(key types.RendezvousKey) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	_, ok := s.cancelled[key]
	s.mu.Unlock()
	return ok
}

// StartAbort 中止全部条目
//
// 所有等待者以中止错误释放，挂起值被丢弃，之后的操作均失败直到 Reset。
// 重复调用时保留第一次的错误。返回的错误同时满足 errors.Is(err, ErrCancelled)。
func (t *Table) StartAbort(err error) {
	t.Abort(err)
}

// Abort 同 StartAbort，返回本次释放的条目数
//
// 先置中止状态再扫描，扫描期间不会有新条目写入。表已处于中止状态时返回 0。
func (t *Table) Abort(err error) int {
	st := &abortState{err: types.AbortError(err)}
	if !t.aborted.CompareAndSwap(nil, st) {
		return 0
	}

	n := t.AbortMatching(func(types.RendezvousKey) bool { return true }, st.err)
	logger.Info("表已中止", "reason", err, "released", n)
	return n
}

// AbortMatching 以给定错误释放满足条件的条目
//
// 不改变表的中止状态。返回释放的条目数。
func (t *Table) AbortMatching(match func(types.RendezvousKey) bool, err error) int {
	var (
		waiters []*Handle
		dropped []types.Value
	)
	released := 0

	for _, s := range t.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if !match(key) {
				continue
			}
			delete(s.entries, key)
			released++
			t.observer.EntryRemoved(e.kind())
			if e.waiter != nil {
				e.waiter.stopTimer()
				waiters = append(waiters, e.waiter)
			} else {
				dropped = append(dropped, e.value)
			}
		}
		s.mu.Unlock()
	}

	if released > 0 {
		t.observer.Aborted(released)
	}
	for _, w := range waiters {
		w.fire(types.Value{}, err)
	}
	for _, v := range dropped {
		t.release(v)
	}
	return released
}

// Reset step 级清理：清除中止状态与全部取消记录
func (t *Table) Reset() {
	t.aborted.Store(nil)
	t.ClearCancelled()
}

// ClearCancelled 清除全部取消记录
func (t *Table) ClearCancelled() {
	for _, s := range t.shards {
		s.mu.Lock()
		if len(s.cancelled) > 0 {
			s.cancelled = make(map[types.RendezvousKey]struct{})
		}
		s.mu.Unlock()
	}
}

// Aborted 返回中止错误（未中止时为 nil）
func (t *Table) Aborted() error {
	return t.abortErr()
}

// Close 关闭表，以 ErrTableClosed 中止全部条目
func (t *Table) Close() error {
	t.StartAbort(types.ErrTableClosed)
	return nil
}

// ============================================================================
//                              查询
// ============================================================================

// Len 返回挂起条目数
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Has 返回键上是否有挂起条目及其类型
func (t *Table) Has(key types.RendezvousKey) (EntryKind, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return e.kind(), true
}

// Keys 返回挂起条目的键快照
func (t *Table) Keys() []types.RendezvousKey {
	var keys []types.RendezvousKey
	for _, s := range t.shards {
		s.mu.Lock()
		for k := range s.entries {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

// Count 按类型统计挂起条目
func (t *Table) Count(kind EntryKind) int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.kind() == kind {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}
