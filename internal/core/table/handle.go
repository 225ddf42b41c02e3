package table

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// Handle 异步接收句柄
//
// 回调恰好执行一次；Done 在回调返回后关闭。
type Handle struct {
	id    uint64
	key   types.RendezvousKey
	cb    interfaces.DoneCallback
	done  chan struct{}
	table *Table
	shard *shard

	// timer 由分片锁保护
	timer *clock.Timer

	once sync.Once
}

// 确保实现接口
var _ interfaces.RecvHandle = (*Handle)(nil)

// Key 返回等待的键
func (h *Handle) Key() types.RendezvousKey {
	return h.key
}

// Done 回调执行完毕后关闭
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel 取消等待
//
// 等待者仍在表中时以 ErrCancelled 释放并返回 true；
// 已经完成时返回 false。只影响本次等待，不把键标记为取消。
func (h *Handle) Cancel() bool {
	return h.release(types.ErrCancelled)
}

// release 若等待者仍登记在表中，则移除并以 err 释放
func (h *Handle) release(err error) bool {
	if h.shard == nil {
		return false
	}

	s := h.shard
	s.mu.Lock()
	e, ok := s.entries[h.key]
	if !ok || e.waiter != h {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, h.key)
	h.stopTimer()
	s.mu.Unlock()

	h.table.observer.EntryRemoved(KindWaiter)
	h.fire(types.Value{}, err)
	return true
}

// stopTimer 停止截止定时器（调用方持有分片锁）
func (h *Handle) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// fire 执行回调，至多一次
func (h *Handle) fire(value types.Value, err error) {
	h.once.Do(func() {
		if err != nil {
			if h.table != nil {
				h.table.observer.Failed(err)
			}
			err = types.NewTransferError("recv", h.key, err)
		}
		if h.cb != nil {
			h.cb(value, err)
		}
		close(h.done)
	})
}
