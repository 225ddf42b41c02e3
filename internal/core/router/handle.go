package router

import (
	"context"
	"errors"
	"sync"

	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// asyncHandle 远端异步接收句柄
type asyncHandle struct {
	cb     interfaces.DoneCallback
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	finished bool
}

func newAsyncHandle(cb interfaces.DoneCallback, cancel context.CancelFunc) *asyncHandle {
	return &asyncHandle{cb: cb, cancel: cancel, done: make(chan struct{})}
}

// finish 至多执行一次回调，返回本次是否生效
func (h *asyncHandle) finish(v types.Value, err error) bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	h.finished = true
	h.mu.Unlock()

	if h.cb != nil {
		h.cb(v, err)
	}
	close(h.done)
	return true
}

// Cancel 取消远端等待
func (h *asyncHandle) Cancel() bool {
	ok := h.finish(types.Value{}, types.ErrCancelled)
	if h.cancel != nil {
		h.cancel()
	}
	return ok
}

// Done 回调执行完毕后关闭
func (h *asyncHandle) Done() <-chan struct{} {
	return h.done
}

// failedHandle 立即以错误完成的句柄
func failedHandle(cb interfaces.DoneCallback, err error) interfaces.RecvHandle {
	h := newAsyncHandle(cb, nil)
	h.finish(types.Value{}, err)
	return h
}

// contextErr 将 context 错误映射为 rendezvous 错误
func contextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrDeadlineExceeded
	}
	return types.ErrCancelled
}
