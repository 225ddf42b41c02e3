package clientscope

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dep2p/go-rendezvous/internal/core/table"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

// Scope 单个客户端会话的作用域
type Scope struct {
	id        string
	table     *table.Table
	placement interfaces.PlacementAdapter
	manager   *Manager

	closed   atomic.Bool
	once     sync.Once
	released int
}

// 确保实现接口
var _ interfaces.ClientScope = (*Scope)(nil)

// ID 会话 ID
func (s *Scope) ID() string {
	return s.id
}

// stamp 校验原语方向并标记客户端终结
func (s *Scope) stamp(op types.OpKind, key types.RendezvousKey, send bool) (types.RendezvousKey, error) {
	if s.closed.Load() {
		return key, types.ErrScopeClosed
	}
	if !op.Valid() || op.IsSend() != send {
		return key, fmt.Errorf("%w: %s", types.ErrInvalidOp, op)
	}
	if err := key.Validate(); err != nil {
		return key, err
	}
	return key.WithClientTerminated(), nil
}

// Send 投递 feed 值
func (s *Scope) Send(ctx context.Context, op types.OpKind, key types.RendezvousKey, value types.Value) error {
	key, err := s.stamp(op, key, true)
	if err != nil {
		return types.NewTransferError("send", key, err)
	}
	staged, err := s.placement.StageForSend(ctx, op, value)
	if err != nil {
		return types.NewTransferError("send", key, err)
	}
	if err := s.table.Send(key, staged); err != nil {
		if rel, ok := s.placement.(interfaces.ValueReleaser); ok {
			rel.Release(staged)
		}
		return err
	}
	return nil
}

// Recv 阻塞接收 fetch 值
func (s *Scope) Recv(ctx context.Context, op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind) (types.Value, error) {
	key, err := s.stamp(op, key, false)
	if err != nil {
		return types.Value{}, types.NewTransferError("recv", key, err)
	}
	v, err := s.table.Recv(ctx, key)
	if err != nil {
		return types.Value{}, err
	}
	staged, err := s.placement.StageForRecv(ctx, v, consumer)
	if err != nil {
		return types.Value{}, types.NewTransferError("recv", key, err)
	}
	return staged, nil
}

// RecvAsync 非阻塞接收
func (s *Scope) RecvAsync(op types.OpKind, key types.RendezvousKey, consumer types.MemoryKind, opts interfaces.RecvOptions, cb interfaces.DoneCallback) interfaces.RecvHandle {
	key, err := s.stamp(op, key, false)
	if err != nil {
		return failedHandle(cb, types.NewTransferError("recv", key, err))
	}
	return s.table.RecvAsync(key, opts, func(v types.Value, err error) {
		if err == nil {
			v, err = s.placement.StageForRecv(context.Background(), v, consumer)
			err = types.NewTransferError("recv", key, err)
		}
		if cb != nil {
			cb(v, err)
		}
	})
}

// Cancel 取消单个键
func (s *Scope) Cancel(key types.RendezvousKey) {
	if s.closed.Load() {
		return
	}
	s.table.Cancel(key.WithClientTerminated())
}

// Len 返回挂起条目数
func (s *Scope) Len() int {
	return s.table.Len()
}

// Closed 会话是否已结束
func (s *Scope) Closed() bool {
	return s.closed.Load()
}

// Teardown 结束会话
//
// 以 ErrScopeClosed 释放全部挂起条目，可重复调用。
func (s *Scope) Teardown() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.released = s.table.Abort(types.ErrScopeClosed)

		if s.manager != nil {
			s.manager.closeScope(s)
		}
		logger.Debug("会话结束", "session", s.id, "released", s.released)
	})
	return nil
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
