package placement

import (
	"context"
	"fmt"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
	"github.com/dep2p/go-rendezvous/pkg/types"
)

var logger = log.Logger("core/placement")

// Observer 暂存观察者（用于指标）
type Observer interface {
	// Staged 一次跨内存空间拷贝完成；err 非 nil 表示失败
	Staged(from, to types.MemoryKind, bytes int, err error)
}

// Adapter 主机/设备内存暂存适配器
//
// 同一内存空间之间不做任何拷贝；跨空间时委托 CopyEngine，
// 失败统一以 ErrPlacementFailed 返回，调用方不会拿到部分结果。
type Adapter struct {
	engine        interfaces.CopyEngine
	verifyNoAlias bool
	observer      Observer
}

// 确保实现接口
var (
	_ interfaces.PlacementAdapter = (*Adapter)(nil)
	_ interfaces.ValueReleaser    = (*Adapter)(nil)
)

// Option 适配器选项
type Option func(*Adapter)

// WithObserver 设置观察者
func WithObserver(o Observer) Option {
	return func(a *Adapter) {
		a.observer = o
	}
}

// NewAdapter 创建暂存适配器
//
// engine 为 nil 时只允许同空间暂存。
func NewAdapter(cfg config.PlacementConfig, engine interfaces.CopyEngine, opts ...Option) *Adapter {
	a := &Adapter{
		engine:        engine,
		verifyNoAlias: cfg.VerifyNoAlias,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stage 将值暂存到目标内存空间
func (a *Adapter) Stage(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error) {
	if from == to {
		return value, nil
	}

	// 死张量没有数据，只需改写位置
	if value.IsDead {
		value.Memory = to
		return value, nil
	}

	out, err := a.copy(ctx, value, from, to)
	if a.observer != nil {
		a.observer.Staged(from, to, value.NumBytes(), err)
	}
	if err != nil {
		logger.Debug("暂存失败", "from", from, "to", to, "bytes", value.NumBytes(), "err", err)
		return types.Value{}, err
	}
	return out, nil
}

func (a *Adapter) copy(ctx context.Context, value types.Value, from, to types.MemoryKind) (types.Value, error) {
	if err := ctx.Err(); err != nil {
		return types.Value{}, fmt.Errorf("%w: %w", types.ErrPlacementFailed, err)
	}
	if a.engine == nil {
		return types.Value{}, fmt.Errorf("%w: %w", types.ErrPlacementFailed, ErrNoCopyEngine)
	}

	out, err := a.engine.Copy(ctx, value, from, to)
	if err != nil {
		return types.Value{}, fmt.Errorf("%w: %w", types.ErrPlacementFailed, err)
	}

	if a.verifyNoAlias && out.SharesData(value) {
		logger.Warn("拷贝引擎返回了共享缓冲区，改为深拷贝", "from", from, "to", to)
		out.Data = append([]byte(nil), out.Data...)
	}
	out.Memory = to
	return out, nil
}

// StageForSend 暂存到发送原语要求的内存空间
func (a *Adapter) StageForSend(ctx context.Context, op types.OpKind, value types.Value) (types.Value, error) {
	return a.Stage(ctx, value, value.Memory, op.Memory())
}

// StageForRecv 暂存到消费端要求的内存空间
//
// 在途值交给消费端后不再计入引擎预算，暂存失败时同样归还。
func (a *Adapter) StageForRecv(ctx context.Context, value types.Value, consumer types.MemoryKind) (types.Value, error) {
	defer a.Release(value)
	return a.Stage(ctx, value, value.Memory, consumer)
}

// Release 归还在途值占用的引擎资源
func (a *Adapter) Release(value types.Value) {
	if f, ok := a.engine.(interfaces.BufferFreer); ok {
		f.Free(value)
	}
}
