package rendezvous

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/interfaces"
)

// Option 运行时配置选项
type Option func(*options) error

// options 运行时内部配置
type options struct {
	// config 用户配置，选项在其副本上修改
	config *config.Config

	// 外部协作者，为 nil 时使用内置实现
	copyEngine interfaces.CopyEngine
	transport  interfaces.Transport
	clock      clock.Clock
	registerer prometheus.Registerer

	// userFxOptions 追加到 fx 应用的选项
	userFxOptions []fx.Option
}

func newOptions() *options {
	return &options{config: config.NewConfig()}
}

// ════════════════════════════════════════════════════════════════════════════
//                              配置
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整配置
//
// 应放在其他选项之前，之后的选项在其基础上修改。
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil config", ErrInvalidOption)
		}
		o.config = cfg.Clone()
		return nil
	}
}

// WithConfigFile 从 JSON / YAML 文件加载配置
func WithConfigFile(path string) Option {
	return func(o *options) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		o.config = cfg
		return nil
	}
}

// WithLocalDevices 设置本进程拥有的设备
//
// 未设置时所有设备都视为本地。
func WithLocalDevices(devices ...string) Option {
	return func(o *options) error {
		o.config.Router = o.config.Router.WithLocalDevices(devices...)
		return nil
	}
}

// WithLocalIncarnation 固定本进程的 incarnation，0 表示启动时随机生成
func WithLocalIncarnation(incarnation uint64) Option {
	return func(o *options) error {
		o.config.Router.LocalIncarnation = incarnation
		return nil
	}
}

// WithListenAddr 设置 TCP 传输的监听地址
func WithListenAddr(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("%w: empty listen addr", ErrInvalidOption)
		}
		o.config.Transport.ListenAddr = addr
		return nil
	}
}

// WithPeer 声明远端设备所在进程的地址
func WithPeer(device, addr string) Option {
	return func(o *options) error {
		if device == "" || addr == "" {
			return fmt.Errorf("%w: peer device and addr required", ErrInvalidOption)
		}
		o.config.Transport = o.config.Transport.WithPeer(device, addr)
		return nil
	}
}

// WithMetrics 开启或关闭指标
func WithMetrics(enable bool) Option {
	return func(o *options) error {
		o.config.Metrics.Enable = enable
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              外部协作者
// ════════════════════════════════════════════════════════════════════════════

// WithCopyEngine 使用外部拷贝引擎替代内置设备内存池
func WithCopyEngine(engine interfaces.CopyEngine) Option {
	return func(o *options) error {
		if engine == nil {
			return fmt.Errorf("%w: nil copy engine", ErrInvalidOption)
		}
		o.copyEngine = engine
		return nil
	}
}

// WithTransport 使用外部传输替代内置 TCP 传输
//
// 实现 interfaces.HandlerBinder 的传输会在启动前绑定到路由器。
func WithTransport(t interfaces.Transport) Option {
	return func(o *options) error {
		if t == nil {
			return fmt.Errorf("%w: nil transport", ErrInvalidOption)
		}
		o.transport = t
		return nil
	}
}

// WithClock 设置时钟（测试时注入 clock.NewMock()）
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidOption)
		}
		o.clock = c
		return nil
	}
}

// WithRegisterer 设置指标注册器并开启指标
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) error {
		if reg == nil {
			return fmt.Errorf("%w: nil registerer", ErrInvalidOption)
		}
		o.registerer = reg
		o.config.Metrics.Enable = true
		return nil
	}
}

// WithFxOptions 追加 fx 选项（高级用法）
func WithFxOptions(opts ...fx.Option) Option {
	return func(o *options) error {
		o.userFxOptions = append(o.userFxOptions, opts...)
		return nil
	}
}
