// Package main 提供 rendezvous 节点命令行入口
//
// 启动一个持有若干本地设备的运行时，通过 TCP 为远端进程提供取值与推送服务。
//
// 使用方法:
//
//	rendezvous-node -listen 0.0.0.0:7070 \
//	    -device /job:worker/replica:0/task:0/device:GPU:0 \
//	    -peer /job:worker/replica:0/task:1/device:GPU:0=10.0.0.2:7070
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	rendezvous "github.com/dep2p/go-rendezvous"
	"github.com/dep2p/go-rendezvous/config"
	"github.com/dep2p/go-rendezvous/pkg/lib/log"
)

var logger = log.Logger("rendezvous/cmd")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := rendezvous.New(rendezvous.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("创建运行时失败: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Close()
		return fmt.Errorf("启动运行时失败: %w", err)
	}

	logger.Info("节点已启动",
		"addr", rt.Addr(),
		"devices", cfg.Router.LocalDevices,
		"peers", len(cfg.Transport.Peers),
		"incarnation", fmt.Sprintf("%016x", rt.Incarnation()))

	<-ctx.Done()
	logger.Info("收到退出信号，正在关闭")
	return rt.Close()
}

// parseFlags 解析命令行参数并合成配置
//
// 优先级：命令行 > 环境变量 > 配置文件 > 默认值。
func parseFlags(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("rendezvous-node", flag.ContinueOnError)

	var (
		devices deviceList
		peers   = peerMap{}
	)
	configFile := fs.String("config", "", "配置文件路径（.json / .yaml）")
	listen := fs.String("listen", "", "监听地址 host:port")
	logLevel := fs.String("log-level", "", "日志级别 (debug/info/warn/error)")
	fs.Var(&devices, "device", "本地设备，可重复或逗号分隔")
	fs.Var(peers, "peer", "远端设备地址 device=host:port，可重复")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *logLevel != "" {
		lvl, ok := log.ParseLevel(*logLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q", *logLevel)
		}
		log.SetLevel(lvl)
	}

	cfg := config.NewConfig()
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if *listen != "" {
		cfg.Transport.ListenAddr = *listen
	}
	if len(devices) > 0 {
		cfg.Router = cfg.Router.WithLocalDevices(devices...)
	}
	for dev, addr := range peers {
		cfg.Transport = cfg.Transport.WithPeer(dev, addr)
	}

	if cfg.Transport.ListenAddr == "" && len(cfg.Transport.Peers) == 0 {
		return nil, fmt.Errorf("need -listen or at least one -peer")
	}
	return config.ValidateAndFix(cfg)
}
