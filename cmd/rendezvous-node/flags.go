package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dep2p/go-rendezvous/config"
)

// deviceList 可重复的 -device 参数
type deviceList []string

func (d *deviceList) String() string {
	return strings.Join(*d, ",")
}

func (d *deviceList) Set(v string) error {
	for _, dev := range splitAndTrim(v, ",") {
		*d = append(*d, dev)
	}
	return nil
}

// peerMap 可重复的 -peer device=addr 参数
type peerMap map[string]string

func (p peerMap) String() string {
	parts := make([]string, 0, len(p))
	for dev, addr := range p {
		parts = append(parts, dev+"="+addr)
	}
	return strings.Join(parts, ",")
}

func (p peerMap) Set(v string) error {
	for _, item := range splitAndTrim(v, ",") {
		dev, addr, ok := strings.Cut(item, "=")
		if !ok || dev == "" || addr == "" {
			return fmt.Errorf("peer %q: want device=addr", item)
		}
		p[dev] = addr
	}
	return nil
}

// applyEnvOverrides 应用环境变量覆盖
//
//   - RENDEZVOUS_LISTEN_ADDR: 监听地址
//   - RENDEZVOUS_DEVICES: 本地设备，逗号分隔
//   - RENDEZVOUS_PEERS: 远端设备，device=addr 逗号分隔
func applyEnvOverrides(cfg *config.Config) error {
	if v := os.Getenv("RENDEZVOUS_LISTEN_ADDR"); v != "" {
		cfg.Transport.ListenAddr = v
	}
	if v := os.Getenv("RENDEZVOUS_DEVICES"); v != "" {
		cfg.Router = cfg.Router.WithLocalDevices(splitAndTrim(v, ",")...)
	}
	if v := os.Getenv("RENDEZVOUS_PEERS"); v != "" {
		peers := peerMap{}
		if err := peers.Set(v); err != nil {
			return fmt.Errorf("RENDEZVOUS_PEERS: %w", err)
		}
		for dev, addr := range peers {
			cfg.Transport = cfg.Transport.WithPeer(dev, addr)
		}
	}
	return nil
}

// splitAndTrim 分割并去除空白
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
