package interfaces

import "github.com/dep2p/go-rendezvous/pkg/types"

// IncarnationGuard 远端进程身份校验
type IncarnationGuard interface {
	// Check 比较期望的 incarnation 与记录；不一致返回 ErrStaleIncarnation
	Check(device string, expected uint64) error

	// Admit 校验通过后执行 fn（通常是写入本地表）；
	// fn 执行期间若发生 Update，补扫该键，保证旧 incarnation 的条目不会残留
	Admit(key types.RendezvousKey, fn func() error) error

	// Update 记录设备的新 incarnation，并失效引用旧 incarnation 的挂起条目
	Update(device string, incarnation uint64) int

	// Incarnation 返回设备当前记录
	Incarnation(device string) (uint64, bool)
}
