package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
//                              RendezvousKey
// ============================================================================

// RendezvousKey 标识一次逻辑传输
//
// 五个字段全部参与相等比较，可直接作为 map 键使用。
// 同一 step 内 TensorName 与设备对的组合必须唯一；
// 跨 step 复用时需通过不同的 incarnation 区分。
type RendezvousKey struct {
	// TensorName 由图编译器分配的张量名
	TensorName string

	// SendDevice 发送端设备
	SendDevice string

	// RecvDevice 接收端设备
	RecvDevice string

	// SendDeviceIncarnation 发送端进程的 incarnation
	SendDeviceIncarnation uint64

	// ClientTerminated 是否由客户端会话负责投递（feed/fetch）
	ClientTerminated bool
}

// keySeparator 规范字符串的字段分隔符
const keySeparator = ";"

// NewKey 创建 RendezvousKey
func NewKey(sendDevice string, incarnation uint64, recvDevice, tensorName string) RendezvousKey {
	return RendezvousKey{
		TensorName:            tensorName,
		SendDevice:            sendDevice,
		RecvDevice:            recvDevice,
		SendDeviceIncarnation: incarnation,
	}
}

// WithClientTerminated 返回标记为客户端终结的副本
func (k RendezvousKey) WithClientTerminated() RendezvousKey {
	k.ClientTerminated = true
	return k
}

// WithIncarnation 返回替换了 incarnation 的副本
func (k RendezvousKey) WithIncarnation(incarnation uint64) RendezvousKey {
	k.SendDeviceIncarnation = incarnation
	return k
}

// Validate 校验键字段
func (k RendezvousKey) Validate() error {
	switch {
	case k.TensorName == "":
		return fmt.Errorf("%w: empty tensor name", ErrInvalidKey)
	case k.SendDevice == "":
		return fmt.Errorf("%w: empty send device", ErrInvalidKey)
	case k.RecvDevice == "":
		return fmt.Errorf("%w: empty recv device", ErrInvalidKey)
	}
	for _, s := range []string{k.TensorName, k.SendDevice, k.RecvDevice} {
		if strings.Contains(s, keySeparator) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidKey, s, keySeparator)
		}
	}
	return nil
}

// String 返回规范字符串
//
// 格式: send_device;incarnation(16 位十六进制);recv_device;tensor_name;client_terminated
func (k RendezvousKey) String() string {
	var b strings.Builder
	b.Grow(len(k.SendDevice) + len(k.RecvDevice) + len(k.TensorName) + 28)
	b.WriteString(k.SendDevice)
	b.WriteString(keySeparator)
	fmt.Fprintf(&b, "%016x", k.SendDeviceIncarnation)
	b.WriteString(keySeparator)
	b.WriteString(k.RecvDevice)
	b.WriteString(keySeparator)
	b.WriteString(k.TensorName)
	b.WriteString(keySeparator)
	b.WriteString(strconv.FormatBool(k.ClientTerminated))
	return b.String()
}

// ParseKey 解析规范字符串
func ParseKey(s string) (RendezvousKey, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) != 5 {
		return RendezvousKey{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidKey, len(parts))
	}

	incarnation, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return RendezvousKey{}, fmt.Errorf("%w: bad incarnation %q", ErrInvalidKey, parts[1])
	}

	terminated, err := strconv.ParseBool(parts[4])
	if err != nil {
		return RendezvousKey{}, fmt.Errorf("%w: bad client_terminated %q", ErrInvalidKey, parts[4])
	}

	key := RendezvousKey{
		SendDevice:            parts[0],
		SendDeviceIncarnation: incarnation,
		RecvDevice:            parts[2],
		TensorName:            parts[3],
		ClientTerminated:      terminated,
	}
	if err := key.Validate(); err != nil {
		return RendezvousKey{}, err
	}
	return key, nil
}
