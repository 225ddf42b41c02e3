package types

import "fmt"

// ============================================================================
//                              MemoryKind
// ============================================================================

// MemoryKind 张量所在的内存空间
type MemoryKind int

const (
	// MemoryDevice 设备内存（标准 Send/Recv）
	MemoryDevice MemoryKind = iota
	// MemoryHost 主机内存（Host 变体）
	MemoryHost
)

// String 返回内存空间名称
func (k MemoryKind) String() string {
	switch k {
	case MemoryDevice:
		return "device"
	case MemoryHost:
		return "host"
	default:
		return fmt.Sprintf("memory(%d)", int(k))
	}
}

// ParseMemoryKind 解析内存空间名称
func ParseMemoryKind(s string) (MemoryKind, error) {
	switch s {
	case "device":
		return MemoryDevice, nil
	case "host":
		return MemoryHost, nil
	default:
		return 0, fmt.Errorf("unknown memory kind %q", s)
	}
}

// ============================================================================
//                              DeliveryMode
// ============================================================================

// DeliveryMode 投递模式
type DeliveryMode int

const (
	// ModePassive 被动（拉取）模式：接收端发起请求
	ModePassive DeliveryMode = iota
	// ModeActivePush 主动推送模式：发送端直接推送到远端表
	ModeActivePush
)

// String 返回投递模式名称
func (m DeliveryMode) String() string {
	switch m {
	case ModePassive:
		return "passive"
	case ModeActivePush:
		return "active-push"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ============================================================================
//                              OpKind
// ============================================================================

// OpKind 图中注册的 Send/Recv 原语
//
// 每个原语由三个正交维度决定：方向、投递模式、内存空间。
type OpKind int

const (
	OpSend OpKind = iota
	OpRecv
	OpHostSend
	OpHostRecv
	OpPushSend
	OpPushRecv
	OpPushHostSend
	OpPushHostRecv
	OpServiceSend
	OpServiceRecv
	OpServiceHostSend
	OpServiceHostRecv
)

// opInfo 原语描述
type opInfo struct {
	name   string
	send   bool
	mode   DeliveryMode
	memory MemoryKind
}

var opTable = map[OpKind]opInfo{
	OpSend:            {"_Send", true, ModePassive, MemoryDevice},
	OpRecv:            {"_Recv", false, ModePassive, MemoryDevice},
	OpHostSend:        {"_HostSend", true, ModePassive, MemoryHost},
	OpHostRecv:        {"_HostRecv", false, ModePassive, MemoryHost},
	OpPushSend:        {"_stSend", true, ModeActivePush, MemoryDevice},
	OpPushRecv:        {"_stRecv", false, ModeActivePush, MemoryDevice},
	OpPushHostSend:    {"_stHostSend", true, ModeActivePush, MemoryHost},
	OpPushHostRecv:    {"_stHostRecv", false, ModeActivePush, MemoryHost},
	OpServiceSend:     {"_StSend", true, ModeActivePush, MemoryDevice},
	OpServiceRecv:     {"_StRecv", false, ModeActivePush, MemoryDevice},
	OpServiceHostSend: {"_StHostSend", true, ModeActivePush, MemoryHost},
	OpServiceHostRecv: {"_StHostRecv", false, ModeActivePush, MemoryHost},
}

var opByName = func() map[string]OpKind {
	m := make(map[string]OpKind, len(opTable))
	for op, info := range opTable {
		m[info.name] = op
	}
	return m
}()

// ParseOpKind 按注册名解析原语
func ParseOpKind(name string) (OpKind, error) {
	op, ok := opByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown op %q", name)
	}
	return op, nil
}

// String 返回注册名
func (o OpKind) String() string {
	if info, ok := opTable[o]; ok {
		return info.name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Valid 是否为已知原语
func (o OpKind) Valid() bool {
	_, ok := opTable[o]
	return ok
}

// IsSend 是否为发送端原语
func (o OpKind) IsSend() bool {
	return opTable[o].send
}

// Mode 原语的投递模式
func (o OpKind) Mode() DeliveryMode {
	return opTable[o].mode
}

// Memory 原语要求的内存空间
//
// Host 变体要求输入/输出位于主机内存，标准变体位于设备内存。
func (o OpKind) Memory() MemoryKind {
	return opTable[o].memory
}

// Peer 返回同模式同内存空间的对端原语
func (o OpKind) Peer() OpKind {
	info := opTable[o]
	for op, other := range opTable {
		if other.send != info.send && other.mode == info.mode && other.memory == info.memory &&
			sameFamily(info.name, other.name) {
			return op
		}
	}
	return o
}

// sameFamily 同一族原语共享前缀（_, _st, _St）
func sameFamily(a, b string) bool {
	return family(a) == family(b)
}

func family(name string) string {
	switch {
	case len(name) >= 3 && name[:3] == "_st":
		return "_st"
	case len(name) >= 3 && name[:3] == "_St":
		return "_St"
	default:
		return "_"
	}
}
