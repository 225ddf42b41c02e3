package types

// Value 传输的张量值
//
// 元素类型由图编译器校验，本层只把它当作不透明的带类型数据。
// 在 send 与匹配的 recv 之间，Value 由表独占持有。
type Value struct {
	// DType 元素类型名
	DType string

	// Shape 张量形状
	Shape []int64

	// Data 原始字节
	Data []byte

	// Memory 当前所在内存空间
	Memory MemoryKind

	// Device 当前所在设备
	Device string

	// IsDead 死张量标记（控制流未激活的分支）
	IsDead bool
}

// NumBytes 返回数据字节数
func (v Value) NumBytes() int {
	return len(v.Data)
}

// NumElements 返回元素个数（标量为 1）
func (v Value) NumElements() int64 {
	n := int64(1)
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// Clone 深拷贝，结果与原值不共享底层数组
func (v Value) Clone() Value {
	out := v
	if v.Shape != nil {
		out.Shape = append([]int64(nil), v.Shape...)
	}
	if v.Data != nil {
		out.Data = append([]byte(nil), v.Data...)
	}
	return out
}

// SharesData 判断两个值是否共享同一底层数据
func (v Value) SharesData(other Value) bool {
	if len(v.Data) == 0 || len(other.Data) == 0 {
		return false
	}
	return &v.Data[0] == &other.Data[0]
}
