package table

import "time"

// EntryKind 挂起条目类型
type EntryKind int

const (
	// KindValue 等待消费者的值
	KindValue EntryKind = iota
	// KindWaiter 等待值的接收者
	KindWaiter
)

// String 返回条目类型名称
func (k EntryKind) String() string {
	if k == KindWaiter {
		return "waiter"
	}
	return "value"
}

// Observer 表事件观察者（用于指标）
//
// 方法可能在持有分片锁时被调用，实现必须非阻塞。
type Observer interface {
	// EntryAdded 新增挂起条目
	EntryAdded(kind EntryKind)

	// EntryRemoved 移除挂起条目（匹配、取消、中止、超时）
	EntryRemoved(kind EntryKind)

	// Delivered 完成一次匹配，latency 为先到者等待时长
	Delivered(latency time.Duration)

	// Cancelled 键被取消
	Cancelled(n int)

	// Aborted 批量中止释放了 n 个条目
	Aborted(n int)

	// Failed 某次调用以错误结束
	Failed(err error)
}

type noopObserver struct{}

func (noopObserver) EntryAdded(EntryKind)    {}
func (noopObserver) EntryRemoved(EntryKind)  {}
func (noopObserver) Delivered(time.Duration) {}
func (noopObserver) Cancelled(int)           {}
func (noopObserver) Aborted(int)             {}
func (noopObserver) Failed(error)            {}
