package sync

import (
	"time"

	"golang.org/x/time/rate"
)

// Notice 限制日志频率，每个 interval 内最多输出一次，第一次总是输出。
// interval <= 0 时不做限制
type Notice struct {
	every     bool
	sometimes rate.Sometimes
}

// NewNotice 创建 Notice
func NewNotice(interval time.Duration) *Notice {
	if interval <= 0 {
		return &Notice{every: true}
	}
	return &Notice{sometimes: rate.Sometimes{Interval: interval}}
}

// Do 在窗口允许时执行 f
func (n *Notice) Do(f func()) {
	if n.every {
		f()
		return
	}
	n.sometimes.Do(f)
}
