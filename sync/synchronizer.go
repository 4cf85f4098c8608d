package sync

import (
	"context"
	"errors"
	"time"

	"github.com/JK-97/sensor-porter/adapter"
	"github.com/charmbracelet/log"
)

// ErrInvalidConfig 配置错误，在打开任何订阅之前返回
var ErrInvalidConfig = errors.New("porter: invalid configuration")

// Synchronizer 消息同步器
type Synchronizer interface {
	// Sync 运行接收循环，直到 ctx 结束或上游订阅断开
	Sync(ctx context.Context) error
	Source() adapter.Subscriber
	Destination() adapter.Publisher
	// Close 关闭打开的订阅和发布端点
	Close() error
}

// Option 同步器的可选项
type Option func(*options)

type options struct {
	logger  *log.Logger
	metrics *Metrics
	now     func() time.Time
}

// WithLogger 指定 logger
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics 指定 prometheus 指标
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(prefix string, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithPrefix(prefix)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}
