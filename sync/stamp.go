package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/JK-97/sensor-porter/adapter"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const stampComponent = "stamp"

// DefaultNoticeInterval 等待参考流时警告日志的最小间隔
const DefaultNoticeInterval = 5 * time.Second

// State 同步状态
type State int

// States
const (
	AwaitingReference State = iota
	Synced
)

func (s State) String() string {
	if s == Synced {
		return "synced"
	}
	return "awaiting_reference"
}

// StampCell 最近一次收到的参考时间戳。整体原子替换，读者不会看到写了一半的值
type StampCell struct {
	v atomic.Pointer[adapter.Stamp]
}

// Store 写入
func (c *StampCell) Store(s adapter.Stamp) {
	c.v.Store(&s)
}

// Load 读取，尚未写入时 ok 为 false
func (c *StampCell) Load() (s adapter.Stamp, ok bool) {
	p := c.v.Load()
	if p == nil {
		return adapter.Stamp{}, false
	}
	return *p, true
}

// StampConfig Timestamp Synchronizer 的配置
type StampConfig struct {
	ReferenceTopic  string
	SecondaryTopic  string
	OutputTopic     string
	ReferencePolicy adapter.Policy
	SecondaryPolicy adapter.Policy
	OutputPolicy    adapter.Policy
	// NoticeInterval 限频日志的窗口
	NoticeInterval time.Duration
}

// Validate 检查配置
func (c StampConfig) Validate() error {
	endpoints := []struct {
		name   string
		topic  string
		policy adapter.Policy
	}{
		{"reference", c.ReferenceTopic, c.ReferencePolicy},
		{"secondary", c.SecondaryTopic, c.SecondaryPolicy},
		{"output", c.OutputTopic, c.OutputPolicy},
	}
	for _, e := range endpoints {
		if e.topic == "" {
			return fmt.Errorf("%w: %s topic is required", ErrInvalidConfig, e.name)
		}
	}
	for _, e := range endpoints {
		if err := e.policy.Validate(); err != nil {
			return fmt.Errorf("%w: %s policy: %w", ErrInvalidConfig, e.name, err)
		}
	}
	return nil
}

// Stamper 用参考流 (LiDAR) 最近的时间戳改写次级流 (IMU) 的时间戳后重新发布。
// 收到第一条参考消息之前，次级流的消息全部丢弃。
type Stamper struct {
	cfg StampConfig
	src adapter.Subscriber
	dst adapter.Publisher
	ref adapter.Subscription
	sec adapter.Subscription
	pub adapter.Publication
	log *log.Logger
	m   *Metrics

	cell     StampCell
	waiting  *Notice
	received *Notice
}

// NewStamper 校验配置，打开两个订阅和一个发布端点
func NewStamper(src adapter.Subscriber, dst adapter.Publisher, cfg StampConfig, opts ...Option) (*Stamper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(stampComponent, opts)

	ref, err := src.Subscribe(cfg.ReferenceTopic, cfg.ReferencePolicy)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", cfg.ReferenceTopic, err)
	}
	sec, err := src.Subscribe(cfg.SecondaryTopic, cfg.SecondaryPolicy)
	if err != nil {
		ref.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.SecondaryTopic, err)
	}
	pub, err := dst.Advertise(cfg.OutputTopic, cfg.OutputPolicy)
	if err != nil {
		ref.Unsubscribe()
		sec.Unsubscribe()
		return nil, fmt.Errorf("advertise %s: %w", cfg.OutputTopic, err)
	}

	s := &Stamper{
		cfg:      cfg,
		src:      src,
		dst:      dst,
		ref:      ref,
		sec:      sec,
		pub:      pub,
		log:      o.logger,
		m:        o.metrics,
		waiting:  NewNotice(cfg.NoticeInterval),
		received: NewNotice(cfg.NoticeInterval),
	}
	s.log.Info("timestamp sync started",
		"reference", cfg.ReferenceTopic, "secondary", cfg.SecondaryTopic, "output", cfg.OutputTopic)
	return s, nil
}

// Source 上游
func (s *Stamper) Source() adapter.Subscriber {
	return s.src
}

// Destination 下游
func (s *Stamper) Destination() adapter.Publisher {
	return s.dst
}

// State 当前同步状态
func (s *Stamper) State() State {
	if _, ok := s.cell.Load(); ok {
		return Synced
	}
	return AwaitingReference
}

// Reference 最近的参考时间戳
func (s *Stamper) Reference() (adapter.Stamp, bool) {
	return s.cell.Load()
}

// Sync 每个流一个接收循环。参考循环是 cell 唯一的写者，次级循环是唯一的读者
func (s *Stamper) Sync(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, s.ref, func(d adapter.MsgPair) {
			s.observe(d)
		})
	})
	g.Go(func() error {
		return s.loop(ctx, s.sec, func(d adapter.MsgPair) {
			s.restamp(ctx, d)
		})
	})
	return g.Wait()
}

func (s *Stamper) loop(ctx context.Context, sub adapter.Subscription, handle func(adapter.MsgPair)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return fmt.Errorf("%s: %w", sub.Topic(), adapter.ErrConnectionClosed)
		case d := <-sub.Chan():
			handle(d)
		}
	}
}

// observe 记录参考时间戳，参考消息本身不转发
func (s *Stamper) observe(d adapter.MsgPair) {
	stamp := d.Message().Header.Stamp
	s.cell.Store(stamp)
	d.Ack()
	s.m.Received.WithLabelValues(stampComponent, s.cfg.ReferenceTopic).Inc()
	s.received.Do(func() {
		s.log.Info("received reference data", "topic", s.cfg.ReferenceTopic, "stamp", stamp)
	})
}

func (s *Stamper) restamp(ctx context.Context, d adapter.MsgPair) {
	s.m.Received.WithLabelValues(stampComponent, s.cfg.SecondaryTopic).Inc()

	stamp, ok := s.cell.Load()
	if !ok {
		d.Ack()
		s.m.Dropped.WithLabelValues(stampComponent, s.cfg.SecondaryTopic, reasonNoReference).Inc()
		s.waiting.Do(func() {
			s.log.Warn("waiting for reference data", "topic", s.cfg.ReferenceTopic)
		})
		return
	}

	out := d.Message().Clone()
	out.Header.Stamp = stamp
	if err := s.pub.Publish(ctx, out); err != nil {
		s.m.Failures.WithLabelValues(stampComponent, s.cfg.OutputTopic).Inc()
		s.log.Warn("publish failed", "topic", s.cfg.OutputTopic, "err", err)
		d.Nack()
		return
	}
	s.m.Published.WithLabelValues(stampComponent, s.cfg.OutputTopic).Inc()
	d.Ack()
}

// Close 关闭订阅和发布端点
func (s *Stamper) Close() error {
	err := s.ref.Unsubscribe()
	if e := s.sec.Unsubscribe(); err == nil {
		err = e
	}
	if e := s.pub.Close(); err == nil {
		err = e
	}
	return err
}
