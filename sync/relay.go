package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JK-97/sensor-porter/adapter"
	"github.com/charmbracelet/log"
)

const (
	relayComponent = "relay"
	// staleAfter 超过该时间没有新消息时统计报告给出警告
	staleAfter = 2 * time.Second
	// metricsInterval 队列淘汰和异步投递失败计入指标的周期
	metricsInterval = time.Second
)

// RelayConfig Policy-Translating Relay 的配置
type RelayConfig struct {
	InputTopic   string
	OutputTopic  string
	QueueSize    int
	InputPolicy  adapter.Policy
	OutputPolicy adapter.Policy
	// StatsInterval 统计报告的周期，0 表示不报告
	StatsInterval time.Duration
}

// Validate 检查配置
func (c RelayConfig) Validate() error {
	if c.InputTopic == "" {
		return fmt.Errorf("%w: input topic is required", ErrInvalidConfig)
	}
	if c.OutputTopic == "" {
		return fmt.Errorf("%w: output topic is required", ErrInvalidConfig)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue size must be positive, got %d", ErrInvalidConfig, c.QueueSize)
	}
	if err := c.InputPolicy.WithDepth(c.QueueSize).Validate(); err != nil {
		return fmt.Errorf("%w: input policy: %w", ErrInvalidConfig, err)
	}
	if err := c.OutputPolicy.WithDepth(c.QueueSize).Validate(); err != nil {
		return fmt.Errorf("%w: output policy: %w", ErrInvalidConfig, err)
	}
	return nil
}

// RelayStats 转发统计
type RelayStats struct {
	Received  uint64
	Forwarded uint64
	// Failed Publish 返回错误的消息数
	Failed uint64
	// SendFailed 已入队但发送给 Broker 失败的消息数
	SendFailed uint64
	// Dropped 订阅端和发布端队列淘汰的消息数
	Dropped     uint64
	LastMessage time.Time
}

// Relay 以 InputPolicy 订阅 InputTopic，原样以 OutputPolicy 发布到 OutputTopic
type Relay struct {
	cfg RelayConfig
	src adapter.Subscriber
	dst adapter.Publisher
	sub adapter.Subscription
	pub adapter.Publication
	log *log.Logger
	m   *Metrics
	now func() time.Time

	received    atomic.Uint64
	forwarded   atomic.Uint64
	failed      atomic.Uint64
	lastMessage atomic.Int64

	mu         sync.Mutex
	subDropped uint64
	pubDropped uint64
	sendFailed uint64
}

// NewRelay 校验配置，然后打开订阅和发布端点，两者的队列深度都是 QueueSize
func NewRelay(src adapter.Subscriber, dst adapter.Publisher, cfg RelayConfig, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(relayComponent, opts)

	sub, err := src.Subscribe(cfg.InputTopic, cfg.InputPolicy.WithDepth(cfg.QueueSize))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", cfg.InputTopic, err)
	}
	pub, err := dst.Advertise(cfg.OutputTopic, cfg.OutputPolicy.WithDepth(cfg.QueueSize))
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("advertise %s: %w", cfg.OutputTopic, err)
	}

	r := &Relay{
		cfg: cfg,
		src: src,
		dst: dst,
		sub: sub,
		pub: pub,
		log: o.logger,
		m:   o.metrics,
		now: o.now,
	}
	r.log.Info("relay started",
		"input", cfg.InputTopic, "input_policy", sub.Policy(),
		"output", cfg.OutputTopic, "output_policy", pub.Policy())
	return r, nil
}

// Source 上游
func (r *Relay) Source() adapter.Subscriber {
	return r.src
}

// Destination 下游
func (r *Relay) Destination() adapter.Publisher {
	return r.dst
}

// Sync 接收循环。ctx 结束时返回 nil，上游订阅断开时返回 adapter.ErrConnectionClosed
func (r *Relay) Sync(ctx context.Context) error {
	defer r.flushMetrics()

	var tick <-chan time.Time
	if r.cfg.StatsInterval > 0 {
		ticker := time.NewTicker(r.cfg.StatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	metricsTicker := time.NewTicker(metricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.sub.Done():
			return adapter.ErrConnectionClosed
		case <-tick:
			r.report()
		case <-metricsTicker.C:
			r.flushMetrics()
		case d := <-r.sub.Chan():
			r.forward(ctx, d)
			r.flushMetrics()
		}
	}
}

func (r *Relay) forward(ctx context.Context, d adapter.MsgPair) {
	m := d.Message()
	n := r.received.Add(1)
	r.lastMessage.Store(r.now().UnixNano())
	r.m.Received.WithLabelValues(relayComponent, r.cfg.InputTopic).Inc()

	if n == 1 {
		r.log.Info("received first message",
			"topic", d.Topic(),
			"frame_id", m.Header.FrameID,
			"stamp", m.Header.Stamp,
			"bytes", len(m.Payload))
	}

	if err := r.pub.Publish(ctx, m); err != nil {
		r.failed.Add(1)
		r.m.Failures.WithLabelValues(relayComponent, r.cfg.OutputTopic).Inc()
		r.log.Warn("publish failed", "topic", r.cfg.OutputTopic, "err", err)
		d.Nack()
		return
	}
	r.forwarded.Add(1)
	r.m.Published.WithLabelValues(relayComponent, r.cfg.OutputTopic).Inc()
	d.Ack()
}

// Stats 当前统计
func (r *Relay) Stats() RelayStats {
	s := RelayStats{
		Received:  r.received.Load(),
		Forwarded: r.forwarded.Load(),
		Failed:     r.failed.Load(),
		SendFailed: r.pub.Failed(),
		Dropped:    r.sub.Dropped() + r.pub.Dropped(),
	}
	if ns := r.lastMessage.Load(); ns != 0 {
		s.LastMessage = time.Unix(0, ns)
	}
	return s
}

// flushMetrics 把端点上累计的队列淘汰和发送失败的增量计入指标
func (r *Relay) flushMetrics() {
	subDropped, pubDropped, sendFailed := r.sub.Dropped(), r.pub.Dropped(), r.pub.Failed()

	r.mu.Lock()
	defer r.mu.Unlock()
	if subDropped > r.subDropped {
		r.m.Dropped.WithLabelValues(relayComponent, r.cfg.InputTopic, reasonQueueOverflow).
			Add(float64(subDropped - r.subDropped))
		r.subDropped = subDropped
	}
	if pubDropped > r.pubDropped {
		r.m.Dropped.WithLabelValues(relayComponent, r.cfg.OutputTopic, reasonQueueOverflow).
			Add(float64(pubDropped - r.pubDropped))
		r.pubDropped = pubDropped
	}
	if sendFailed > r.sendFailed {
		r.m.Failures.WithLabelValues(relayComponent, r.cfg.OutputTopic).
			Add(float64(sendFailed - r.sendFailed))
		r.sendFailed = sendFailed
	}
}

func (r *Relay) report() {
	r.flushMetrics()
	s := r.Stats()

	switch idle := r.now().Sub(s.LastMessage); {
	case s.Received == 0:
		r.log.Warn("no messages received yet, check the upstream publisher", "topic", r.cfg.InputTopic)
	case idle > staleAfter:
		r.log.Warn("no new messages", "idle", idle.Round(100*time.Millisecond), "total", s.Received)
	default:
		r.log.Info("bridge is active",
			"total", s.Received, "dropped", s.Dropped,
			"last", idle.Round(100*time.Millisecond))
	}
}

// Close 关闭订阅和发布端点，未投递的消息被丢弃
func (r *Relay) Close() error {
	err := r.sub.Unsubscribe()
	if perr := r.pub.Close(); err == nil {
		err = perr
	}
	r.flushMetrics()
	return err
}
