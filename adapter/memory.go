package adapter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var buses = struct {
	sync.Mutex
	m map[string]*Bus
}{m: make(map[string]*Bus)}

// OpenBus 获取名为 name 的进程内 domain，不存在则创建
func OpenBus(name string) *Bus {
	buses.Lock()
	defer buses.Unlock()

	b, ok := buses.m[name]
	if !ok {
		b = &Bus{name: name, topics: make(map[string]*busTopic)}
		buses.m[name] = b
	}
	return b
}

// Bus 进程内的 pub/sub domain。
// 只有 Policy 兼容的发布端和订阅端之间才会投递消息。
type Bus struct {
	name   string
	mu     sync.RWMutex
	topics map[string]*busTopic
	seq    atomic.Uint64
}

type busTopic struct {
	pubs map[*busPublication]struct{}
	subs map[*subscription]struct{}
}

// retainedMessage seq 在整个 Bus 内递增，用于合并多个发布端的历史
type retainedMessage struct {
	seq uint64
	msg *Message
}

type busPublication struct {
	*publication
	mu      sync.Mutex
	history []retainedMessage
}

func (p *busPublication) retain(seq uint64, m *Message) {
	if p.policy.Durability != Persistent {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, retainedMessage{seq: seq, msg: m})
	if len(p.history) > p.policy.Depth {
		p.history = p.history[len(p.history)-p.policy.Depth:]
	}
}

func (p *busPublication) retained() []retainedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]retainedMessage(nil), p.history...)
}

func (b *Bus) topic(name string) *busTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &busTopic{
			pubs: make(map[*busPublication]struct{}),
			subs: make(map[*subscription]struct{}),
		}
		b.topics[name] = t
	}
	return t
}

// Subscribe 订阅 Topic。PERSISTENT 订阅会收到兼容的 PERSISTENT 发布端保留的历史消息，
// 所有发布端的历史按发布顺序合并后只保留最近 policy.Depth 条。
func (b *Bus) Subscribe(topic string, policy Policy) (Subscription, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var sub *subscription
	sub = newSubscription(topic, policy, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topic(topic).subs, sub)
		return nil
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	var history []retainedMessage
	for pub := range t.pubs {
		if !Compatible(pub.policy, policy) {
			log.Warn("incompatible delivery policy, endpoints not matched",
				"bus", b.name, "topic", topic, "offered", pub.policy, "requested", policy)
			continue
		}
		if policy.Durability == Persistent {
			history = append(history, pub.retained()...)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].seq < history[j].seq
	})
	if len(history) > policy.Depth {
		history = history[len(history)-policy.Depth:]
	}
	// sub 尚未对 fanout 可见且 len(history) <= 队列深度，回放不会阻塞
	for _, r := range history {
		sub.deliver(context.Background(), NewDelivery(topic, r.msg.Clone()))
	}
	t.subs[sub] = struct{}{}
	return sub, nil
}

// Advertise 创建发布端点
func (b *Bus) Advertise(topic string, policy Policy) (Publication, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	pub := &busPublication{}
	pub.publication = newPublication(topic, policy,
		func(ctx context.Context, m *Message) error {
			return b.fanout(ctx, pub, m)
		},
		func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.topic(topic).pubs, pub)
			return nil
		})

	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	t.pubs[pub] = struct{}{}
	for sub := range t.subs {
		if !Compatible(policy, sub.policy) {
			log.Warn("incompatible delivery policy, endpoints not matched",
				"bus", b.name, "topic", topic, "offered", policy, "requested", sub.policy)
		}
	}
	return pub, nil
}

// fanout 在同一把读锁内保存历史并取订阅者快照，
// 与 Subscribe 互斥，新订阅者不会既从历史又从实时投递中收到同一条消息
func (b *Bus) fanout(ctx context.Context, pub *busPublication, m *Message) error {
	b.mu.RLock()
	pub.retain(b.seq.Add(1), m)
	t := b.topic(pub.topic)
	subs := make([]*subscription, 0, len(t.subs))
	for sub := range t.subs {
		if Compatible(pub.policy, sub.policy) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		err := sub.deliver(ctx, NewDelivery(pub.topic, m.Clone()))
		if err != nil && !errors.Is(err, ErrConnectionClosed) {
			return err
		}
	}
	return nil
}

// MemoryClient memory:// 的 MessageClient 实现，同名的 client 共享一个 Bus
type MemoryClient struct {
	Name string
	bus  *Bus
	subs []Subscription
	pubs []Publication
	mu   *sync.RWMutex
}

// NewMemoryClient 创建 MemoryClient
func NewMemoryClient(name string) *MemoryClient {
	return &MemoryClient{Name: name, mu: new(sync.RWMutex)}
}

// Connect 连接到 Bus
func (c *MemoryClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bus == nil {
		c.bus = OpenBus(c.Name)
	}
	return nil
}

// Close 关闭该 client 创建的全部端点
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.subs {
		s.Unsubscribe()
	}
	for _, p := range c.pubs {
		p.Close()
	}
	c.subs, c.pubs, c.bus = nil, nil, nil
	return nil
}

// IsClosed 判断当前连接是否断开
func (c *MemoryClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.bus == nil
}

// Subscribe 订阅 Topic
func (c *MemoryClient) Subscribe(topic string, policy Policy) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bus == nil {
		return nil, ErrConnectionClosed
	}
	sub, err := c.bus.Subscribe(topic, policy)
	if err != nil {
		return nil, err
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Advertise 创建发布端点
func (c *MemoryClient) Advertise(topic string, policy Policy) (Publication, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bus == nil {
		return nil, ErrConnectionClosed
	}
	pub, err := c.bus.Advertise(topic, policy)
	if err != nil {
		return nil, err
	}
	c.pubs = append(c.pubs, pub)
	return pub, nil
}
