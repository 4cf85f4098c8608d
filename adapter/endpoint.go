package adapter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// subscription 各 MessageClient 共用的订阅端点，Broker 的回调将消息写入 queue
type subscription struct {
	topic  string
	policy Policy
	queue  *Queue
	unsub  func() error
	once   sync.Once
}

func newSubscription(topic string, policy Policy, unsub func() error) *subscription {
	return &subscription{
		topic:  topic,
		policy: policy,
		queue:  NewQueue(policy),
		unsub:  unsub,
	}
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Policy() Policy { return s.policy }

func (s *subscription) Chan() <-chan MsgPair { return s.queue.Chan() }

func (s *subscription) Done() <-chan struct{} { return s.queue.Done() }

func (s *subscription) Dropped() uint64 { return s.queue.Dropped() }

// Unsubscribe 取消订阅
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.unsub != nil {
			err = transformError(s.unsub())
		}
		s.queue.Close()
	})
	return err
}

func (s *subscription) deliver(ctx context.Context, d MsgPair) error {
	return s.queue.Push(ctx, d)
}

type sendFunc func(ctx context.Context, m *Message) error

// publication 各 MessageClient 共用的发布端点。
// 消息先进入 queue，由单独的 goroutine 调用 send 投递。
type publication struct {
	topic   string
	policy  Policy
	queue   *Queue
	send    sendFunc
	onClose func() error
	failed  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newPublication(topic string, policy Policy, send sendFunc, onClose func() error) *publication {
	ctx, cancel := context.WithCancel(context.Background())
	p := &publication{
		topic:   topic,
		policy:  policy,
		queue:   NewQueue(policy),
		send:    send,
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *publication) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.queue.Done():
			return
		case d := <-p.queue.Chan():
			if err := p.send(p.ctx, d.Message()); err != nil {
				p.failed.Add(1)
				log.Warn("delivery failed", "topic", p.topic, "err", err)
			}
		}
	}
}

func (p *publication) Topic() string { return p.topic }

func (p *publication) Policy() Policy { return p.policy }

// Publish 发布消息
func (p *publication) Publish(ctx context.Context, m *Message) error {
	if m == nil {
		return ErrNilMsg
	}
	return p.queue.Push(ctx, NewDelivery(p.topic, m))
}

func (p *publication) Dropped() uint64 {
	return p.queue.Dropped()
}

func (p *publication) Failed() uint64 {
	return p.failed.Load()
}

// Close 停止投递，队列中尚未发送的消息被丢弃
func (p *publication) Close() error {
	var err error
	p.once.Do(func() {
		p.queue.Close()
		p.cancel()
		p.wg.Wait()
		if p.onClose != nil {
			err = transformError(p.onClose())
		}
	})
	return err
}
