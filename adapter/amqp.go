package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/streadway/amqp"
)

const (
	defaultQueuePrefix = "streaming-porter"
	exchangeTypeFanout = "fanout"
)

// AMQPDelivery amqp 协议的消息体
type AMQPDelivery struct {
	delivery
	raw    *amqp.Delivery
	manual bool
}

// Ack acknowledge
func (d *AMQPDelivery) Ack() error {
	if !d.manual {
		return nil
	}
	return d.raw.Ack(false)
}

// Nack not acknowledge
func (d *AMQPDelivery) Nack() error {
	if !d.manual {
		return nil
	}
	return d.raw.Nack(false, true)
}

// AmqpMessageClient 处理 AMQP 协议的消息接收发送。
// 仅支持 AMQP 0.9.1 协议，每个 Topic 对应一个 fanout exchange
type AmqpMessageClient struct {
	URI    string
	Queue  string
	conn   *amqp.Connection
	ctx    context.Context
	cancel context.CancelFunc
	mu     *sync.RWMutex
}

// NewAmqpClient 创建 AmqpMessageClient
func NewAmqpClient(uri string) *AmqpMessageClient {
	return &AmqpMessageClient{
		URI:   uri,
		Queue: defaultQueuePrefix,
		mu:    new(sync.RWMutex),
	}
}

// Connect 连接到 Broker
func (c *AmqpMessageClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	connection, err := amqp.Dial(c.URI)
	if err != nil {
		return err
	}
	c.conn = connection
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return nil
}

// Close 断开与 Broker 的连接
func (c *AmqpMessageClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	c.cancel()
	err := c.conn.Close()
	c.conn = nil
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}

// IsClosed 判断当前连接是否断开
func (c *AmqpMessageClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn != nil {
		return c.conn.IsClosed()
	}
	return true
}

func (c *AmqpMessageClient) channel(topic string) (*amqp.Channel, context.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, nil, ErrConnectionClosed
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(topic, exchangeTypeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, nil, err
	}
	return ch, c.ctx, nil
}

func (c *AmqpMessageClient) queueName(topic string) string {
	return fmt.Sprintf("%s.%s", c.Queue, strings.Trim(strings.ReplaceAll(topic, "/", "."), "."))
}

// Subscribe 订阅 Topic。
// PERSISTENT 使用持久化的具名队列，VOLATILE 使用 broker 命名的临时队列
func (c *AmqpMessageClient) Subscribe(topic string, policy Policy) (Subscription, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	ch, ctx, err := c.channel(topic)
	if err != nil {
		return nil, err
	}

	durable := policy.Durability == Persistent
	name := ""
	if durable {
		name = c.queueName(topic)
	}
	q, err := ch.QueueDeclare(name, durable, !durable, !durable, false, nil)
	if err == nil {
		err = ch.QueueBind(q.Name, "", topic, false, nil)
	}
	manual := policy.Reliability == Reliable
	if err == nil && manual {
		err = ch.Qos(policy.Depth, 0, false)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = ch.Consume(q.Name, "", !manual, false, false, false, nil)
	}
	if err != nil {
		ch.Close()
		return nil, err
	}

	sub := newSubscription(topic, policy, ch.Close)
	go func() {
		defer sub.queue.Close()
		for d := range deliveries {
			m, err := Unmarshal(d.Body)
			if err != nil {
				log.Warn("drop amqp message", "topic", d.Exchange, "err", err)
				if manual {
					d.Reject(false)
				}
				continue
			}
			msg := &AMQPDelivery{
				delivery: delivery{topic: d.Exchange, msg: m},
				raw:      &d,
				manual:   manual,
			}
			if err := sub.deliver(ctx, msg); err != nil {
				log.Debug("amqp delivery not queued", "topic", d.Exchange, "err", err)
				msg.Nack()
			}
		}
	}()
	return sub, nil
}

// Advertise 创建发布端点，PERSISTENT 使用持久化投递模式
func (c *AmqpMessageClient) Advertise(topic string, policy Policy) (Publication, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	ch, _, err := c.channel(topic)
	if err != nil {
		return nil, err
	}

	mode := amqp.Transient
	if policy.Durability == Persistent {
		mode = amqp.Persistent
	}
	return newPublication(topic, policy, func(_ context.Context, m *Message) error {
		b, err := Marshal(m)
		if err != nil {
			return err
		}
		err = ch.Publish(topic, "", false, false, amqp.Publishing{
			Body:         b,
			ContentType:  "application/json",
			DeliveryMode: mode,
			Timestamp:    m.Header.Stamp.Time(),
		})
		if err == amqp.ErrClosed {
			return ErrConnectionClosed
		}
		return err
	}, ch.Close), nil
}
