package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// MsgPair 消息和消息的所属 Topic
type MsgPair interface {
	// Topic 返回消息所属主题
	Topic() string
	// Message 返回消息的内容
	Message() *Message
	// Ack acknowledge
	Ack() error
	// Nack not acknowledge
	Nack() error
}

// ConnectCloser 连接管理
type ConnectCloser interface {
	// Connect 连接到 Broker
	Connect() error
	// Close 断开与 Broker 的连接
	Close() error
	// IsClosed 判断当前连接是否断开
	IsClosed() bool
}

// Subscription 一个 Topic 上的订阅端点
type Subscription interface {
	Topic() string
	Policy() Policy
	// Chan 获取用于读取的 Channel，Channel 不会被关闭，结束以 Done 为准
	Chan() <-chan MsgPair
	// Done 在订阅结束后关闭
	Done() <-chan struct{}
	// Dropped 因队列溢出而被丢弃的消息数
	Dropped() uint64
	// Unsubscribe 取消订阅
	Unsubscribe() error
}

// Publication 一个 Topic 上的发布端点
type Publication interface {
	Topic() string
	Policy() Policy
	// Publish 发布消息。RELIABLE 队列已满时阻塞，直到 ctx 结束
	Publish(ctx context.Context, m *Message) error
	// Dropped 因队列溢出而被淘汰的消息数
	Dropped() uint64
	// Failed 已出队但投递给 Broker 失败的消息数
	Failed() uint64
	Close() error
}

// Subscriber 消息的消费者
type Subscriber interface {
	// Subscribe 以 policy 订阅 Topic
	Subscribe(topic string, policy Policy) (Subscription, error)
}

// Publisher 消息的发布者
type Publisher interface {
	// Advertise 以 policy 在 Topic 上创建发布端点
	Advertise(topic string, policy Policy) (Publication, error)
}

// MessageClient 一个 pub/sub domain 的客户端
type MessageClient interface {
	ConnectCloser
	Subscriber
	Publisher
}

// delivery 从 Broker 收取的普通消息，不支持 ack/nack
type delivery struct {
	topic string
	msg   *Message
}

// NewDelivery 构造一个 Ack/Nack 为空操作的 MsgPair
func NewDelivery(topic string, m *Message) MsgPair {
	return &delivery{topic: topic, msg: m}
}

// Topic 返回消息所属主题
func (d *delivery) Topic() string {
	return d.topic
}

// Message 返回消息的内容
func (d *delivery) Message() *Message {
	return d.msg
}

// Ack acknowledge
func (d *delivery) Ack() error {
	return nil
}

// Nack not acknowledge
func (d *delivery) Nack() error {
	return nil
}

const clientIDPrefix = "streaming-porter"

func newClientID() string {
	return clientIDPrefix + "-" + strings.Split(uuid.NewString(), "-")[0]
}

// CreateClient 通过 uri 获取所需要的 MessageClient
func CreateClient(uri string) (MessageClient, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "memory":
		name := u.Host + u.Path
		if name == "" {
			name = "default"
		}
		return NewMemoryClient(name), nil
	case "redis":
		return NewRedisClient(uri), nil
	case "amqp", "amqps":
		return NewAmqpClient(uri), nil
	case "nats":
		return NewNatsStreamingClient(uri, u.Query().Get("cluster")), nil
	case "mqtt", "tcp", "ssl":
		return NewMqttClient(uri), nil
	case "ws", "wss":
		return NewWebsocketClient(uri), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}
