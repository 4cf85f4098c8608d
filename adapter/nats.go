package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	stan "github.com/nats-io/stan.go"
)

const defaultClusterID = "test-cluster"

// NatsDelivery nats-streaming 协议的消息体
type NatsDelivery struct {
	delivery
	raw    *stan.Msg
	manual bool
}

// Ack acknowledge
func (d *NatsDelivery) Ack() error {
	if !d.manual {
		return nil
	}
	return transformError(d.raw.Ack())
}

// Nack not acknowledge，未 ack 的消息在 AckWait 后被重新投递
func (d *NatsDelivery) Nack() error {
	return nil
}

// NatsStreamingClient nats-streaming 协议的 MessageClient 实现
type NatsStreamingClient struct {
	URI       string
	ClusterID string
	ClientID  string
	conn      stan.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	mu        *sync.RWMutex
}

// NewNatsStreamingClient 创建 NatsStreamingClient
func NewNatsStreamingClient(uri, clusterID string) *NatsStreamingClient {
	if clusterID == "" {
		clusterID = defaultClusterID
	}
	if i := strings.Index(uri, "?"); i >= 0 {
		uri = uri[:i]
	}
	return &NatsStreamingClient{
		URI:       uri,
		ClusterID: clusterID,
		ClientID:  newClientID(),
		mu:        new(sync.RWMutex),
	}
}

// Connect 连接到 Broker
func (c *NatsStreamingClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if nc := c.conn.NatsConn(); nc != nil && !nc.IsClosed() {
			return nil
		}
		c.cancel()
		c.conn.Close()
		c.conn = nil
	}
	conn, err := stan.Connect(c.ClusterID, c.ClientID,
		stan.NatsURL(c.URI),
		stan.ConnectWait(10*time.Second),
		stan.SetConnectionLostHandler(func(_ stan.Conn, err error) {
			log.Warn("nats streaming connection lost", "uri", c.URI, "err", err)
		}),
	)
	if err != nil {
		return transformError(err)
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return nil
}

// Close 断开与 Broker 的连接
func (c *NatsStreamingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	c.cancel()
	err := c.conn.Close()
	c.conn = nil
	return transformError(err)
}

// IsClosed 判断当前连接是否断开
func (c *NatsStreamingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn != nil {
		if conn := c.conn.NatsConn(); conn != nil {
			return conn.IsClosed()
		}
	}
	return true
}

func (c *NatsStreamingClient) getConn() (stan.Conn, context.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, nil, ErrConnectionClosed
	}
	return c.conn, c.ctx, nil
}

func natsSubscriptionOptions(topic string, policy Policy) []stan.SubscriptionOption {
	opts := []stan.SubscriptionOption{stan.MaxInflight(policy.Depth)}
	if policy.Reliability == Reliable {
		opts = append(opts, stan.SetManualAckMode(), stan.AckWait(5*time.Second))
	}
	if policy.Durability == Persistent {
		opts = append(opts,
			stan.DurableName(fmt.Sprintf("porter-%s", strings.ReplaceAll(topic, "/", "_"))),
			stan.DeliverAllAvailable(),
		)
	}
	return opts
}

// Subscribe 订阅 Topic
func (c *NatsStreamingClient) Subscribe(topic string, policy Policy) (Subscription, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	conn, ctx, err := c.getConn()
	if err != nil {
		return nil, err
	}

	var s stan.Subscription
	sub := newSubscription(topic, policy, func() error {
		return s.Close()
	})
	manual := policy.Reliability == Reliable
	s, err = conn.Subscribe(topic, func(msg *stan.Msg) {
		if msg == nil {
			return
		}
		m, err := Unmarshal(msg.Data)
		if err != nil {
			log.Warn("drop nats message", "topic", msg.Subject, "err", err)
			return
		}
		d := &NatsDelivery{
			delivery: delivery{topic: msg.Subject, msg: m},
			raw:      msg,
			manual:   manual,
		}
		if err := sub.deliver(ctx, d); err != nil {
			log.Debug("nats delivery not queued", "topic", msg.Subject, "err", err)
		}
	}, natsSubscriptionOptions(topic, policy)...)
	if err != nil {
		sub.queue.Close()
		return nil, transformError(err)
	}
	return sub, nil
}

// Advertise 创建发布端点
func (c *NatsStreamingClient) Advertise(topic string, policy Policy) (Publication, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := c.getConn(); err != nil {
		return nil, err
	}

	return newPublication(topic, policy, func(_ context.Context, m *Message) error {
		conn, _, err := c.getConn()
		if err != nil {
			return err
		}
		b, err := Marshal(m)
		if err != nil {
			return err
		}
		return transformError(conn.Publish(topic, b))
	}, nil), nil
}

func transformError(err error) error {
	switch err {
	case nil:
		return nil
	case stan.ErrConnectReqTimeout:
		return ErrConnectReqTimeout
	case stan.ErrCloseReqTimeout:
		return ErrCloseReqTimeout
	case stan.ErrSubReqTimeout:
		return ErrSubReqTimeout
	case stan.ErrUnsubReqTimeout:
		return ErrUnsubReqTimeout
	case stan.ErrConnectionClosed:
		return ErrConnectionClosed
	case stan.ErrTimeout:
		return ErrTimeout
	case stan.ErrBadAck:
		return ErrBadAck
	case stan.ErrBadSubscription:
		return ErrBadSubscription
	case stan.ErrBadConnection:
		return ErrBadConnection
	case stan.ErrManualAck:
		return ErrManualAck
	case stan.ErrNilMsg:
		return ErrNilMsg
	case stan.ErrNoServerSupport:
		return ErrNoServerSupport
	case stan.ErrMaxPings:
		return ErrMaxPings
	}
	return err
}
