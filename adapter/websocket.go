package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/gorilla/websocket"
)

// WebsocketFrame websocket 上传输的 JSON 帧
type WebsocketFrame struct {
	Op      string   `json:"op"`
	Topic   string   `json:"topic"`
	Message *Message `json:"message,omitempty"`
}

// Websocket frame ops
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
)

// WebsocketClient ws:// 的 MessageClient 实现。
// 不支持 PERSISTENT，消息在连接断开时丢失
type WebsocketClient struct {
	URI    string
	conn   *websocket.Conn
	subs   map[string][]*subscription
	ctx    context.Context
	cancel context.CancelFunc
	wmu    sync.Mutex
	mu     *sync.RWMutex
}

// NewWebsocketClient 创建 WebsocketClient
func NewWebsocketClient(uri string) *WebsocketClient {
	return &WebsocketClient{
		URI:  uri,
		subs: make(map[string][]*subscription),
		mu:   new(sync.RWMutex),
	}
}

// Connect 连接到 websocket 网关
func (c *WebsocketClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(c.URI, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop(c.ctx, conn)
	return nil
}

// Close 断开连接，全部订阅结束
func (c *WebsocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *WebsocketClient) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	c.cancel()
	c.wmu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	err := c.conn.Close()
	c.conn = nil
	for topic, subs := range c.subs {
		for _, s := range subs {
			s.queue.Close()
		}
		delete(c.subs, topic)
	}
	return err
}

// IsClosed 判断当前连接是否断开
func (c *WebsocketClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn == nil
}

func (c *WebsocketClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame WebsocketFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				log.Warn("websocket read failed", "uri", c.URI, "err", err)
				c.mu.Lock()
				if c.conn == conn {
					c.closeLocked()
				}
				c.mu.Unlock()
			}
			return
		}
		if frame.Op != OpPublish || frame.Message == nil {
			continue
		}

		c.mu.RLock()
		subs := append([]*subscription(nil), c.subs[frame.Topic]...)
		c.mu.RUnlock()
		for _, s := range subs {
			if err := s.deliver(ctx, NewDelivery(frame.Topic, frame.Message.Clone())); err != nil {
				log.Debug("websocket delivery not queued", "topic", frame.Topic, "err", err)
			}
		}
	}
}

func (c *WebsocketClient) write(frame *WebsocketFrame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(frame)
}

func websocketPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if policy.Durability == Persistent {
		return fmt.Errorf("%w: websocket does not retain messages", ErrNoServerSupport)
	}
	return nil
}

// Subscribe 订阅 Topic
func (c *WebsocketClient) Subscribe(topic string, policy Policy) (Subscription, error) {
	if err := websocketPolicy(policy); err != nil {
		return nil, err
	}

	var sub *subscription
	sub = newSubscription(topic, policy, func() error {
		c.mu.Lock()
		subs := c.subs[topic]
		for i, s := range subs {
			if s == sub {
				c.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		last := len(c.subs[topic]) == 0
		c.mu.Unlock()
		if !last {
			return nil
		}
		return c.write(&WebsocketFrame{Op: OpUnsubscribe, Topic: topic})
	})

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	first := len(c.subs[topic]) == 0
	c.subs[topic] = append(c.subs[topic], sub)
	c.mu.Unlock()

	if first {
		if err := c.write(&WebsocketFrame{Op: OpSubscribe, Topic: topic}); err != nil {
			sub.Unsubscribe()
			return nil, err
		}
	}
	return sub, nil
}

// Advertise 创建发布端点
func (c *WebsocketClient) Advertise(topic string, policy Policy) (Publication, error) {
	if err := websocketPolicy(policy); err != nil {
		return nil, err
	}
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return newPublication(topic, policy, func(_ context.Context, m *Message) error {
		return c.write(&WebsocketFrame{Op: OpPublish, Topic: topic, Message: m})
	}, nil), nil
}
