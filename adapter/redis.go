package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/go-redis/redis"
)

// historyKey PERSISTENT 发布端保存历史消息的 list
func historyKey(topic string) string {
	return "porter:history:" + topic
}

// RedisMessageClient 基于 Redis 的 MessageClient 实现
type RedisMessageClient struct {
	URI    string
	redis  *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	mu     *sync.RWMutex
}

// NewRedisClient 创建 RedisMessageClient
func NewRedisClient(uri string) *RedisMessageClient {
	return &RedisMessageClient{
		URI: uri,
		mu:  new(sync.RWMutex),
	}
}

func (c *RedisMessageClient) String() string {
	return fmt.Sprintf("URI: %s", c.URI)
}

// Connect 连接到 Broker
func (c *RedisMessageClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.redis != nil {
		return nil
	}
	opt, err := redis.ParseURL(c.URI)
	if err != nil {
		return err
	}
	client := redis.NewClient(opt)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return err
	}
	c.redis = client
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return nil
}

// Close 断开与 Broker 的连接
func (c *RedisMessageClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.redis == nil {
		return nil
	}
	c.cancel()
	err := c.redis.Close()
	c.redis = nil
	return err
}

// IsClosed 判断当前连接是否断开
func (c *RedisMessageClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.redis == nil {
		return true
	}
	return c.redis.Ping().Err() != nil
}

func (c *RedisMessageClient) getRedis() (*redis.Client, context.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.redis == nil {
		return nil, nil, ErrConnectionClosed
	}
	return c.redis, c.ctx, nil
}

// Subscribe 订阅 Topic。PERSISTENT 订阅先回放 list 中保存的历史消息
func (c *RedisMessageClient) Subscribe(topic string, policy Policy) (Subscription, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	client, ctx, err := c.getRedis()
	if err != nil {
		return nil, err
	}

	pubsub := client.Subscribe(topic)
	// 等待订阅确认
	if _, err := pubsub.Receive(); err != nil {
		pubsub.Close()
		return nil, err
	}
	sub := newSubscription(topic, policy, pubsub.Close)

	if policy.Durability == Persistent {
		history, err := client.LRange(historyKey(topic), int64(-policy.Depth), -1).Result()
		if err != nil {
			log.Warn("redis history replay failed", "topic", topic, "err", err)
		}
		for _, raw := range history {
			if m, err := Unmarshal([]byte(raw)); err == nil {
				sub.deliver(ctx, NewDelivery(topic, m))
			}
		}
	}

	go func() {
		defer sub.queue.Close()
		for msg := range pubsub.Channel() {
			m, err := Unmarshal([]byte(msg.Payload))
			if err != nil {
				log.Warn("drop redis message", "topic", msg.Channel, "err", err)
				continue
			}
			if err := sub.deliver(ctx, NewDelivery(msg.Channel, m)); err != nil {
				log.Debug("redis delivery not queued", "topic", msg.Channel, "err", err)
			}
		}
	}()
	return sub, nil
}

// Advertise 创建发布端点。PERSISTENT 发布端在 list 中保留最近 depth 条消息
func (c *RedisMessageClient) Advertise(topic string, policy Policy) (Publication, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := c.getRedis(); err != nil {
		return nil, err
	}

	key := historyKey(topic)
	return newPublication(topic, policy, func(_ context.Context, m *Message) error {
		client, _, err := c.getRedis()
		if err != nil {
			return err
		}
		b, err := Marshal(m)
		if err != nil {
			return err
		}
		if policy.Durability != Persistent {
			return client.Publish(topic, b).Err()
		}
		_, err = client.TxPipelined(func(pipe redis.Pipeliner) error {
			pipe.RPush(key, b)
			pipe.LTrim(key, int64(-policy.Depth), -1)
			pipe.Publish(topic, b)
			return nil
		})
		return err
	}, nil), nil
}
