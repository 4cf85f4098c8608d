package adapter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttPublishTimeout = 5 * time.Second

// mqttQos RELIABLE 使用 QoS 1，BEST_EFFORT 使用 QoS 0
func mqttQos(p Policy) byte {
	if p.Reliability == Reliable {
		return 1
	}
	return 0
}

// MqttDelivery mqtt 协议的消息体
type MqttDelivery struct {
	delivery
	raw mqtt.Message
}

// Ack acknowledge
func (d *MqttDelivery) Ack() error {
	d.raw.Ack()
	return nil
}

// MqttStreamingClient mqtt 协议的 MessageClient 实现
type MqttStreamingClient struct {
	URI    string
	opt    *mqtt.ClientOptions
	client mqtt.Client
	ctx    context.Context
	cancel context.CancelFunc
	mu     *sync.RWMutex
}

// NewMqttClient 创建 MqttStreamingClient，mqtt:// 被替换为 tcp://
func NewMqttClient(uri string) *MqttStreamingClient {
	broker := uri
	if strings.HasPrefix(uri, "mqtt://") {
		broker = strings.Replace(uri, "mqtt", "tcp", 1)
	}
	opt := mqtt.NewClientOptions()
	opt.AddBroker(broker)
	opt.SetClientID(newClientID())
	opt.SetAutoReconnect(true)
	opt.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "uri", uri, "err", err)
	})
	return &MqttStreamingClient{
		URI: uri,
		opt: opt,
		mu:  new(sync.RWMutex),
	}
}

// Connect 连接到 Broker
func (c *MqttStreamingClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.client.IsConnected() {
		return nil
	}
	cli := mqtt.NewClient(c.opt)
	token := cli.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	c.client = cli
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return nil
}

// Close 断开与 Broker 的连接
func (c *MqttStreamingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	c.cancel()
	c.client.Disconnect(250)
	c.client = nil
	return nil
}

// IsClosed 判断当前连接是否断开
func (c *MqttStreamingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return true
	}
	return !c.client.IsConnected()
}

func (c *MqttStreamingClient) getClient() (mqtt.Client, context.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, nil, ErrConnectionClosed
	}
	return c.client, c.ctx, nil
}

// Subscribe 订阅 Topic
func (c *MqttStreamingClient) Subscribe(topic string, policy Policy) (Subscription, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	cli, ctx, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sub := newSubscription(topic, policy, func() error {
		token := cli.Unsubscribe(topic)
		token.Wait()
		return token.Error()
	})
	token := cli.Subscribe(topic, mqttQos(policy), func(_ mqtt.Client, msg mqtt.Message) {
		m, err := Unmarshal(msg.Payload())
		if err != nil {
			log.Warn("drop mqtt message", "topic", msg.Topic(), "err", err)
			return
		}
		d := &MqttDelivery{delivery: delivery{topic: msg.Topic(), msg: m}, raw: msg}
		if err := sub.deliver(ctx, d); err != nil {
			log.Debug("mqtt delivery not queued", "topic", msg.Topic(), "err", err)
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		sub.queue.Close()
		return nil, err
	}
	return sub, nil
}

// Advertise 创建发布端点，PERSISTENT 使用 retained 消息
func (c *MqttStreamingClient) Advertise(topic string, policy Policy) (Publication, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := c.getClient(); err != nil {
		return nil, err
	}

	qos := mqttQos(policy)
	retained := policy.Durability == Persistent
	return newPublication(topic, policy, func(_ context.Context, m *Message) error {
		cli, _, err := c.getClient()
		if err != nil {
			return err
		}
		b, err := Marshal(m)
		if err != nil {
			return err
		}
		token := cli.Publish(topic, qos, retained, b)
		if !token.WaitTimeout(mqttPublishTimeout) {
			return ErrTimeout
		}
		return token.Error()
	}, nil), nil
}
