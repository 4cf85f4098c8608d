package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/JK-97/sensor-porter/adapter"
	portersync "github.com/JK-97/sensor-porter/sync"
)

const retryInterval = time.Second

// tryUntilConnected 重试直到连接成功或 ctx 结束
func tryUntilConnected(ctx context.Context, uri string, client adapter.MessageClient) error {
	for {
		err := client.Connect()
		if err == nil {
			return nil
		}
		log.Warn("connect failed", "uri", uri, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// clientPool 相同 uri 共用一个 MessageClient
type clientPool struct {
	mu      sync.Mutex
	clients map[string]adapter.MessageClient
}

func newClientPool() *clientPool {
	return &clientPool{clients: make(map[string]adapter.MessageClient)}
}

// Get 获取已连接的 client
func (p *clientPool) Get(ctx context.Context, uri string) (adapter.MessageClient, error) {
	p.mu.Lock()
	client, ok := p.clients[uri]
	if !ok {
		var err error
		client, err = adapter.CreateClient(uri)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.clients[uri] = client
	}
	p.mu.Unlock()

	if err := tryUntilConnected(ctx, uri, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Close 关闭全部 client
func (p *clientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for uri, client := range p.clients {
		if err := client.Close(); err != nil {
			log.Warn("close client", "uri", uri, "err", err)
		}
		delete(p.clients, uri)
	}
}

// supervise 运行 build 创建的同步器。上游断开后重新连接并重建，
// 只有配置错误会被返回
func supervise(ctx context.Context, name string, build func(context.Context) (portersync.Synchronizer, error)) error {
	for {
		s, err := build(ctx)
		switch {
		case err == nil:
			err = s.Sync(ctx)
			if cerr := s.Close(); cerr != nil {
				log.Debug("close synchronizer", "name", name, "err", cerr)
			}
		case errors.Is(err, portersync.ErrInvalidConfig):
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("synchronizer stopped, restarting", "name", name, "err", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryInterval):
		}
	}
}
