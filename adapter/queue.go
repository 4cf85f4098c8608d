package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Queue 深度为 Policy.Depth 的有界队列。
//
// KEEP_LAST + BEST_EFFORT 时队列满会淘汰最旧的消息；
// RELIABLE 或 KEEP_ALL 时 Push 阻塞，直到有空位、队列关闭或 ctx 结束。
type Queue struct {
	policy  Policy
	ch      chan MsgPair
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewQueue 创建队列
func NewQueue(policy Policy) *Queue {
	depth := policy.Depth
	if depth <= 0 {
		depth = 1
	}
	return &Queue{
		policy: policy,
		ch:     make(chan MsgPair, depth),
		done:   make(chan struct{}),
	}
}

// Push 入队
func (q *Queue) Push(ctx context.Context, m MsgPair) error {
	select {
	case <-q.done:
		return ErrConnectionClosed
	default:
	}

	if q.policy.Lossy() {
		for {
			select {
			case q.ch <- m:
				return nil
			default:
			}
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}
	}

	select {
	case q.ch <- m:
		return nil
	case <-q.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBackpressure, ctx.Err())
	}
}

// Chan 读取端
func (q *Queue) Chan() <-chan MsgPair {
	return q.ch
}

// Done 队列关闭后 Done 被关闭
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len 当前缓存的消息数
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap 队列深度
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Dropped 被淘汰的消息数
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close 关闭队列，未读取的消息被丢弃
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
	})
}
