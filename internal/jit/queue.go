// queue.go - 异步重编译队列
//
// 请求按方法去重：同一方法已有请求排队或正在编译时，后来的请求被吸收。
// 编译线程由 errgroup 管理，上下文取消后全部退出。

package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/log"
)

// Request 重编译请求
type Request struct {
	Method persist.MethodID
	Body   persist.BodyID // 触发请求的编译体
	Level  persist.Hotness
	Reason persist.RecompReason
	// Profile 新编译体需要插入剖析
	Profile bool
}

func (r Request) String() string {
	return fmt.Sprintf("method %d body %d -> %s (%s, profile=%t)", r.Method, r.Body, r.Level, r.Reason, r.Profile)
}

// Handler 处理一个请求
type Handler func(ctx context.Context, req Request) error

// QueueStats 队列统计
type QueueStats struct {
	Enqueued   int64
	Duplicates int64
	Dropped    int64
	Completed  int64
	Failed     int64
}

// Queue 重编译队列
type Queue struct {
	ch      chan Request
	workers int
	handler Handler

	mu      sync.Mutex
	pending map[persist.MethodID]struct{}

	enqueued   uatomic.Int64
	duplicates uatomic.Int64
	dropped    uatomic.Int64
	completed  uatomic.Int64
	failed     uatomic.Int64
}

// NewQueue 创建队列
func NewQueue(size, workers int, handler Handler) *Queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		ch:      make(chan Request, size),
		workers: workers,
		handler: handler,
		pending: make(map[persist.MethodID]struct{}),
	}
}

// Enqueue 提交请求。同一方法已有请求时返回 false，队列满时也返回 false
func (q *Queue) Enqueue(req Request) bool {
	q.mu.Lock()
	if _, ok := q.pending[req.Method]; ok {
		q.mu.Unlock()
		q.duplicates.Inc()
		return false
	}
	select {
	case q.ch <- req:
		q.pending[req.Method] = struct{}{}
		q.mu.Unlock()
		q.enqueued.Inc()
		return true
	default:
		q.mu.Unlock()
		q.dropped.Inc()
		log.Warnf("jit: recompilation queue full, dropped %s", req)
		return false
	}
}

// Pending 方法是否有请求在排队或编译中
func (q *Queue) Pending(m persist.MethodID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[m]
	return ok
}

// Len 排队中的请求数
func (q *Queue) Len() int { return len(q.ch) }

// Run 启动编译线程并阻塞到 ctx 取消
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range q.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case req := <-q.ch:
					q.process(ctx, req)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Drain 在当前 goroutine 处理所有排队的请求，返回处理数
func (q *Queue) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case req := <-q.ch:
			q.process(ctx, req)
			n++
		default:
			return n
		}
	}
}

func (q *Queue) process(ctx context.Context, req Request) {
	defer func() {
		q.mu.Lock()
		delete(q.pending, req.Method)
		q.mu.Unlock()
	}()
	if err := q.handler(ctx, req); err != nil {
		q.failed.Inc()
		log.Warnf("jit: recompilation of %s failed: %v", req, err)
		return
	}
	q.completed.Inc()
}

// Stats 统计
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:   q.enqueued.Load(),
		Duplicates: q.duplicates.Load(),
		Dropped:    q.dropped.Load(),
		Completed:  q.completed.Load(),
		Failed:     q.failed.Load(),
	}
}
