// sampler.go - 采样线程
//
// 每个周期取一批线程 PC，找到所在编译体，递减其计数器。
// 剖析体在被采到时检查剖析是否已全部完成，完成后请求编译正式版本。

package jit

import (
	"context"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/recomp/internal/jit/persist"
)

// PCSource 提供线程当前 PC 的采样
type PCSource interface {
	// SamplePCs 把采到的 PC 追加到 buf 后返回
	SamplePCs(buf []uintptr) []uintptr
}

// PCSourceFunc 函数形式的 PCSource
type PCSourceFunc func(buf []uintptr) []uintptr

// SamplePCs 调用 f
func (f PCSourceFunc) SamplePCs(buf []uintptr) []uintptr { return f(buf) }

// SamplerStats 采样统计
type SamplerStats struct {
	Ticks     int64
	Samples   int64
	Misses    int64 // PC 不在任何编译体内
	Triggered int64
}

// Sampler 采样线程
type Sampler struct {
	r      *Recompiler
	source PCSource
	delta  int32
	buf    []uintptr

	ticks     uatomic.Int64
	samples   uatomic.Int64
	misses    uatomic.Int64
	triggered uatomic.Int64
}

// NewSampler 创建采样线程
func NewSampler(cfg *Config, r *Recompiler, source PCSource) *Sampler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Sampler{r: r, source: source, delta: cfg.Sampling.Delta}
}

// Start 每 interval 执行一次 Tick，直到 ctx 取消或调用返回的 stop
// stop 等采样协程退出后才返回，可重复调用
func (s *Sampler) Start(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Tick()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Tick 执行一次采样，返回触发的重编译数
func (s *Sampler) Tick() int {
	s.ticks.Inc()
	s.buf = s.source.SamplePCs(s.buf[:0])
	triggered := 0
	for _, pc := range s.buf {
		s.samples.Inc()
		id, ok := s.r.Lookup().Find(pc)
		if !ok {
			s.misses.Inc()
			continue
		}
		if s.r.Sample(id, s.delta) || s.profilingDone(id) {
			triggered++
		}
	}
	s.triggered.Add(int64(triggered))
	return triggered
}

// profilingDone 剖析体的所有剖析轮次已结束
func (s *Sampler) profilingDone(id persist.BodyID) bool {
	b := s.r.arena.Body(id)
	if b == nil || !b.IsProfilingBody() {
		return false
	}
	p := b.ProfileInfo()
	if p == nil || !p.ProfilingComplete() {
		return false
	}
	return s.r.RequestRecompilation(id, persist.RecompDueToThreshold)
}

// Stats 统计
func (s *Sampler) Stats() SamplerStats {
	return SamplerStats{
		Ticks:     s.ticks.Load(),
		Samples:   s.samples.Load(),
		Misses:    s.misses.Load(),
		Triggered: s.triggered.Load(),
	}
}
