// Package jit 提供自适应重编译运行时
//
// 组件：
//   - CodeCache     可执行内存、入口补丁、延迟回收
//   - Recompiler    编译体状态机和入口重定向
//   - Queue         异步编译线程
//   - Sampler       采样线程
//   - BodyLookup    PC 到编译体的查找
//   - CallSiteTable 直接调用点
//
// 插桩由 jprofiling（块计数器）或 profilegen（双体剖析）完成，见 strategy.go。
package jit

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/jit/platform"
	"github.com/tangzhangming/recomp/internal/log"
)

// Options JIT 运行时的外部协作方
type Options struct {
	Compiler  Compiler
	Safepoint Safepoint
	PCSource  PCSource // 为 nil 时不启动采样线程
	Helpers   Helpers
}

// JIT 重编译运行时
type JIT struct {
	config *Config
	arena  *persist.Arena
	cache  *CodeCache
	gen    platform.StubGenerator

	recompiler *Recompiler
	sampler    *Sampler
}

// Stats 运行时统计
type Stats struct {
	Methods    int
	Bodies     int
	CodeCache  CodeCacheStats
	Queue      QueueStats
	Recompiler RecompilerStats
	Sampler    SamplerStats
	CallSites  int
}

// New 创建 JIT 运行时
func New(config *Config, opts Options) (*JIT, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	arch, err := config.TargetArch()
	if err != nil {
		return nil, err
	}
	gen, err := platform.New(arch)
	if err != nil {
		return nil, err
	}
	cache, err := NewCodeCache(config.Cache.CodeCacheSize)
	if err != nil {
		return nil, err
	}
	arena := persist.NewArena(config.Cache.MaxMethods, config.Cache.MaxBodies)

	r, err := NewRecompiler(config, RecompilerDeps{
		Arena:     arena,
		Cache:     cache,
		Gen:       gen,
		Safepoint: opts.Safepoint,
		Compiler:  opts.Compiler,
		Helpers:   opts.Helpers,
	})
	if err != nil {
		return nil, multierr.Append(err, cache.Close())
	}

	j := &JIT{config: config, arena: arena, cache: cache, gen: gen, recompiler: r}
	if opts.PCSource != nil {
		j.sampler = NewSampler(config, r, opts.PCSource)
	}
	log.Infof("jit: %s stubs, %d byte code cache at %#x, strategy %s",
		arch, cache.Stats().Capacity, cache.Base(), config.Strategy)
	return j, nil
}

// Config 配置
func (j *JIT) Config() *Config { return j.config }

// Arena 记录分配区
func (j *JIT) Arena() *persist.Arena { return j.arena }

// CodeCache 代码缓存
func (j *JIT) CodeCache() *CodeCache { return j.cache }

// StubGenerator 桩生成器
func (j *JIT) StubGenerator() platform.StubGenerator { return j.gen }

// Recompiler 重编译器
func (j *JIT) Recompiler() *Recompiler { return j.recompiler }

// Sampler 采样线程，未配置 PCSource 时为 nil
func (j *JIT) Sampler() *Sampler { return j.sampler }

// Run 启动编译线程和采样线程，阻塞到 ctx 取消
func (j *JIT) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return j.recompiler.Queue().Run(ctx)
	})
	if j.sampler != nil {
		stop := j.sampler.Start(ctx, j.config.SamplingInterval())
		defer stop()
	}
	return g.Wait()
}

// Install 安装方法的第一个编译体
func (j *JIT) Install(method string, cb *CompiledBody) (*persist.BodyInfo, error) {
	return j.recompiler.Install(method, cb)
}

// Reclaim 归还安全点之后不再可达的退役编译体
func (j *JIT) Reclaim() int {
	return j.recompiler.Reclaim()
}

// Stats 统计
func (j *JIT) Stats() Stats {
	methods, bodies := j.arena.Stats()
	st := Stats{
		Methods:    methods,
		Bodies:     bodies,
		CodeCache:  j.cache.Stats(),
		Queue:      j.recompiler.Queue().Stats(),
		Recompiler: j.recompiler.Stats(),
		CallSites:  j.recompiler.Sites().Len(),
	}
	if j.sampler != nil {
		st.Sampler = j.sampler.Stats()
	}
	return st
}

// Close 释放代码缓存
func (j *JIT) Close() error {
	if err := j.cache.Close(); err != nil {
		return fmt.Errorf("jit: close: %w", err)
	}
	return nil
}
