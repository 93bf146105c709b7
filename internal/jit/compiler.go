package jit

import (
	"context"
	"fmt"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/log"
)

// ============================================================================
// 编译器接口
// ============================================================================

// Compiler 按请求编译方法的新编译体
type Compiler interface {
	Compile(ctx context.Context, req Request) (*CompiledBody, error)
}

// CompilerFunc 函数形式的 Compiler
type CompilerFunc func(ctx context.Context, req Request) (*CompiledBody, error)

// Compile 调用 f
func (f CompilerFunc) Compile(ctx context.Context, req Request) (*CompiledBody, error) {
	return f(ctx, req)
}

// CompiledBody 编译结果
type CompiledBody struct {
	// Code 方法体机器码，紧接在入口桩之后
	Code    []byte
	Hotness persist.Hotness
	Flags   persist.BodyFlag
	Profile *persist.ProfileInfo

	// Sampling 入口只测试计数器，由采样线程递减
	Sampling bool
	// InitialCount 计数器初值，0 取配置
	InitialCount int32
	// DropStickyFlags 不沿用旧编译体的永久标志
	DropStickyFlags bool

	// Calls 方法体内的直接调用，安装时按实际地址重新编码
	Calls []EmittedCall
}

// EmittedCall 方法体内的一条直接调用
type EmittedCall struct {
	Offset int     // 相对 Code 起点，该处预留 CallSize 字节
	Target uintptr // 被调入口
}

// ============================================================================
// 插桩编译器
// ============================================================================

// GraphSource 取方法的控制流图，每次调用返回新的图
type GraphSource func(method string) (*ir.Graph, error)

// Backend 指令选择和寄存器分配，把插桩后的图变成机器码
type Backend interface {
	Emit(ctx context.Context, g *ir.Graph, level persist.Hotness) ([]byte, []EmittedCall, error)
}

// CompilerStats 编译统计
type CompilerStats struct {
	Compiled     int64
	Instrumented int64
	Failed       int64
	CompileTime  time.Duration
}

// InstrumentingCompiler 取图、按策略插桩、交给后端生成代码
type InstrumentingCompiler struct {
	cfg     *Config
	arena   *persist.Arena
	graphs  GraphSource
	backend Backend

	compiled     uatomic.Int64
	instrumented uatomic.Int64
	failed       uatomic.Int64
	compileNanos uatomic.Int64
}

// NewInstrumentingCompiler 创建插桩编译器
func NewInstrumentingCompiler(cfg *Config, arena *persist.Arena, graphs GraphSource, backend Backend) *InstrumentingCompiler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &InstrumentingCompiler{cfg: cfg, arena: arena, graphs: graphs, backend: backend}
}

// Compile 实现 Compiler
func (c *InstrumentingCompiler) Compile(ctx context.Context, req Request) (*CompiledBody, error) {
	start := time.Now()
	defer func() { c.compileNanos.Add(int64(time.Since(start))) }()

	cb, err := c.compile(ctx, req)
	if err != nil {
		c.failed.Inc()
		return nil, err
	}
	c.compiled.Inc()
	return cb, nil
}

func (c *InstrumentingCompiler) compile(ctx context.Context, req Request) (*CompiledBody, error) {
	m := c.arena.Method(req.Method)
	if m == nil {
		return nil, fmt.Errorf("compile %s: method released", req)
	}
	g, err := c.graphs(m.Name())
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", m.Name(), err)
	}

	strategy := SelectStrategy(c.cfg, m, req)
	inst, err := Instrument(c.cfg, strategy, g, m)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", m.Name(), err)
	}
	if inst.Strategy != StrategyNone {
		c.instrumented.Inc()
	}

	code, calls, err := c.backend.Emit(ctx, g, req.Level)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", m.Name(), err)
	}
	if c.cfg.Trace {
		log.Debugf("jit: compiled %s at %s with %s, %d bytes", m.Name(), req.Level, inst.Strategy, len(code))
	}
	return &CompiledBody{
		Code:     code,
		Hotness:  req.Level,
		Flags:    inst.Flags,
		Profile:  inst.Profile,
		Sampling: req.Level > persist.Cold,
		Calls:    calls,
	}, nil
}

// Stats 统计
func (c *InstrumentingCompiler) Stats() CompilerStats {
	return CompilerStats{
		Compiled:     c.compiled.Load(),
		Instrumented: c.instrumented.Load(),
		Failed:       c.failed.Load(),
		CompileTime:  time.Duration(c.compileNanos.Load()),
	}
}
