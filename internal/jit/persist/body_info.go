// body_info.go - 编译体记录
//
// 每个已编译代码体一个 BodyInfo。入口之前固定偏移处保存它在 Arena 中的索引，
// 运行时由入口 PC 即可找回记录。
//
// 调用计数器按普通内存语义使用：只做 load / store，不做读改写，
// 并发调用丢失的递减可以容忍。用原子 load / store 表达，使竞态检测保持安静。

package persist

import (
	"fmt"
	"unsafe"

	"go.uber.org/atomic"
)

// BodyID 编译体记录在 Arena 中的索引
type BodyID uint32

// InvalidBody 无效编译体索引
const InvalidBody BodyID = ^BodyID(0)

// BodyFlag 编译体标志
type BodyFlag uint32

const (
	BodyHasLoops                 BodyFlag = 1 << iota // 含循环
	BodyMayHaveNestedLoops                            // 可能含嵌套循环
	BodyUsesPreexistence                              // 使用前置存在假设
	BodyIsProfilingBody                               // 剖析体
	BodyIsAOT                                         // AOT 代码
	BodySamplingRecompile                             // 采样触发重编译
	BodyIsPushedForRecompilation                      // 已被推入重编译队列
	BodyIsInvalidated                                 // 已失效，不得再进入
)

// 跨重编译沿用的标志
const (
	BodyUsesJProfiling BodyFlag = 1 << (16 + iota)
	BodyUsesGCR

	stickyBodyFlags = BodyUsesJProfiling | BodyUsesGCR
)

// BodyState 运行时状态
type BodyState int32

const (
	StateFresh                 BodyState = iota // 刚安装
	StateThresholdReached                       // 计数器已越过阈值
	StateRecompilationInFlight                  // 新编译体正在编译
	StateRetired                                // 入口已重定向，等待回收
)

func (s BodyState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateThresholdReached:
		return "thresholdReached"
	case StateRecompilationInFlight:
		return "recompilationInFlight"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// BodyConfig 创建编译体记录的参数
type BodyConfig struct {
	Hotness                        Hotness
	InitialCount                   int32
	Flags                          BodyFlag
	StartPC                        uintptr
	Profile                        *ProfileInfo
	AggressiveRecompilationChances uint8
}

// BodyInfo 编译体持久信息
type BodyInfo struct {
	id      BodyID
	method  MethodID
	hotness Hotness

	counter    atomic.Int32
	startCount int32

	flags atomic.Uint32
	state atomic.Int32

	aggressiveChances atomic.Uint32
	scorchingSamples  atomic.Int32 // 处于最高温度的采样次数

	startPC uintptr
	profile *ProfileInfo
}

func newBodyInfo(id BodyID, method MethodID, cfg BodyConfig) *BodyInfo {
	b := &BodyInfo{
		id:         id,
		method:     method,
		hotness:    cfg.Hotness,
		startCount: cfg.InitialCount,
		startPC:    cfg.StartPC,
		profile:    cfg.Profile,
	}
	b.counter.Store(cfg.InitialCount)
	b.flags.Store(uint32(cfg.Flags))
	b.aggressiveChances.Store(uint32(cfg.AggressiveRecompilationChances))
	if b.profile != nil {
		b.profile.IncRef()
	}
	return b
}

// ID 编译体索引
func (b *BodyInfo) ID() BodyID { return b.id }

// Method 所属方法
func (b *BodyInfo) Method() MethodID { return b.method }

// Hotness 编译等级
func (b *BodyInfo) Hotness() Hotness { return b.hotness }

// StartPC 入口地址
func (b *BodyInfo) StartPC() uintptr { return b.startPC }

// SetStartPC 设置入口地址，只在代码写入缓存、记录发布之前调用
func (b *BodyInfo) SetStartPC(pc uintptr) { b.startPC = pc }

// ProfileInfo 剖析快照（可能为 nil）
func (b *BodyInfo) ProfileInfo() *ProfileInfo { return b.profile }

// String 调试输出
func (b *BodyInfo) String() string {
	return fmt.Sprintf("body#%d(method=%d, %s, count=%d/%d, %s)",
		b.id, b.method, b.hotness, b.Counter(), b.startCount, b.State())
}

// ============================================================================
// 调用计数
// ============================================================================

// RecordInvocation 递减调用计数器，返回这一次是否恰好越过零
//
// 计数器从 N 开始时，第 N 次调用返回 true。丢失的更新只会推迟越过，
// 任何把计数器写成 0 的调用都会报告越过，因此零点不会被跳过。
func (b *BodyInfo) RecordInvocation() bool {
	v := b.counter.Load() - 1
	b.counter.Store(v)
	return v == 0
}

// Sample 采样线程的递减，返回递减后的值
func (b *BodyInfo) Sample(delta int32) int32 {
	v := b.counter.Load() - delta
	b.counter.Store(v)
	return v
}

// CounterAddress 计数器的地址，入口桩直接读写这 4 个字节
// 记录由 Arena 持有直到 ReleaseBody，地址在此之前保持有效
func (b *BodyInfo) CounterAddress() uintptr {
	return uintptr(unsafe.Pointer(&b.counter))
}

// Counter 当前计数
func (b *BodyInfo) Counter() int32 { return b.counter.Load() }

// StartCount 初始计数
func (b *BodyInfo) StartCount() int32 { return b.startCount }

// ResetCounter 重置计数器（重编译失败后使用）
func (b *BodyInfo) ResetCounter(v int32) {
	b.counter.Store(v)
}

// ============================================================================
// 标志
// ============================================================================

// HasFlag 检查标志
func (b *BodyInfo) HasFlag(f BodyFlag) bool {
	return BodyFlag(b.flags.Load())&f != 0
}

// SetFlag 置位或清除标志
func (b *BodyInfo) SetFlag(f BodyFlag, v bool) {
	for {
		old := b.flags.Load()
		nw := old | uint32(f)
		if !v {
			nw = old &^ uint32(f)
		}
		if old == nw || b.flags.CAS(old, nw) {
			return
		}
	}
}

// Flags 全部标志
func (b *BodyInfo) Flags() BodyFlag { return BodyFlag(b.flags.Load()) }

// IsInvalidated 是否已失效
func (b *BodyInfo) IsInvalidated() bool { return b.HasFlag(BodyIsInvalidated) }

// IsProfilingBody 是否为剖析体
func (b *BodyInfo) IsProfilingBody() bool { return b.HasFlag(BodyIsProfilingBody) }

// SetIsPushedForRecompilation 标记已入队
// 普通存储即可，队列按方法去重
func (b *BodyInfo) SetIsPushedForRecompilation() {
	b.SetFlag(BodyIsPushedForRecompilation, true)
}

// IsPushedForRecompilation 是否已入队
func (b *BodyInfo) IsPushedForRecompilation() bool {
	return b.HasFlag(BodyIsPushedForRecompilation)
}

// AggressiveRecompilationChances 剩余激进重编译机会
func (b *BodyInfo) AggressiveRecompilationChances() uint32 {
	return b.aggressiveChances.Load()
}

// DecAggressiveRecompilationChances 消耗一次激进重编译机会
func (b *BodyInfo) DecAggressiveRecompilationChances() {
	if v := b.aggressiveChances.Load(); v > 0 {
		b.aggressiveChances.Store(v - 1)
	}
}

// IncScorchingSamples 处于最高温度的采样次数加一
func (b *BodyInfo) IncScorchingSamples() int32 {
	return b.scorchingSamples.Inc()
}

// ============================================================================
// 状态机
// ============================================================================

// State 当前状态
func (b *BodyInfo) State() BodyState { return BodyState(b.state.Load()) }

// Transition 从 from 迁移到 to，只有一个调用者会成功
func (b *BodyInfo) Transition(from, to BodyState) bool {
	return b.state.CAS(int32(from), int32(to))
}
