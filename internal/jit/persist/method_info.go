// method_info.go - 方法级持久记录
//
// MethodInfo 在方法第一次编译时创建，跨越所有重编译存活。
// 标志分为两个字段：
//   sticky  - 一旦置位便永久有效（HCR 替换、放弃剖析等）
//   compile - 只对下一次编译有效的瞬态标志，低 4 位存放重编译原因
// 两个字段都只通过掩码访问器读写。

package persist

import (
	"sync"

	"go.uber.org/atomic"
)

// MethodID 方法记录在 Arena 中的索引
type MethodID uint32

// InvalidMethod 无效方法索引
const InvalidMethod MethodID = ^MethodID(0)

// MethodFlag 永久性方法标志
type MethodFlag uint32

const (
	MethodProfilingDisabled                       MethodFlag = 1 << iota // 禁止再做剖析编译
	MethodIsReplaced                                                     // 已被 HCR 替换，永久
	MethodNeverInterpreted                                               // 从未经过解释执行
	MethodSwitchedAwayFromProfiling                                      // 不再请求双体剖析策略
	MethodDisableMiscSamplingCounterDecrementation                       // 采样线程不再递减计数器
)

// compile 字中的瞬态标志（低 4 位为 RecompReason）
const (
	compileNextShouldProfile uint32 = 1 << (4 + iota) // 下一次编译插入剖析
	compileHasFailedRecompilation
	compileOptLevelDowngraded
)

// MethodInfo 方法持久信息
type MethodInfo struct {
	id   MethodID
	name string

	sticky  atomic.Uint32
	compile atomic.Uint32

	nextCompileLevel atomic.Int32 // Hotness
	currentBody      atomic.Uint32

	numInvalidations      atomic.Int32
	numPrexAssumeFailures atomic.Int32

	mu            sync.Mutex
	recentProfile *ProfileInfo
	bestProfile   *ProfileInfo
}

func newMethodInfo(id MethodID, name string) *MethodInfo {
	m := &MethodInfo{id: id, name: name}
	m.nextCompileLevel.Store(int32(HotnessUnknown))
	m.currentBody.Store(uint32(InvalidBody))
	return m
}

// ID 方法索引
func (m *MethodInfo) ID() MethodID { return m.id }

// Name 方法名
func (m *MethodInfo) Name() string { return m.name }

// ============================================================================
// 永久标志
// ============================================================================

// HasFlag 检查永久标志
func (m *MethodInfo) HasFlag(f MethodFlag) bool {
	return MethodFlag(m.sticky.Load())&f != 0
}

// SetFlag 置位永久标志（只置位，不清除）
func (m *MethodInfo) SetFlag(f MethodFlag) {
	for {
		old := m.sticky.Load()
		if old&uint32(f) == uint32(f) {
			return
		}
		if m.sticky.CAS(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag 清除永久标志，MethodIsReplaced 不可清除
func (m *MethodInfo) ClearFlag(f MethodFlag) {
	f &^= MethodIsReplaced
	for {
		old := m.sticky.Load()
		if old&uint32(f) == 0 {
			return
		}
		if m.sticky.CAS(old, old&^uint32(f)) {
			return
		}
	}
}

// IsReplaced 方法是否已被替换
func (m *MethodInfo) IsReplaced() bool { return m.HasFlag(MethodIsReplaced) }

// SetIsReplaced 标记方法已被替换（永久）
func (m *MethodInfo) SetIsReplaced() { m.SetFlag(MethodIsReplaced) }

// ProfilingDisabled 是否禁止剖析
func (m *MethodInfo) ProfilingDisabled() bool { return m.HasFlag(MethodProfilingDisabled) }

// SwitchAwayFromProfiling 不再对该方法使用双体剖析
func (m *MethodInfo) SwitchAwayFromProfiling() { m.SetFlag(MethodSwitchedAwayFromProfiling) }

// SwitchedAwayFromProfiling 是否已放弃双体剖析
func (m *MethodInfo) SwitchedAwayFromProfiling() bool {
	return m.HasFlag(MethodSwitchedAwayFromProfiling)
}

// SetDisableMiscSamplingCounterDecrementation 禁止采样线程递减计数器
func (m *MethodInfo) SetDisableMiscSamplingCounterDecrementation() {
	m.SetFlag(MethodDisableMiscSamplingCounterDecrementation)
}

// DisableMiscSamplingCounterDecrementation 采样线程是否还能递减计数器
func (m *MethodInfo) DisableMiscSamplingCounterDecrementation() bool {
	return m.HasFlag(MethodDisableMiscSamplingCounterDecrementation)
}

// ============================================================================
// 瞬态标志与重编译原因
// ============================================================================

func (m *MethodInfo) updateCompile(fn func(uint32) uint32) {
	for {
		old := m.compile.Load()
		if m.compile.CAS(old, fn(old)) {
			return
		}
	}
}

// SetReasonForRecompilation 记录重编译原因
// 同一时刻只保存一个原因，后写覆盖先写
func (m *MethodInfo) SetReasonForRecompilation(r RecompReason) {
	m.updateCompile(func(w uint32) uint32 {
		return w&^reasonMask | uint32(r)&reasonMask
	})
}

// ReasonForRecompilation 当前重编译原因
func (m *MethodInfo) ReasonForRecompilation() RecompReason {
	return RecompReason(m.compile.Load() & reasonMask)
}

func (m *MethodInfo) setCompileBit(bit uint32, v bool) {
	m.updateCompile(func(w uint32) uint32 {
		if v {
			return w | bit
		}
		return w &^ bit
	})
}

// SetNextCompileShouldProfile 下一次编译是否插入剖析代码
func (m *MethodInfo) SetNextCompileShouldProfile(v bool) {
	m.setCompileBit(compileNextShouldProfile, v)
}

// NextCompileShouldProfile 读取剖析请求位
func (m *MethodInfo) NextCompileShouldProfile() bool {
	return m.compile.Load()&compileNextShouldProfile != 0
}

// SetHasFailedRecompilation 记录重编译失败
func (m *MethodInfo) SetHasFailedRecompilation(v bool) {
	m.setCompileBit(compileHasFailedRecompilation, v)
}

// HasFailedRecompilation 上一次重编译是否失败
func (m *MethodInfo) HasFailedRecompilation() bool {
	return m.compile.Load()&compileHasFailedRecompilation != 0
}

// SetOptLevelDowngraded 记录等级被降级
func (m *MethodInfo) SetOptLevelDowngraded(v bool) {
	m.setCompileBit(compileOptLevelDowngraded, v)
}

// OptLevelDowngraded 等级是否被降级
func (m *MethodInfo) OptLevelDowngraded() bool {
	return m.compile.Load()&compileOptLevelDowngraded != 0
}

// clearTransient 新编译体安装后清空瞬态字
func (m *MethodInfo) clearTransient() {
	m.compile.Store(0)
}

// SetNextCompileLevel 由当前运行的编译体设置下一次编译等级
func (m *MethodInfo) SetNextCompileLevel(h Hotness, shouldProfile bool) {
	m.nextCompileLevel.Store(int32(h))
	m.SetNextCompileShouldProfile(shouldProfile)
}

// NextCompileLevel 下一次编译等级，未设置时返回 HotnessUnknown
func (m *MethodInfo) NextCompileLevel() Hotness {
	return Hotness(m.nextCompileLevel.Load())
}

// CurrentBody 当前生效的编译体
func (m *MethodInfo) CurrentBody() BodyID {
	return BodyID(m.currentBody.Load())
}

// ============================================================================
// 统计
// ============================================================================

// IncNumberOfInvalidations 失效次数加一
func (m *MethodInfo) IncNumberOfInvalidations() int32 {
	return m.numInvalidations.Inc()
}

// NumberOfInvalidations 失效次数
func (m *MethodInfo) NumberOfInvalidations() int32 {
	return m.numInvalidations.Load()
}

// IncNumPrexAssumptionFailures 前置存在假设失败次数加一
func (m *MethodInfo) IncNumPrexAssumptionFailures() int32 {
	return m.numPrexAssumeFailures.Inc()
}

// NumPrexAssumptionFailures 前置存在假设失败次数
func (m *MethodInfo) NumPrexAssumptionFailures() int32 {
	return m.numPrexAssumeFailures.Load()
}

// ============================================================================
// 剖析快照
// ============================================================================

// SetRecentProfileInfo 替换最近一次剖析快照
func (m *MethodInfo) SetRecentProfileInfo(p *ProfileInfo) {
	if p != nil {
		p.IncRef()
	}
	m.mu.Lock()
	old := m.recentProfile
	m.recentProfile = p
	m.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// RecentProfileInfo 取得最近剖析快照并增加引用，使用完毕需 DecRef
func (m *MethodInfo) RecentProfileInfo() *ProfileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentProfile != nil {
		m.recentProfile.IncRef()
	}
	return m.recentProfile
}

// SetBestProfileInfo 替换最佳剖析快照
func (m *MethodInfo) SetBestProfileInfo(p *ProfileInfo) {
	if p != nil {
		p.IncRef()
	}
	m.mu.Lock()
	old := m.bestProfile
	m.bestProfile = p
	m.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// BestProfileInfo 取得最佳剖析快照并增加引用
func (m *MethodInfo) BestProfileInfo() *ProfileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bestProfile != nil {
		m.bestProfile.IncRef()
	}
	return m.bestProfile
}

func (m *MethodInfo) releaseProfiles() {
	m.SetRecentProfileInfo(nil)
	m.SetBestProfileInfo(nil)
}
