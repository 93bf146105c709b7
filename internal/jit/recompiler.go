// recompiler.go - 重编译状态机
//
// 每个编译体按以下顺序迁移，每一步由 CAS 保证只有一个线程执行副作用：
//
//	Fresh -> ThresholdReached -> RecompilationInFlight -> Retired
//
//	ThresholdReached       标记已入队，记录原因和下一等级，提交队列
//	RecompilationInFlight  编译线程开始编译
//	Retired                入口补丁区改为跳往调用点修补桩，旧编译体失效
//
// 编译失败或代码缓存不足时回到 Fresh：旧编译体的计数器重置为一个较大的值，
// 方法记下重编译失败，旧代码继续运行。
//
// 退役的代码不会立即释放，等安全点报告所有线程都已离开后由 Reclaim 归还。

package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/jit/platform"
	"github.com/tangzhangming/recomp/internal/log"
)

// trapAreaSize 陷阱区大小，未提供原生辅助函数时桩代码调用这里
const trapAreaSize = 32

// ErrNotInFlight 编译体不处于可以退役的状态
var ErrNotInFlight = errors.New("jit: body is not in recompilation")

// Helpers 桩代码调用的原生辅助函数地址
//
// 原生辅助函数由嵌入方提供，负责保存现场后转到 Go 侧：
//
//	Threshold(body_word)          -> Recompiler.OnCounterExpired
//	PatchCallSite(ret, new_entry) -> Recompiler.PatchCallSite
type Helpers struct {
	Threshold     uintptr
	PatchCallSite uintptr
}

// RecompilerDeps 重编译器依赖的组件
type RecompilerDeps struct {
	Arena     *persist.Arena
	Cache     *CodeCache
	Gen       platform.StubGenerator
	Sites     *CallSiteTable
	Lookup    *BodyLookup
	Safepoint Safepoint
	Compiler  Compiler
	Helpers   Helpers
}

// RecompilerStats 重编译统计
type RecompilerStats struct {
	Installed   int64
	Triggered   int64
	Retired     int64
	Declined    int64
	Reclaimed   int64
	Replenished int64
}

// Recompiler 重编译状态机
type Recompiler struct {
	cfg      *Config
	arena    *persist.Arena
	cache    *CodeCache
	gen      platform.StubGenerator
	sites    *CallSiteTable
	lookup   *BodyLookup
	sp       Safepoint
	compiler Compiler
	helpers  Helpers
	queue    *Queue

	mu     sync.Mutex
	allocs map[persist.BodyID][]Allocation
	trap   Allocation
	// retirements 已退役、尚未回收的编译体；forward 按旧入口索引
	retirements map[persist.BodyID]retirement
	forward     map[uintptr]uintptr

	installed   uatomic.Int64
	triggered   uatomic.Int64
	retired     uatomic.Int64
	declined    uatomic.Int64
	reclaimed   uatomic.Int64
	replenished uatomic.Int64
}

// retirement 退役编译体的旧入口和取代它的新入口
type retirement struct {
	entry, to uintptr
}

// NewRecompiler 创建重编译器
// deps.Helpers 的地址为 0 时指向代码缓存中的陷阱区
func NewRecompiler(cfg *Config, deps RecompilerDeps) (*Recompiler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Arena == nil || deps.Cache == nil || deps.Gen == nil || deps.Compiler == nil {
		return nil, fmt.Errorf("jit: recompiler needs arena, code cache, stub generator and compiler")
	}
	r := &Recompiler{
		cfg:      cfg,
		arena:    deps.Arena,
		cache:    deps.Cache,
		gen:      deps.Gen,
		sites:    deps.Sites,
		lookup:   deps.Lookup,
		sp:       deps.Safepoint,
		compiler: deps.Compiler,
		helpers:  deps.Helpers,
		allocs:   make(map[persist.BodyID][]Allocation),

		retirements: make(map[persist.BodyID]retirement),
		forward:     make(map[uintptr]uintptr),
	}
	if r.sites == nil {
		r.sites = NewCallSiteTable()
	}
	if r.sp == nil {
		r.sp = &EpochSafepoint{}
	}
	if r.lookup == nil {
		lookup, err := NewBodyLookup(cfg.Cache.LookupCacheSize)
		if err != nil {
			return nil, err
		}
		r.lookup = lookup
	}
	if r.helpers.Threshold == 0 || r.helpers.PatchCallSite == 0 {
		code := r.gen.Trap(trapAreaSize)
		trap, err := r.cache.Reserve(len(code))
		if err != nil {
			return nil, fmt.Errorf("jit: reserve trap area: %w", err)
		}
		if err := r.cache.Write(trap.Addr, code); err != nil {
			return nil, err
		}
		r.trap = trap
		if r.helpers.Threshold == 0 {
			r.helpers.Threshold = trap.Addr
		}
		if r.helpers.PatchCallSite == 0 {
			r.helpers.PatchCallSite = trap.Addr + trapAreaSize/2
		}
	}
	r.queue = NewQueue(cfg.QueueSize, cfg.Workers, r.compile)
	return r, nil
}

// Queue 重编译队列
func (r *Recompiler) Queue() *Queue { return r.queue }

// Sites 调用点表
func (r *Recompiler) Sites() *CallSiteTable { return r.sites }

// Lookup PC 查找表
func (r *Recompiler) Lookup() *BodyLookup { return r.lookup }

// Safepoint 安全点
func (r *Recompiler) Safepoint() Safepoint { return r.sp }

// Helpers 桩代码使用的辅助函数地址
func (r *Recompiler) Helpers() Helpers { return r.helpers }

// ============================================================================
// 安装
// ============================================================================

// Install 安装方法的第一个编译体
func (r *Recompiler) Install(method string, cb *CompiledBody) (*persist.BodyInfo, error) {
	m, err := r.arena.MethodFor(method)
	if err != nil {
		return nil, err
	}
	b, err := r.install(m, cb)
	if err != nil {
		return nil, err
	}
	r.arena.Install(b)
	return b, nil
}

// install 分配记录，生成入口桩，把桩和方法体写进代码缓存
func (r *Recompiler) install(m *persist.MethodInfo, cb *CompiledBody) (*persist.BodyInfo, error) {
	count := cb.InitialCount
	flags := cb.Flags
	if count == 0 {
		count = r.cfg.Counting.InitialCount
		if cb.Sampling {
			count = r.cfg.Sampling.InitialCount
		}
	}
	if cb.Sampling {
		flags |= persist.BodySamplingRecompile
	}
	b, err := r.arena.NewBody(m.ID(), persist.BodyConfig{
		Hotness:      cb.Hotness,
		InitialCount: count,
		Flags:        flags,
		Profile:      cb.Profile,
	})
	if err != nil {
		return nil, err
	}

	p := platform.Prologue{Body: uint64(b.ID()), Counter: b.CounterAddress(), Helper: r.helpers.Threshold}
	var stub *platform.Stub
	if cb.Sampling {
		stub, err = r.gen.SamplingPrologue(p)
	} else {
		stub, err = r.gen.CountingPrologue(p)
	}
	if err != nil {
		r.arena.ReleaseBody(b.ID())
		return nil, err
	}

	alloc, err := r.cache.Reserve(len(stub.Code) + len(cb.Code))
	if err != nil {
		r.arena.ReleaseBody(b.ID())
		return nil, err
	}
	bodyStart := alloc.Addr + uintptr(stub.BodyOffset)
	if err := r.cache.Write(alloc.Addr, stub.Code); err != nil {
		r.cache.Release(alloc)
		r.arena.ReleaseBody(b.ID())
		return nil, err
	}
	if err := r.cache.Write(bodyStart, cb.Code); err != nil {
		r.cache.Release(alloc)
		r.arena.ReleaseBody(b.ID())
		return nil, err
	}
	targets, err := r.link(bodyStart, cb)
	if err != nil {
		r.cache.Release(alloc)
		r.arena.ReleaseBody(b.ID())
		return nil, err
	}
	b.SetStartPC(alloc.Addr + uintptr(stub.EntryOffset))

	for i, call := range cb.Calls {
		site := bodyStart + uintptr(call.Offset)
		r.sites.Record(CallSite{Addr: site, Caller: b.ID()}, targets[i])
	}
	r.lookup.Add(alloc.Addr, alloc.End(), b.ID())

	r.mu.Lock()
	r.allocs[b.ID()] = []Allocation{alloc}
	r.mu.Unlock()
	r.installed.Inc()
	return b, nil
}

// link 按放置地址编码方法体内的直接调用，返回实际链接的目标
// 目标是已退役的入口时直接链接到取代它的入口
func (r *Recompiler) link(bodyStart uintptr, cb *CompiledBody) ([]uintptr, error) {
	targets := make([]uintptr, len(cb.Calls))
	for i, call := range cb.Calls {
		if call.Offset < 0 || call.Offset+r.gen.CallSize() > len(cb.Code) {
			return nil, fmt.Errorf("jit: call at offset %d outside %d byte body", call.Offset, len(cb.Code))
		}
		site := bodyStart + uintptr(call.Offset)
		targets[i] = r.resolve(call.Target)
		insn, err := r.gen.EncodeCall(site, targets[i])
		if err != nil {
			return nil, fmt.Errorf("jit: link call at %#x: %w", site, err)
		}
		if err := r.cache.Write(site, insn); err != nil {
			return nil, err
		}
		if !platform.CallPatchable(r.gen, site) {
			log.Debugf("jit: call at %#x cannot be retargeted in place, target %#x stays pinned", site, targets[i])
		}
	}
	return targets, nil
}

// resolve 沿退役链找到 entry 当前的入口
func (r *Recompiler) resolve(entry uintptr) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	for range len(r.forward) {
		next, ok := r.forward[entry]
		if !ok {
			break
		}
		entry = next
	}
	return entry
}

// BodyAtEntry 读入口前的记录号
func (r *Recompiler) BodyAtEntry(entry uintptr) (persist.BodyID, error) {
	w, err := r.cache.LoadWord(entry - platform.BodyWordSize)
	if err != nil {
		return persist.InvalidBody, err
	}
	return persist.BodyID(w), nil
}

// ============================================================================
// 触发
// ============================================================================

// OnInvocation 计数模式的一次调用，计数器恰好降到 0 时触发重编译
func (r *Recompiler) OnInvocation(id persist.BodyID) bool {
	b := r.arena.Body(id)
	if b == nil || b.IsInvalidated() {
		return false
	}
	if !b.RecordInvocation() {
		return false
	}
	return r.thresholdReached(b, persist.RecompDueToCounterZero)
}

// OnCounterExpired 入口桩发现计数器不再大于 0
func (r *Recompiler) OnCounterExpired(id persist.BodyID) bool {
	b := r.arena.Body(id)
	if b == nil || b.IsInvalidated() {
		return false
	}
	reason := persist.RecompDueToCounterZero
	if b.HasFlag(persist.BodySamplingRecompile) {
		reason = persist.RecompDueToThreshold
	}
	return r.thresholdReached(b, reason)
}

// Sample 采样线程在编译体中采到一次，返回是否触发了重编译
//
//   - 计数器原本为负：编译代码主动要求按当前等级重编译（调用点剖析退化为多态）
//   - 递减后仍大于 0：无事
//   - 已在最高等级的非剖析体：计数器补满，不再升级
//   - 其余：按下一等级重编译
func (r *Recompiler) Sample(id persist.BodyID, delta int32) bool {
	b := r.arena.Body(id)
	if b == nil || b.IsInvalidated() || b.State() != persist.StateFresh {
		return false
	}
	m := r.arena.MethodOf(b)
	if m == nil {
		return false
	}
	if b.Counter() < 0 {
		return r.thresholdReached(b, persist.RecompDueToMegamorphicCallProfile)
	}
	if m.DisableMiscSamplingCounterDecrementation() {
		return false
	}
	if b.Sample(delta) > 0 || b.IsPushedForRecompilation() {
		return false
	}
	if b.Hotness() >= persist.Scorching && !b.IsProfilingBody() {
		n := b.IncScorchingSamples()
		b.ResetCounter(b.StartCount())
		r.replenished.Inc()
		if n >= r.cfg.Sampling.ScorchingSamples {
			m.SetDisableMiscSamplingCounterDecrementation()
		}
		return false
	}
	return r.thresholdReached(b, persist.RecompDueToThreshold)
}

// RequestRecompilation 编译代码或外部事件请求重编译
func (r *Recompiler) RequestRecompilation(id persist.BodyID, reason persist.RecompReason) bool {
	b := r.arena.Body(id)
	if b == nil || b.IsInvalidated() {
		return false
	}
	return r.thresholdReached(b, reason)
}

// nextLevel 新编译体的等级和是否剖析
func (r *Recompiler) nextLevel(b *persist.BodyInfo, m *persist.MethodInfo, reason persist.RecompReason) (persist.Hotness, bool) {
	level := b.Hotness().Next()
	switch {
	case reason == persist.RecompDueToMegamorphicCallProfile, reason.KeepsCurrentLevel(b.IsProfilingBody()):
		level = b.Hotness()
	case b.IsProfilingBody():
		// 剖析体结束后按剖析时的等级编译正式版本
		level = b.Hotness()
	}
	if next := m.NextCompileLevel(); next.Valid() && next > level {
		level = next
	}
	profile := !b.IsProfilingBody() && !m.ProfilingDisabled() &&
		(m.NextCompileShouldProfile() || level == persist.VeryHot)
	return level, profile
}

func (r *Recompiler) thresholdReached(b *persist.BodyInfo, reason persist.RecompReason) bool {
	if !b.Transition(persist.StateFresh, persist.StateThresholdReached) {
		return false
	}
	m := r.arena.MethodOf(b)
	if m == nil {
		b.Transition(persist.StateThresholdReached, persist.StateFresh)
		return false
	}
	level, profile := r.nextLevel(b, m, reason)
	b.SetIsPushedForRecompilation()
	m.SetReasonForRecompilation(reason)
	m.SetNextCompileLevel(level, profile)

	req := Request{Method: m.ID(), Body: b.ID(), Level: level, Reason: reason, Profile: profile}
	if !r.queue.Enqueue(req) {
		r.rollback(b, m, persist.StateThresholdReached)
		return false
	}
	r.triggered.Inc()
	if r.cfg.Trace {
		log.Debugf("jit: %s queued %s", b, req)
	}
	return true
}

// rollback 放弃本次重编译，旧编译体继续运行
func (r *Recompiler) rollback(b *persist.BodyInfo, m *persist.MethodInfo, from persist.BodyState) {
	b.ResetCounter(r.cfg.Counting.FailedRecompileCounter)
	b.SetFlag(persist.BodyIsPushedForRecompilation, false)
	m.SetReasonForRecompilation(persist.RecompDueToNone)
	b.Transition(from, persist.StateFresh)
}

// ============================================================================
// 编译与退役
// ============================================================================

// compile 队列的处理函数
func (r *Recompiler) compile(ctx context.Context, req Request) error {
	old := r.arena.Body(req.Body)
	if old == nil || !old.Transition(persist.StateThresholdReached, persist.StateRecompilationInFlight) {
		return nil
	}
	m := r.arena.Method(req.Method)
	if m == nil {
		old.Transition(persist.StateRecompilationInFlight, persist.StateFresh)
		return nil
	}

	cb, err := r.compiler.Compile(ctx, req)
	if err == nil {
		var nb *persist.BodyInfo
		if nb, err = r.install(m, cb); err == nil {
			return r.Retire(old.ID(), nb.ID(), cb.DropStickyFlags)
		}
	}
	r.decline(old, m, err)
	if errors.Is(err, ErrCodeCacheFull) || errors.Is(err, persist.ErrNoPersistentRecord) {
		return nil
	}
	return err
}

// decline 编译或安装失败
func (r *Recompiler) decline(b *persist.BodyInfo, m *persist.MethodInfo, err error) {
	r.rollback(b, m, persist.StateRecompilationInFlight)
	m.SetHasFailedRecompilation(true)
	r.declined.Inc()
	log.Warnf("jit: recompilation of %s declined, counter reset to %d: %v",
		m.Name(), r.cfg.Counting.FailedRecompileCounter, err)
}

// Retire 把旧编译体的入口重定向到新编译体
//
// 已退役时直接返回 nil，重复调用不会再次改写补丁区。
func (r *Recompiler) Retire(oldID, newID persist.BodyID, dropSticky bool) error {
	old, nb := r.arena.Body(oldID), r.arena.Body(newID)
	if old == nil || nb == nil {
		return fmt.Errorf("jit: retire %d -> %d: unknown body", oldID, newID)
	}
	if !old.Transition(persist.StateRecompilationInFlight, persist.StateRetired) {
		if old.State() == persist.StateRetired {
			return nil
		}
		return fmt.Errorf("retire %s: %w", old, ErrNotInFlight)
	}

	newEntry := nb.StartPC()
	target := newEntry
	var stubAlloc Allocation
	if code, err := r.gen.CallSitePatchStub(newEntry, r.helpers.PatchCallSite); err == nil {
		if a, err := r.cache.Reserve(len(code)); err == nil {
			if err := r.cache.Write(a.Addr, code); err == nil {
				target, stubAlloc = a.Addr, a
			} else {
				r.cache.Release(a)
			}
		}
	}

	region := platform.RegionAt(old.StartPC())
	word, err := r.gen.EncodeRedirect(region, target)
	if err != nil && target != newEntry {
		target = newEntry
		word, err = r.gen.EncodeRedirect(region, target)
	}
	if err == nil {
		err = r.cache.PatchWord(region.Start, word)
	}
	if err != nil {
		// 新编译体从未发布，立即丢弃，旧编译体恢复运行
		if stubAlloc.Size > 0 {
			r.cache.Release(stubAlloc)
		}
		r.discard(newID)
		m := r.arena.MethodOf(old)
		if m != nil {
			r.rollback(old, m, persist.StateRetired)
			m.SetHasFailedRecompilation(true)
		}
		r.declined.Inc()
		return fmt.Errorf("redirect %s at %s: %w", old, region, err)
	}

	var reason persist.RecompReason
	if m := r.arena.MethodOf(old); m != nil {
		reason = m.ReasonForRecompilation()
	}
	if err := r.arena.MarkRecompiled(oldID, newID, persist.MarkOptions{DropStickyFlags: dropSticky}); err != nil {
		return err
	}
	if m := r.arena.MethodOf(nb); m != nil && reason.Invalidates() {
		m.IncNumberOfInvalidations()
	}

	epoch := r.sp.Epoch()
	r.mu.Lock()
	allocs := r.allocs[oldID]
	if stubAlloc.Size > 0 {
		allocs = append(allocs, stubAlloc)
		r.allocs[oldID] = allocs
	}
	r.retirements[oldID] = retirement{entry: region.Start, to: newEntry}
	r.forward[region.Start] = newEntry
	r.mu.Unlock()
	for _, a := range allocs {
		r.cache.Retire(a, oldID, epoch)
	}
	r.retired.Inc()
	log.Infof("jit: %s retired, entry %#x -> %#x", old, region.Start, target)
	return nil
}

// discard 丢弃从未发布的编译体
func (r *Recompiler) discard(id persist.BodyID) {
	r.mu.Lock()
	allocs := r.allocs[id]
	delete(r.allocs, id)
	r.mu.Unlock()
	for _, a := range allocs {
		r.cache.Release(a)
	}
	r.lookup.Remove(id)
	r.sites.Forget(id)
	r.arena.ReleaseBody(id)
}

// PatchCallSite 修补桩转来的请求：把 ret 之前的调用指令改为调用 newEntry
// 不能原地改写的调用点保持原样，调用者继续经过修补桩
func (r *Recompiler) PatchCallSite(ret, newEntry uintptr) (bool, error) {
	site := r.gen.CallSite(ret)
	cur, ok := r.sites.Target(site)
	if !ok || cur == newEntry {
		return false, nil
	}
	patched, err := r.sites.Retarget(r.cache, r.gen, site, cur, newEntry)
	if errors.Is(err, ErrCallNotPatchable) {
		return false, nil
	}
	return patched, err
}

// Reclaim 归还安全点之后不再可达的退役编译体，返回回收数
//
// 仍有登记的直接调用指向旧入口时先把它们改到新入口；改不了的编译体继续保留，
// 它的修补桩跳往的后继编译体也一并保留。
func (r *Recompiler) Reclaim() int {
	held := make(map[uintptr]bool)
	ids := r.cache.Reclaim(r.sp, func(id persist.BodyID) bool {
		r.mu.Lock()
		ret, ok := r.retirements[id]
		r.mu.Unlock()
		if !ok {
			r.sites.Forget(id)
			return true
		}
		if held[ret.entry] || !r.redirectCallers(ret) {
			held[ret.to] = true
			return false
		}
		// 归还之前删除位于该编译体内的调用点，之后不会再有改写落到这段空间
		r.sites.Forget(id)
		return true
	})
	for _, id := range ids {
		r.mu.Lock()
		delete(r.allocs, id)
		if ret, ok := r.retirements[id]; ok {
			delete(r.forward, ret.entry)
			delete(r.retirements, id)
		}
		r.mu.Unlock()
		r.lookup.Remove(id)
		r.arena.ReleaseBody(id)
	}
	r.reclaimed.Add(int64(len(ids)))
	return len(ids)
}

// redirectCallers 把仍调用旧入口的调用点改到新入口，全部改完返回 true
func (r *Recompiler) redirectCallers(ret retirement) bool {
	for _, s := range r.sites.Sites(ret.entry) {
		if _, err := r.sites.Retarget(r.cache, r.gen, s.Addr, ret.entry, ret.to); err != nil {
			log.Warnf("jit: retired entry %#x kept, caller at %#x: %v", ret.entry, s.Addr, err)
			return false
		}
	}
	return len(r.sites.Sites(ret.entry)) == 0
}

// Stats 统计
func (r *Recompiler) Stats() RecompilerStats {
	return RecompilerStats{
		Installed:   r.installed.Load(),
		Triggered:   r.triggered.Load(),
		Retired:     r.retired.Load(),
		Declined:    r.declined.Load(),
		Reclaimed:   r.reclaimed.Load(),
		Replenished: r.replenished.Load(),
	}
}
