// function_table.go - 调用点表
//
// 记录编译代码中针对某个入口地址发射的直接调用指令。
// 旧编译体退役后，它的入口被改写为跳向调用点修补桩；
// 调用者经过修补桩时，桩按返回地址找到调用指令并把目标改成新入口，
// 之后该调用点不再经过旧入口。
//
// 调用点只在表中登记过时才会被改写，其余返回地址（解释器、间接调用）直接放行。
// 改写只替换调用指令的目标字段，该字段必须落在一个对齐的 8 字节字内。

package jit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/jit/platform"
)

// CallSite 一条直接调用指令
type CallSite struct {
	Addr   uintptr        // 调用指令地址
	Caller persist.BodyID // 所在编译体
}

// CallSiteTable 调用点表
type CallSiteTable struct {
	mu       sync.RWMutex
	byTarget map[uintptr][]CallSite
	target   map[uintptr]uintptr // 调用点 -> 当前目标

	patched uatomic.Int64
	skipped uatomic.Int64
}

// NewCallSiteTable 创建调用点表
func NewCallSiteTable() *CallSiteTable {
	return &CallSiteTable{
		byTarget: make(map[uintptr][]CallSite),
		target:   make(map[uintptr]uintptr),
	}
}

// Record 登记一条调用 target 的直接调用
func (t *CallSiteTable) Record(site CallSite, target uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.target[site.Addr]; ok {
		t.byTarget[old] = removeSite(t.byTarget[old], site.Addr)
	}
	t.target[site.Addr] = target
	t.byTarget[target] = append(t.byTarget[target], site)
}

// Sites 调用 target 的所有调用点
func (t *CallSiteTable) Sites(target uintptr) []CallSite {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]CallSite(nil), t.byTarget[target]...)
}

// Target 调用点当前的目标
func (t *CallSiteTable) Target(site uintptr) (uintptr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.target[site]
	return target, ok
}

// Forget 删除位于 caller 内的全部调用点，返回删除数
func (t *CallSiteTable) Forget(caller persist.BodyID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for target, sites := range t.byTarget {
		kept := sites[:0]
		for _, s := range sites {
			if s.Caller == caller {
				delete(t.target, s.Addr)
				n++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(t.byTarget, target)
		} else {
			t.byTarget[target] = kept
		}
	}
	return n
}

// Len 登记的调用点数
func (t *CallSiteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.target)
}

// Patched 已改写次数
func (t *CallSiteTable) Patched() int64 { return t.patched.Load() }

// ErrCallNotPatchable 调用指令的目标字段跨越了 8 字节边界，不能在调用者运行时原子改写
var ErrCallNotPatchable = errors.New("jit: call site straddles an 8-byte word")

// Retarget 把 site 从 from 改到 to。site 未登记或目标已不是 from 时返回 false
//
// 调用者可能正在执行这条调用，改写只用一次对齐的 64 位存储完成，
// 目标字段跨越 8 字节边界的调用点返回 ErrCallNotPatchable。
func (t *CallSiteTable) Retarget(cache *CodeCache, gen platform.StubGenerator, site, from, to uintptr) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.target[site]
	if !ok || cur != from {
		t.skipped.Inc()
		return false, nil
	}
	if !platform.CallPatchable(gen, site) {
		t.skipped.Inc()
		return false, fmt.Errorf("retarget call at %#x: %w", site, ErrCallNotPatchable)
	}
	insn, err := cache.Read(site, gen.CallSize())
	if err != nil {
		return false, err
	}
	if err := gen.PatchCall(insn, site, to); err != nil {
		return false, fmt.Errorf("retarget call at %#x: %w", site, err)
	}
	if err := patchCallWord(cache, gen, site, insn); err != nil {
		return false, err
	}

	var caller persist.BodyID
	for _, s := range t.byTarget[from] {
		if s.Addr == site {
			caller = s.Caller
			break
		}
	}
	t.byTarget[from] = removeSite(t.byTarget[from], site)
	if len(t.byTarget[from]) == 0 {
		delete(t.byTarget, from)
	}
	t.target[site] = to
	t.byTarget[to] = append(t.byTarget[to], CallSite{Addr: site, Caller: caller})
	t.patched.Inc()
	return true, nil
}

// patchCallWord 把 insn 中会变的字节合进所在的对齐字，一次存储写回
func patchCallWord(cache *CodeCache, gen platform.StubGenerator, site uintptr, insn []byte) error {
	off, n := gen.CallPatchSpan()
	addr := (site + uintptr(off)) &^ (platform.PatchRegionSize - 1)
	word, err := cache.LoadWord(addr)
	if err != nil {
		return err
	}
	var buf [platform.PatchRegionSize]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	copy(buf[site+uintptr(off)-addr:], insn[off:off+n])
	return cache.PatchWord(addr, binary.LittleEndian.Uint64(buf[:]))
}

func removeSite(sites []CallSite, addr uintptr) []CallSite {
	for i, s := range sites {
		if s.Addr == addr {
			return append(sites[:i], sites[i+1:]...)
		}
	}
	return sites
}
