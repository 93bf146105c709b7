// Package profilegen 生成双体剖析方法
//
// 方法的每个块复制一份：原块组成生产体，副本组成剖析体。两者在异步检查点相连，
// 生产体在检查点递减频率计数，减到 0 时进入剖析体；剖析体执行到下一个检查点回到生产体。
// 每轮剖析进入剖析体的次数由计数数组限制，轮次由方法的重编译计数器记录：
//
//	rc = recomp[0]; fp = 0
//	if rc <u ProfilingInvocationCount { fp = rc }
//	...
//	检查点 O1:     t = freq[fp]; if t == ProfilingDone goto O1a
//	O1Cont:        t = t - 1; freq[fp] = t; if t <= 0 goto C1b else O1a
//	C1b:           tf = frequency; c = count[fp] - 1; count[fp] = c; if c > 0 goto C1a
//	C1c:           tf = ProfilingDone; recomp[0]--
//	C1a:           freq[fp] = tf; 剖析体中 O1a 的副本
//	C1 (O1 的副本): goto O1a
//
// 重编译计数器降到负数时全部剖析轮次结束。
package profilegen

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/log"
)

// DefaultNodeCeiling 复制前节点数的两倍超过该值时放弃剖析
const DefaultNodeCeiling = 90000

// ErrNoProfileInfo 缺少持久剖析快照
var ErrNoProfileInfo = errors.New("profilegen: no persistent profile info")

// Options 生成选项
type Options struct {
	// NodeCeiling 节点数上限，0 表示 DefaultNodeCeiling
	NodeCeiling int

	// Frequency / Count 覆盖按回边数查表得到的值，0 表示不覆盖
	Frequency int32
	Count     int32

	// QuickProfile 使用快速剖析的频率和计数
	QuickProfile bool

	Trace bool
}

// Result 生成结果
type Result struct {
	// Disabled 方法过大，已删除剖析指令并放弃双体剖析
	Disabled bool

	// SplitPoints 检查点个数，包含方法入口
	SplitPoints int

	// Frequency / Count 写入剖析表的值
	Frequency int32
	Count     int32

	// Clones 原块 -> 剖析体副本
	Clones map[*ir.Block]*ir.Block

	// Samples 剖析体中每个原块的执行次数，下标为原块号
	Samples *ir.Static
}

type splitPoint struct {
	head *ir.Block // 只含异步检查的块
	rest *ir.Block // 检查点之后的块
}

type generator struct {
	g       *ir.Graph
	profile *persist.ProfileInfo
	opts    Options
	points  []splitPoint

	freq, count, recomp *ir.Static

	fp ir.Temp // 本轮频率和计数槽位的下标
	tf ir.Temp // 进入剖析体时写回频率槽的值
}

// Generate 为方法生成生产体和剖析体
// 方法过大时删除剖析指令和不可达块，通知 method 不再使用双体剖析，返回 Disabled 结果
func Generate(g *ir.Graph, profile *persist.ProfileInfo, method *persist.MethodInfo, opts Options) (*Result, error) {
	if profile == nil {
		return nil, ErrNoProfileInfo
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("profilegen %s: %w", g.Name, err)
	}
	ceiling := opts.NodeCeiling
	if ceiling <= 0 {
		ceiling = DefaultNodeCeiling
	}
	if nodes := g.NodeCount(); 2*nodes > ceiling {
		stripped := g.RemoveInstrs(func(in *ir.Instr) bool { return in.Profiling })
		removed := g.RemoveUnreachable()
		if method != nil {
			method.SwitchAwayFromProfiling()
		}
		log.Infof("profilegen: %s has %d nodes, switch away from profiling (%d profiling instructions, %d blocks removed)",
			g.Name, nodes, stripped, removed)
		return &Result{Disabled: true}, nil
	}

	frequency, count := profilingTables(g, opts)
	profile.AllocateProfilingTables(frequency, count)

	gen := &generator{
		g:       g,
		profile: profile,
		opts:    opts,
		freq:    ir.NewStatic("profiling_frequency", profile.FrequencyArray()),
		count:   ir.NewStatic("profiling_count", profile.CountArray()),
		recomp:  ir.NewStatic("recompilation_counter", profile.RecompilationCounter()),
		fp:      g.NewTemp(),
		tf:      g.NewTemp(),
	}
	gen.prepareBlocks()
	res, err := gen.createProfiledMethod()
	if err != nil {
		return nil, fmt.Errorf("profilegen %s: %w", g.Name, err)
	}
	res.Frequency, res.Count = frequency, count

	if opts.Trace {
		log.Debugf("profilegen: %s split at %d points, frequency %d count %d\n%s",
			g.Name, res.SplitPoints, frequency, count, g)
	}
	return res, nil
}

// profilingTables 频率和计数：显式配置优先，其次快速剖析，最后按回边数查表
func profilingTables(g *ir.Graph, opts Options) (int32, int32) {
	backEdges := len(g.BackEdges())
	frequency, count := persist.ProfilingFrequency(backEdges), persist.ProfilingCount(backEdges)
	if opts.QuickProfile {
		frequency, count = persist.QuickProfileFrequency, persist.QuickProfileCount
	}
	if opts.Frequency > 0 {
		frequency = opts.Frequency
	}
	if opts.Count > 0 {
		count = opts.Count
	}
	return frequency, count
}

// ============================================================================
// 准备原块
// ============================================================================

// prepareBlocks 把每个扩展块的第一个异步检查移到扩展块块首并在其后拆块，
// 再在方法入口加一个只含异步检查的新块
//
// 方法第一个块所在的扩展块不动；同一扩展块中后续的异步检查留在原处。
func (gen *generator) prepareBlocks() {
	g := gen.g
	first := g.FirstBlock()
	var head, processed *ir.Block

	n := g.NumBlocks()
	for i := 0; i < n; i++ {
		b := g.Block(i)
		if b == nil || b.IsStart() || b.IsEnd() {
			continue
		}
		if !b.ExtensionOfPrevious || head == nil {
			head = b
		}
		if head == processed || head == first {
			continue
		}
		j := slices.IndexFunc(b.Instrs, func(in *ir.Instr) bool { return in.Op == ir.OpAsyncCheck })
		if j < 0 {
			continue
		}
		async := b.Instrs[j]
		b.Instrs = slices.Delete(b.Instrs, j, j+1)
		head.Prepend(async)
		rest := g.SplitBlockAfter(head, 0)
		gen.points = append(gen.points, splitPoint{head: head, rest: rest})
		processed = head
		if gen.opts.Trace {
			log.Debugf("profilegen: moving async check to start of block_%d, rest in block_%d", head.Number, rest.Number)
		}
	}

	entry := g.AddBlock(0)
	entry.Frequency = first.Frequency
	copyMeta(entry, first)
	ir.AppendAsyncCheck(entry)
	g.RemoveEdge(g.Start().Succs[0])
	g.AddEdge(g.Start(), entry)
	g.AddEdge(entry, first)
	gen.points = append([]splitPoint{{head: entry, rest: first}}, gen.points...)
	if gen.opts.Trace {
		log.Debugf("profilegen: adding block_%d to start of method", entry.Number)
	}
}

// copyMeta 复制活跃局部变量和寄存器依赖
func copyMeta(dst, src *ir.Block) {
	if src.LiveLocals != nil {
		dst.LiveLocals = src.LiveLocals.Clone()
	}
	dst.RegDeps = append([]ir.RegDep(nil), src.RegDeps...)
}

// ============================================================================
// 生成剖析体
// ============================================================================

func (gen *generator) createProfiledMethod() (*Result, error) {
	g := gen.g
	var originals []*ir.Block
	for _, b := range g.Blocks() {
		if !b.IsStart() && !b.IsEnd() {
			originals = append(originals, b)
		}
	}
	clones := g.CloneBlocks(originals)

	// 剖析指令只留在剖析体
	for _, b := range originals {
		b.Instrs = slices.DeleteFunc(b.Instrs, func(in *ir.Instr) bool { return in.Profiling })
	}
	samples := ir.NewStatic("profiling_samples", make([]int32, g.NumBlocks()))
	for _, b := range originals {
		ir.MarkProfiling(ir.InsertCounterIncrement(clones[b], samples, b.Number))
	}

	for i, sp := range gen.points {
		o1 := sp.head
		if i == 0 {
			o1 = gen.selectPassSlots(sp)
		}
		if err := gen.joinAt(o1, sp, clones); err != nil {
			return nil, err
		}
	}

	// 入口块的副本没有前驱
	g.RemoveUnreachable()

	return &Result{
		SplitPoints: len(gen.points),
		Clones:      clones,
		Samples:     samples,
	}, nil
}

// selectPassSlots 方法入口：按重编译计数器选择本轮的槽位，返回继续放置检查点逻辑的块
//
//	E:   rc = recomp[0]; fp = 0; if rc >=u ProfilingInvocationCount goto O1c
//	O1b: fp = rc
//	O1c: 检查点逻辑
func (gen *generator) selectPassSlots(sp splitPoint) *ir.Block {
	g := gen.g
	entry, first := sp.head, sp.rest

	o1b := g.AddBlock(ir.KindSynthetic)
	o1c := g.AddBlock(ir.KindSynthetic)
	copyMeta(o1b, entry)
	copyMeta(o1c, entry)
	o1b.Frequency, o1c.Frequency = entry.Frequency, entry.Frequency

	g.RemoveEdge(g.FindEdge(entry, first))
	rc := g.NewTemp()
	ir.AppendLoad(entry, rc, gen.recomp, ir.Imm(0))
	ir.AppendConst(entry, gen.fp, 0)
	g.AppendBranch(entry, ir.T(rc), ir.CondGE, ir.Imm(persist.ProfilingInvocationCount), true, o1c, o1b)

	ir.AppendMove(o1b, gen.fp, ir.T(rc))
	g.AppendGoto(o1b, o1c)

	g.AddEdge(o1c, first)
	return o1c
}

// joinAt 在检查点处连接生产体和剖析体
func (gen *generator) joinAt(o1 *ir.Block, sp splitPoint, clones map[*ir.Block]*ir.Block) error {
	g := gen.g
	o1a := sp.rest
	c1, c1a := clones[sp.head], clones[sp.rest]
	frequency := gen.profile.ProfilingFrequency()

	c1b := g.AddBlock(ir.KindSynthetic)
	c1c := g.AddBlock(ir.KindSynthetic)
	copyMeta(c1b, o1)
	copyMeta(c1c, o1)
	c1b.Frequency, c1c.Frequency = c1.Frequency, c1.Frequency

	// O1 / O1Cont：生产体递减频率
	o1cont, err := g.SplitEdge(g.FindEdge(o1, o1a))
	if err != nil {
		return err
	}
	copyMeta(o1cont, o1)
	t := g.NewTemp()
	ir.AppendLoad(o1, t, gen.freq, ir.T(gen.fp))
	g.AppendBranch(o1, ir.T(t), ir.CondEQ, ir.Imm(persist.ProfilingDone), false, o1a, o1cont)

	ir.AppendSub(o1cont, t, ir.T(t), ir.Imm(1))
	ir.AppendStore(o1cont, gen.freq, ir.T(gen.fp), ir.T(t))
	g.AppendBranch(o1cont, ir.T(t), ir.CondLE, ir.Imm(0), false, c1b, o1a)

	// C1b：消耗一次进入机会
	c := g.NewTemp()
	ir.AppendConst(c1b, gen.tf, int64(frequency))
	ir.AppendLoad(c1b, c, gen.count, ir.T(gen.fp))
	ir.AppendSub(c1b, c, ir.T(c), ir.Imm(1))
	ir.AppendStore(c1b, gen.count, ir.T(gen.fp), ir.T(c))
	g.AppendBranch(c1b, ir.T(c), ir.CondGT, ir.Imm(0), false, c1a, c1c)

	// C1c：本轮结束
	r := g.NewTemp()
	ir.AppendConst(c1c, gen.tf, persist.ProfilingDone)
	ir.AppendLoad(c1c, r, gen.recomp, ir.Imm(0))
	ir.AppendSub(c1c, r, ir.T(r), ir.Imm(1))
	ir.AppendStore(c1c, gen.recomp, ir.Imm(0), ir.T(r))
	g.AppendGoto(c1c, c1a)

	// C1a：写回频率
	c1a.Prepend(&ir.Instr{Op: ir.OpStore, Static: gen.freq, Index: ir.T(gen.fp), A: ir.T(gen.tf)})

	// C1：剖析体回到生产体
	if e := g.FindEdge(c1, c1a); e != nil {
		g.RemoveEdge(e)
	}
	if frequency == 1 {
		f := g.NewTemp()
		ir.AppendLoad(c1, f, gen.freq, ir.T(gen.fp))
		g.AppendBranch(c1, ir.T(f), ir.CondGT, ir.Imm(1), false, o1a, c1b)
	} else {
		g.AppendGoto(c1, o1a)
	}

	if gen.opts.Trace {
		log.Debugf("profilegen: split point block_%d -> block_%d, profiling entry block_%d", o1.Number, o1a.Number, c1a.Number)
	}
	return nil
}
