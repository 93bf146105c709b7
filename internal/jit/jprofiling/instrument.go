// instrument.go - 插入计数器和重编译测试
//
// 计数块块首插入 counters[块号]++。方法入口（start 与第一个真实块之间）插入三块：
//   G1:   w = 控制字; if w == -1 goto X else G2
//   G2:   n = start 块的推导值; if n < 阈值 goto X else Call
//   Call: recompile(jprofiling); goto X
// 插入的指令全部标记为剖析专用，超大方法回退时可以整体删除。

package jprofiling

import (
	"fmt"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/log"
)

// 按循环结构选择的重编译阈值
const (
	NestedLoopRecompileThreshold   = 10
	LoopRecompileThreshold         = 250
	StraightLineRecompileThreshold = 500
)

// Options 规划和插桩选项
type Options struct {
	// Trace 在 debug 级别输出生成树、计数块和推导过程
	Trace bool

	// SkipRecompilationTest 只插计数器，不插方法入口的重编译测试
	SkipRecompilationTest bool

	// ProfilingCompile 剖析编译：测试读入队控制字，阈值取 CompileThreshold
	ProfilingCompile bool
	CompileThreshold int32

	NestedLoopThreshold   int32
	LoopThreshold         int32
	StraightLineThreshold int32
}

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{
		CompileThreshold:      2000,
		NestedLoopThreshold:   NestedLoopRecompileThreshold,
		LoopThreshold:         LoopRecompileThreshold,
		StraightLineThreshold: StraightLineRecompileThreshold,
	}
}

// Threshold 图对应的重编译阈值
func (o Options) Threshold(g *ir.Graph) int32 {
	if o.ProfilingCompile {
		return o.CompileThreshold
	}
	switch g.LoopShape() {
	case ir.NestedLoops:
		return o.NestedLoopThreshold
	case ir.SimpleLoops:
		return o.LoopThreshold
	default:
		return o.StraightLineThreshold
	}
}

// Instrument 按规划结果插入计数器递增和重编译测试
// info 的计数器槽位就是插入指令读写的内存，body 不为 nil 时打上 BodyUsesJProfiling
func Instrument(p *Placement, info *persist.BlockFrequencyInfo, opts Options, body *persist.BodyInfo) error {
	g := p.Graph
	counters := ir.NewStatic("counters", info.Counters())
	for _, b := range p.Counted {
		if b.Number >= len(info.Counters()) {
			return fmt.Errorf("jprofiling instrument %s: %w", g.Name,
				ir.Invariantf("counted block_%d outside %d counter slots", b.Number, len(info.Counters())))
		}
		ir.MarkProfiling(ir.InsertCounterIncrement(b, counters, b.Number))
	}

	if !opts.SkipRecompilationTest {
		if err := insertRecompilationTest(p, info, counters, opts); err != nil {
			return fmt.Errorf("jprofiling instrument %s: %w", g.Name, err)
		}
	}
	if body != nil {
		body.SetFlag(persist.BodyUsesJProfiling, true)
	}
	if opts.Trace {
		log.Debugf("jprofiling: instrumented %s with %d counters", g.Name, len(p.Counted))
	}
	return nil
}

func insertRecompilationTest(p *Placement, info *persist.BlockFrequencyInfo, counters *ir.Static, opts Options) error {
	g := p.Graph
	start := g.Start()
	raw, ok := p.Table.Block(start.Number)
	if !ok {
		log.Warnf("jprofiling: invocation count of %s not derivable, recompilation test skipped", g.Name)
		return nil
	}
	threshold := opts.Threshold(g)

	word := ir.NewStatic("enable_recompilation", info.EnableWord())
	if opts.ProfilingCompile {
		word = ir.NewStatic("queued_for_recompilation", info.QueuedWord())
	}

	x := g.FirstBlock()
	g1, err := g.SplitEdge(start.Succs[0])
	if err != nil {
		return err
	}
	g2 := g.AddBlock(ir.KindSynthetic)
	call := g.AddBlock(ir.KindSynthetic | ir.KindCold)

	w := g.NewTemp()
	ir.MarkProfiling(
		ir.AppendLoad(g1, w, word, ir.Imm(0)),
		g.AppendBranch(g1, ir.T(w), ir.CondEQ, ir.Imm(int64(persist.RecompilationDisabled)), false, x, g2),
	)

	n, tmp := g.NewTemp(), g.NewTemp()
	ir.MarkProfiling(ir.AppendConst(g2, n, 0))
	raw.Add.Each(func(c int) {
		ir.MarkProfiling(
			ir.AppendLoad(g2, tmp, counters, ir.Imm(int64(c))),
			ir.AppendAdd(g2, n, ir.T(n), ir.T(tmp)),
		)
	})
	raw.Sub.Each(func(c int) {
		ir.MarkProfiling(
			ir.AppendLoad(g2, tmp, counters, ir.Imm(int64(c))),
			ir.AppendSub(g2, n, ir.T(n), ir.T(tmp)),
		)
	})
	ir.MarkProfiling(g.AppendBranch(g2, ir.T(n), ir.CondLT, ir.Imm(int64(threshold)), false, x, call))

	ir.MarkProfiling(
		ir.AppendRecompile(call, uint8(persist.RecompDueToJProfiling)),
		g.AppendGoto(call, x),
	)

	if opts.Trace {
		log.Debugf("jprofiling: recompilation test in block_%d, raw count %s, threshold %d", g1.Number, raw, threshold)
	}
	return nil
}

// Run 规划并插桩，把块频率信息挂到 profile 上
func Run(g *ir.Graph, profile *persist.ProfileInfo, opts Options, body *persist.BodyInfo) (*Placement, error) {
	p, err := Plan(g, opts)
	if err != nil {
		return nil, err
	}
	info := persist.NewBlockFrequencyInfo(p.Table, g.Start().Number)
	if err := Instrument(p, info, opts, body); err != nil {
		return nil, err
	}
	if profile != nil {
		profile.SetBlockFrequencyInfo(info)
	}
	return p, nil
}
