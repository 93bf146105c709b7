// plan.go - 计数器放置
//
// 每条非树边需要一个计数器，放置位置的优先级：
//   1. 目标是 OSR catch 块：计数它唯一的 OSR 代码后继（catch 块本身从不执行）
//   2. 源块只有一条出边，或者是 OSR 触发块 / OSR 代码块：计数源块
//   3. 目标块只有一条入边，或者是 catch / OSR 触发 / OSR 代码块：计数目标块
//   4. 关键边：拆边，计数新块
// start / end 伪块不能放代码，选中时改为计数方法第一个真实块；
// 第一个真实块是循环目标时拆开 start -> first 边，计数拆出的块。

package jprofiling

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/log"
)

// Table 推导表
type Table = persist.DerivationTable

// Placement 规划结果
type Placement struct {
	Graph    *ir.Graph
	LoopBack *ir.Edge

	// Counted 放置物理计数器的块，按块号排序
	Counted []*ir.Block
	// Splits 拆边产生的新块
	Splits []*ir.Block
	// Table 推导表，槽位下标为块号
	Table *Table

	// UnderivedBlocks / UnderivedEdges 无法推导频率的块号和边号
	UnderivedBlocks []int
	UnderivedEdges  []int

	tree *spanningTree
	v    *view
}

// IsCounted 块是否放置了物理计数器
func (p *Placement) IsCounted(b *ir.Block) bool {
	for _, c := range p.Counted {
		if c == b {
			return true
		}
	}
	return false
}

// TreeEdges 生成树的边（含回环边）
func (p *Placement) TreeEdges() []*ir.Edge { return p.tree.Edges() }

// Dump 打印生成树和推导表
func (p *Placement) Dump(w io.Writer) {
	p.tree.dump(w)
	p.Table.Dump(w, nil)
	if len(p.UnderivedBlocks) > 0 || len(p.UnderivedEdges) > 0 {
		fmt.Fprintf(w, "underived blocks: %v\nunderived edges: %v\n", p.UnderivedBlocks, p.UnderivedEdges)
	}
}

// Plan 为图规划计数器并建立推导表，会拆分关键边
// 图结构不合法时返回 *ir.InvariantError
func Plan(g *ir.Graph, opts Options) (*Placement, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("jprofiling plan %s: %w", g.Name, err)
	}
	v := newView(g)
	tree := v.maxSpanningTree(opts.Trace)
	if opts.Trace {
		var buf bytes.Buffer
		tree.dump(&buf)
		log.Debugf("jprofiling: spanning tree of %s\n%s", g.Name, buf.String())
	}

	p := &Placement{Graph: g, LoopBack: v.loopBack, tree: tree, v: v}
	counted, err := p.placeCounters(opts.Trace)
	if err != nil {
		return nil, fmt.Errorf("jprofiling plan %s: %w", g.Name, err)
	}
	p.Counted = counted
	p.derive(opts.Trace)
	return p, nil
}

// placeCounters 遍历所有非树边，决定计数块
func (p *Placement) placeCounters(trace bool) ([]*ir.Block, error) {
	g, v := p.Graph, p.v
	counted := make(map[*ir.Block]bool)
	firstNew := g.NumBlocks()

	for n := 0; n < firstNew; n++ {
		from := g.Block(n)
		if from == nil {
			continue
		}
		for _, e := range v.succs(from) {
			if p.tree.contains(e) {
				if trace {
					log.Debugf("jprofiling: skipping edge block_%d to block_%d", from.Number, e.To.Number)
				}
				continue
			}
			b, err := p.chooseCounter(e, counted)
			if err != nil {
				return nil, err
			}
			if b == nil {
				continue
			}
			counted[b] = true
			if trace {
				log.Debugf("jprofiling: count block_%d for edge block_%d to block_%d", b.Number, from.Number, e.To.Number)
			}
		}
	}

	// 伪块换成方法第一个真实块
	if counted[g.Start()] || counted[g.End()] {
		delete(counted, g.Start())
		delete(counted, g.End())
		sub, err := p.entryCounterBlock()
		if err != nil {
			return nil, err
		}
		counted[sub] = true
		if trace {
			log.Debugf("jprofiling: count block_%d in place of start/end", sub.Number)
		}
	}

	out := make([]*ir.Block, 0, len(counted))
	for b := range counted {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *ir.Block) int { return a.Number - b.Number })
	return out, nil
}

// chooseCounter 为一条非树边选择计数块，已计数的单入口块不会重复选中
func (p *Placement) chooseCounter(e *ir.Edge, counted map[*ir.Block]bool) (*ir.Block, error) {
	v := p.v
	from, to := e.From, e.To

	if to.IsOSRCatch() {
		if len(to.Succs) != 1 || !to.Succs[0].To.IsOSRCode() {
			return nil, ir.Invariantf("OSR catch block_%d must have a single OSR code successor", to.Number)
		}
		code := to.Succs[0].To
		if counted[code] {
			return nil, nil
		}
		return code, nil
	}

	if from != to && !from.IsOSRCatch() &&
		(v.outDegree(from) == 1 || from.IsOSRInduce() || from.IsOSRCode()) {
		if !counted[from] {
			return from, nil
		}
		if v.outDegree(from) == 1 {
			return nil, nil
		}
	}

	if from != to && (v.inDegree(to) == 1 || to.IsCatch() || to.IsOSRInduce() || to.IsOSRCode()) {
		if !counted[to] {
			return to, nil
		}
		if v.inDegree(to) == 1 {
			return nil, nil
		}
	}

	if e == v.loopBack {
		return p.Graph.End(), nil
	}
	if e.Kind == ir.EdgeException {
		// 异常边不能拆，只能计数目标
		if counted[to] {
			return nil, nil
		}
		return to, nil
	}
	mid, err := p.Graph.SplitEdge(e)
	if err != nil {
		return nil, err
	}
	p.Splits = append(p.Splits, mid)
	return mid, nil
}

// entryCounterBlock 计数调用次数的块：第一个真实块只有一条入边时就是它，否则拆开入口边
func (p *Placement) entryCounterBlock() (*ir.Block, error) {
	g := p.Graph
	first := g.FirstBlock()
	if first == nil {
		return nil, ir.Invariantf("method has no first block")
	}
	if first.InDegree() == 1 {
		return first, nil
	}
	mid, err := g.SplitEdge(g.Start().Succs[0])
	if err != nil {
		return nil, err
	}
	p.Splits = append(p.Splits, mid)
	return mid, nil
}
