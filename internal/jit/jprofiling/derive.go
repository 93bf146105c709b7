// derive.go - 频率推导
//
// 从计数块出发按流量守恒推导：
//   - 未知块的全部入边（或全部出边）已知时，块 = 这些边之和
//   - 已知块恰有一条未知入边（或出边）时，该边 = 块 - 其余边之和
// 推导按队列进行，初始顺序是从 start 出发的广度优先序，每次推进后把相邻块重新入队。
// 推不出来的块和边记录下来，调用方不能把它们当作 0。

package jprofiling

import (
	"slices"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/log"
)

type deriver struct {
	p      *Placement
	known  []bool
	blocks []persist.Derivation
	edges  map[*ir.Edge]persist.Derivation

	queue   []*ir.Block
	inQueue []bool
	trace   bool
}

func (p *Placement) derive(trace bool) {
	g := p.Graph
	n := g.NumBlocks()
	d := &deriver{
		p:       p,
		known:   make([]bool, n),
		blocks:  make([]persist.Derivation, n),
		edges:   make(map[*ir.Edge]persist.Derivation),
		inQueue: make([]bool, n),
		trace:   trace,
	}
	counted := make([]int, 0, len(p.Counted))
	for _, b := range p.Counted {
		d.known[b.Number] = true
		d.blocks[b.Number] = persist.Physical(b.Number)
		counted = append(counted, b.Number)
	}
	for _, b := range d.bfsOrder() {
		d.enqueue(b)
	}
	for len(d.queue) > 0 {
		b := d.queue[0]
		d.queue = d.queue[1:]
		d.inQueue[b.Number] = false
		if d.step(b) {
			d.enqueue(b)
			for _, e := range p.v.adjacent(b) {
				d.enqueue(e.From)
				d.enqueue(e.To)
			}
		}
	}

	table := persist.NewDerivationTable(n)
	table.SetCounted(counted)
	p.UnderivedBlocks = p.UnderivedBlocks[:0]
	p.UnderivedEdges = p.UnderivedEdges[:0]
	for _, b := range g.Blocks() {
		if d.known[b.Number] {
			table.SetBlock(b.Number, d.blocks[b.Number])
		} else {
			p.UnderivedBlocks = append(p.UnderivedBlocks, b.Number)
		}
	}
	for _, e := range append(g.Edges(), p.v.loopBack) {
		if ed, ok := d.edges[e]; ok {
			table.SetEdge(e.ID, e.From.Number, e.To.Number, ed)
		} else {
			p.UnderivedEdges = append(p.UnderivedEdges, e.ID)
		}
	}
	slices.Sort(p.UnderivedEdges)
	p.Table = table

	if len(p.UnderivedBlocks) > 0 || len(p.UnderivedEdges) > 0 {
		log.Debugf("jprofiling: %s has underived blocks %v edges %v", g.Name, p.UnderivedBlocks, p.UnderivedEdges)
	}
}

// bfsOrder 按离 start 的深度排列全部块，不可达的块排在最后
func (d *deriver) bfsOrder() []*ir.Block {
	g := d.p.Graph
	seen := make([]bool, g.NumBlocks())
	out := []*ir.Block{g.Start()}
	seen[g.Start().Number] = true
	for i := 0; i < len(out); i++ {
		for _, e := range out[i].AllSuccs() {
			if !seen[e.To.Number] {
				seen[e.To.Number] = true
				out = append(out, e.To)
			}
		}
	}
	for _, b := range g.Blocks() {
		if !seen[b.Number] {
			out = append(out, b)
		}
	}
	return out
}

func (d *deriver) enqueue(b *ir.Block) {
	if d.inQueue[b.Number] {
		return
	}
	d.inQueue[b.Number] = true
	d.queue = append(d.queue, b)
}

// step 尝试推进一个块，有进展返回 true
func (d *deriver) step(b *ir.Block) bool {
	v := d.p.v
	preds, succs := v.preds(b), v.succs(b)
	progress := false

	if !d.known[b.Number] {
		for _, list := range [][]*ir.Edge{preds, succs} {
			if len(list) == 0 {
				continue
			}
			if sum, ok := d.sum(list, nil); ok {
				d.known[b.Number] = true
				d.blocks[b.Number] = sum
				progress = true
				if d.trace {
					log.Debugf("jprofiling: block_%d = %s", b.Number, sum)
				}
				break
			}
		}
	}
	if !d.known[b.Number] {
		return progress
	}

	for _, list := range [][]*ir.Edge{preds, succs} {
		u := d.soleUnknown(list)
		if u == nil {
			continue
		}
		rest, ok := d.sum(list, u)
		if !ok {
			continue
		}
		ed, ok := d.blocks[b.Number].Minus(rest)
		if !ok {
			continue
		}
		d.edges[u] = ed
		progress = true
		if d.trace {
			log.Debugf("jprofiling: edge block_%d to block_%d = %s", u.From.Number, u.To.Number, ed)
		}
	}
	return progress
}

// sum 边推导式之和，skip 之外有未知边或系数溢出时返回 false
func (d *deriver) sum(list []*ir.Edge, skip *ir.Edge) (persist.Derivation, bool) {
	var total persist.Derivation
	for _, e := range list {
		if e == skip {
			continue
		}
		ed, ok := d.edges[e]
		if !ok {
			return persist.Derivation{}, false
		}
		if total, ok = total.Plus(ed); !ok {
			return persist.Derivation{}, false
		}
	}
	return total, true
}

// soleUnknown 列表中唯一的未知边，没有或多于一条时返回 nil
func (d *deriver) soleUnknown(list []*ir.Edge) *ir.Edge {
	var u *ir.Edge
	for _, e := range list {
		if _, ok := d.edges[e]; ok {
			continue
		}
		if u != nil && u != e {
			return nil
		}
		u = e
	}
	return u
}
