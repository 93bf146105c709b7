// Package jprofiling 为方法规划最少的块计数器
//
// 算法：
// 1. 在控制流图上加一条 end -> start 的回环边，得到无向视图
// 2. 用 Prim 算法求最大权生成树，树边不需要计数
// 3. 每条非树边选一个块放计数器：优先源块、其次目标块，都不行时拆边
// 4. 按流量守恒从计数块推导出所有块和边的频率
// 5. 在计数块块首插入递增，在方法入口插入重编译测试
package jprofiling

import (
	"container/heap"
	"fmt"
	"io"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/log"
)

// LoopBackEdgeID 回环边在推导表中的边号
const LoopBackEdgeID = -1

// minLoopBackWeight 回环边和异常边的最小权重
const minLoopBackWeight = 100000

// ============================================================================
// 带回环边的视图
// ============================================================================

// view 在图上叠加一条只对规划器可见的 end -> start 回环边
type view struct {
	g        *ir.Graph
	loopBack *ir.Edge
}

func newView(g *ir.Graph) *view {
	return &view{
		g:        g,
		loopBack: &ir.Edge{ID: LoopBackEdgeID, From: g.End(), To: g.Start(), Kind: ir.EdgeNormal},
	}
}

func (v *view) preds(b *ir.Block) []*ir.Edge {
	out := b.AllPreds()
	if b == v.g.Start() {
		out = append(out, v.loopBack)
	}
	return out
}

func (v *view) succs(b *ir.Block) []*ir.Edge {
	out := b.AllSuccs()
	if b == v.g.End() {
		out = append(out, v.loopBack)
	}
	return out
}

func (v *view) inDegree(b *ir.Block) int  { return len(v.preds(b)) }
func (v *view) outDegree(b *ir.Block) int { return len(v.succs(b)) }

// adjacent 无向邻接：先出边后入边，决定频率相同时的发现顺序
func (v *view) adjacent(b *ir.Block) []*ir.Edge {
	return append(v.succs(b), v.preds(b)...)
}

// ============================================================================
// 最大权生成树
// ============================================================================

type candidate struct {
	weight int64
	seq    int
	block  *ir.Block
	via    *ir.Edge
}

// candidateQueue 权重大者优先，权重相同时先入队者优先
type candidateQueue []candidate

func (q candidateQueue) Len() int { return len(q) }
func (q candidateQueue) Less(i, j int) bool {
	if q[i].weight != q[j].weight {
		return q[i].weight > q[j].weight
	}
	return q[i].seq < q[j].seq
}
func (q candidateQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *candidateQueue) Push(x any)   { *q = append(*q, x.(candidate)) }
func (q *candidateQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	*q = old[:n-1]
	return c
}

// spanningTree 以块号为下标记录每个块连入生成树的边
type spanningTree struct {
	parent []*ir.Edge
}

func (t *spanningTree) contains(e *ir.Edge) bool {
	for _, n := range []int{e.From.Number, e.To.Number} {
		if n < len(t.parent) && t.parent[n] == e {
			return true
		}
	}
	return false
}

// Edges 全部树边
func (t *spanningTree) Edges() []*ir.Edge {
	var out []*ir.Edge
	for _, e := range t.parent {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (v *view) weight(e *ir.Edge, heavy int64) int64 {
	if e == v.loopBack || e.Kind == ir.EdgeException {
		return heavy
	}
	return int64(e.Frequency)
}

// maxSpanningTree 从方法第一个真实块出发运行 Prim 算法
//
// 回环边的权重大于所有观测到的边频率，保证它进入生成树；
// 异常边上无法插入计数器，同样给最大权重，让它们尽量成为树边。
func (v *view) maxSpanningTree(trace bool) *spanningTree {
	n := v.g.NumBlocks()
	heavy := int64(minLoopBackWeight)
	for _, e := range v.g.Edges() {
		if f := int64(e.Frequency) + 1; f > heavy {
			heavy = f
		}
	}

	tree := &spanningTree{parent: make([]*ir.Edge, n)}
	inTree := make([]bool, n)
	best := make([]int64, n)
	for i := range best {
		best[i] = -1
	}

	first := v.g.FirstBlock()
	if first == nil {
		first = v.g.Start()
	}
	q := &candidateQueue{}
	seq := 0
	heap.Push(q, candidate{weight: 0, seq: seq, block: first})

	for q.Len() > 0 {
		c := heap.Pop(q).(candidate)
		if inTree[c.block.Number] {
			continue
		}
		inTree[c.block.Number] = true
		tree.parent[c.block.Number] = c.via
		if trace {
			log.Debugf("jprofiling: add block_%d to the MST", c.block.Number)
		}
		for _, e := range v.adjacent(c.block) {
			other := e.To
			if other == c.block {
				other = e.From
			}
			if other == c.block || inTree[other.Number] {
				continue
			}
			w := v.weight(e, heavy)
			if w > best[other.Number] {
				best[other.Number] = w
				seq++
				heap.Push(q, candidate{weight: w, seq: seq, block: other, via: e})
			}
		}
	}
	return tree
}

// dump 打印生成树
func (t *spanningTree) dump(w io.Writer) {
	for i, e := range t.parent {
		if e != nil {
			fmt.Fprintf(w, "MST edge block_%d to block_%d (block_%d)\n", e.From.Number, e.To.Number, i)
		}
	}
}
