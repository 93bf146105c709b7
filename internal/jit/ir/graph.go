// graph.go - 控制流图
//
// Graph 持有全部块和边。块号、边号一经分配不再改变，
// 删除的块和边在表中留空，因此可以直接作为计数器槽位和推导表的下标。

package ir

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// ============================================================================
// 块与边
// ============================================================================

// BlockKind 块分类
type BlockKind uint32

const (
	KindStart     BlockKind = 1 << iota // 入口伪块
	KindEnd                             // 出口伪块
	KindCatch                           // 异常处理块
	KindOSRCatch                        // OSR 入口的伪 catch 块，从不执行
	KindOSRCode                         // OSR 入口代码
	KindOSRInduce                       // 触发 OSR 的块
	KindSynthetic                       // 拆边生成的块
	KindCold                            // 冷块
)

// EdgeKind 边分类
type EdgeKind uint8

const (
	EdgeNormal EdgeKind = iota
	EdgeException
)

func (k EdgeKind) String() string {
	if k == EdgeException {
		return "exception"
	}
	return "normal"
}

// Edge 有向边
type Edge struct {
	ID        int
	From, To  *Block
	Kind      EdgeKind
	Frequency int32 // 静态估计频率，用于生成树权重
}

func (e *Edge) String() string {
	return fmt.Sprintf("e%d(B%d->B%d)", e.ID, e.From.Number, e.To.Number)
}

// RegDep 跨块寄存器依赖
type RegDep struct {
	Reg  int
	Temp Temp
}

// Block 基本块
type Block struct {
	Number int
	Kind   BlockKind
	Instrs []*Instr

	Preds    []*Edge
	Succs    []*Edge
	ExcPreds []*Edge
	ExcSuccs []*Edge

	Frequency  int32
	LiveLocals *bitset.BitSet
	RegDeps    []RegDep

	// ExtensionOfPrevious 布局上紧跟前一块且可以与其合并为扩展块
	ExtensionOfPrevious bool
}

func (b *Block) String() string { return fmt.Sprintf("B%d", b.Number) }

// Is 检查分类
func (b *Block) Is(k BlockKind) bool { return b.Kind&k != 0 }

// IsStart 是否为入口伪块
func (b *Block) IsStart() bool { return b.Is(KindStart) }

// IsEnd 是否为出口伪块
func (b *Block) IsEnd() bool { return b.Is(KindEnd) }

// IsCatch 是否为异常处理块
func (b *Block) IsCatch() bool { return b.Is(KindCatch) }

// IsOSRCatch 是否为 OSR 伪 catch 块
func (b *Block) IsOSRCatch() bool { return b.Is(KindOSRCatch) }

// IsOSRCode 是否为 OSR 代码块
func (b *Block) IsOSRCode() bool { return b.Is(KindOSRCode) }

// IsOSRInduce 是否为 OSR 触发块
func (b *Block) IsOSRInduce() bool { return b.Is(KindOSRInduce) }

// IsSynthetic 是否为拆边生成的块
func (b *Block) IsSynthetic() bool { return b.Is(KindSynthetic) }

// InDegree 全部入边数（含异常边）
func (b *Block) InDegree() int { return len(b.Preds) + len(b.ExcPreds) }

// OutDegree 全部出边数（含异常边）
func (b *Block) OutDegree() int { return len(b.Succs) + len(b.ExcSuccs) }

// AllPreds 全部入边
func (b *Block) AllPreds() []*Edge {
	out := make([]*Edge, 0, b.InDegree())
	out = append(out, b.Preds...)
	return append(out, b.ExcPreds...)
}

// AllSuccs 全部出边
func (b *Block) AllSuccs() []*Edge {
	out := make([]*Edge, 0, b.OutDegree())
	out = append(out, b.Succs...)
	return append(out, b.ExcSuccs...)
}

// Terminator 末尾的终止指令
func (b *Block) Terminator() *Instr {
	if n := len(b.Instrs); n > 0 && b.Instrs[n-1].IsTerminator() {
		return b.Instrs[n-1]
	}
	return nil
}

// Append 在终止指令之前追加
func (b *Block) Append(in *Instr) {
	if t := b.Terminator(); t != nil {
		n := len(b.Instrs)
		b.Instrs = append(b.Instrs[:n-1], in, t)
		return
	}
	b.Instrs = append(b.Instrs, in)
}

// Prepend 插入到块首
func (b *Block) Prepend(in *Instr) {
	b.Instrs = append([]*Instr{in}, b.Instrs...)
}

// SetTerminator 设置终止指令，替换已有的终止指令
func (b *Block) SetTerminator(in *Instr) {
	if b.Terminator() != nil {
		b.Instrs[len(b.Instrs)-1] = in
		return
	}
	b.Instrs = append(b.Instrs, in)
}

// retarget 把终止指令中指向 old 的目标改为 nw
func (b *Block) retarget(old, nw *Block) {
	t := b.Terminator()
	if t == nil {
		return
	}
	if t.Target == old {
		t.Target = nw
	}
	if t.Else == old {
		t.Else = nw
	}
}

// ============================================================================
// 图
// ============================================================================

// Graph 控制流图
type Graph struct {
	Name string

	blocks []*Block
	edges  []*Edge
	start  *Block
	end    *Block

	numTemps int
}

// NewGraph 创建只含 start / end 伪块的图
func NewGraph(name string) *Graph {
	g := &Graph{Name: name}
	g.start = g.AddBlock(KindStart)
	g.end = g.AddBlock(KindEnd)
	return g
}

// Start 入口伪块
func (g *Graph) Start() *Block { return g.start }

// End 出口伪块
func (g *Graph) End() *Block { return g.end }

// AddBlock 新建块
func (g *Graph) AddBlock(kind BlockKind) *Block {
	b := &Block{Number: len(g.blocks), Kind: kind}
	g.blocks = append(g.blocks, b)
	return b
}

// Block 按块号取块，已删除返回 nil
func (g *Graph) Block(n int) *Block {
	if n < 0 || n >= len(g.blocks) {
		return nil
	}
	return g.blocks[n]
}

// Blocks 按块号顺序的全部块
func (g *Graph) Blocks() []*Block {
	out := make([]*Block, 0, len(g.blocks))
	for _, b := range g.blocks {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// NumBlocks 块号空间大小
func (g *Graph) NumBlocks() int { return len(g.blocks) }

// Edge 按边号取边
func (g *Graph) Edge(id int) *Edge {
	if id < 0 || id >= len(g.edges) {
		return nil
	}
	return g.edges[id]
}

// Edges 全部存活的边
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, len(g.edges))
	for _, e := range g.edges {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// NumEdges 边号空间大小
func (g *Graph) NumEdges() int { return len(g.edges) }

// NewTemp 分配临时变量
func (g *Graph) NewTemp() Temp {
	t := Temp(g.numTemps)
	g.numTemps++
	return t
}

// NumTemps 临时变量个数
func (g *Graph) NumTemps() int { return g.numTemps }

// AddEdge 添加普通边
func (g *Graph) AddEdge(from, to *Block) *Edge {
	return g.addEdge(from, to, EdgeNormal, 0)
}

// AddExceptionEdge 添加异常边
func (g *Graph) AddExceptionEdge(from, to *Block) *Edge {
	return g.addEdge(from, to, EdgeException, 0)
}

// AddEdgeFreq 添加带频率估计的普通边
func (g *Graph) AddEdgeFreq(from, to *Block, freq int32) *Edge {
	return g.addEdge(from, to, EdgeNormal, freq)
}

func (g *Graph) addEdge(from, to *Block, kind EdgeKind, freq int32) *Edge {
	e := &Edge{ID: len(g.edges), From: from, To: to, Kind: kind, Frequency: freq}
	g.edges = append(g.edges, e)
	if kind == EdgeException {
		from.ExcSuccs = append(from.ExcSuccs, e)
		to.ExcPreds = append(to.ExcPreds, e)
	} else {
		from.Succs = append(from.Succs, e)
		to.Preds = append(to.Preds, e)
	}
	return e
}

// FindEdge 查找 from -> to 的边
func (g *Graph) FindEdge(from, to *Block) *Edge {
	for _, e := range from.AllSuccs() {
		if e.To == to {
			return e
		}
	}
	return nil
}

// RemoveEdge 删除边，边号作废
func (g *Graph) RemoveEdge(e *Edge) {
	if e.Kind == EdgeException {
		e.From.ExcSuccs = removeEdge(e.From.ExcSuccs, e)
		e.To.ExcPreds = removeEdge(e.To.ExcPreds, e)
	} else {
		e.From.Succs = removeEdge(e.From.Succs, e)
		e.To.Preds = removeEdge(e.To.Preds, e)
	}
	g.edges[e.ID] = nil
}

func removeEdge(list []*Edge, e *Edge) []*Edge {
	for i, x := range list {
		if x == e {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// SplitEdge 在普通边上插入新块，返回新块
// 原边号作废，两条新边分配新的边号；from 的终止指令改指向新块
func (g *Graph) SplitEdge(e *Edge) (*Block, error) {
	if e == nil || g.Edge(e.ID) != e {
		return nil, invariantf("split edge: edge %v has no assigned identifier", e)
	}
	if e.Kind == EdgeException {
		return nil, invariantf("split edge: cannot split exception edge %v", e)
	}
	from, to := e.From, e.To
	mid := g.AddBlock(KindSynthetic)
	mid.Frequency = e.Frequency
	if to.LiveLocals != nil {
		mid.LiveLocals = to.LiveLocals.Clone()
	}
	mid.RegDeps = append([]RegDep(nil), to.RegDeps...)

	g.RemoveEdge(e)
	g.addEdge(from, mid, EdgeNormal, e.Frequency)
	g.addEdge(mid, to, EdgeNormal, e.Frequency)
	from.retarget(to, mid)
	return mid, nil
}

// SplitBlockAfter 在第 i 条指令之后把块一分为二，返回后半块
// 后半块接管全部出边（异常出边两块都保留）和终止指令
func (g *Graph) SplitBlockAfter(b *Block, i int) *Block {
	tail := g.AddBlock(b.Kind &^ (KindStart | KindEnd | KindCatch | KindOSRCatch))
	tail.Frequency = b.Frequency
	tail.Instrs = append([]*Instr(nil), b.Instrs[i+1:]...)
	b.Instrs = b.Instrs[:i+1]
	if b.LiveLocals != nil {
		tail.LiveLocals = b.LiveLocals.Clone()
	}
	tail.RegDeps = append([]RegDep(nil), b.RegDeps...)

	for _, e := range append([]*Edge(nil), b.Succs...) {
		g.RemoveEdge(e)
		g.addEdge(tail, e.To, EdgeNormal, e.Frequency)
	}
	for _, e := range b.ExcSuccs {
		g.addEdge(tail, e.To, EdgeException, e.Frequency)
	}
	g.addEdge(b, tail, EdgeNormal, b.Frequency)
	return tail
}

// FirstBlock 方法的第一个真实块
func (g *Graph) FirstBlock() *Block {
	if len(g.start.Succs) == 0 {
		return nil
	}
	return g.start.Succs[0].To
}

// NodeCount 图的节点数：块数加指令数
func (g *Graph) NodeCount() int {
	n := 0
	for _, b := range g.Blocks() {
		n += 1 + len(b.Instrs)
	}
	return n
}

// RemoveInstrs 删除满足条件的指令，返回删除数量
func (g *Graph) RemoveInstrs(match func(*Instr) bool) int {
	removed := 0
	for _, b := range g.Blocks() {
		kept := b.Instrs[:0]
		for _, in := range b.Instrs {
			if match(in) {
				removed++
				continue
			}
			kept = append(kept, in)
		}
		b.Instrs = kept
	}
	return removed
}

// RemoveUnreachable 删除从 start 不可达的块，返回删除数量
func (g *Graph) RemoveUnreachable() int {
	seen := bitset.New(uint(len(g.blocks)))
	stack := []*Block{g.start}
	seen.Set(uint(g.start.Number))
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range b.AllSuccs() {
			if !seen.Test(uint(e.To.Number)) {
				seen.Set(uint(e.To.Number))
				stack = append(stack, e.To)
			}
		}
	}
	removed := 0
	for _, b := range g.Blocks() {
		if seen.Test(uint(b.Number)) || b == g.end {
			continue
		}
		for _, e := range b.AllSuccs() {
			g.RemoveEdge(e)
		}
		for _, e := range b.AllPreds() {
			g.RemoveEdge(e)
		}
		g.blocks[b.Number] = nil
		removed++
	}
	return removed
}

// Validate 检查图的结构约束
func (g *Graph) Validate() error {
	if len(g.start.Succs) != 1 || len(g.start.ExcSuccs) != 0 {
		return invariantf("start block must have exactly one successor, has %d", g.start.OutDegree())
	}
	if g.start.InDegree() != 0 || g.end.OutDegree() != 0 {
		return invariantf("start block has predecessors or end block has successors")
	}
	for id, e := range g.edges {
		if e != nil && e.ID != id {
			return invariantf("edge %v recorded under identifier %d", e, id)
		}
	}
	for _, b := range g.Blocks() {
		if b.IsOSRCatch() {
			if len(b.Succs) != 1 || !b.Succs[0].To.IsOSRCode() {
				return invariantf("OSR catch block %v must have a single OSR code successor", b)
			}
		}
		if t := b.Terminator(); t != nil {
			for _, target := range []*Block{t.Target, t.Else} {
				if target != nil && g.FindEdge(b, target) == nil {
					return invariantf("terminator of %v targets %v without an edge", b, target)
				}
			}
		}
	}
	return nil
}

// String 打印整张图
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %s\n", g.Name)
	for _, b := range g.Blocks() {
		fmt.Fprintf(&sb, "B%d", b.Number)
		if b.Kind != 0 {
			fmt.Fprintf(&sb, " kind=%#x", uint32(b.Kind))
		}
		sb.WriteString(" ->")
		for _, e := range b.Succs {
			fmt.Fprintf(&sb, " B%d", e.To.Number)
		}
		for _, e := range b.ExcSuccs {
			fmt.Fprintf(&sb, " !B%d", e.To.Number)
		}
		sb.WriteString("\n")
		for _, in := range b.Instrs {
			fmt.Fprintf(&sb, "    %s\n", in)
		}
	}
	return sb.String()
}
