package ir

import "github.com/bits-and-blooms/bitset"

// Loop 自然循环
type Loop struct {
	Header *Block
	Body   *bitset.BitSet // 块号集合，含 Header
}

// BackEdges 深度优先遍历找到的回边（指向遍历栈上的块）
func (g *Graph) BackEdges() []*Edge {
	const (
		white = iota
		grey
		black
	)
	color := make([]uint8, len(g.blocks))
	var back []*Edge

	type frame struct {
		b    *Block
		next int
	}
	stack := []frame{{b: g.start}}
	color[g.start.Number] = grey
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := top.b.AllSuccs()
		if top.next >= len(succs) {
			color[top.b.Number] = black
			stack = stack[:len(stack)-1]
			continue
		}
		e := succs[top.next]
		top.next++
		switch color[e.To.Number] {
		case white:
			color[e.To.Number] = grey
			stack = append(stack, frame{b: e.To})
		case grey:
			back = append(back, e)
		}
	}
	return back
}

// Loops 由回边构造自然循环，同一循环头的多条回边合并
func (g *Graph) Loops() []*Loop {
	byHeader := make(map[*Block]*Loop)
	var loops []*Loop
	for _, e := range g.BackEdges() {
		l := byHeader[e.To]
		if l == nil {
			l = &Loop{Header: e.To, Body: bitset.New(uint(len(g.blocks)))}
			l.Body.Set(uint(e.To.Number))
			byHeader[e.To] = l
			loops = append(loops, l)
		}
		// 从回边源头逆向收集，不越过循环头
		work := []*Block{e.From}
		for len(work) > 0 {
			b := work[len(work)-1]
			work = work[:len(work)-1]
			if l.Body.Test(uint(b.Number)) {
				continue
			}
			l.Body.Set(uint(b.Number))
			for _, p := range b.AllPreds() {
				work = append(work, p.From)
			}
		}
	}
	return loops
}

// LoopShape 循环形态
type LoopShape int

const (
	NoLoops LoopShape = iota
	SimpleLoops
	NestedLoops
)

func (s LoopShape) String() string {
	switch s {
	case NoLoops:
		return "straight-line"
	case SimpleLoops:
		return "loops"
	case NestedLoops:
		return "nested loops"
	}
	return "unknown"
}

// LoopShape 判断方法是否含循环、是否含嵌套循环
func (g *Graph) LoopShape() LoopShape {
	loops := g.Loops()
	if len(loops) == 0 {
		return NoLoops
	}
	for _, outer := range loops {
		for _, inner := range loops {
			if inner != outer && outer.Body.Test(uint(inner.Header.Number)) {
				return NestedLoops
			}
		}
	}
	return SimpleLoops
}
