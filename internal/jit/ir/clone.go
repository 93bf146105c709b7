package ir

// CloneBlocks 复制一组块，返回 原块 -> 副本 的映射
//
// 组内的边和跳转目标改指副本，指向组外的边保持指向原块；
// 组外进入组内的边不复制。活跃局部变量位图和寄存器依赖原样复制。
func (g *Graph) CloneBlocks(blocks []*Block) map[*Block]*Block {
	m := make(map[*Block]*Block, len(blocks))
	for _, b := range blocks {
		c := g.AddBlock(b.Kind &^ (KindStart | KindEnd))
		c.Frequency = b.Frequency
		c.ExtensionOfPrevious = b.ExtensionOfPrevious
		if b.LiveLocals != nil {
			c.LiveLocals = b.LiveLocals.Clone()
		}
		c.RegDeps = append([]RegDep(nil), b.RegDeps...)
		m[b] = c
	}
	mapped := func(b *Block) *Block {
		if c, ok := m[b]; ok {
			return c
		}
		return b
	}
	for _, b := range blocks {
		c := m[b]
		c.Instrs = make([]*Instr, len(b.Instrs))
		for i, in := range b.Instrs {
			ci := in.Clone()
			if ci.Target != nil {
				ci.Target = mapped(ci.Target)
			}
			if ci.Else != nil {
				ci.Else = mapped(ci.Else)
			}
			c.Instrs[i] = ci
		}
		for _, e := range b.Succs {
			g.addEdge(c, mapped(e.To), EdgeNormal, e.Frequency)
		}
		for _, e := range b.ExcSuccs {
			g.addEdge(c, mapped(e.To), EdgeException, e.Frequency)
		}
	}
	return m
}
