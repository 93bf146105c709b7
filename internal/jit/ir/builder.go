// builder.go - 插桩原语
//
// 规划器和双体生成器通过这些函数修改图，不直接拼装指令。

package ir

// InsertCounterIncrement 在块首插入 s[index]++
func InsertCounterIncrement(b *Block, s *Static, index int) *Instr {
	in := &Instr{Op: OpIncCounter, Static: s, Index: Imm(int64(index))}
	b.Prepend(in)
	return in
}

// AppendWork 追加不透明计算
func AppendWork(b *Block, label string) *Instr {
	in := &Instr{Op: OpWork, Label: label}
	b.Append(in)
	return in
}

// AppendAsyncCheck 追加异步检查
func AppendAsyncCheck(b *Block) *Instr {
	in := &Instr{Op: OpAsyncCheck}
	b.Append(in)
	return in
}

// AppendConst 追加 dst = v
func AppendConst(b *Block, dst Temp, v int64) *Instr {
	in := &Instr{Op: OpConst, Dst: dst, A: Imm(v)}
	b.Append(in)
	return in
}

// AppendMove 追加 dst = a
func AppendMove(b *Block, dst Temp, a Operand) *Instr {
	in := &Instr{Op: OpMove, Dst: dst, A: a}
	b.Append(in)
	return in
}

// AppendAdd 追加 dst = a + c
func AppendAdd(b *Block, dst Temp, a, c Operand) *Instr {
	in := &Instr{Op: OpAdd, Dst: dst, A: a, B: c}
	b.Append(in)
	return in
}

// AppendSub 追加 dst = a - c
func AppendSub(b *Block, dst Temp, a, c Operand) *Instr {
	in := &Instr{Op: OpSub, Dst: dst, A: a, B: c}
	b.Append(in)
	return in
}

// AppendLoad 追加 dst = s[index]
func AppendLoad(b *Block, dst Temp, s *Static, index Operand) *Instr {
	in := &Instr{Op: OpLoad, Dst: dst, Static: s, Index: index}
	b.Append(in)
	return in
}

// AppendStore 追加 s[index] = a
func AppendStore(b *Block, s *Static, index, a Operand) *Instr {
	in := &Instr{Op: OpStore, Static: s, Index: index, A: a}
	b.Append(in)
	return in
}

// AppendRecompile 追加重编译请求
func AppendRecompile(b *Block, reason uint8) *Instr {
	in := &Instr{Op: OpRecompile, Reason: reason}
	b.Append(in)
	return in
}

// AppendBranch 设置条件分支终止指令：if a cond c goto taken else notTaken
// 缺少的边会自动补上
func (g *Graph) AppendBranch(b *Block, a Operand, cond Cond, c Operand, unsigned bool, taken, notTaken *Block) *Instr {
	in := &Instr{Op: OpBranch, A: a, B: c, Cond: cond, Unsigned: unsigned, Target: taken, Else: notTaken}
	g.ensureEdge(b, taken)
	g.ensureEdge(b, notTaken)
	b.SetTerminator(in)
	return in
}

// AppendGoto 设置无条件跳转
func (g *Graph) AppendGoto(b *Block, target *Block) *Instr {
	in := &Instr{Op: OpGoto, Target: target}
	g.ensureEdge(b, target)
	b.SetTerminator(in)
	return in
}

// AppendReturn 设置返回并连到出口伪块
func (g *Graph) AppendReturn(b *Block) *Instr {
	in := &Instr{Op: OpReturn}
	g.ensureEdge(b, g.end)
	b.SetTerminator(in)
	return in
}

func (g *Graph) ensureEdge(from, to *Block) {
	for _, e := range from.Succs {
		if e.To == to {
			return
		}
	}
	g.AddEdge(from, to)
}

// MarkProfiling 把指令标记为剖析专用
func MarkProfiling(ins ...*Instr) {
	for _, in := range ins {
		in.Profiling = true
	}
}
