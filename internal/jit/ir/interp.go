// interp.go - 图解释器
//
// 用于在测试和检查工具中执行插桩后的图：
//   Run    - 完全由终止指令决定控制流
//   Replay - 按给定的块号轨迹在多后继块处选路，插桩生成的合成块自动穿过
// 计数器递增按生成代码的语义执行：先读后写，不做原子读改写。

package ir

import (
	"fmt"
	"sync/atomic"
)

// DefaultMaxSteps 单次调用最多执行的块数
const DefaultMaxSteps = 1 << 20

// Env 执行环境，可跨多次调用复用
type Env struct {
	Temps      []int64
	Visits     []int64 // 按块号累计执行次数
	EdgeVisits []int64 // 按边号累计经过次数
	MaxSteps   int

	OnRecompile  func(reason uint8)
	OnAsyncCheck func(b *Block)
}

// NewEnv 创建执行环境
func NewEnv(g *Graph) *Env {
	return &Env{
		Temps:      make([]int64, g.NumTemps()),
		Visits:     make([]int64, g.NumBlocks()),
		EdgeVisits: make([]int64, g.NumEdges()),
		MaxSteps:   DefaultMaxSteps,
	}
}

func (env *Env) temp(t Temp) *int64 {
	for int(t) >= len(env.Temps) {
		env.Temps = append(env.Temps, 0)
	}
	return &env.Temps[t]
}

func (env *Env) value(o Operand) int64 {
	if o.IsImm {
		return o.Imm
	}
	return *env.temp(o.Temp)
}

func (env *Env) visit(b *Block) {
	for b.Number >= len(env.Visits) {
		env.Visits = append(env.Visits, 0)
	}
	env.Visits[b.Number]++
}

func (env *Env) traverse(e *Edge) {
	for e.ID >= len(env.EdgeVisits) {
		env.EdgeVisits = append(env.EdgeVisits, 0)
	}
	env.EdgeVisits[e.ID]++
}

// exec 执行块内指令，返回终止指令决定的下一块（无终止指令返回 nil）
func (env *Env) exec(g *Graph, b *Block) (*Block, error) {
	env.visit(b)
	for _, in := range b.Instrs {
		switch in.Op {
		case OpNop, OpWork:
		case OpAsyncCheck:
			if env.OnAsyncCheck != nil {
				env.OnAsyncCheck(b)
			}
		case OpConst, OpMove:
			*env.temp(in.Dst) = env.value(in.A)
		case OpAdd:
			*env.temp(in.Dst) = env.value(in.A) + env.value(in.B)
		case OpSub:
			*env.temp(in.Dst) = env.value(in.A) - env.value(in.B)
		case OpLoad:
			cell, err := cellOf(in)
			if err != nil {
				return nil, err
			}
			i := env.value(in.Index)
			if i < 0 || int(i) >= len(in.Static.Cells) {
				return nil, fmt.Errorf("load %s[%d] out of range in %v", in.Static.Name, i, b)
			}
			*env.temp(in.Dst) = int64(atomic.LoadInt32(&cell[i]))
		case OpStore:
			cell, err := cellOf(in)
			if err != nil {
				return nil, err
			}
			i := env.value(in.Index)
			if i < 0 || int(i) >= len(in.Static.Cells) {
				return nil, fmt.Errorf("store %s[%d] out of range in %v", in.Static.Name, i, b)
			}
			atomic.StoreInt32(&cell[i], int32(env.value(in.A)))
		case OpIncCounter:
			cell, err := cellOf(in)
			if err != nil {
				return nil, err
			}
			i := env.value(in.Index)
			if i < 0 || int(i) >= len(in.Static.Cells) {
				return nil, fmt.Errorf("increment %s[%d] out of range in %v", in.Static.Name, i, b)
			}
			atomic.StoreInt32(&cell[i], atomic.LoadInt32(&cell[i])+1)
		case OpRecompile:
			if env.OnRecompile != nil {
				env.OnRecompile(in.Reason)
			}
		case OpBranch:
			if in.Cond.Eval(env.value(in.A), env.value(in.B), in.Unsigned) {
				return in.Target, nil
			}
			return in.Else, nil
		case OpGoto:
			return in.Target, nil
		case OpReturn:
			return g.returnTarget(b), nil
		default:
			return nil, fmt.Errorf("unknown op %v in %v", in.Op, b)
		}
	}
	return nil, nil
}

func cellOf(in *Instr) ([]int32, error) {
	if in.Static == nil {
		return nil, fmt.Errorf("%v without static", in.Op)
	}
	return in.Static.Cells, nil
}

func (env *Env) move(g *Graph, from, to *Block) error {
	e := g.FindEdge(from, to)
	if e == nil {
		return fmt.Errorf("no edge %v -> %v", from, to)
	}
	env.traverse(e)
	return nil
}

// Run 执行一次调用，控制流完全由终止指令和单后继决定
func (g *Graph) Run(env *Env) error {
	cur := g.start
	for steps := 0; ; steps++ {
		if steps > env.MaxSteps {
			return fmt.Errorf("%s: step limit %d exceeded", g.Name, env.MaxSteps)
		}
		next, err := env.exec(g, cur)
		if err != nil {
			return err
		}
		if cur == g.end {
			return nil
		}
		if next == nil {
			if len(cur.Succs) != 1 {
				return fmt.Errorf("%v has %d successors and no terminator", cur, len(cur.Succs))
			}
			next = cur.Succs[0].To
		}
		if err := env.move(g, cur, next); err != nil {
			return err
		}
		cur = next
	}
}

// Replay 按轨迹执行一次调用
// trace 为 start 与 end 之间依次经过的块号，相邻块之间必须有边或只隔着合成块
func (g *Graph) Replay(env *Env, trace []int) error {
	cur := g.start
	next, err := env.exec(g, cur)
	if err != nil {
		return err
	}
	targets := append(append([]int(nil), trace...), g.end.Number)
	steps := 0
	for _, want := range targets {
		for {
			if steps++; steps > env.MaxSteps {
				return fmt.Errorf("%s: step limit %d exceeded", g.Name, env.MaxSteps)
			}
			to := next
			if to == nil {
				to = g.toward(cur, want)
			}
			if to == nil {
				return fmt.Errorf("%s: no path from %v toward B%d", g.Name, cur, want)
			}
			if err := env.move(g, cur, to); err != nil {
				return err
			}
			cur = to
			if next, err = env.exec(g, cur); err != nil {
				return err
			}
			if cur.Number == want {
				break
			}
		}
	}
	return nil
}

// returnTarget 返回边可能被拆开，沿合成块走到 end
func (g *Graph) returnTarget(b *Block) *Block {
	for _, e := range b.Succs {
		if e.To == g.end {
			return g.end
		}
	}
	for _, e := range b.Succs {
		if leadsTo(e.To, g.end.Number, 8) {
			return e.To
		}
	}
	return g.end
}

// toward 在 cur 的后继中选择通往 want 的一个
func (g *Graph) toward(cur *Block, want int) *Block {
	for _, e := range cur.AllSuccs() {
		if e.To.Number == want {
			return e.To
		}
	}
	for _, e := range cur.Succs {
		if leadsTo(e.To, want, 8) {
			return e.To
		}
	}
	return nil
}

func leadsTo(b *Block, want, depth int) bool {
	if b.Number == want {
		return true
	}
	if depth == 0 || !b.IsSynthetic() {
		return false
	}
	for _, e := range b.Succs {
		if leadsTo(e.To, want, depth-1) {
			return true
		}
	}
	return false
}
