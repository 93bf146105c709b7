// Package ir 提供重编译子系统使用的控制流图与指令模型
//
// 图由块和边组成，块号与边号稳定；start / end 两个伪块不含代码。
// 指令集只覆盖插桩需要的操作：计数器递增、槽位读写、条件分支、
// 重编译请求、异步检查，以及表示普通计算的不透明 Work 指令。
package ir

import (
	"fmt"
	"strings"
)

// ============================================================================
// 指令定义
// ============================================================================

// Op 操作码
type Op int

const (
	OpNop        Op = iota
	OpWork          // 不透明的普通计算
	OpAsyncCheck    // 安全中断点
	OpConst         // Dst = Imm
	OpMove          // Dst = A
	OpAdd           // Dst = A + B
	OpSub           // Dst = A - B
	OpLoad          // Dst = Static[Index]
	OpStore         // Static[Index] = A
	OpIncCounter    // Static[Index]++（非原子读改写）
	OpRecompile     // 请求重编译所属方法
	OpBranch        // if A cond B goto Target else Else
	OpGoto          // goto Target
	OpReturn        // 返回
)

var opNames = [...]string{
	OpNop:        "NOP",
	OpWork:       "WORK",
	OpAsyncCheck: "ASYNCCHECK",
	OpConst:      "CONST",
	OpMove:       "MOVE",
	OpAdd:        "ADD",
	OpSub:        "SUB",
	OpLoad:       "LOAD",
	OpStore:      "STORE",
	OpIncCounter: "INC",
	OpRecompile:  "RECOMPILE",
	OpBranch:     "BRANCH",
	OpGoto:       "GOTO",
	OpReturn:     "RETURN",
}

func (op Op) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(op))
}

// Cond 分支条件
type Cond int

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

func (c Cond) String() string {
	switch c {
	case CondEQ:
		return "=="
	case CondNE:
		return "!="
	case CondLT:
		return "<"
	case CondLE:
		return "<="
	case CondGT:
		return ">"
	case CondGE:
		return ">="
	default:
		return "?"
	}
}

// Eval 比较两个值，unsigned 时按 32 位无符号比较
func (c Cond) Eval(a, b int64, unsigned bool) bool {
	if unsigned {
		ua, ub := uint64(uint32(a)), uint64(uint32(b))
		switch c {
		case CondEQ:
			return ua == ub
		case CondNE:
			return ua != ub
		case CondLT:
			return ua < ub
		case CondLE:
			return ua <= ub
		case CondGT:
			return ua > ub
		case CondGE:
			return ua >= ub
		}
		return false
	}
	switch c {
	case CondEQ:
		return a == b
	case CondNE:
		return a != b
	case CondLT:
		return a < b
	case CondLE:
		return a <= b
	case CondGT:
		return a > b
	case CondGE:
		return a >= b
	}
	return false
}

// ============================================================================
// 操作数
// ============================================================================

// Temp 临时变量编号
type Temp int

// Operand 临时变量或立即数
type Operand struct {
	IsImm bool
	Temp  Temp
	Imm   int64
}

// T 临时变量操作数
func T(t Temp) Operand { return Operand{Temp: t} }

// Imm 立即数操作数
func Imm(v int64) Operand { return Operand{IsImm: true, Imm: v} }

func (o Operand) String() string {
	if o.IsImm {
		return fmt.Sprintf("#%d", o.Imm)
	}
	return fmt.Sprintf("t%d", o.Temp)
}

// Static 静态槽位数组，生成代码按地址读写
// Cells 与持久记录共享底层数组
type Static struct {
	Name  string
	Cells []int32
}

// NewStatic 包装已有槽位
func NewStatic(name string, cells []int32) *Static {
	return &Static{Name: name, Cells: cells}
}

// ============================================================================
// 指令
// ============================================================================

// Instr 一条指令
type Instr struct {
	Op       Op
	Dst      Temp
	A, B     Operand
	Static   *Static
	Index    Operand
	Cond     Cond
	Unsigned bool
	Target   *Block
	Else     *Block
	Reason   uint8
	Label    string // Work 指令的名字或注释

	// Profiling 只为剖析插入的指令，放弃剖析时被剥离
	Profiling bool
}

// IsTerminator 是否为终止指令
func (in *Instr) IsTerminator() bool {
	switch in.Op {
	case OpBranch, OpGoto, OpReturn:
		return true
	default:
		return false
	}
}

// Clone 复制指令，跳转目标原样保留
func (in *Instr) Clone() *Instr {
	c := *in
	return &c
}

func (in *Instr) String() string {
	var sb strings.Builder
	switch in.Op {
	case OpWork:
		fmt.Fprintf(&sb, "WORK %s", in.Label)
	case OpConst:
		fmt.Fprintf(&sb, "t%d = %s", in.Dst, in.A)
	case OpMove:
		fmt.Fprintf(&sb, "t%d = %s", in.Dst, in.A)
	case OpAdd:
		fmt.Fprintf(&sb, "t%d = %s + %s", in.Dst, in.A, in.B)
	case OpSub:
		fmt.Fprintf(&sb, "t%d = %s - %s", in.Dst, in.A, in.B)
	case OpLoad:
		fmt.Fprintf(&sb, "t%d = %s[%s]", in.Dst, in.Static.Name, in.Index)
	case OpStore:
		fmt.Fprintf(&sb, "%s[%s] = %s", in.Static.Name, in.Index, in.A)
	case OpIncCounter:
		fmt.Fprintf(&sb, "INC %s[%s]", in.Static.Name, in.Index)
	case OpRecompile:
		fmt.Fprintf(&sb, "RECOMPILE reason=%d", in.Reason)
	case OpBranch:
		u := ""
		if in.Unsigned {
			u = "u"
		}
		fmt.Fprintf(&sb, "if %s %s%s %s goto B%d else B%d", in.A, in.Cond, u, in.B, in.Target.Number, in.Else.Number)
	case OpGoto:
		fmt.Fprintf(&sb, "goto B%d", in.Target.Number)
	default:
		sb.WriteString(in.Op.String())
	}
	if in.Profiling {
		sb.WriteString(" [profiling]")
	}
	return sb.String()
}
