package platform

import (
	"encoding/binary"
)

// ============================================================================
// x86-64 汇编器
// ============================================================================

// X64Register x86-64 寄存器
type X64Register int

const (
	RegRAX X64Register = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// ccG Jcc 条件码：有符号大于
const ccG = 0xF

// X64Assembler x86-64 汇编器，只包含桩代码需要的指令
type X64Assembler struct {
	code   []byte
	labels map[int]int
	relocs []relocation
}

type relocation struct {
	offset int // rel32 字段的位置
	target int
}

// NewX64Assembler 创建汇编器
func NewX64Assembler() *X64Assembler {
	return &X64Assembler{
		code:   make([]byte, 0, 128),
		labels: make(map[int]int),
	}
}

// Reset 重置汇编器
func (a *X64Assembler) Reset() {
	a.code = a.code[:0]
	a.labels = make(map[int]int)
	a.relocs = a.relocs[:0]
}

// Len 当前偏移
func (a *X64Assembler) Len() int { return len(a.code) }

// Code 解析重定位后返回机器码
func (a *X64Assembler) Code() []byte {
	a.resolveRelocations()
	return a.code
}

func (a *X64Assembler) emit(bytes ...byte) {
	a.code = append(a.code, bytes...)
}

func (a *X64Assembler) emitU32(v uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, v)
}

func (a *X64Assembler) emitU64(v uint64) {
	a.code = binary.LittleEndian.AppendUint64(a.code, v)
}

// Label 标记标签
func (a *X64Assembler) Label(id int) {
	a.labels[id] = len(a.code)
}

// rex REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | (reg << 3) | rm
}

// needsREX 检查是否需要 REX 前缀
func needsREX(reg X64Register) bool {
	return reg >= RegR8 && reg <= RegR15
}

// regBits 获取寄存器编码（低3位）
func regBits(reg X64Register) byte {
	return byte(reg) & 7
}

// memOperand [base] 寻址，reg 字段为 regField
// rsp/r12 需要 SIB，rbp/r13 的 mod=00 表示 RIP 相对，改用 disp8 0
func (a *X64Assembler) memOperand(regField byte, base X64Register) {
	switch regBits(base) {
	case 4:
		a.emit(modrm(0x00, regField, 4), 0x24)
	case 5:
		a.emit(modrm(0x01, regField, 5), 0x00)
	default:
		a.emit(modrm(0x00, regField, regBits(base)))
	}
}

// PUSH 压栈
func (a *X64Assembler) PUSH(reg X64Register) {
	if needsREX(reg) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 + regBits(reg))
}

// POP 出栈
func (a *X64Assembler) POP(reg X64Register) {
	if needsREX(reg) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 + regBits(reg))
}

// MOV_REG 寄存器到寄存器
func (a *X64Assembler) MOV_REG(dst, src X64Register) {
	a.emit(rex(true, needsREX(src), false, needsREX(dst)))
	a.emit(0x89)
	a.emit(modrm(0x03, regBits(src), regBits(dst)))
}

// MOV_IMM 64 位立即数到寄存器，固定 10 字节
func (a *X64Assembler) MOV_IMM(reg X64Register, imm uint64) {
	a.emit(rex(true, false, false, needsREX(reg)))
	a.emit(0xB8 + regBits(reg))
	a.emitU64(imm)
}

// MOV_MEM_TO_REG dst = qword [base]
func (a *X64Assembler) MOV_MEM_TO_REG(dst, base X64Register) {
	a.emit(rex(true, needsREX(dst), false, needsREX(base)))
	a.emit(0x8B)
	a.memOperand(regBits(dst), base)
}

// SUB_MEM32_IMM8 dword [base] -= imm
func (a *X64Assembler) SUB_MEM32_IMM8(base X64Register, imm int8) {
	if needsREX(base) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x83)
	a.memOperand(5, base) // /5 = SUB
	a.emit(byte(imm))
}

// CMP_MEM32_IMM8 比较 dword [base] 与 imm
func (a *X64Assembler) CMP_MEM32_IMM8(base X64Register, imm int8) {
	if needsREX(base) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x83)
	a.memOperand(7, base) // /7 = CMP
	a.emit(byte(imm))
}

// JG 大于跳转
func (a *X64Assembler) JG(labelID int) { a.jcc(ccG, labelID) }

func (a *X64Assembler) jcc(cc byte, labelID int) {
	a.emit(0x0F, 0x80|cc)
	a.reloc(labelID)
}

func (a *X64Assembler) reloc(labelID int) {
	a.relocs = append(a.relocs, relocation{offset: len(a.code), target: labelID})
	a.emitU32(0) // 占位符
}

// CALL_REG 间接调用
func (a *X64Assembler) CALL_REG(reg X64Register) {
	if needsREX(reg) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modrm(0x03, 2, regBits(reg)))
}

// JMP_REG 间接跳转
func (a *X64Assembler) JMP_REG(reg X64Register) {
	if needsREX(reg) {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modrm(0x03, 4, regBits(reg)))
}

// NOP8 8 字节 NOP，占满补丁区
func (a *X64Assembler) NOP8() {
	a.emit(0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00)
}

// INT3 断点
func (a *X64Assembler) INT3() {
	a.emit(0xCC)
}

// Quad 嵌入 8 字节数据
func (a *X64Assembler) Quad(v uint64) {
	a.emitU64(v)
}

// resolveRelocations 解析重定位
func (a *X64Assembler) resolveRelocations() {
	for _, reloc := range a.relocs {
		if targetPos, ok := a.labels[reloc.target]; ok {
			// 相对偏移从 rel32 字段结束处计算
			offset := int32(targetPos - (reloc.offset + 4))
			binary.LittleEndian.PutUint32(a.code[reloc.offset:], uint32(offset))
		}
	}
}
