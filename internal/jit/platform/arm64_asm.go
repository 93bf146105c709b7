package platform

import (
	"encoding/binary"
)

// ============================================================================
// ARM64 汇编器
// ============================================================================

// ARM64Register ARM64 寄存器
type ARM64Register int

const (
	RegX0 ARM64Register = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16 // IP0
	RegX17 // IP1
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegX29 // 帧指针 (FP)
	RegX30 // 链接寄存器 (LR)
	RegSP  // 栈指针，在数据处理指令中编码为 XZR
)

// RegZR 零寄存器，与 SP 同编码
const RegZR = RegSP

// condGT 有符号大于
const condGT = 0xC

const (
	arm64NOP = 0xD503201F
	arm64B   = 0x14000000
	arm64BL  = 0x94000000
	arm64BRK = 0xD4200000
)

// ARM64Assembler ARM64 汇编器，只包含桩代码需要的指令
type ARM64Assembler struct {
	code   []byte
	labels map[int]int
	relocs []arm64Reloc
}

type arm64Reloc struct {
	offset int
	target int
}

// NewARM64Assembler 创建汇编器
func NewARM64Assembler() *ARM64Assembler {
	return &ARM64Assembler{
		code:   make([]byte, 0, 256),
		labels: make(map[int]int),
	}
}

// Reset 重置汇编器
func (a *ARM64Assembler) Reset() {
	a.code = a.code[:0]
	a.labels = make(map[int]int)
	a.relocs = a.relocs[:0]
}

// Len 当前偏移
func (a *ARM64Assembler) Len() int { return len(a.code) }

// Code 解析重定位后返回机器码
func (a *ARM64Assembler) Code() []byte {
	a.resolveRelocations()
	return a.code
}

func (a *ARM64Assembler) emit(instr uint32) {
	a.code = binary.LittleEndian.AppendUint32(a.code, instr)
}

// Label 标记标签
func (a *ARM64Assembler) Label(id int) {
	a.labels[id] = len(a.code)
}

// STP_PRE 存储寄存器对（预索引）
func (a *ARM64Assembler) STP_PRE(rt1, rt2 ARM64Register, base ARM64Register, offset int32) {
	// stp rt1, rt2, [base, #offset]!
	imm7 := uint32((offset / 8) & 0x7F)
	a.emit(0xA9800000 | imm7<<15 | uint32(rt2)<<10 | uint32(base)<<5 | uint32(rt1))
}

// LDP_POST 加载寄存器对（后索引）
func (a *ARM64Assembler) LDP_POST(rt1, rt2 ARM64Register, base ARM64Register, offset int32) {
	// ldp rt1, rt2, [base], #offset
	imm7 := uint32((offset / 8) & 0x7F)
	a.emit(0xA8C00000 | imm7<<15 | uint32(rt2)<<10 | uint32(base)<<5 | uint32(rt1))
}

// MOV_REG 寄存器到寄存器
func (a *ARM64Assembler) MOV_REG(rd, rm ARM64Register) {
	// mov rd, rm -> orr rd, xzr, rm
	a.emit(0xAA0003E0 | uint32(rm)<<16 | uint32(rd))
}

// MOV_IMM 64 位立即数，固定 movz + 3 条 movk，常量可以原地改写
func (a *ARM64Assembler) MOV_IMM(rd ARM64Register, imm uint64) {
	a.emit(0xD2800000 | uint32(imm&0xFFFF)<<5 | uint32(rd)) // movz x
	for hw := uint32(1); hw < 4; hw++ {
		a.emit(0xF2800000 | hw<<21 | uint32((imm>>(16*hw))&0xFFFF)<<5 | uint32(rd)) // movk x, lsl #16*hw
	}
}

// LDRW 32 位加载 wt = [base, #offset]
func (a *ARM64Assembler) LDRW(rt, base ARM64Register, offset int32) {
	imm12 := uint32((offset / 4) & 0xFFF)
	a.emit(0xB9400000 | imm12<<10 | uint32(base)<<5 | uint32(rt))
}

// STRW 32 位存储 [base, #offset] = wt
func (a *ARM64Assembler) STRW(rt, base ARM64Register, offset int32) {
	imm12 := uint32((offset / 4) & 0xFFF)
	a.emit(0xB9000000 | imm12<<10 | uint32(base)<<5 | uint32(rt))
}

// SUBSW_IMM 32 位减法并设置标志
func (a *ARM64Assembler) SUBSW_IMM(rd, rn ARM64Register, imm uint32) {
	a.emit(0x71000000 | (imm&0xFFF)<<10 | uint32(rn)<<5 | uint32(rd))
}

// CMPW_IMM 32 位比较（subs wzr, wn, #imm）
func (a *ARM64Assembler) CMPW_IMM(rn ARM64Register, imm uint32) {
	a.SUBSW_IMM(RegZR, rn, imm)
}

// BGT 大于跳转
func (a *ARM64Assembler) BGT(labelID int) { a.bcond(condGT, labelID) }

func (a *ARM64Assembler) bcond(cond uint32, labelID int) {
	a.relocs = append(a.relocs, arm64Reloc{offset: len(a.code), target: labelID})
	a.emit(0x54000000 | cond)
}

// BLR 间接调用
func (a *ARM64Assembler) BLR(rn ARM64Register) {
	a.emit(0xD63F0000 | uint32(rn)<<5)
}

// BR 间接跳转
func (a *ARM64Assembler) BR(rn ARM64Register) {
	a.emit(0xD61F0000 | uint32(rn)<<5)
}

// NOP 空指令
func (a *ARM64Assembler) NOP() {
	a.emit(arm64NOP)
}

// BRK 断点
func (a *ARM64Assembler) BRK() {
	a.emit(arm64BRK)
}

// Quad 嵌入 8 字节数据
func (a *ARM64Assembler) Quad(v uint64) {
	a.code = binary.LittleEndian.AppendUint64(a.code, v)
}

// resolveRelocations 解析重定位
func (a *ARM64Assembler) resolveRelocations() {
	for _, reloc := range a.relocs {
		targetPos, ok := a.labels[reloc.target]
		if !ok {
			continue
		}
		// 以 4 字节为单位
		offset := uint32((targetPos - reloc.offset) / 4)
		// 只有 B.cond 使用标签：19 位偏移
		instr := binary.LittleEndian.Uint32(a.code[reloc.offset:])
		instr = (instr &^ 0x00FFFFE0) | ((offset & 0x7FFFF) << 5)
		binary.LittleEndian.PutUint32(a.code[reloc.offset:], instr)
	}
}
