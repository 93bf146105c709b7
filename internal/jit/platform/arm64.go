package platform

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ============================================================================
// ARM64 桩生成器
// ============================================================================

const (
	arm64InsnSize = 4
	arm64BRange   = 1 << 27 // B/BL 的 ±128MB
)

// ARM64StubGenerator ARM64 桩生成器
// 入口测试只使用 IP0/IP1（x16/x17），x0 传递编译体记录号
type ARM64StubGenerator struct {
	mu  sync.Mutex
	asm *ARM64Assembler
}

// NewARM64StubGenerator 创建 ARM64 桩生成器
func NewARM64StubGenerator() *ARM64StubGenerator {
	return &ARM64StubGenerator{asm: NewARM64Assembler()}
}

// Arch 目标架构
func (g *ARM64StubGenerator) Arch() Arch { return ArchARM64 }

// CountingPrologue 生成计数模式入口
//
//	entry: nop; nop                  ; 补丁区
//	       mov x16, counter
//	       ldr w17, [x16]
//	       subs w17, w17, #1
//	       str w17, [x16]
//	       b.gt body
//	       stp x0, x30, [sp, #-16]!
//	       mov x0, body_id
//	       mov x16, helper
//	       blr x16
//	       ldp x0, x30, [sp], #16
//	body:
func (g *ARM64StubGenerator) CountingPrologue(p Prologue) (*Stub, error) {
	return g.prologue(p, func(a *ARM64Assembler) {
		a.LDRW(RegX17, RegX16, 0)
		a.SUBSW_IMM(RegX17, RegX17, 1)
		a.STRW(RegX17, RegX16, 0)
		a.BGT(labelBody)
	})
}

// SamplingPrologue 生成采样模式入口，计数器大于 0 时直接进入方法体
func (g *ARM64StubGenerator) SamplingPrologue(p Prologue) (*Stub, error) {
	return g.prologue(p, func(a *ARM64Assembler) {
		a.LDRW(RegX17, RegX16, 0)
		a.CMPW_IMM(RegX17, 0)
		a.BGT(labelBody)
	})
}

func (g *ARM64StubGenerator) prologue(p Prologue, test func(a *ARM64Assembler)) (*Stub, error) {
	if p.Counter == 0 || p.Helper == 0 {
		return nil, fmt.Errorf("arm64 prologue: counter %#x helper %#x", p.Counter, p.Helper)
	}
	if p.Counter%4 != 0 {
		return nil, fmt.Errorf("%w: counter %#x", ErrMisaligned, p.Counter)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.asm
	a.Reset()
	a.Quad(p.Body)
	entry := a.Len()
	a.NOP()
	a.NOP()
	a.MOV_IMM(RegX16, uint64(p.Counter))
	test(a)
	a.STP_PRE(RegX0, RegX30, RegSP, -16)
	a.MOV_IMM(RegX0, p.Body)
	a.MOV_IMM(RegX16, uint64(p.Helper))
	a.BLR(RegX16)
	a.LDP_POST(RegX0, RegX30, RegSP, 16)
	a.Label(labelBody)
	body := a.Len()

	return &Stub{
		Arch:        ArchARM64,
		Code:        append([]byte(nil), a.Code()...),
		EntryOffset: entry,
		BodyOffset:  body,
	}, nil
}

// CallSitePatchStub 生成调用点修补桩，x30 中是调用者的返回地址
//
//	stp x0, x1, [sp, #-16]!
//	stp x29, x30, [sp, #-16]!
//	mov x0, x30
//	mov x1, new_entry
//	mov x16, helper
//	blr x16
//	ldp x29, x30, [sp], #16
//	ldp x0, x1, [sp], #16
//	mov x16, new_entry
//	br x16
func (g *ARM64StubGenerator) CallSitePatchStub(newEntry, helper uintptr) ([]byte, error) {
	if newEntry == 0 || helper == 0 {
		return nil, fmt.Errorf("arm64 patch stub: entry %#x helper %#x", newEntry, helper)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.asm
	a.Reset()
	a.STP_PRE(RegX0, RegX1, RegSP, -16)
	a.STP_PRE(RegX29, RegX30, RegSP, -16)
	a.MOV_REG(RegX0, RegX30)
	a.MOV_IMM(RegX1, uint64(newEntry))
	a.MOV_IMM(RegX16, uint64(helper))
	a.BLR(RegX16)
	a.LDP_POST(RegX29, RegX30, RegSP, 16)
	a.LDP_POST(RegX0, RegX1, RegSP, 16)
	a.MOV_IMM(RegX16, uint64(newEntry))
	a.BR(RegX16)
	return append([]byte(nil), a.Code()...), nil
}

// imm26 B/BL 的字偏移
func imm26(site, target uintptr) (uint32, error) {
	if site%arm64InsnSize != 0 || target%arm64InsnSize != 0 {
		return 0, fmt.Errorf("%w: %#x -> %#x", ErrMisaligned, site, target)
	}
	d := int64(target) - int64(site)
	if d < -arm64BRange || d >= arm64BRange {
		return 0, fmt.Errorf("%w: %#x -> %#x", ErrOutOfRange, site, target)
	}
	return uint32(d/arm64InsnSize) & 0x03FFFFFF, nil
}

// EncodeRedirect b target 加 nop，正好 8 字节
func (g *ARM64StubGenerator) EncodeRedirect(region PatchRegion, target uintptr) (uint64, error) {
	if err := region.Validate(); err != nil {
		return 0, err
	}
	off, err := imm26(region.Start, target)
	if err != nil {
		return 0, err
	}
	return uint64(arm64B|off) | uint64(arm64NOP)<<32, nil
}

// EncodeCall bl target
func (g *ARM64StubGenerator) EncodeCall(site, target uintptr) ([]byte, error) {
	off, err := imm26(site, target)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(nil, arm64BL|off), nil
}

func isBL(insn []byte) bool {
	return len(insn) >= arm64InsnSize && binary.LittleEndian.Uint32(insn)&0xFC000000 == arm64BL
}

// PatchCall 改写 bl 的偏移
func (g *ARM64StubGenerator) PatchCall(insn []byte, site, target uintptr) error {
	if !isBL(insn) {
		return fmt.Errorf("%w at %#x", ErrNotACall, site)
	}
	off, err := imm26(site, target)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(insn, arm64BL|off)
	return nil
}

// CallTarget 解出 bl 的目标
func (g *ARM64StubGenerator) CallTarget(insn []byte, site uintptr) (uintptr, error) {
	if !isBL(insn) {
		return 0, fmt.Errorf("%w at %#x", ErrNotACall, site)
	}
	off := binary.LittleEndian.Uint32(insn) & 0x03FFFFFF
	d := int64(int32(off<<6) >> 6) // 符号扩展 26 位
	return uintptr(int64(site) + d*arm64InsnSize), nil
}

// CallSite 返回地址减去一条指令
func (g *ARM64StubGenerator) CallSite(ret uintptr) uintptr { return ret - arm64InsnSize }

// CallSize 调用指令长度
func (g *ARM64StubGenerator) CallSize() int { return arm64InsnSize }

// CallPatchSpan 整条 bl
func (g *ARM64StubGenerator) CallPatchSpan() (int, int) { return 0, arm64InsnSize }

// Trap brk #0 填充，长度向上取整到指令
func (g *ARM64StubGenerator) Trap(n int) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.asm
	a.Reset()
	for a.Len() < n {
		a.BRK()
	}
	return append([]byte(nil), a.Code()...)
}
