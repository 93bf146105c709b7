package platform

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// ============================================================================
// x86-64 桩生成器
// ============================================================================

const (
	x64CallSize = 5 // call rel32
	x64JmpSize  = 5 // jmp rel32
)

// X64StubGenerator x86-64 桩生成器
// 入口测试只使用 r11 和压栈保存的 rdi，rdi 传递编译体记录号
type X64StubGenerator struct {
	mu  sync.Mutex // 保护 asm，编译线程并发生成桩
	asm *X64Assembler
}

// NewX64StubGenerator 创建 x86-64 桩生成器
func NewX64StubGenerator() *X64StubGenerator {
	return &X64StubGenerator{asm: NewX64Assembler()}
}

// Arch 目标架构
func (g *X64StubGenerator) Arch() Arch { return ArchAMD64 }

// CountingPrologue 生成计数模式入口
//
//	entry: nop8                      ; 补丁区
//	       mov r11, counter
//	       sub dword [r11], 1
//	       jg body
//	       push rdi
//	       mov rdi, body_id
//	       mov r11, helper
//	       call r11
//	       pop rdi
//	body:
func (g *X64StubGenerator) CountingPrologue(p Prologue) (*Stub, error) {
	return g.prologue(p, func(a *X64Assembler) {
		a.SUB_MEM32_IMM8(RegR11, 1)
		a.JG(labelBody)
	})
}

// SamplingPrologue 生成采样模式入口，计数器大于 0 时直接进入方法体
func (g *X64StubGenerator) SamplingPrologue(p Prologue) (*Stub, error) {
	return g.prologue(p, func(a *X64Assembler) {
		a.CMP_MEM32_IMM8(RegR11, 0)
		a.JG(labelBody)
	})
}

func (g *X64StubGenerator) prologue(p Prologue, test func(a *X64Assembler)) (*Stub, error) {
	if p.Counter == 0 || p.Helper == 0 {
		return nil, fmt.Errorf("x86-64 prologue: counter %#x helper %#x", p.Counter, p.Helper)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.asm
	a.Reset()
	a.Quad(p.Body)
	entry := a.Len()
	a.NOP8()
	a.MOV_IMM(RegR11, uint64(p.Counter))
	test(a)
	// 入口处 rsp 为 16n+8，压一次后调用满足对齐
	a.PUSH(RegRDI)
	a.MOV_IMM(RegRDI, p.Body)
	a.MOV_IMM(RegR11, uint64(p.Helper))
	a.CALL_REG(RegR11)
	a.POP(RegRDI)
	a.Label(labelBody)
	body := a.Len()

	return &Stub{
		Arch:        ArchAMD64,
		Code:        append([]byte(nil), a.Code()...),
		EntryOffset: entry,
		BodyOffset:  body,
	}, nil
}

// CallSitePatchStub 生成调用点修补桩
//
//	mov r11, [rsp]        ; 调用者的返回地址
//	push rdi; push rsi; push rax
//	mov rdi, r11
//	mov rsi, new_entry
//	mov r11, helper
//	call r11
//	pop rax; pop rsi; pop rdi
//	mov r11, new_entry
//	jmp r11
func (g *X64StubGenerator) CallSitePatchStub(newEntry, helper uintptr) ([]byte, error) {
	if newEntry == 0 || helper == 0 {
		return nil, fmt.Errorf("x86-64 patch stub: entry %#x helper %#x", newEntry, helper)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.asm
	a.Reset()
	a.MOV_MEM_TO_REG(RegR11, RegRSP)
	a.PUSH(RegRDI)
	a.PUSH(RegRSI)
	a.PUSH(RegRAX)
	a.MOV_REG(RegRDI, RegR11)
	a.MOV_IMM(RegRSI, uint64(newEntry))
	a.MOV_IMM(RegR11, uint64(helper))
	a.CALL_REG(RegR11)
	a.POP(RegRAX)
	a.POP(RegRSI)
	a.POP(RegRDI)
	a.MOV_IMM(RegR11, uint64(newEntry))
	a.JMP_REG(RegR11)
	return append([]byte(nil), a.Code()...), nil
}

// rel32 从 next 到 target 的 32 位相对偏移
func rel32(next, target uintptr) (int32, error) {
	d := int64(target) - int64(next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %#x -> %#x", ErrOutOfRange, next, target)
	}
	return int32(d), nil
}

// EncodeRedirect jmp rel32 加 3 字节 NOP，正好 8 字节
func (g *X64StubGenerator) EncodeRedirect(region PatchRegion, target uintptr) (uint64, error) {
	if err := region.Validate(); err != nil {
		return 0, err
	}
	d, err := rel32(region.Start+x64JmpSize, target)
	if err != nil {
		return 0, err
	}
	var b [PatchRegionSize]byte
	b[0] = 0xE9
	binary.LittleEndian.PutUint32(b[1:], uint32(d))
	b[5], b[6], b[7] = 0x0F, 0x1F, 0x00
	return binary.LittleEndian.Uint64(b[:]), nil
}

// EncodeCall call rel32
func (g *X64StubGenerator) EncodeCall(site, target uintptr) ([]byte, error) {
	d, err := rel32(site+x64CallSize, target)
	if err != nil {
		return nil, err
	}
	b := make([]byte, x64CallSize)
	b[0] = 0xE8
	binary.LittleEndian.PutUint32(b[1:], uint32(d))
	return b, nil
}

// PatchCall 只改写 rel32 字段
func (g *X64StubGenerator) PatchCall(insn []byte, site, target uintptr) error {
	if len(insn) < x64CallSize || insn[0] != 0xE8 {
		return fmt.Errorf("%w at %#x", ErrNotACall, site)
	}
	d, err := rel32(site+x64CallSize, target)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(insn[1:], uint32(d))
	return nil
}

// CallTarget 解出 call rel32 的目标
func (g *X64StubGenerator) CallTarget(insn []byte, site uintptr) (uintptr, error) {
	if len(insn) < x64CallSize || insn[0] != 0xE8 {
		return 0, fmt.Errorf("%w at %#x", ErrNotACall, site)
	}
	d := int32(binary.LittleEndian.Uint32(insn[1:]))
	return uintptr(int64(site+x64CallSize) + int64(d)), nil
}

// CallSite 返回地址减去调用指令长度
func (g *X64StubGenerator) CallSite(ret uintptr) uintptr { return ret - x64CallSize }

// CallSize 调用指令长度
func (g *X64StubGenerator) CallSize() int { return x64CallSize }

// CallPatchSpan 只有 rel32 字段会变
func (g *X64StubGenerator) CallPatchSpan() (int, int) { return 1, 4 }

// Trap int3 填充
func (g *X64StubGenerator) Trap(n int) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.asm
	a.Reset()
	for a.Len() < n {
		a.INT3()
	}
	return append([]byte(nil), a.Code()...)
}
