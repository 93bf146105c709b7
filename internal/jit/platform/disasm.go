package platform

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Inst 一条反汇编结果
type Inst struct {
	Offset int
	Len    int
	Op     string // 助记符
	Text   string // GNU 语法
}

// Disassemble 反汇编机器码，pc 为 code[0] 的地址；无法解码的字节按数据输出
func Disassemble(arch Arch, code []byte, pc uintptr) ([]Inst, error) {
	var out []Inst
	switch arch {
	case ArchAMD64:
		for off := 0; off < len(code); {
			inst, err := x86asm.Decode(code[off:], 64)
			if err != nil || inst.Len == 0 {
				out = append(out, Inst{Offset: off, Len: 1, Op: ".byte", Text: fmt.Sprintf(".byte %#02x", code[off])})
				off++
				continue
			}
			out = append(out, Inst{
				Offset: off,
				Len:    inst.Len,
				Op:     inst.Op.String(),
				Text:   x86asm.GNUSyntax(inst, uint64(pc)+uint64(off), nil),
			})
			off += inst.Len
		}
	case ArchARM64:
		if len(code)%arm64InsnSize != 0 {
			return nil, fmt.Errorf("arm64 disassemble: %d bytes is not a whole number of instructions", len(code))
		}
		for off := 0; off < len(code); off += arm64InsnSize {
			inst, err := arm64asm.Decode(code[off:])
			if err != nil {
				w := binary.LittleEndian.Uint32(code[off:])
				out = append(out, Inst{Offset: off, Len: arm64InsnSize, Op: ".word", Text: fmt.Sprintf(".word %#08x", w)})
				continue
			}
			out = append(out, Inst{
				Offset: off,
				Len:    arm64InsnSize,
				Op:     inst.Op.String(),
				Text:   arm64asm.GNUSyntax(inst),
			})
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
	}
	return out, nil
}

// DumpStub 打印桩：入口前的记录号按数据输出，其余按指令
func DumpStub(w io.Writer, s *Stub, base uintptr) error {
	if s.EntryOffset >= BodyWordSize {
		fmt.Fprintf(w, "%#x: .quad %#x    ; body\n", base+uintptr(s.EntryOffset-BodyWordSize),
			binary.LittleEndian.Uint64(s.Code[s.EntryOffset-BodyWordSize:]))
	}
	insts, err := Disassemble(s.Arch, s.Code[s.EntryOffset:], base+uintptr(s.EntryOffset))
	if err != nil {
		return err
	}
	for _, in := range insts {
		addr := base + uintptr(s.EntryOffset+in.Offset)
		marker := ""
		switch {
		case in.Offset == 0:
			marker = "    ; entry, patch region"
		case s.EntryOffset+in.Offset == s.BodyOffset:
			marker = "    ; body"
		}
		fmt.Fprintf(w, "%#x: %s%s\n", addr, in.Text, marker)
	}
	if s.BodyOffset == len(s.Code) {
		fmt.Fprintf(w, "%#x: ; body\n", base+uintptr(s.BodyOffset))
	}
	return nil
}
