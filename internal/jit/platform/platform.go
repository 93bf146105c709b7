// Package platform 生成各目标架构的重编译桩代码
//
// 每个编译体的布局：
//
//	[入口 - 8, 入口)     编译体记录号（8 字节数据）
//	[入口, 入口 + 8)     补丁区：初始为 NOP，退役时整体替换为跳往修补桩的跳转
//	[入口 + 8, 体首)     计数或采样测试，越过阈值时调用入队辅助函数
//	体首                 方法体
//
// 补丁区 8 字节对齐，一次对齐的 64 位存储完成重定向，并发取指不会看到半条指令。
package platform

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ============================================================================
// 目标架构
// ============================================================================

// Arch 目标架构
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// ParseArch 解析架构名，接受 GOARCH 写法和常见别名
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "amd64", "x86_64", "x86-64", "x64":
		return ArchAMD64, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	}
	return ArchUnknown, fmt.Errorf("%w: %q", ErrUnsupportedArch, s)
}

// HostArch 当前进程的架构
func HostArch() Arch {
	a, err := ParseArch(runtime.GOARCH)
	if err != nil {
		return ArchUnknown
	}
	return a
}

var (
	// ErrUnsupportedArch 没有对应的桩生成器
	ErrUnsupportedArch = errors.New("platform: unsupported architecture")
	// ErrOutOfRange 跳转或调用目标超出指令能编码的范围
	ErrOutOfRange = errors.New("platform: branch target out of range")
	// ErrMisaligned 补丁区或目标地址未对齐
	ErrMisaligned = errors.New("platform: misaligned patch region")
	// ErrNotACall 调用点上不是直接调用指令
	ErrNotACall = errors.New("platform: not a direct call instruction")
)

// ============================================================================
// 补丁区
// ============================================================================

// PatchRegionSize 补丁区长度，也是对齐要求
const PatchRegionSize = 8

// BodyWordSize 入口前编译体记录号的长度
const BodyWordSize = 8

// PatchRegion 入口处可原子改写的一段代码
type PatchRegion struct {
	Start uintptr
	Len   int
	Align int
}

// RegionAt 入口处的补丁区
func RegionAt(entry uintptr) PatchRegion {
	return PatchRegion{Start: entry, Len: PatchRegionSize, Align: PatchRegionSize}
}

// Validate 检查长度和对齐
func (r PatchRegion) Validate() error {
	if r.Len != PatchRegionSize || r.Align <= 0 || r.Start%uintptr(r.Align) != 0 {
		return fmt.Errorf("%w: %s", ErrMisaligned, r)
	}
	return nil
}

// End 补丁区结束地址
func (r PatchRegion) End() uintptr { return r.Start + uintptr(r.Len) }

// Contains 地址是否落在补丁区内
func (r PatchRegion) Contains(pc uintptr) bool {
	return pc >= r.Start && pc < r.End()
}

func (r PatchRegion) String() string {
	return fmt.Sprintf("[%#x, %#x) align %d", r.Start, r.End(), r.Align)
}

// ============================================================================
// 桩生成器
// ============================================================================

// Prologue 入口测试的参数
type Prologue struct {
	// Body 写入入口前的编译体记录号，辅助函数据此找到编译体
	Body uint64
	// Counter 计数器地址（32 位槽位）
	Counter uintptr
	// Helper 越过阈值时调用的入队辅助函数，参数为编译体记录号
	Helper uintptr
}

// Stub 生成的入口代码
type Stub struct {
	Arch Arch
	Code []byte

	// EntryOffset 入口相对 Code 起始的偏移，放置时 Code 起始须 8 字节对齐
	EntryOffset int
	// BodyOffset 方法体开始的偏移
	BodyOffset int
}

// Region 把桩放在 base 时的补丁区
func (s *Stub) Region(base uintptr) PatchRegion {
	return RegionAt(base + uintptr(s.EntryOffset))
}

// StubGenerator 一种目标架构的桩生成器，进程启动时选定一次
type StubGenerator interface {
	Arch() Arch

	// CountingPrologue 计数模式：每次调用计数器减一，不再大于 0 时调用辅助函数
	CountingPrologue(p Prologue) (*Stub, error)
	// SamplingPrologue 采样模式：计数器由采样线程递减，入口只测试是否已降到 0
	SamplingPrologue(p Prologue) (*Stub, error)

	// CallSitePatchStub 修补桩：以调用者的返回地址和新入口调用 helper 改写调用点，然后跳入新入口
	CallSitePatchStub(newEntry, helper uintptr) ([]byte, error)

	// EncodeRedirect 补丁区改写后的 8 字节内容：跳往 target
	EncodeRedirect(region PatchRegion, target uintptr) (uint64, error)

	// EncodeCall site 处调用 target 的直接调用指令
	EncodeCall(site, target uintptr) ([]byte, error)
	// PatchCall 改写 insn（位于 site 的直接调用）的目标
	PatchCall(insn []byte, site, target uintptr) error
	// CallTarget 解出直接调用的目标
	CallTarget(insn []byte, site uintptr) (uintptr, error)
	// CallSite 由返回地址求调用指令地址
	CallSite(ret uintptr) uintptr
	// CallSize 直接调用指令长度
	CallSize() int
	// CallPatchSpan PatchCall 会改动的字节：相对调用指令的偏移和长度
	CallPatchSpan() (off, n int)

	// Trap 至少 n 字节的陷阱指令序列，执行即中断
	Trap(n int) []byte
}

// CallPatchable site 处直接调用的可改写字节是否落在同一个对齐的 8 字节字内
// 只有这样的调用点才能在调用者运行时用一次对齐存储改写
func CallPatchable(g StubGenerator, site uintptr) bool {
	off, n := g.CallPatchSpan()
	start := site + uintptr(off)
	return start%PatchRegionSize+uintptr(n) <= PatchRegionSize
}

// New 按架构创建桩生成器
func New(arch Arch) (StubGenerator, error) {
	switch arch {
	case ArchAMD64:
		return NewX64StubGenerator(), nil
	case ArchARM64:
		return NewARM64StubGenerator(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
}

// 汇编标签
const (
	labelBody = iota + 1
)
