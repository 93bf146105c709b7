package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/tangzhangming/recomp/internal/jit/platform"
)

// 示例布局中各对象相对 base 的偏移
const (
	counterOffset = 0x1000
	helperOffset  = 0x2000
	patchOffset   = 0x2100
	newBodyOffset = 0x3000
)

type stubsCmd struct {
	common commonFlags
	arch   string
	mode   string
	base   string
	body   uint64
	stdout io.Writer
}

func newStubsCmd(stdout io.Writer) *ffcli.Command {
	cmd := &stubsCmd{stdout: stdout}
	fs := newFlagSet("stubs", &cmd.common)
	fs.StringVar(&cmd.arch, "arch", "", "目标架构: amd64, arm64（缺省取配置或当前进程）")
	fs.StringVar(&cmd.mode, "mode", "all", "入口模式: counting, sampling, all")
	fs.StringVar(&cmd.base, "base", "0x10000000", "桩的放置地址")
	fs.Uint64Var(&cmd.body, "body", 1, "写入入口前的编译体记录号")
	return &ffcli.Command{
		Name:       "stubs",
		ShortUsage: Name + " stubs [选项]",
		ShortHelp:  "生成并反汇编入口桩、入口补丁字和调用点修补桩",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Exec:       cmd.exec,
	}
}

// stubReport stubs 的 JSON 输出
type stubReport struct {
	Arch         string          `json:"arch"`
	Base         uint64          `json:"base"`
	Stubs        []stubListing   `json:"stubs"`
	RedirectWord string          `json:"redirectWord"`
	Redirect     []platform.Inst `json:"redirect"`
	Patch        []platform.Inst `json:"patchStub"`
}

type stubListing struct {
	Mode        string          `json:"mode"`
	EntryOffset int             `json:"entryOffset"`
	BodyOffset  int             `json:"bodyOffset"`
	Insts       []platform.Inst `json:"insts"`
}

func (cmd *stubsCmd) exec(_ context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("stubs 不接受参数: %v", args)
	}
	cfg, err := cmd.common.setup()
	if err != nil {
		return err
	}
	if cmd.arch != "" {
		cfg.Arch = cmd.arch
	}
	arch, err := cfg.TargetArch()
	if err != nil {
		return err
	}
	gen, err := platform.New(arch)
	if err != nil {
		return err
	}
	base, err := strconv.ParseUint(cmd.base, 0, 64)
	if err != nil {
		return fmt.Errorf("无效的 base: %w", err)
	}
	if base%platform.PatchRegionSize != 0 {
		return fmt.Errorf("base %#x 未按 %d 字节对齐", base, platform.PatchRegionSize)
	}

	var modes []string
	switch cmd.mode {
	case "all":
		modes = []string{"counting", "sampling"}
	case "counting", "sampling":
		modes = []string{cmd.mode}
	default:
		return fmt.Errorf("未知模式: %s", cmd.mode)
	}

	p := platform.Prologue{
		Body:    cmd.body,
		Counter: uintptr(base + counterOffset),
		Helper:  uintptr(base + helperOffset),
	}
	report := &stubReport{Arch: arch.String(), Base: base}
	var entry uintptr
	for _, mode := range modes {
		var s *platform.Stub
		if mode == "counting" {
			s, err = gen.CountingPrologue(p)
		} else {
			s, err = gen.SamplingPrologue(p)
		}
		if err != nil {
			return err
		}
		entry = uintptr(base) + uintptr(s.EntryOffset)
		if cmd.common.format == formatText {
			fmt.Fprintf(cmd.stdout, "== %s prologue (%s, %d 字节)\n", mode, arch, len(s.Code))
			if err := platform.DumpStub(cmd.stdout, s, uintptr(base)); err != nil {
				return err
			}
			continue
		}
		insts, err := platform.Disassemble(arch, s.Code[s.EntryOffset:], entry)
		if err != nil {
			return err
		}
		report.Stubs = append(report.Stubs, stubListing{
			Mode:        mode,
			EntryOffset: s.EntryOffset,
			BodyOffset:  s.BodyOffset,
			Insts:       insts,
		})
	}

	// 入口补丁字：跳往修补桩
	patchAddr := uintptr(base + patchOffset)
	word, err := gen.EncodeRedirect(platform.RegionAt(entry), patchAddr)
	if err != nil {
		return err
	}
	var raw [platform.PatchRegionSize]byte
	binary.LittleEndian.PutUint64(raw[:], word)
	redirect, err := platform.Disassemble(arch, raw[:], entry)
	if err != nil {
		return err
	}

	patch, err := gen.CallSitePatchStub(uintptr(base+newBodyOffset), uintptr(base+helperOffset))
	if err != nil {
		return err
	}
	patchInsts, err := platform.Disassemble(arch, patch, patchAddr)
	if err != nil {
		return err
	}

	if cmd.common.format == formatJSON {
		report.RedirectWord = fmt.Sprintf("%#016x", word)
		report.Redirect = redirect
		report.Patch = patchInsts
		return writeJSON(cmd.stdout, report)
	}
	fmt.Fprintf(cmd.stdout, "== redirect word %#016x at %#x\n", word, entry)
	for _, in := range redirect {
		fmt.Fprintf(cmd.stdout, "%#x: %s\n", entry+uintptr(in.Offset), in.Text)
	}
	fmt.Fprintf(cmd.stdout, "== call-site patch stub at %#x (%d 字节)\n", patchAddr, len(patch))
	for _, in := range patchInsts {
		fmt.Fprintf(cmd.stdout, "%#x: %s\n", patchAddr+uintptr(in.Offset), in.Text)
	}
	return nil
}
