package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/jprofiling"
	"github.com/tangzhangming/recomp/internal/jit/persist"
)

type replayCmd struct {
	common commonFlags
	dump   bool
	stdout io.Writer
}

func newReplayCmd(stdout io.Writer) *ffcli.Command {
	cmd := &replayCmd{stdout: stdout}
	fs := newFlagSet("replay", &cmd.common)
	fs.BoolVar(&cmd.dump, "dump", false, "同时打印代入计数值的推导表")
	return &ffcli.Command{
		Name:       "replay",
		ShortUsage: Name + " replay [选项] cfg.json",
		ShortHelp:  "插桩后按 CFG 中的轨迹执行，核对由计数器重建的块频率",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Exec:       cmd.exec,
	}
}

// blockFrequency 一个块的重建频率和实际执行次数
type blockFrequency struct {
	Block   int   `json:"block"`
	ID      *int  `json:"id,omitempty"` // 描述中的 id，拆边块为空
	Derived int64 `json:"derived"`
	Actual  int64 `json:"actual"`
	OK      bool  `json:"ok"`
}

// replayReport replay 的 JSON 输出
type replayReport struct {
	Method      string           `json:"method"`
	Invocations int              `json:"invocations"`
	Counters    []int32          `json:"counters"`
	Blocks      []blockFrequency `json:"blocks"`
	Mismatches  int              `json:"mismatches"`
}

func (cmd *replayCmd) exec(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("请指定一个 CFG 文件")
	}
	cfg, err := cmd.common.setup()
	if err != nil {
		return err
	}
	c, err := loadCFG(args[0])
	if err != nil {
		return err
	}
	if len(c.traces) == 0 {
		return fmt.Errorf("%s 没有轨迹", args[0])
	}

	report, p, err := replay(c, cfg.JProfilingOptions())
	if err != nil {
		return err
	}
	if cmd.common.format == formatJSON {
		if err := writeJSON(cmd.stdout, report); err != nil {
			return err
		}
	} else {
		cmd.printText(report)
		if cmd.dump {
			p.Table.Dump(cmd.stdout, report.Counters)
		}
	}
	if report.Mismatches > 0 {
		return fmt.Errorf("%d 个块的重建频率与实际执行次数不符", report.Mismatches)
	}
	return nil
}

// replay 只插计数器（不插重编译测试），逐条回放轨迹
func replay(c *cfgGraph, opts jprofiling.Options) (*replayReport, *jprofiling.Placement, error) {
	opts.SkipRecompilationTest = true
	profile := persist.NewProfileInfo()
	p, err := jprofiling.Run(c.g, profile, opts, nil)
	if err != nil {
		return nil, nil, err
	}
	env := ir.NewEnv(c.g)
	for i, tr := range c.traces {
		if err := c.g.Replay(env, tr); err != nil {
			return nil, nil, fmt.Errorf("轨迹 %d: %w", i, err)
		}
	}

	counters := profile.BlockFrequency().Counters()
	r := &replayReport{
		Method:      c.g.Name,
		Invocations: len(c.traces),
		Counters:    append([]int32(nil), counters...),
	}
	for _, b := range c.g.Blocks() {
		if b.IsStart() || b.IsEnd() {
			continue
		}
		derived, ok := p.Table.BlockFrequency(b.Number, counters)
		bf := blockFrequency{Block: b.Number, Derived: derived, Actual: env.Visits[b.Number]}
		bf.OK = ok && derived == bf.Actual
		if id, found := c.id(b.Number); found {
			bf.ID = &id
		}
		if !bf.OK {
			r.Mismatches++
		}
		r.Blocks = append(r.Blocks, bf)
	}
	return r, p, nil
}

func (cmd *replayCmd) printText(r *replayReport) {
	fmt.Fprintf(cmd.stdout, "%s: %d 次调用, 计数器 %v\n", r.Method, r.Invocations, r.Counters)
	tw := tabwriter.NewWriter(cmd.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "块\tid\t重建\t实际\t")
	for _, b := range r.Blocks {
		id := "-"
		if b.ID != nil {
			id = fmt.Sprint(*b.ID)
		}
		mark := ""
		if !b.OK {
			mark = "不符"
		}
		fmt.Fprintf(tw, "B%d\t%s\t%d\t%d\t%s\n", b.Block, id, b.Derived, b.Actual, mark)
	}
	tw.Flush()
}
