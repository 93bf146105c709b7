package main

import (
	"context"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/jprofiling"
)

type planCmd struct {
	common commonFlags
	stdout io.Writer
}

func newPlanCmd(stdout io.Writer) *ffcli.Command {
	cmd := &planCmd{stdout: stdout}
	return &ffcli.Command{
		Name:       "plan",
		ShortUsage: Name + " plan [选项] cfg.json",
		ShortHelp:  "规划块计数器，打印生成树和推导表",
		FlagSet:    newFlagSet("plan", &cmd.common),
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Exec:       cmd.exec,
	}
}

// planReport plan 的 JSON 输出
type planReport struct {
	Method          string         `json:"method"`
	Blocks          int            `json:"blocks"`
	Edges           int            `json:"edges"`
	Threshold       int32          `json:"threshold"`
	Counted         []int          `json:"counted"`
	Splits          []int          `json:"splits,omitempty"`
	UnderivedBlocks []int          `json:"underivedBlocks,omitempty"`
	UnderivedEdges  []int          `json:"underivedEdges,omitempty"`
	Derivations     map[int]string `json:"derivations"`
	TreeEdges       []string       `json:"treeEdges"`
	Loops           string         `json:"loops"`
}

func (cmd *planCmd) exec(_ context.Context, args []string) error {
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
	opts := cfg.JProfilingOptions()
	p, err := jprofiling.Plan(c.g, opts)
	if err != nil {
		return err
	}

	if cmd.common.format == formatJSON {
		return writeJSON(cmd.stdout, newPlanReport(c, p, opts.Threshold(c.g)))
	}
	fmt.Fprintf(cmd.stdout, "%s: %d 块, %d 边, %s, 阈值 %d\n",
		c.g.Name, c.g.NumBlocks(), c.g.NumEdges(), c.g.LoopShape(), opts.Threshold(c.g))
	fmt.Fprintf(cmd.stdout, "计数块: %v\n", blockNames(p.Counted))
	if len(p.Splits) > 0 {
		fmt.Fprintf(cmd.stdout, "拆边块: %v\n", blockNames(p.Splits))
	}
	p.Dump(cmd.stdout)
	return nil
}

func newPlanReport(c *cfgGraph, p *jprofiling.Placement, threshold int32) *planReport {
	r := &planReport{
		Method:          c.g.Name,
		Blocks:          c.g.NumBlocks(),
		Edges:           c.g.NumEdges(),
		Threshold:       threshold,
		Counted:         blockNumbers(p.Counted),
		Splits:          blockNumbers(p.Splits),
		UnderivedBlocks: p.UnderivedBlocks,
		UnderivedEdges:  p.UnderivedEdges,
		Derivations:     make(map[int]string),
		Loops:           c.g.LoopShape().String(),
	}
	for _, b := range c.g.Blocks() {
		if d, ok := p.Table.Block(b.Number); ok {
			r.Derivations[b.Number] = d.String()
		}
	}
	for _, e := range p.TreeEdges() {
		r.TreeEdges = append(r.TreeEdges, e.String())
	}
	return r
}

func blockNumbers(blocks []*ir.Block) []int {
	out := make([]int, len(blocks))
	for i, b := range blocks {
		out[i] = b.Number
	}
	return out
}

func blockNames(blocks []*ir.Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.String()
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
