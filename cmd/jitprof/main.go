// jitprof - 重编译子系统检查工具
//
// 用法:
//   jitprof plan cfg.json               # 规划块计数器，打印生成树和推导表
//   jitprof replay cfg.json             # 插桩后回放轨迹，核对重建的块频率
//   jitprof stubs -arch arm64           # 生成并反汇编入口桩、补丁字和修补桩
//
// 每个标志也可以用 JITPROF_ 前缀的环境变量设置，例如 JITPROF_FORMAT=json。

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/tangzhangming/recomp/internal/jit"
	"github.com/tangzhangming/recomp/internal/log"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "jitprof"
)

// envPrefix 环境变量前缀
const envPrefix = "JITPROF"

// 输出格式
const (
	formatText = "text"
	formatJSON = "json"
)

func main() {
	root := newRootCmd(os.Stdout)
	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *ffcli.Command {
	fs := flag.NewFlagSet(Name, flag.ContinueOnError)
	version := fs.Bool("version", false, "显示版本信息")
	return &ffcli.Command{
		Name:       Name,
		ShortUsage: Name + " <命令> [选项] [参数]",
		ShortHelp:  "重编译子系统检查工具",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix(envPrefix)},
		Subcommands: []*ffcli.Command{
			newPlanCmd(stdout),
			newReplayCmd(stdout),
			newStubsCmd(stdout),
		},
		Exec: func(context.Context, []string) error {
			if *version {
				fmt.Fprintf(stdout, "%s version %s\n", Name, Version)
				return nil
			}
			return flag.ErrHelp
		},
	}
}

// commonFlags 各子命令共用的选项
type commonFlags struct {
	config  string
	format  string
	verbose bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "配置文件（TOML），缺省使用默认阈值")
	fs.StringVar(&c.format, "format", formatText, "输出格式: text, json")
	fs.BoolVar(&c.verbose, "v", false, "详细输出（调试日志）")
}

// setup 应用日志级别并加载配置
func (c *commonFlags) setup() (*jit.Config, error) {
	if c.verbose {
		log.SetDebugLogger()
	}
	if c.format != formatText && c.format != formatJSON {
		return nil, fmt.Errorf("未知输出格式: %s", c.format)
	}
	if c.config == "" {
		return jit.DefaultConfig(), nil
	}
	return jit.LoadConfig(c.config)
}

// newFlagSet 子命令的标志集
func newFlagSet(name string, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	common.register(fs)
	return fs
}
