// strategy.go - 插桩策略选择
//
// 块计数器（JProfiling）和双体剖析（profilegen）互斥，每次编译至多使用一种。

package jit

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/jprofiling"
	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/jit/profilegen"
	"github.com/tangzhangming/recomp/internal/log"
)

// Strategy 插桩策略
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategyNone
	StrategyJProfiling
	StrategyProfileGen
)

var strategyNames = [...]string{
	StrategyAuto:       "auto",
	StrategyNone:       "none",
	StrategyJProfiling: "jprofiling",
	StrategyProfileGen: "profilegen",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[s]
}

// ParseStrategy 解析策略名称
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyAuto, nil
	}
	for i, n := range strategyNames {
		if strings.EqualFold(n, s) {
			return Strategy(i), nil
		}
	}
	return StrategyAuto, fmt.Errorf("config: unknown strategy %q", s)
}

// SelectStrategy 为一次编译选择策略
//
// 配置指定的策略优先。auto 时：
//   - 方法禁止剖析：不插桩
//   - 请求剖析且方法没有放弃双体剖析：双体剖析
//   - 其余请求剖析的编译：块计数器
//   - 不请求剖析：不插桩
func SelectStrategy(cfg *Config, m *persist.MethodInfo, req Request) Strategy {
	if s, err := ParseStrategy(cfg.Strategy); err == nil && s != StrategyAuto {
		return s
	}
	if m.ProfilingDisabled() || !req.Profile {
		return StrategyNone
	}
	if m.SwitchedAwayFromProfiling() {
		return StrategyJProfiling
	}
	return StrategyProfileGen
}

// Instrumentation 一次插桩的结果
type Instrumentation struct {
	Strategy Strategy
	Profile  *persist.ProfileInfo
	Flags    persist.BodyFlag

	Placement *jprofiling.Placement
	Generated *profilegen.Result
}

// Instrument 按策略插桩 g，剖析快照挂在返回结果上
// 双体剖析因方法过大放弃时本次不插桩，Strategy 为 StrategyNone
func Instrument(cfg *Config, s Strategy, g *ir.Graph, m *persist.MethodInfo) (*Instrumentation, error) {
	out := &Instrumentation{Strategy: s}
	switch s {
	case StrategyNone, StrategyAuto:
		out.Strategy = StrategyNone
		return out, nil

	case StrategyProfileGen:
		profile := persist.NewProfileInfo()
		res, err := profilegen.Generate(g, profile, m, cfg.ProfileGenOptions())
		if err != nil {
			return nil, err
		}
		if res.Disabled {
			// 本次编译不带任何剖析代码，下次编译由 SelectStrategy 改用块计数器
			log.Infof("jit: %s too large for profilegen, compiled without profiling", m.Name())
			out.Strategy = StrategyNone
			return out, nil
		}
		out.Profile = profile
		out.Generated = res
		out.Flags |= persist.BodyIsProfilingBody
		return out, nil

	case StrategyJProfiling:
		profile := persist.NewProfileInfo()
		opts := cfg.JProfilingOptions()
		p, err := jprofiling.Run(g, profile, opts, nil)
		if err != nil {
			return nil, err
		}
		out.Profile = profile
		out.Placement = p
		out.Flags |= persist.BodyUsesJProfiling
		return out, nil
	}
	return nil, fmt.Errorf("jit: unknown strategy %d", s)
}
