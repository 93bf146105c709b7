package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
)

// loopGraph 单循环方法：i 从 0 数到 trips
func loopGraph(name string, trips int64) (*ir.Graph, error) {
	g := ir.NewGraph(name)
	first, header, exit := g.AddBlock(0), g.AddBlock(0), g.AddBlock(0)
	i := g.NewTemp()

	g.AddEdge(g.Start(), first)
	ir.AppendConst(first, i, 0)
	g.AppendGoto(first, header)

	ir.AppendWork(header, "body")
	ir.MarkProfiling(ir.AppendWork(header, "value profile"))
	ir.AppendAsyncCheck(header)
	ir.AppendAdd(header, i, ir.T(i), ir.Imm(1))
	g.AppendBranch(header, ir.T(i), ir.CondLT, ir.Imm(trips), false, header, exit)

	g.AppendReturn(exit)
	return g, g.Validate()
}

func newLoopGraph(t *testing.T) *ir.Graph {
	t.Helper()
	g, err := loopGraph("loop", 4)
	require.NoError(t, err)
	return g
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"":           StrategyAuto,
		"auto":       StrategyAuto,
		"none":       StrategyNone,
		"JProfiling": StrategyJProfiling,
		"profilegen": StrategyProfileGen,
	} {
		s, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, s, in)
	}
	_, err := ParseStrategy("pgo")
	assert.Error(t, err)
	assert.Equal(t, "jprofiling", StrategyJProfiling.String())
	assert.Equal(t, "unknown", Strategy(42).String())
}

func TestSelectStrategy(t *testing.T) {
	arena := persist.NewArena(0, 0)
	plain, err := arena.MethodFor("plain")
	require.NoError(t, err)
	switched, err := arena.MethodFor("switched")
	require.NoError(t, err)
	switched.SwitchAwayFromProfiling()
	disabled, err := arena.MethodFor("disabled")
	require.NoError(t, err)
	disabled.SetFlag(persist.MethodProfilingDisabled)

	tests := []struct {
		name     string
		config   string
		m        *persist.MethodInfo
		profile  bool
		expected Strategy
	}{
		{"no profile requested", "auto", plain, false, StrategyNone},
		{"profile requested", "auto", plain, true, StrategyProfileGen},
		{"switched away", "auto", switched, true, StrategyJProfiling},
		{"profiling disabled", "auto", disabled, true, StrategyNone},
		{"config wins", "jprofiling", plain, false, StrategyJProfiling},
		{"config none", "none", plain, true, StrategyNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Strategy = tt.config
			got := SelectStrategy(cfg, tt.m, Request{Method: tt.m.ID(), Profile: tt.profile})
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestInstrumentProfileGen(t *testing.T) {
	m, err := persist.NewArena(0, 0).MethodFor("loop")
	require.NoError(t, err)
	g := newLoopGraph(t)

	inst, err := Instrument(DefaultConfig(), StrategyProfileGen, g, m)
	require.NoError(t, err)

	assert.Equal(t, StrategyProfileGen, inst.Strategy)
	assert.True(t, inst.Flags&persist.BodyIsProfilingBody != 0)
	require.NotNil(t, inst.Profile)
	require.NotNil(t, inst.Generated)
	assert.Nil(t, inst.Placement)
	assert.NotEmpty(t, inst.Profile.FrequencyArray())
	assert.False(t, m.SwitchedAwayFromProfiling())
	assert.NoError(t, g.Validate())
}

func TestInstrumentOversizeDropsProfiling(t *testing.T) {
	m, err := persist.NewArena(0, 0).MethodFor("loop")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.ProfileGen.NodeCeiling = 2
	g := newLoopGraph(t)

	inst, err := Instrument(cfg, StrategyProfileGen, g, m)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	assert.Equal(t, StrategyNone, inst.Strategy)
	assert.Zero(t, inst.Flags)
	assert.Nil(t, inst.Profile)
	assert.Nil(t, inst.Placement)
	assert.Nil(t, inst.Generated)
	for _, b := range g.Blocks() {
		for _, in := range b.Instrs {
			assert.False(t, in.Profiling, "%v: %v", b, in)
		}
	}

	// 下一次编译改用块计数器
	assert.True(t, m.SwitchedAwayFromProfiling())
	assert.Equal(t, StrategyJProfiling, SelectStrategy(cfg, m, Request{Profile: true}))

	next := newLoopGraph(t)
	inst, err = Instrument(cfg, SelectStrategy(cfg, m, Request{Profile: true}), next, m)
	require.NoError(t, err)
	assert.Equal(t, StrategyJProfiling, inst.Strategy)
	assert.True(t, inst.Flags&persist.BodyUsesJProfiling != 0)
	require.NotNil(t, inst.Placement)
}

func TestInstrumentJProfilingCounts(t *testing.T) {
	m, err := persist.NewArena(0, 0).MethodFor("loop")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.JProfiling.LoopThreshold = 2
	g := newLoopGraph(t)

	inst, err := Instrument(cfg, StrategyJProfiling, g, m)
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	var reasons []uint8
	env := ir.NewEnv(g)
	env.OnRecompile = func(r uint8) { reasons = append(reasons, r) }
	for range 5 {
		require.NoError(t, g.Run(env))
	}

	freq := inst.Profile.BlockFrequency()
	assert.Equal(t, int64(5), freq.RawCount(g.Start().Number))
	require.NotEmpty(t, reasons)
	assert.Equal(t, uint8(persist.RecompDueToJProfiling), reasons[0])
}

func TestInstrumentNone(t *testing.T) {
	m, err := persist.NewArena(0, 0).MethodFor("loop")
	require.NoError(t, err)
	g := newLoopGraph(t)
	before := g.NodeCount()

	inst, err := Instrument(DefaultConfig(), StrategyNone, g, m)
	require.NoError(t, err)
	assert.Equal(t, StrategyNone, inst.Strategy)
	assert.Nil(t, inst.Profile)
	assert.Zero(t, inst.Flags)
	assert.Equal(t, before, g.NodeCount())
}
