package jprofiling

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
)

func countersOnly() Options {
	opts := DefaultOptions()
	opts.SkipRecompilationTest = true
	return opts
}

// randomGraph 生成 n 个真实块的随机图：块 i 总有一条边到 i+1（最后一块到 end），
// 另外随机加前向、后向和自环边；withCatch 时部分块带一个 catch 后继
func randomGraph(r *rand.Rand, n int, withCatch bool) (*ir.Graph, []*ir.Block) {
	g := ir.NewGraph(fmt.Sprintf("random_%d", n))
	bs := make([]*ir.Block, n)
	for i := range bs {
		bs[i] = g.AddBlock(0)
	}
	next := func(i int) *ir.Block {
		if i+1 < n {
			return bs[i+1]
		}
		return g.End()
	}
	g.AddEdge(g.Start(), bs[0])
	for i, b := range bs {
		g.AddEdgeFreq(b, next(i), int32(r.IntN(100)))
		for k := r.IntN(3); k > 0; k-- {
			t := bs[r.IntN(n)]
			if g.FindEdge(b, t) == nil {
				g.AddEdgeFreq(b, t, int32(r.IntN(100)))
			}
		}
	}
	if withCatch {
		for i, b := range bs {
			if r.IntN(3) != 0 {
				continue
			}
			c := g.AddBlock(ir.KindCatch)
			g.AddExceptionEdge(b, c)
			g.AddEdge(c, next(i))
		}
	}
	return g, bs
}

// randomWalk 从第一个真实块出发随机游走到 end，超过 limit 步后只走第一条普通出边
func randomWalk(r *rand.Rand, g *ir.Graph, limit int) []int {
	var trace []int
	cur := g.FirstBlock()
	for steps := 0; ; steps++ {
		trace = append(trace, cur.Number)
		e := cur.Succs[0]
		if succs := cur.AllSuccs(); steps < limit {
			e = succs[r.IntN(len(succs))]
		}
		if e.To.IsEnd() {
			return trace
		}
		cur = e.To
	}
}

func TestReconstructsRandomGraphs(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 300; iter++ {
		withCatch := iter%2 == 1
		g, _ := randomGraph(r, 1+r.IntN(12), withCatch)
		require.NoError(t, g.Validate())

		traces := make([][]int, 1+r.IntN(20))
		for i := range traces {
			traces[i] = randomWalk(r, g, 30)
		}
		numEdges := len(g.Edges()) + 1
		numBlocks := len(g.Blocks())

		profile := persist.NewProfileInfo()
		p, err := Run(g, profile, countersOnly(), nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(p.Counted), numEdges-numBlocks+1, "at most one counter per chord")
		assert.Empty(t, p.UnderivedBlocks, "graph %d:\n%s", iter, g)
		assert.Empty(t, p.UnderivedEdges, "graph %d:\n%s", iter, g)

		env := ir.NewEnv(g)
		for _, tr := range traces {
			require.NoError(t, g.Replay(env, tr))
		}
		counters := profile.BlockFrequency().Counters()

		for _, b := range g.Blocks() {
			got, ok := p.Table.BlockFrequency(b.Number, counters)
			if assert.True(t, ok, "block_%d of graph %d", b.Number, iter) {
				assert.Equal(t, env.Visits[b.Number], got, "block_%d of graph %d", b.Number, iter)
			}
		}
		for _, e := range g.Edges() {
			got, ok := p.Table.EdgeFrequency(e.ID, counters)
			if assert.True(t, ok, "%v of graph %d", e, iter) {
				assert.Equal(t, env.EdgeVisits[e.ID], got, "%v of graph %d", e, iter)
			}
		}
		calls, ok := p.Table.EdgeFrequency(LoopBackEdgeID, counters)
		assert.True(t, ok)
		assert.Equal(t, int64(len(traces)), calls)
	}
}

func TestDerivationsUseOnlyPhysicalCounters(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	for iter := 0; iter < 100; iter++ {
		g, _ := randomGraph(r, 2+r.IntN(10), iter%3 == 0)
		p, err := Plan(g, countersOnly())
		require.NoError(t, err)

		counted := make(map[int]bool)
		for _, n := range p.Table.Counted() {
			counted[n] = true
		}
		for _, b := range p.Counted {
			d, ok := p.Table.Block(b.Number)
			require.True(t, ok)
			assert.True(t, d.IsPhysical(), "counted block_%d reads its own slot", b.Number)
		}
		for _, b := range g.Blocks() {
			d, ok := p.Table.Block(b.Number)
			if !ok {
				continue
			}
			for _, c := range d.Counters() {
				assert.True(t, counted[c], "block_%d refers to uncounted c%d", b.Number, c)
			}
		}
		assert.False(t, counted[g.Start().Number])
		assert.False(t, counted[g.End().Number])
	}
}

func TestDiamond(t *testing.T) {
	g := ir.NewGraph("diamond")
	entry, a, b, exit := g.AddBlock(0), g.AddBlock(0), g.AddBlock(0), g.AddBlock(0)
	g.AddEdge(g.Start(), entry)
	g.AddEdge(entry, a)
	g.AddEdge(entry, b)
	g.AddEdge(a, exit)
	g.AddEdge(b, exit)
	g.AddEdge(exit, g.End())

	profile := persist.NewProfileInfo()
	p, err := Run(g, profile, countersOnly(), nil)
	require.NoError(t, err)
	assert.Len(t, p.Counted, 2)
	assert.False(t, p.IsCounted(a) && p.IsCounted(b), "one branch is derived from the other")

	env := ir.NewEnv(g)
	for _, tr := range [][]int{
		{entry.Number, a.Number, exit.Number},
		{entry.Number, b.Number, exit.Number},
		{entry.Number, b.Number, exit.Number},
	} {
		require.NoError(t, g.Replay(env, tr))
	}
	counters := profile.BlockFrequency().Counters()

	counted, uncounted := a, b
	if p.IsCounted(b) {
		counted, uncounted = b, a
	}
	entryCount, ok := p.Table.BlockFrequency(entry.Number, counters)
	require.True(t, ok)
	branch, ok := p.Table.BlockFrequency(counted.Number, counters)
	require.True(t, ok)
	other, ok := p.Table.BlockFrequency(uncounted.Number, counters)
	require.True(t, ok)

	assert.Equal(t, int64(3), entryCount)
	assert.Equal(t, entryCount-branch, other)
	assert.Equal(t, env.Visits[uncounted.Number], other)
}

func TestStraightLineSingleCounter(t *testing.T) {
	g := ir.NewGraph("straight")
	prev := g.Start()
	var bs []*ir.Block
	for i := 0; i < 4; i++ {
		b := g.AddBlock(0)
		ir.AppendWork(b, fmt.Sprintf("w%d", i))
		g.AddEdge(prev, b)
		bs = append(bs, b)
		prev = b
	}
	g.AddEdge(prev, g.End())

	profile := persist.NewProfileInfo()
	p, err := Run(g, profile, countersOnly(), nil)
	require.NoError(t, err)
	require.Len(t, p.Counted, 1)
	assert.Empty(t, p.Splits)

	env := ir.NewEnv(g)
	for i := 0; i < 7; i++ {
		require.NoError(t, g.Run(env))
	}
	counters := profile.BlockFrequency().Counters()
	only := counters[p.Counted[0].Number]
	assert.Equal(t, int32(7), only)
	for _, b := range bs {
		v, ok := p.Table.BlockFrequency(b.Number, counters)
		require.True(t, ok)
		assert.Equal(t, int64(only), v)
	}
}

func TestLoopHeadAsFirstBlock(t *testing.T) {
	// 第一个真实块是循环头
	g := ir.NewGraph("loop_head")
	head, body, exit := g.AddBlock(0), g.AddBlock(0), g.AddBlock(0)
	g.AddEdge(g.Start(), head)
	g.AddEdge(head, body)
	g.AddEdge(body, head)
	g.AddEdge(head, exit)
	g.AddEdge(exit, g.End())

	profile := persist.NewProfileInfo()
	p, err := Run(g, profile, countersOnly(), nil)
	require.NoError(t, err)
	assert.Empty(t, p.UnderivedBlocks)

	env := ir.NewEnv(g)
	for n := 0; n < 4; n++ {
		tr := []int{head.Number}
		for i := 0; i < n; i++ {
			tr = append(tr, body.Number, head.Number)
		}
		tr = append(tr, exit.Number)
		require.NoError(t, g.Replay(env, tr))
	}
	counters := profile.BlockFrequency().Counters()
	v, ok := p.Table.BlockFrequency(head.Number, counters)
	require.True(t, ok)
	assert.Equal(t, int64(4+0+1+2+3), v)
	calls, ok := p.Table.BlockFrequency(g.Start().Number, counters)
	require.True(t, ok)
	assert.Equal(t, int64(4), calls)
}

func osrGraph(t *testing.T) (*ir.Graph, []*ir.Block) {
	t.Helper()
	g := ir.NewGraph("osr")
	b0 := g.AddBlock(0)
	induce := g.AddBlock(ir.KindOSRInduce)
	b2 := g.AddBlock(0)
	osrCatch := g.AddBlock(ir.KindOSRCatch)
	osrCode := g.AddBlock(ir.KindOSRCode)
	g.AddEdge(g.Start(), b0)
	g.AddEdge(b0, induce)
	g.AddEdge(b0, b2)
	g.AddEdge(induce, b2)
	g.AddExceptionEdge(b0, osrCatch)
	g.AddExceptionEdge(induce, osrCatch)
	g.AddEdge(osrCatch, osrCode)
	g.AddEdge(osrCode, b2)
	g.AddEdge(b2, b0)
	g.AddEdge(b2, g.End())
	require.NoError(t, g.Validate())
	return g, []*ir.Block{b0, induce, b2, osrCatch, osrCode}
}

func TestOSRCatchNeverCounted(t *testing.T) {
	g, bs := osrGraph(t)
	b0, induce, b2 := bs[0], bs[1], bs[2]

	profile := persist.NewProfileInfo()
	p, err := Run(g, profile, countersOnly(), nil)
	require.NoError(t, err)
	for _, b := range p.Counted {
		assert.False(t, b.IsOSRCatch(), "block_%d", b.Number)
	}

	env := ir.NewEnv(g)
	require.NoError(t, g.Replay(env, []int{b0.Number, induce.Number, b2.Number}))
	require.NoError(t, g.Replay(env, []int{b0.Number, b2.Number, b0.Number, b2.Number}))
	counters := profile.BlockFrequency().Counters()
	for _, b := range g.Blocks() {
		if v, ok := p.Table.BlockFrequency(b.Number, counters); ok {
			assert.Equal(t, env.Visits[b.Number], v, "block_%d", b.Number)
		}
	}
}

func TestPlanRejectsMalformedOSRCatch(t *testing.T) {
	g := ir.NewGraph("bad_osr")
	b0, b1 := g.AddBlock(0), g.AddBlock(0)
	osrCatch := g.AddBlock(ir.KindOSRCatch)
	g.AddEdge(g.Start(), b0)
	g.AddEdge(b0, b1)
	g.AddExceptionEdge(b0, osrCatch)
	g.AddEdge(osrCatch, b1)
	g.AddEdge(b1, g.End())

	_, err := Plan(g, countersOnly())
	require.Error(t, err)
	assert.ErrorIs(t, err, ir.ErrMalformedCFG)
}

func TestRecompilationTestFiresAfterThreshold(t *testing.T) {
	g := ir.NewGraph("hot")
	b0, b1 := g.AddBlock(0), g.AddBlock(0)
	g.AddEdge(g.Start(), b0)
	g.AddEdge(b0, b1)
	g.AddEdge(b1, g.End())

	arena := persist.NewArena(4, 4)
	m, err := arena.MethodFor("hot")
	require.NoError(t, err)
	body, err := arena.NewBody(m.ID(), persist.BodyConfig{Hotness: persist.Warm, InitialCount: 1000})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.StraightLineThreshold = 3
	assert.Equal(t, int32(3), opts.Threshold(g))

	profile := persist.NewProfileInfo()
	_, err = Run(g, profile, opts, body)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	assert.True(t, body.HasFlag(persist.BodyUsesJProfiling))

	var reasons []uint8
	env := ir.NewEnv(g)
	env.OnRecompile = func(r uint8) { reasons = append(reasons, r) }
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Run(env))
	}
	assert.Empty(t, reasons, "raw count below the threshold")
	require.NoError(t, g.Run(env))
	require.Len(t, reasons, 1)
	assert.Equal(t, uint8(persist.RecompDueToJProfiling), reasons[0])

	profile.BlockFrequency().DisableRecompilation()
	require.NoError(t, g.Run(env))
	assert.Len(t, reasons, 1)
	assert.Equal(t, int64(5), profile.BlockFrequency().RawCount(g.Start().Number))
}

func TestProfilingCompileUsesQueuedWord(t *testing.T) {
	g := ir.NewGraph("profiled")
	b0 := g.AddBlock(0)
	g.AddEdge(g.Start(), b0)
	g.AddEdge(b0, g.End())

	opts := DefaultOptions()
	opts.ProfilingCompile = true
	opts.CompileThreshold = 1
	profile := persist.NewProfileInfo()
	_, err := Run(g, profile, opts, nil)
	require.NoError(t, err)

	fired := 0
	env := ir.NewEnv(g)
	env.OnRecompile = func(uint8) { fired++ }
	require.NoError(t, g.Run(env))
	require.NoError(t, g.Run(env))
	assert.Equal(t, 1, fired)

	profile.BlockFrequency().MarkQueued()
	require.NoError(t, g.Run(env))
	assert.Equal(t, 1, fired)
}

func TestInstrumentationIsStrippable(t *testing.T) {
	g := ir.NewGraph("strip")
	entry, a, b, exit := g.AddBlock(0), g.AddBlock(0), g.AddBlock(0), g.AddBlock(0)
	g.AddEdge(g.Start(), entry)
	g.AddEdge(entry, a)
	g.AddEdge(entry, b)
	g.AddEdge(a, exit)
	g.AddEdge(b, exit)
	g.AddEdge(exit, g.End())
	ir.AppendWork(a, "real")

	_, err := Run(g, persist.NewProfileInfo(), DefaultOptions(), nil)
	require.NoError(t, err)
	g.RemoveInstrs(func(in *ir.Instr) bool { return in.Profiling })
	for _, blk := range g.Blocks() {
		for _, in := range blk.Instrs {
			assert.Equal(t, ir.OpWork, in.Op, "only real work survives in block_%d", blk.Number)
		}
	}
}

func TestDump(t *testing.T) {
	g, _ := osrGraph(t)
	p, err := Plan(g, Options{Trace: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	p.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "MST edge")
	assert.Contains(t, out, "counted blocks:")
	assert.NotEmpty(t, p.TreeEdges())
}
