package jit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/recomp/internal/jit/ir"
	"github.com/tangzhangming/recomp/internal/jit/persist"
)

// captureBackend 记录收到的图，按节点数生成假代码
type captureBackend struct {
	mu     sync.Mutex
	graphs []*ir.Graph
	err    error
}

func (b *captureBackend) Emit(ctx context.Context, g *ir.Graph, level persist.Hotness) ([]byte, []EmittedCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, nil, b.err
	}
	b.graphs = append(b.graphs, g)
	return fakeCode(16 + g.NodeCount()), nil, nil
}

func (b *captureBackend) last() *ir.Graph {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.graphs[len(b.graphs)-1]
}

func loopSource(method string) (*ir.Graph, error) {
	if method == "missing" {
		return nil, errors.New("no bytecode")
	}
	return loopGraph(method, 4)
}

func TestInstrumentingCompilerProfileGen(t *testing.T) {
	arena := persist.NewArena(0, 0)
	m, err := arena.MethodFor("loop")
	require.NoError(t, err)
	backend := &captureBackend{}
	c := NewInstrumentingCompiler(testConfig(), arena, loopSource, backend)

	cb, err := c.Compile(context.Background(), Request{Method: m.ID(), Level: persist.VeryHot, Profile: true})
	require.NoError(t, err)

	assert.Equal(t, persist.VeryHot, cb.Hotness)
	assert.True(t, cb.Sampling)
	assert.True(t, cb.Flags&persist.BodyIsProfilingBody != 0)
	require.NotNil(t, cb.Profile)
	assert.NotEmpty(t, cb.Code)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Compiled)
	assert.Equal(t, int64(1), st.Instrumented)
	assert.Zero(t, st.Failed)
}

func TestInstrumentingCompilerPlain(t *testing.T) {
	arena := persist.NewArena(0, 0)
	m, err := arena.MethodFor("loop")
	require.NoError(t, err)
	c := NewInstrumentingCompiler(testConfig(), arena, loopSource, &captureBackend{})

	cb, err := c.Compile(context.Background(), Request{Method: m.ID(), Level: persist.Cold})
	require.NoError(t, err)
	assert.False(t, cb.Sampling)
	assert.Zero(t, cb.Flags)
	assert.Nil(t, cb.Profile)
	assert.Zero(t, c.Stats().Instrumented)
}

func TestInstrumentingCompilerErrors(t *testing.T) {
	arena := persist.NewArena(0, 0)
	missing, err := arena.MethodFor("missing")
	require.NoError(t, err)
	loop, err := arena.MethodFor("loop")
	require.NoError(t, err)
	backend := &captureBackend{}
	c := NewInstrumentingCompiler(testConfig(), arena, loopSource, backend)
	ctx := context.Background()

	_, err = c.Compile(ctx, Request{Method: missing.ID(), Level: persist.Warm})
	assert.ErrorContains(t, err, "no bytecode")

	_, err = c.Compile(ctx, Request{Method: 99, Level: persist.Warm})
	assert.ErrorContains(t, err, "method released")

	backend.err = errors.New("out of registers")
	_, err = c.Compile(ctx, Request{Method: loop.ID(), Level: persist.Warm})
	assert.ErrorContains(t, err, "out of registers")

	assert.Equal(t, int64(3), c.Stats().Failed)
}

// 块计数器越过阈值后，编译代码请求按当前等级重编译
func TestJProfilingBodyRequestsRecompilation(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy = "jprofiling"
	cfg.JProfiling.LoopThreshold = 2

	f := newFixture(t, cfg)
	backend := &captureBackend{}
	c := NewInstrumentingCompiler(cfg, f.arena, loopSource, backend)
	m, err := f.arena.MethodFor("loop")
	require.NoError(t, err)

	cb, err := c.Compile(context.Background(), Request{Method: m.ID(), Level: persist.Warm})
	require.NoError(t, err)
	assert.True(t, cb.Flags&persist.BodyUsesJProfiling != 0)
	b, err := f.r.Install("loop", cb)
	require.NoError(t, err)
	assert.True(t, b.HasFlag(persist.BodyUsesJProfiling))

	g := backend.last()
	env := ir.NewEnv(g)
	env.OnRecompile = func(reason uint8) {
		f.r.RequestRecompilation(b.ID(), persist.RecompReason(reason))
	}
	for range 5 {
		require.NoError(t, g.Run(env))
	}

	assert.Equal(t, persist.StateThresholdReached, b.State())
	assert.Equal(t, persist.RecompDueToJProfiling, m.ReasonForRecompilation())
	assert.Equal(t, persist.Warm, m.NextCompileLevel())
	assert.Equal(t, int64(1), f.r.Stats().Triggered)

	f.r.Queue().Drain(context.Background())
	nb := f.arena.Body(m.CurrentBody())
	require.NotNil(t, nb)
	assert.NotEqual(t, b.ID(), nb.ID())
	assert.True(t, nb.HasFlag(persist.BodyUsesJProfiling), "sticky flag carried over")
}
