package persist

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBody(t *testing.T, a *Arena, name string, count int32) *BodyInfo {
	t.Helper()
	m, err := a.MethodFor(name)
	require.NoError(t, err)
	b, err := a.NewBody(m.ID(), BodyConfig{Hotness: Warm, InitialCount: count})
	require.NoError(t, err)
	a.Install(b)
	return b
}

func TestRecordInvocationCrossesAfterExactlyN(t *testing.T) {
	for _, n := range []int32{1, 2, 7, 1000} {
		b := newTestBody(t, NewArena(0, 0), "m", n)
		for i := int32(1); i < n; i++ {
			require.False(t, b.RecordInvocation(), "invocation %d of %d", i, n)
		}
		assert.True(t, b.RecordInvocation())
		assert.False(t, b.RecordInvocation(), "crossing is reported once")
		assert.Equal(t, int32(-1), b.Counter())
	}
}

func TestRecordInvocationConcurrentNeverSkipsZero(t *testing.T) {
	b := newTestBody(t, NewArena(0, 0), "m", 64)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		crossed int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if b.RecordInvocation() {
					mu.Lock()
					crossed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	// 计数器为负说明有人写过 0，而写 0 的调用必然报告了越过
	if b.Counter() < 0 {
		assert.GreaterOrEqual(t, crossed, 1)
	}
	assert.Less(t, b.Counter(), int32(64))
}

func TestReasonPackedWithTransientFlags(t *testing.T) {
	a := NewArena(0, 0)
	m, err := a.MethodFor("m")
	require.NoError(t, err)

	m.SetNextCompileShouldProfile(true)
	m.SetHasFailedRecompilation(true)
	m.SetReasonForRecompilation(RecompDueToJProfiling)
	assert.Equal(t, RecompDueToJProfiling, m.ReasonForRecompilation())
	assert.True(t, m.NextCompileShouldProfile())
	assert.True(t, m.HasFailedRecompilation())

	m.SetReasonForRecompilation(RecompDueToRI)
	assert.Equal(t, RecompDueToRI, m.ReasonForRecompilation(), "only one reason at a time")
	assert.True(t, m.NextCompileShouldProfile())

	m.SetNextCompileShouldProfile(false)
	assert.Equal(t, RecompDueToRI, m.ReasonForRecompilation())
}

func TestReasonInvalidates(t *testing.T) {
	for r := RecompDueToNone; r < numRecompReasons; r++ {
		assert.Equal(t, r == RecompDueToInlinedMethodRedefinition, r.Invalidates(), r.String())
	}
}

func TestReplacedIsPermanent(t *testing.T) {
	m := newMethodInfo(0, "m")
	m.SetIsReplaced()
	m.SetFlag(MethodProfilingDisabled)
	m.ClearFlag(MethodIsReplaced | MethodProfilingDisabled)
	assert.True(t, m.IsReplaced())
	assert.False(t, m.ProfilingDisabled())
}

func TestMarkRecompiled(t *testing.T) {
	a := NewArena(0, 0)
	old := newTestBody(t, a, "m", 10)
	old.SetFlag(BodyUsesJProfiling|BodyHasLoops, true)
	m := a.MethodOf(old)
	m.SetReasonForRecompilation(RecompDueToCounterZero)

	p := NewProfileInfo()
	nb, err := a.NewBody(m.ID(), BodyConfig{Hotness: Hot, Profile: p})
	require.NoError(t, err)
	require.NoError(t, a.MarkRecompiled(old.ID(), nb.ID(), MarkOptions{}))

	assert.Equal(t, nb.ID(), m.CurrentBody())
	assert.True(t, old.IsInvalidated())
	assert.True(t, nb.HasFlag(BodyUsesJProfiling), "sticky flag carried forward")
	assert.False(t, nb.HasFlag(BodyHasLoops), "per-compile flag not carried")
	assert.Equal(t, RecompDueToNone, m.ReasonForRecompilation())

	recent := m.RecentProfileInfo()
	require.NotNil(t, recent)
	assert.Same(t, p, recent)
	recent.DecRef()

	third, err := a.NewBody(m.ID(), BodyConfig{Hotness: Scorching})
	require.NoError(t, err)
	require.NoError(t, a.MarkRecompiled(nb.ID(), third.ID(), MarkOptions{DropStickyFlags: true}))
	assert.False(t, third.HasFlag(BodyUsesJProfiling))
}

func TestArenaExhaustion(t *testing.T) {
	a := NewArena(1, 1)
	m, err := a.MethodFor("a")
	require.NoError(t, err)
	_, err = a.MethodFor("b")
	assert.True(t, errors.Is(err, ErrNoPersistentRecord))

	b, err := a.NewBody(m.ID(), BodyConfig{})
	require.NoError(t, err)
	_, err = a.NewBody(m.ID(), BodyConfig{})
	assert.ErrorIs(t, err, ErrNoPersistentRecord)

	a.ReleaseBody(b.ID())
	assert.Nil(t, a.Body(b.ID()))
	_, err = a.NewBody(m.ID(), BodyConfig{})
	assert.NoError(t, err, "released slot is reused")
}

func TestBodyStateTransitions(t *testing.T) {
	b := newTestBody(t, NewArena(0, 0), "m", 1)
	assert.Equal(t, StateFresh, b.State())
	assert.True(t, b.Transition(StateFresh, StateThresholdReached))
	assert.False(t, b.Transition(StateFresh, StateThresholdReached))
	assert.True(t, b.Transition(StateThresholdReached, StateRecompilationInFlight))
	assert.True(t, b.Transition(StateRecompilationInFlight, StateRetired))
	assert.Equal(t, "retired", b.State().String())
}

func TestCounterAddressAliasesCounter(t *testing.T) {
	b := newTestBody(t, NewArena(0, 0), "m", 5)
	p := (*int32)(unsafe.Pointer(b.CounterAddress()))
	assert.Equal(t, int32(5), *p)
	*p = 1
	assert.True(t, b.RecordInvocation())
	assert.Equal(t, uintptr(0), b.CounterAddress()%4)
}

func TestDerivationCancel(t *testing.T) {
	d := Physical(3)
	d, ok := d.Plus(Physical(5))
	require.True(t, ok)
	assert.Equal(t, []int{3, 5}, d.Add.Blocks())
	assert.False(t, d.Add.IsInline())

	d, ok = d.Minus(Physical(5))
	require.True(t, ok)
	assert.True(t, d.IsPhysical(), "set shrinks back to the inline form")

	d, ok = d.Minus(Physical(7))
	require.True(t, ok)
	assert.Equal(t, "c3 - c7", d.String())

	_, ok = d.Plus(Physical(3))
	assert.False(t, ok, "coefficient 2 is not representable")

	counters := make([]int32, 8)
	counters[3], counters[7] = 10, 4
	assert.Equal(t, int64(6), d.Evaluate(counters))
}

func TestDerivationTableDump(t *testing.T) {
	tbl := NewDerivationTable(4)
	tbl.SetCounted([]int{2})
	tbl.SetBlock(2, Physical(2))
	tbl.SetEdge(0, 1, 2, Physical(2))
	counters := []int32{0, 0, 42, 0}

	var buf bytes.Buffer
	tbl.Dump(&buf, counters)
	assert.Contains(t, buf.String(), "counted blocks: [2]")
	assert.Contains(t, buf.String(), "= 42")

	_, ok := tbl.BlockFrequency(1, counters)
	assert.False(t, ok, "underived blocks are not zero")
}

func TestProfilingTables(t *testing.T) {
	assert.Equal(t, profilingFrequencyTable[0], ProfilingFrequency(-3))
	assert.Equal(t, profilingCountTable[MaxBackEdges], ProfilingCount(100))

	p := NewProfileInfo()
	p.AllocateProfilingTables(5, 7)
	assert.Equal(t, []int32{5, 5}, p.FrequencyArray())
	assert.Equal(t, []int32{7, 7}, p.CountArray())
	assert.False(t, p.ProfilingComplete())
	StoreCounter(p.RecompilationCounter(), 0, -1)
	assert.True(t, p.ProfilingComplete())
}

func TestHotness(t *testing.T) {
	assert.Equal(t, "veryHot", VeryHot.String())
	assert.Equal(t, Scorching, Scorching.Next())
	h, ok := ParseHotness("warm")
	require.True(t, ok)
	assert.Equal(t, Hot, h.Next())
	assert.False(t, HotnessUnknown.Valid())
}
