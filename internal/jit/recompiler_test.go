package jit

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/jit/platform"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Arch = "amd64"
	cfg.Workers = 1
	cfg.QueueSize = 8
	cfg.Counting.InitialCount = 3
	cfg.Cache.CodeCacheSize = 64 << 10
	return cfg
}

// fakeCode ret 加 int3 填充
func fakeCode(n int) []byte {
	code := make([]byte, n)
	for i := range code {
		code[i] = 0xCC
	}
	code[0] = 0xC3
	return code
}

type fakeCompiler struct {
	mu   sync.Mutex
	reqs []Request
	err  error
	size int
}

func (c *fakeCompiler) Compile(ctx context.Context, req Request) (*CompiledBody, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	size := c.size
	if size == 0 {
		size = 48
	}
	return &CompiledBody{Code: fakeCode(size), Hotness: req.Level}, nil
}

func (c *fakeCompiler) requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.reqs...)
}

type fixture struct {
	cfg   *Config
	arena *persist.Arena
	cache *CodeCache
	gen   platform.StubGenerator
	sp    *EpochSafepoint
	comp  *fakeCompiler
	r     *Recompiler
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	cache, err := NewCodeCache(cfg.Cache.CodeCacheSize)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, cache.Close()) })
	gen, err := platform.New(platform.ArchAMD64)
	require.NoError(t, err)

	f := &fixture{
		cfg:   cfg,
		arena: persist.NewArena(0, 0),
		cache: cache,
		gen:   gen,
		sp:    &EpochSafepoint{},
		comp:  &fakeCompiler{},
	}
	f.r, err = NewRecompiler(cfg, RecompilerDeps{
		Arena:     f.arena,
		Cache:     cache,
		Gen:       gen,
		Safepoint: f.sp,
		Compiler:  f.comp,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) install(t *testing.T, name string, cb *CompiledBody) *persist.BodyInfo {
	t.Helper()
	if cb == nil {
		cb = &CompiledBody{Hotness: persist.Cold}
	}
	if cb.Code == nil {
		cb.Code = fakeCode(32)
	}
	b, err := f.r.Install(name, cb)
	require.NoError(t, err)
	return b
}

func (f *fixture) word(t *testing.T, b *persist.BodyInfo) uint64 {
	t.Helper()
	w, err := f.cache.LoadWord(b.StartPC())
	require.NoError(t, err)
	return w
}

// redirectTarget 解出补丁区 jmp rel32 的目标
func redirectTarget(t *testing.T, word uint64, entry uintptr) uintptr {
	t.Helper()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], word)
	require.Equal(t, byte(0xE9), b[0], "entry is not redirected")
	d := int32(binary.LittleEndian.Uint32(b[1:5]))
	return uintptr(int64(entry) + 5 + int64(d))
}

// tierUp 让 b 越过阈值并完成重编译，返回新编译体
func (f *fixture) tierUp(t *testing.T, b *persist.BodyInfo) *persist.BodyInfo {
	t.Helper()
	m := f.arena.MethodOf(b)
	require.NotNil(t, m)
	for range f.cfg.Counting.InitialCount {
		f.r.OnInvocation(b.ID())
	}
	f.r.Queue().Drain(context.Background())
	require.Equal(t, persist.StateRetired, b.State())
	nb := f.arena.Body(m.CurrentBody())
	require.NotNil(t, nb)
	require.NotEqual(t, b.ID(), nb.ID())
	return nb
}

// callOffset 计数模式编译体内的一个调用偏移，其目标字段能否原地改写由 patchable 指定
func (f *fixture) callOffset(t *testing.T, patchable bool) int {
	t.Helper()
	stub, err := f.gen.CountingPrologue(platform.Prologue{Body: 1, Counter: 0x1000, Helper: 0x2000})
	require.NoError(t, err)
	for off := 1; off < 16; off++ {
		// 分配 16 字节对齐，方法体首地址模 8 与 BodyOffset 相同
		if platform.CallPatchable(f.gen, uintptr(stub.BodyOffset+off)) == patchable {
			return off
		}
	}
	t.Fatalf("no call offset with patchable=%v", patchable)
	return 0
}

// installCaller 安装一个在 off 处直接调用 target 的方法，返回调用指令地址
func (f *fixture) installCaller(t *testing.T, name string, target uintptr, off int) uintptr {
	t.Helper()
	code := fakeCode(32)
	code[0] = 0x90
	b := f.install(t, name, &CompiledBody{
		Hotness: persist.Cold,
		Code:    code,
		Calls:   []EmittedCall{{Offset: off, Target: target}},
	})
	stub, err := f.gen.CountingPrologue(platform.Prologue{Body: 1, Counter: 0x1000, Helper: 0x2000})
	require.NoError(t, err)
	return b.StartPC() - uintptr(stub.EntryOffset) + uintptr(stub.BodyOffset) + uintptr(off)
}

func (f *fixture) callTarget(t *testing.T, site uintptr) uintptr {
	t.Helper()
	insn, err := f.cache.Read(site, f.gen.CallSize())
	require.NoError(t, err)
	target, err := f.gen.CallTarget(insn, site)
	require.NoError(t, err)
	return target
}

func TestInstallLaysOutStub(t *testing.T) {
	f := newFixture(t, nil)
	b := f.install(t, "m", nil)

	assert.Zero(t, b.StartPC()%platform.PatchRegionSize)
	assert.True(t, f.cache.Contains(b.StartPC()))

	id, err := f.r.BodyAtEntry(b.StartPC())
	require.NoError(t, err)
	assert.Equal(t, b.ID(), id)

	found, ok := f.r.Lookup().Find(b.StartPC())
	require.True(t, ok)
	assert.Equal(t, b.ID(), found)

	code, err := f.cache.Read(b.StartPC(), platform.PatchRegionSize)
	require.NoError(t, err)
	insts, err := platform.Disassemble(platform.ArchAMD64, code, b.StartPC())
	require.NoError(t, err)
	assert.Equal(t, "NOP", insts[0].Op)

	assert.Equal(t, int32(3), b.Counter())
	assert.False(t, b.HasFlag(persist.BodySamplingRecompile))
	assert.Equal(t, int64(1), f.r.Stats().Installed)
	assert.Equal(t, b.ID(), f.arena.MethodOf(b).CurrentBody())
}

func TestOnInvocationTriggersAfterExactlyN(t *testing.T) {
	f := newFixture(t, nil)
	b := f.install(t, "m", nil)
	m := f.arena.MethodOf(b)

	assert.False(t, f.r.OnInvocation(b.ID()))
	assert.False(t, f.r.OnInvocation(b.ID()))
	assert.True(t, f.r.OnInvocation(b.ID()))
	assert.False(t, f.r.OnInvocation(b.ID()), "one trigger per body")

	assert.Equal(t, persist.StateThresholdReached, b.State())
	assert.True(t, b.IsPushedForRecompilation())
	assert.True(t, f.r.Queue().Pending(m.ID()))
	assert.Equal(t, persist.RecompDueToCounterZero, m.ReasonForRecompilation())
	assert.Equal(t, persist.Warm, m.NextCompileLevel())
	assert.Equal(t, int64(1), f.r.Stats().Triggered)
}

func TestDrainRetiresAndRedirects(t *testing.T) {
	f := newFixture(t, nil)
	old := f.install(t, "m", nil)
	m := f.arena.MethodOf(old)
	for range 3 {
		f.r.OnInvocation(old.ID())
	}

	require.Equal(t, 1, f.r.Queue().Drain(context.Background()))

	reqs := f.comp.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, persist.Warm, reqs[0].Level)
	assert.False(t, reqs[0].Profile)

	assert.Equal(t, persist.StateRetired, old.State())
	assert.True(t, old.IsInvalidated())
	nb := f.arena.Body(m.CurrentBody())
	require.NotNil(t, nb)
	assert.NotEqual(t, old.ID(), nb.ID())
	assert.Equal(t, persist.Warm, nb.Hotness())
	assert.Equal(t, persist.StateFresh, nb.State())
	assert.Zero(t, m.NumberOfInvalidations(), "tier-up is not an invalidation")
	assert.Equal(t, persist.RecompDueToNone, m.ReasonForRecompilation())

	// 旧入口跳向修补桩，修补桩最终进入新入口
	target := redirectTarget(t, f.word(t, old), old.StartPC())
	want, err := f.gen.CallSitePatchStub(nb.StartPC(), f.r.Helpers().PatchCallSite)
	require.NoError(t, err)
	got, err := f.cache.Read(target, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	st := f.r.Stats()
	assert.Equal(t, int64(1), st.Retired)
	assert.Equal(t, int64(2), st.Installed)
	assert.Equal(t, 2, f.cache.Stats().Retired, "old body and patch stub")
	assert.Equal(t, int64(1), f.r.Queue().Stats().Completed)
	assert.False(t, f.r.Queue().Pending(m.ID()))
}

func TestRetireIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	old := f.install(t, "m", nil)
	m := f.arena.MethodOf(old)
	for range 3 {
		f.r.OnInvocation(old.ID())
	}
	f.r.Queue().Drain(context.Background())
	nb := m.CurrentBody()
	before := f.word(t, old)

	require.NoError(t, f.r.Retire(old.ID(), nb, false))
	assert.Equal(t, before, f.word(t, old))
	assert.Equal(t, int64(1), f.r.Stats().Retired)

	fresh := f.install(t, "other", nil)
	other := f.install(t, "other", nil)
	err := f.r.Retire(fresh.ID(), other.ID(), false)
	assert.True(t, errors.Is(err, ErrNotInFlight))
}

func TestCompileFailureResetsCounter(t *testing.T) {
	f := newFixture(t, nil)
	f.comp.err = errors.New("register allocation failed")
	old := f.install(t, "m", nil)
	m := f.arena.MethodOf(old)
	before := f.word(t, old)
	for range 3 {
		f.r.OnInvocation(old.ID())
	}

	f.r.Queue().Drain(context.Background())

	assert.Equal(t, persist.StateFresh, old.State())
	assert.Equal(t, f.cfg.Counting.FailedRecompileCounter, old.Counter())
	assert.False(t, old.IsPushedForRecompilation())
	assert.False(t, old.IsInvalidated())
	assert.True(t, m.HasFailedRecompilation())
	assert.Equal(t, persist.RecompDueToNone, m.ReasonForRecompilation())
	assert.Equal(t, old.ID(), m.CurrentBody())
	assert.Equal(t, before, f.word(t, old), "entry untouched")
	assert.Equal(t, int64(1), f.r.Stats().Declined)
	assert.Equal(t, int64(1), f.r.Queue().Stats().Failed)

	// 旧编译体可以再次触发
	for range f.cfg.Counting.FailedRecompileCounter - 1 {
		require.False(t, f.r.OnInvocation(old.ID()))
	}
	assert.True(t, f.r.OnInvocation(old.ID()))
}

func TestCodeCacheFullDeclines(t *testing.T) {
	f := newFixture(t, nil)
	f.comp.size = f.cfg.Cache.CodeCacheSize * 4
	old := f.install(t, "m", nil)
	_, bodiesBefore := f.arena.Stats()
	for range 3 {
		f.r.OnInvocation(old.ID())
	}

	f.r.Queue().Drain(context.Background())

	assert.Equal(t, persist.StateFresh, old.State())
	assert.Equal(t, f.cfg.Counting.FailedRecompileCounter, old.Counter())
	assert.True(t, f.arena.MethodOf(old).HasFailedRecompilation())
	_, bodies := f.arena.Stats()
	assert.Equal(t, bodiesBefore, bodies, "new body record released")
	qs := f.r.Queue().Stats()
	assert.Equal(t, int64(1), qs.Completed, "cache exhaustion is not a compile failure")
	assert.Zero(t, qs.Failed)
}

func TestSampleThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.InitialCount = 2
	f := newFixture(t, cfg)
	b := f.install(t, "m", &CompiledBody{Hotness: persist.Warm, Sampling: true})
	m := f.arena.MethodOf(b)

	assert.True(t, b.HasFlag(persist.BodySamplingRecompile))
	assert.Equal(t, int32(2), b.Counter())
	assert.False(t, f.r.Sample(b.ID(), 1))
	assert.True(t, f.r.Sample(b.ID(), 1))
	assert.Equal(t, persist.RecompDueToThreshold, m.ReasonForRecompilation())
	assert.Equal(t, persist.Hot, m.NextCompileLevel())
	assert.False(t, f.r.Sample(b.ID(), 1), "not fresh")
}

func TestSampleScorchingReplenishes(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.InitialCount = 1
	cfg.Sampling.ScorchingSamples = 2
	f := newFixture(t, cfg)
	b := f.install(t, "m", &CompiledBody{Hotness: persist.Scorching, Sampling: true})
	m := f.arena.MethodOf(b)

	assert.False(t, f.r.Sample(b.ID(), 1))
	assert.Equal(t, int32(1), b.Counter())
	assert.False(t, m.DisableMiscSamplingCounterDecrementation())

	assert.False(t, f.r.Sample(b.ID(), 1))
	assert.True(t, m.DisableMiscSamplingCounterDecrementation())
	assert.Equal(t, int64(2), f.r.Stats().Replenished)

	// 之后采样不再递减
	assert.False(t, f.r.Sample(b.ID(), 1))
	assert.Equal(t, int32(1), b.Counter())
	assert.Equal(t, persist.StateFresh, b.State())
}

func TestSampleNegativeCounterIsMegamorphic(t *testing.T) {
	f := newFixture(t, nil)
	b := f.install(t, "m", &CompiledBody{Hotness: persist.Warm, Sampling: true})
	m := f.arena.MethodOf(b)

	b.ResetCounter(-1)
	assert.True(t, f.r.Sample(b.ID(), 1))
	assert.Equal(t, persist.RecompDueToMegamorphicCallProfile, m.ReasonForRecompilation())
	assert.Equal(t, persist.Warm, m.NextCompileLevel(), "same level")
}

func TestNextLevel(t *testing.T) {
	f := newFixture(t, nil)

	hot := f.install(t, "hot", &CompiledBody{Hotness: persist.Hot})
	require.True(t, f.r.RequestRecompilation(hot.ID(), persist.RecompDueToThreshold))
	hm := f.arena.MethodOf(hot)
	assert.Equal(t, persist.VeryHot, hm.NextCompileLevel())
	assert.True(t, hm.NextCompileShouldProfile(), "veryHot compiles profile")

	jp := f.install(t, "jp", &CompiledBody{Hotness: persist.Warm})
	require.True(t, f.r.RequestRecompilation(jp.ID(), persist.RecompDueToJProfiling))
	assert.Equal(t, persist.Warm, f.arena.MethodOf(jp).NextCompileLevel())

	prof := f.install(t, "prof", &CompiledBody{Hotness: persist.VeryHot, Flags: persist.BodyIsProfilingBody})
	require.True(t, f.r.RequestRecompilation(prof.ID(), persist.RecompDueToThreshold))
	pm := f.arena.MethodOf(prof)
	assert.Equal(t, persist.VeryHot, pm.NextCompileLevel())
	assert.False(t, pm.NextCompileShouldProfile(), "profiling body compiles the final version")

	f.r.Queue().Drain(context.Background())
	byMethod := make(map[persist.MethodID]Request)
	for _, req := range f.comp.requests() {
		byMethod[req.Method] = req
	}
	assert.True(t, byMethod[hm.ID()].Profile)
	assert.Equal(t, persist.RecompDueToJProfiling, byMethod[jp.Method()].Reason)
	assert.False(t, byMethod[pm.ID()].Profile)
}

func TestPatchCallSite(t *testing.T) {
	f := newFixture(t, nil)
	callee := f.install(t, "callee", nil)
	calleeEntry := callee.StartPC()

	site := f.installCaller(t, "caller", calleeEntry, f.callOffset(t, true))
	sites := f.r.Sites().Sites(calleeEntry)
	require.Len(t, sites, 1)
	assert.Equal(t, site, sites[0].Addr)
	assert.Equal(t, calleeEntry, f.callTarget(t, site), "call linked at install")

	newEntry := f.tierUp(t, callee).StartPC()
	require.NotEqual(t, calleeEntry, newEntry)

	ret := site + uintptr(f.gen.CallSize())
	patched, err := f.r.PatchCallSite(ret, newEntry)
	require.NoError(t, err)
	assert.True(t, patched)

	assert.Equal(t, newEntry, f.callTarget(t, site))
	assert.Empty(t, f.r.Sites().Sites(calleeEntry))
	assert.Len(t, f.r.Sites().Sites(newEntry), 1)

	patched, err = f.r.PatchCallSite(ret, newEntry)
	require.NoError(t, err)
	assert.False(t, patched, "already retargeted")

	patched, err = f.r.PatchCallSite(f.cache.Base()+8, newEntry)
	require.NoError(t, err)
	assert.False(t, patched, "unknown call site")
	assert.Equal(t, int64(1), f.r.Sites().Patched())
}

func TestPatchCallSiteLeavesStraddlingCall(t *testing.T) {
	f := newFixture(t, nil)
	callee := f.install(t, "callee", nil)
	oldEntry := callee.StartPC()
	site := f.installCaller(t, "caller", oldEntry, f.callOffset(t, false))
	newEntry := f.tierUp(t, callee).StartPC()

	patched, err := f.r.PatchCallSite(site+uintptr(f.gen.CallSize()), newEntry)
	require.NoError(t, err)
	assert.False(t, patched, "caller keeps going through the patch stub")
	assert.Equal(t, oldEntry, f.callTarget(t, site))

	_, err = f.r.Sites().Retarget(f.cache, f.gen, site, oldEntry, newEntry)
	assert.ErrorIs(t, err, ErrCallNotPatchable)
}

func TestInstallRejectsCallOutsideBody(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.r.Install("m", &CompiledBody{
		Hotness: persist.Cold,
		Code:    fakeCode(8),
		Calls:   []EmittedCall{{Offset: 6, Target: f.cache.Base()}},
	})
	require.Error(t, err)
	_, bodies := f.arena.Stats()
	assert.Zero(t, bodies)
	assert.Zero(t, f.r.Lookup().Len())
}

func TestReclaimAfterSafepoint(t *testing.T) {
	f := newFixture(t, nil)
	old := f.install(t, "m", nil)
	oldID, oldEntry := old.ID(), old.StartPC()
	for range 3 {
		f.r.OnInvocation(oldID)
	}
	f.r.Queue().Drain(context.Background())
	used := f.cache.Stats().Used

	assert.Zero(t, f.r.Reclaim(), "no safepoint yet")
	assert.NotNil(t, f.arena.Body(oldID))

	f.sp.Advance()
	assert.Equal(t, 1, f.r.Reclaim())
	assert.Nil(t, f.arena.Body(oldID))
	assert.Zero(t, f.cache.Stats().Retired)
	assert.Less(t, f.cache.Stats().Used, used)
	_, ok := f.r.Lookup().Find(oldEntry)
	assert.False(t, ok)
	assert.Equal(t, int64(1), f.r.Stats().Reclaimed)
}

func TestReclaimRedirectsPendingCallers(t *testing.T) {
	f := newFixture(t, nil)
	callee := f.install(t, "callee", nil)
	oldEntry := callee.StartPC()
	site := f.installCaller(t, "caller", oldEntry, f.callOffset(t, true))
	nb := f.tierUp(t, callee)
	assert.Equal(t, oldEntry, f.callTarget(t, site), "caller has not run since retirement")

	f.sp.Advance()
	assert.Equal(t, 1, f.r.Reclaim())
	assert.Nil(t, f.arena.Body(callee.ID()))
	assert.Equal(t, nb.StartPC(), f.callTarget(t, site))
	assert.Empty(t, f.r.Sites().Sites(oldEntry))
	assert.Len(t, f.r.Sites().Sites(nb.StartPC()), 1)

	// 回收的空间被新方法复用后，调用者仍然调用新编译体
	f.install(t, "other", nil)
	assert.Equal(t, nb.StartPC(), f.callTarget(t, site))
}

func TestReclaimKeepsCalleeOfStraddlingCall(t *testing.T) {
	f := newFixture(t, nil)
	callee := f.install(t, "callee", nil)
	oldEntry := callee.StartPC()
	site := f.installCaller(t, "caller", oldEntry, f.callOffset(t, false))
	nb := f.tierUp(t, callee)

	f.sp.Advance()
	assert.Zero(t, f.r.Reclaim())
	assert.NotNil(t, f.arena.Body(callee.ID()))
	assert.Equal(t, oldEntry, f.callTarget(t, site))
	assert.Len(t, f.r.Sites().Sites(oldEntry), 1)

	// 旧入口的修补桩跳往 nb，nb 退役后同样保留
	f.tierUp(t, nb)
	f.sp.Advance()
	assert.Zero(t, f.r.Reclaim())
	assert.NotNil(t, f.arena.Body(nb.ID()))
	assert.Equal(t, 4, f.cache.Stats().Retired)
}

func TestInstallLinksThroughRetiredEntry(t *testing.T) {
	f := newFixture(t, nil)
	callee := f.install(t, "callee", nil)
	oldEntry := callee.StartPC()
	nb := f.tierUp(t, callee)
	newest := f.tierUp(t, nb)

	site := f.installCaller(t, "caller", oldEntry, f.callOffset(t, true))
	assert.Equal(t, newest.StartPC(), f.callTarget(t, site))
	assert.Empty(t, f.r.Sites().Sites(oldEntry))
	assert.Len(t, f.r.Sites().Sites(newest.StartPC()), 1)
}

func TestRedefinitionCountsInvalidation(t *testing.T) {
	f := newFixture(t, nil)
	b := f.install(t, "m", &CompiledBody{Hotness: persist.Warm})
	m := f.arena.MethodOf(b)

	require.True(t, f.r.RequestRecompilation(b.ID(), persist.RecompDueToInlinedMethodRedefinition))
	f.r.Queue().Drain(context.Background())
	assert.Equal(t, persist.StateRetired, b.State())
	assert.Equal(t, int32(1), m.NumberOfInvalidations())
}

func TestConcurrentCounterExpiredTriggersOnce(t *testing.T) {
	f := newFixture(t, nil)
	b := f.install(t, "m", nil)

	var (
		wg        sync.WaitGroup
		triggered uatomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.r.OnCounterExpired(b.ID()) {
				triggered.Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), triggered.Load())
	assert.Equal(t, 1, f.r.Queue().Len())
	assert.Equal(t, persist.RecompDueToCounterZero, f.arena.MethodOf(b).ReasonForRecompilation())
}

func TestQueueFullRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	f := newFixture(t, cfg)
	a := f.install(t, "a", nil)
	b := f.install(t, "b", nil)

	require.True(t, f.r.RequestRecompilation(a.ID(), persist.RecompDueToThreshold))
	assert.False(t, f.r.RequestRecompilation(b.ID(), persist.RecompDueToThreshold))

	assert.Equal(t, persist.StateFresh, b.State())
	assert.Equal(t, cfg.Counting.FailedRecompileCounter, b.Counter())
	assert.Equal(t, int64(1), f.r.Queue().Stats().Dropped)
}
