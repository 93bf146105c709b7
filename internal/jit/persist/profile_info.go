// profile_info.go - 持久剖析快照
//
// ProfileInfo 由 MethodInfo 和 BodyInfo 通过引用计数共享，包含：
//   - 块频率信息：计数器槽位、推导表、入口块号、重编译控制字
//   - 双体剖析使用的每轮频率数组、计数数组和轮次计数器
//
// 所有槽位都是平坦的 []int32，编译出的代码和外部采样线程直接按地址读写。

package persist

import (
	"math"
	"sync/atomic"
	"unsafe"

	uatomic "go.uber.org/atomic"
)

// ============================================================================
// 槽位访问
// ============================================================================

// LoadCounter 读取槽位，越界返回 0
func LoadCounter(cells []int32, i int) int32 {
	if i < 0 || i >= len(cells) {
		return 0
	}
	return atomic.LoadInt32(&cells[i])
}

// StoreCounter 写入槽位
func StoreCounter(cells []int32, i int, v int32) {
	atomic.StoreInt32(&cells[i], v)
}

// BumpCounter 槽位加一：先读后写，不是读改写，并发时可能丢失更新
func BumpCounter(cells []int32, i int) {
	atomic.StoreInt32(&cells[i], atomic.LoadInt32(&cells[i])+1)
}

// ============================================================================
// 块频率信息
// ============================================================================

// 重编译控制字的取值
const (
	RecompilationEnabled  int32 = 0
	RecompilationDisabled int32 = -1 // 控制字为 -1 时跳过重编译测试
)

// BlockFrequencyInfo 块频率信息
type BlockFrequencyInfo struct {
	counters   []int32
	table      *DerivationTable
	entryBlock int

	enableRecompilation []int32 // 单元素控制字
	queued              []int32 // 剖析编译使用的单元素控制字
}

// NewBlockFrequencyInfo 按推导表分配计数器槽位
func NewBlockFrequencyInfo(table *DerivationTable, entryBlock int) *BlockFrequencyInfo {
	return &BlockFrequencyInfo{
		counters:            make([]int32, table.NumBlocks()),
		table:               table,
		entryBlock:          entryBlock,
		enableRecompilation: []int32{RecompilationEnabled},
		queued:              []int32{RecompilationEnabled},
	}
}

// Counters 计数器槽位（下标为块号）
func (f *BlockFrequencyInfo) Counters() []int32 { return f.counters }

// CounterAddress 槽位地址，供生成代码直接寻址
func (f *BlockFrequencyInfo) CounterAddress(i int) uintptr {
	return uintptr(unsafe.Pointer(&f.counters[i]))
}

// Table 推导表
func (f *BlockFrequencyInfo) Table() *DerivationTable { return f.table }

// EntryBlock 方法第一个真实块的块号
func (f *BlockFrequencyInfo) EntryBlock() int { return f.entryBlock }

// EnableWord 重编译使能控制字
func (f *BlockFrequencyInfo) EnableWord() []int32 { return f.enableRecompilation }

// QueuedWord 剖析编译的已入队控制字
func (f *BlockFrequencyInfo) QueuedWord() []int32 { return f.queued }

// DisableRecompilation 关闭重编译测试
func (f *BlockFrequencyInfo) DisableRecompilation() {
	StoreCounter(f.enableRecompilation, 0, RecompilationDisabled)
}

// MarkQueued 剖析编译已入队
func (f *BlockFrequencyInfo) MarkQueued() {
	StoreCounter(f.queued, 0, RecompilationDisabled)
}

// RecompilationEnabled 重编译测试是否生效
func (f *BlockFrequencyInfo) RecompilationEnabled() bool {
	return LoadCounter(f.enableRecompilation, 0) != RecompilationDisabled
}

// RawCount 块的原始频率，未推导返回 -1
func (f *BlockFrequencyInfo) RawCount(block int) int64 {
	v, ok := f.table.BlockFrequency(block, f.counters)
	if !ok {
		return -1
	}
	return v
}

// Frequencies 全部已推导块的频率
func (f *BlockFrequencyInfo) Frequencies() map[int]int64 {
	return f.table.Evaluate(f.counters)
}

// ============================================================================
// 双体剖析表
// ============================================================================

const (
	// MaxBackEdges 频率表按回边数索引的上限
	MaxBackEdges = 16
	// ProfilingInvocationCount 剖析轮数
	ProfilingInvocationCount = 2
	// ProfilingDone 频率槽取该值时本轮剖析结束
	ProfilingDone = math.MaxInt32

	QuickProfileFrequency = 2
	QuickProfileCount     = 100
)

// 回边越多，窗口越大
var (
	profilingFrequencyTable = [MaxBackEdges + 1]int32{
		19, 29, 47, 47, 47, 53, 53, 53, 53, 59, 59, 59, 59, 61, 61, 61, 67,
	}
	profilingCountTable = [MaxBackEdges + 1]int32{
		100, 250, 500, 500, 500, 1000, 1000, 1000, 1000, 1250, 1250, 1250, 1250, 1500, 1500, 1500, 2000,
	}
)

// ProfilingFrequency 按回边数查表
func ProfilingFrequency(backEdges int) int32 {
	return profilingFrequencyTable[clampBackEdges(backEdges)]
}

// ProfilingCount 按回边数查表
func ProfilingCount(backEdges int) int32 {
	return profilingCountTable[clampBackEdges(backEdges)]
}

func clampBackEdges(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxBackEdges {
		return MaxBackEdges
	}
	return n
}

// ============================================================================
// ProfileInfo
// ============================================================================

// ProfileInfo 持久剖析快照
type ProfileInfo struct {
	refs uatomic.Int32

	blockFreq *BlockFrequencyInfo

	profilingFrequency []int32
	profilingCount     []int32
	recompCounter      []int32
	frequency, count   int32
}

// NewProfileInfo 创建快照，初始引用数为 0
func NewProfileInfo() *ProfileInfo {
	return &ProfileInfo{}
}

// IncRef 增加引用
func (p *ProfileInfo) IncRef() { p.refs.Inc() }

// DecRef 减少引用，返回剩余引用数
func (p *ProfileInfo) DecRef() int32 { return p.refs.Dec() }

// Refs 当前引用数
func (p *ProfileInfo) Refs() int32 { return p.refs.Load() }

// SetBlockFrequencyInfo 绑定块频率信息
func (p *ProfileInfo) SetBlockFrequencyInfo(f *BlockFrequencyInfo) { p.blockFreq = f }

// BlockFrequency 块频率信息（可能为 nil）
func (p *ProfileInfo) BlockFrequency() *BlockFrequencyInfo { return p.blockFreq }

// AllocateProfilingTables 分配每轮的频率和计数槽位
func (p *ProfileInfo) AllocateProfilingTables(frequency, count int32) {
	p.frequency, p.count = frequency, count
	p.profilingFrequency = make([]int32, ProfilingInvocationCount)
	p.profilingCount = make([]int32, ProfilingInvocationCount)
	for i := range ProfilingInvocationCount {
		p.profilingFrequency[i] = frequency
		p.profilingCount[i] = count
	}
	p.recompCounter = []int32{ProfilingInvocationCount - 1}
}

// FrequencyArray 每轮频率槽位
func (p *ProfileInfo) FrequencyArray() []int32 { return p.profilingFrequency }

// CountArray 每轮计数槽位
func (p *ProfileInfo) CountArray() []int32 { return p.profilingCount }

// RecompilationCounter 轮次计数器（单元素）
func (p *ProfileInfo) RecompilationCounter() []int32 { return p.recompCounter }

// ProfilingFrequency 分配时使用的频率
func (p *ProfileInfo) ProfilingFrequency() int32 { return p.frequency }

// ProfilingCount 分配时使用的计数
func (p *ProfileInfo) ProfilingCount() int32 { return p.count }

// ProfilingComplete 所有剖析轮次已结束
func (p *ProfileInfo) ProfilingComplete() bool {
	return p.recompCounter != nil && LoadCounter(p.recompCounter, 0) < 0
}
