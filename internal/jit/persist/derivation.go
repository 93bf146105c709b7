// derivation.go - 计数器推导表
//
// 每个块和每条边的频率表示为：若干物理计数器之和 减去 若干物理计数器之和。
// 计数器槽位下标等于被计数块的块号。
// 只含一个块的集合以 (block<<1)|1 的形式内联存放，不分配位图。

package persist

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// CounterSet 计数块集合
type CounterSet struct {
	tagged uint64         // 单元素内联形式，0 表示不用
	bits   *bitset.BitSet // 多元素形式
}

// SingleCounter 只含一个块的集合
func SingleCounter(block int) CounterSet {
	return CounterSet{tagged: uint64(block)<<1 | 1}
}

// IsInline 是否为内联形式
func (s CounterSet) IsInline() bool { return s.tagged&1 != 0 }

// Len 元素个数
func (s CounterSet) Len() int {
	if s.IsInline() {
		return 1
	}
	if s.bits == nil {
		return 0
	}
	return int(s.bits.Count())
}

// IsEmpty 是否为空
func (s CounterSet) IsEmpty() bool { return s.Len() == 0 }

// Contains 是否包含块
func (s CounterSet) Contains(block int) bool {
	if s.IsInline() {
		return int(s.tagged>>1) == block
	}
	return s.bits != nil && s.bits.Test(uint(block))
}

// Each 按块号升序遍历
func (s CounterSet) Each(fn func(block int)) {
	if s.IsInline() {
		fn(int(s.tagged >> 1))
		return
	}
	if s.bits == nil {
		return
	}
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		fn(int(i))
	}
}

// Blocks 转为切片
func (s CounterSet) Blocks() []int {
	var out []int
	s.Each(func(b int) { out = append(out, b) })
	return out
}

// Clone 深拷贝
func (s CounterSet) Clone() CounterSet {
	if s.bits == nil {
		return s
	}
	return CounterSet{bits: s.bits.Clone()}
}

func (s *CounterSet) add(block int) {
	switch {
	case s.IsInline():
		b := bitset.New(uint(block) + 1)
		b.Set(uint(s.tagged >> 1)).Set(uint(block))
		s.tagged, s.bits = 0, b
	case s.bits == nil || s.bits.None():
		s.tagged, s.bits = uint64(block)<<1|1, nil
	default:
		s.bits.Set(uint(block))
	}
}

func (s *CounterSet) remove(block int) {
	if s.IsInline() {
		s.tagged = 0
		return
	}
	s.bits.Clear(uint(block))
	if s.bits.Count() == 1 {
		i, _ := s.bits.NextSet(0)
		s.tagged, s.bits = uint64(i)<<1|1, nil
	}
}

// ============================================================================
// Derivation
// ============================================================================

// Derivation 一个块或一条边的推导式：Add 之和 减 Sub 之和
type Derivation struct {
	Add CounterSet
	Sub CounterSet
}

// Physical 直接读取一个物理计数器
func Physical(block int) Derivation {
	return Derivation{Add: SingleCounter(block)}
}

// IsPhysical 是否就是单个物理计数器
func (d Derivation) IsPhysical() bool {
	return d.Add.IsInline() && d.Sub.IsEmpty()
}

// IsZero 推导式为空（频率恒为 0）
func (d Derivation) IsZero() bool {
	return d.Add.IsEmpty() && d.Sub.IsEmpty()
}

// Clone 深拷贝
func (d Derivation) Clone() Derivation {
	return Derivation{Add: d.Add.Clone(), Sub: d.Sub.Clone()}
}

// Plus 返回 d + o，正负相同的块相互抵消
// 若某个计数器系数会超出 ±1，返回 false
func (d Derivation) Plus(o Derivation) (Derivation, bool) {
	r := d.Clone()
	ok := true
	o.Add.Each(func(b int) { ok = ok && r.addTerm(b, +1) })
	o.Sub.Each(func(b int) { ok = ok && r.addTerm(b, -1) })
	return r, ok
}

// Minus 返回 d - o
func (d Derivation) Minus(o Derivation) (Derivation, bool) {
	return d.Plus(Derivation{Add: o.Sub, Sub: o.Add})
}

func (d *Derivation) addTerm(block, sign int) bool {
	pos, neg := &d.Add, &d.Sub
	if sign < 0 {
		pos, neg = neg, pos
	}
	if neg.Contains(block) {
		neg.remove(block)
		return true
	}
	if pos.Contains(block) {
		return false
	}
	pos.add(block)
	return true
}

// Evaluate 用计数器槽位求值
func (d Derivation) Evaluate(counters []int32) int64 {
	var v int64
	d.Add.Each(func(b int) { v += int64(LoadCounter(counters, b)) })
	d.Sub.Each(func(b int) { v -= int64(LoadCounter(counters, b)) })
	return v
}

// Counters 推导式引用的全部计数块
func (d Derivation) Counters() []int {
	out := d.Add.Blocks()
	return append(out, d.Sub.Blocks()...)
}

func (d Derivation) String() string {
	var sb strings.Builder
	first := true
	d.Add.Each(func(b int) {
		if !first {
			sb.WriteString(" + ")
		}
		fmt.Fprintf(&sb, "c%d", b)
		first = false
	})
	if first {
		sb.WriteString("0")
	}
	d.Sub.Each(func(b int) {
		fmt.Fprintf(&sb, " - c%d", b)
	})
	return sb.String()
}

// ============================================================================
// DerivationTable
// ============================================================================

// DerivationTable 一个方法全部块与边的推导表
// 未能推导的块和边没有条目，不能当作 0
type DerivationTable struct {
	blocks    map[int]Derivation // 块号 -> 推导式
	edges     map[int]Derivation // 边号 -> 推导式
	edgeEnds  map[int][2]int     // 边号 -> (from, to)，用于打印
	counted   []int              // 物理计数块
	numBlocks int
}

// NewDerivationTable 创建空表
func NewDerivationTable(numBlocks int) *DerivationTable {
	return &DerivationTable{
		blocks:    make(map[int]Derivation),
		edges:     make(map[int]Derivation),
		edgeEnds:  make(map[int][2]int),
		numBlocks: numBlocks,
	}
}

// NumBlocks 计数器数组需要的槽位数
func (t *DerivationTable) NumBlocks() int { return t.numBlocks }

// SetCounted 记录物理计数块
func (t *DerivationTable) SetCounted(blocks []int) {
	t.counted = append([]int(nil), blocks...)
}

// Counted 物理计数块
func (t *DerivationTable) Counted() []int { return t.counted }

// SetBlock 设置块的推导式
func (t *DerivationTable) SetBlock(block int, d Derivation) { t.blocks[block] = d }

// SetEdge 设置边的推导式
func (t *DerivationTable) SetEdge(edge, from, to int, d Derivation) {
	t.edges[edge] = d
	t.edgeEnds[edge] = [2]int{from, to}
}

// Block 块的推导式
func (t *DerivationTable) Block(block int) (Derivation, bool) {
	d, ok := t.blocks[block]
	return d, ok
}

// Edge 边的推导式
func (t *DerivationTable) Edge(edge int) (Derivation, bool) {
	d, ok := t.edges[edge]
	return d, ok
}

// BlockFrequency 求块频率，未推导的块返回 false
func (t *DerivationTable) BlockFrequency(block int, counters []int32) (int64, bool) {
	d, ok := t.blocks[block]
	if !ok {
		return 0, false
	}
	return d.Evaluate(counters), true
}

// EdgeFrequency 求边频率
func (t *DerivationTable) EdgeFrequency(edge int, counters []int32) (int64, bool) {
	d, ok := t.edges[edge]
	if !ok {
		return 0, false
	}
	return d.Evaluate(counters), true
}

// Evaluate 求全部已推导块的频率
func (t *DerivationTable) Evaluate(counters []int32) map[int]int64 {
	out := make(map[int]int64, len(t.blocks))
	for b, d := range t.blocks {
		out[b] = d.Evaluate(counters)
	}
	return out
}

// Dump 打印推导表
func (t *DerivationTable) Dump(w io.Writer, counters []int32) {
	fmt.Fprintf(w, "counted blocks: %v\n", t.counted)
	for b := 0; b < t.numBlocks; b++ {
		d, ok := t.blocks[b]
		if !ok {
			continue
		}
		if counters != nil {
			fmt.Fprintf(w, "  block %-4d = %-24s = %d\n", b, d, d.Evaluate(counters))
		} else {
			fmt.Fprintf(w, "  block %-4d = %s\n", b, d)
		}
	}
	for _, e := range slices.Sorted(maps.Keys(t.edges)) {
		d := t.edges[e]
		ends := t.edgeEnds[e]
		if counters != nil {
			fmt.Fprintf(w, "  edge  %-4d (%d->%d) = %-24s = %d\n", e, ends[0], ends[1], d, d.Evaluate(counters))
		} else {
			fmt.Fprintf(w, "  edge  %-4d (%d->%d) = %s\n", e, ends[0], ends[1], d)
		}
	}
}
