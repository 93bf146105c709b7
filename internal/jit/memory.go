// memory.go - 代码缓存
//
// 代码缓存是一段可执行内存，按 16 字节对齐首次适配分配。
// 被取代的编译体不能立即释放：可能仍有线程停留在旧代码里。
// Retire 记下退役时的安全点纪元，Reclaim 在安全点报告纪元已过后才归还空间。
//
// 安全注意事项：
// - 映射同时具有读、写、执行权限（RWX）
// - 入口补丁区只通过 PatchWord 写入，单条对齐的 64 位原子存储

package jit

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/recomp/internal/jit/persist"
	"github.com/tangzhangming/recomp/internal/log"
)

// codeAlign 分配对齐
const codeAlign = 16

// ErrCodeCacheFull 代码缓存空间不足
var ErrCodeCacheFull = errors.New("jit: code cache full")

// ============================================================================
// 安全点
// ============================================================================

// Safepoint 外部安全点协作方
type Safepoint interface {
	// Epoch 当前纪元
	Epoch() uint64
	// QuiescentSince 自 epoch 以来所有线程是否都经过了安全点
	QuiescentSince(epoch uint64) bool
}

// EpochSafepoint 以单调纪元表达的安全点
// 嵌入方在所有线程都经过一次安全点后调用 Advance
type EpochSafepoint struct {
	epoch uatomic.Uint64
}

// Epoch 当前纪元
func (s *EpochSafepoint) Epoch() uint64 { return s.epoch.Load() }

// Advance 所有线程都经过了安全点，纪元加一
func (s *EpochSafepoint) Advance() uint64 { return s.epoch.Inc() }

// QuiescentSince 纪元已越过 epoch
func (s *EpochSafepoint) QuiescentSince(epoch uint64) bool { return s.epoch.Load() > epoch }

// ============================================================================
// 代码缓存
// ============================================================================

// Allocation 代码缓存中的一段空间
type Allocation struct {
	Addr uintptr
	Size int
}

// End 结束地址（不含）
func (a Allocation) End() uintptr { return a.Addr + uintptr(a.Size) }

type span struct {
	off, size int
}

type retiredRegion struct {
	alloc Allocation
	body  persist.BodyID
	epoch uint64
}

// CodeCache 代码缓存
type CodeCache struct {
	mu      sync.Mutex
	mem     []byte
	base    uintptr
	free    []span // 按偏移排序
	used    int
	retired []retiredRegion
	closed  bool
}

// CodeCacheStats 代码缓存统计
type CodeCacheStats struct {
	Capacity int
	Used     int
	Retired  int
}

// NewCodeCache 映射 size 字节（向上取整到页）的可执行内存
func NewCodeCache(size int) (*CodeCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("jit: code cache size %d", size)
	}
	mem, err := mapCode(size)
	if err != nil {
		return nil, fmt.Errorf("jit: map code cache: %w", err)
	}
	return &CodeCache{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
		free: []span{{0, len(mem)}},
	}, nil
}

// Base 起始地址
func (c *CodeCache) Base() uintptr { return c.base }

// Contains 地址是否在缓存内
func (c *CodeCache) Contains(addr uintptr) bool {
	return addr >= c.base && addr < c.base+uintptr(len(c.mem))
}

// Reserve 分配 size 字节，空间不足返回 ErrCodeCacheFull
func (c *CodeCache) Reserve(size int) (Allocation, error) {
	if size <= 0 {
		return Allocation{}, fmt.Errorf("jit: reserve %d bytes", size)
	}
	size = (size + codeAlign - 1) &^ (codeAlign - 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Allocation{}, fmt.Errorf("jit: code cache closed")
	}
	for i, s := range c.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			c.free = append(c.free[:i], c.free[i+1:]...)
		} else {
			c.free[i] = span{s.off + size, s.size - size}
		}
		c.used += size
		return Allocation{Addr: c.base + uintptr(s.off), Size: size}, nil
	}
	return Allocation{}, fmt.Errorf("reserve %d bytes (%d/%d used): %w", size, c.used, len(c.mem), ErrCodeCacheFull)
}

// Write 把 data 写到 addr
func (c *CodeCache) Write(addr uintptr, data []byte) error {
	off, err := c.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(c.mem[off:], data)
	return nil
}

// Read 读出 addr 起 n 字节的副本
func (c *CodeCache) Read(addr uintptr, n int) ([]byte, error) {
	off, err := c.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), c.mem[off:off+n]...), nil
}

// PatchWord 对齐的 64 位原子存储，任何时刻执行该地址的线程只会看到旧字或新字
func (c *CodeCache) PatchWord(addr uintptr, word uint64) error {
	if addr%8 != 0 {
		return fmt.Errorf("jit: patch word at %#x: unaligned", addr)
	}
	off, err := c.offset(addr, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&c.mem[off])), word)
	return nil
}

// LoadWord 对齐的 64 位原子读取
func (c *CodeCache) LoadWord(addr uintptr) (uint64, error) {
	if addr%8 != 0 {
		return 0, fmt.Errorf("jit: load word at %#x: unaligned", addr)
	}
	off, err := c.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&c.mem[off]))), nil
}

func (c *CodeCache) offset(addr uintptr, n int) (int, error) {
	if n < 0 || !c.Contains(addr) || addr+uintptr(n) > c.base+uintptr(len(c.mem)) {
		return 0, fmt.Errorf("jit: %#x+%d outside code cache [%#x, %#x)", addr, n, c.base, c.base+uintptr(len(c.mem)))
	}
	return int(addr - c.base), nil
}

// Release 立即归还空间，只用于从未发布过的分配
func (c *CodeCache) Release(a Allocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(a)
}

func (c *CodeCache) release(a Allocation) {
	off := int(a.Addr - c.base)
	i := sort.Search(len(c.free), func(i int) bool { return c.free[i].off >= off })
	c.free = append(c.free, span{})
	copy(c.free[i+1:], c.free[i:])
	c.free[i] = span{off, a.Size}
	c.used -= a.Size

	// 与相邻空闲段合并
	if i+1 < len(c.free) && c.free[i].off+c.free[i].size == c.free[i+1].off {
		c.free[i].size += c.free[i+1].size
		c.free = append(c.free[:i+1], c.free[i+2:]...)
	}
	if i > 0 && c.free[i-1].off+c.free[i-1].size == c.free[i].off {
		c.free[i-1].size += c.free[i].size
		c.free = append(c.free[:i], c.free[i+1:]...)
	}
}

// Retire 登记退役的分配，等 epoch 之后的安全点再归还
func (c *CodeCache) Retire(a Allocation, body persist.BodyID, epoch uint64) {
	c.mu.Lock()
	c.retired = append(c.retired, retiredRegion{alloc: a, body: body, epoch: epoch})
	c.mu.Unlock()
}

// Reclaim 归还已越过安全点的退役分配，按退役顺序返回被归还的编译体
// ready 不为 nil 时在归还每个编译体之前调用（不持锁），返回 false 的编译体留到下次
func (c *CodeCache) Reclaim(sp Safepoint, ready func(persist.BodyID) bool) []persist.BodyID {
	c.mu.Lock()
	var candidates []persist.BodyID
	for _, r := range c.retired {
		if sp.QuiescentSince(r.epoch) && !slices.Contains(candidates, r.body) {
			candidates = append(candidates, r.body)
		}
	}
	c.mu.Unlock()

	var bodies []persist.BodyID
	for _, id := range candidates {
		if ready != nil && !ready(id) {
			continue
		}
		c.mu.Lock()
		kept := c.retired[:0]
		for _, r := range c.retired {
			if r.body == id && sp.QuiescentSince(r.epoch) {
				c.release(r.alloc)
				continue
			}
			kept = append(kept, r)
		}
		c.retired = kept
		c.mu.Unlock()
		bodies = append(bodies, id)
	}
	return bodies
}

// Stats 统计
func (c *CodeCache) Stats() CodeCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CodeCacheStats{Capacity: len(c.mem), Used: c.used, Retired: len(c.retired)}
}

// Close 解除映射，之后所有地址都失效
func (c *CodeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if n := len(c.retired); n > 0 {
		log.Debugf("jit: closing code cache with %d retired regions", n)
	}
	err := unmapCode(c.mem)
	c.mem = nil
	c.free = nil
	c.retired = nil
	return err
}
