// lookup.go - PC 到编译体的查找
//
// 采样线程拿到的是线程当前的 PC，需要找到 PC 所在的编译体。
// 有序区间表做二分查找，前面加一层 LRU，热点 PC 反复命中时不再二分。

package jit

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
	uatomic "go.uber.org/atomic"

	"github.com/tangzhangming/recomp/internal/jit/persist"
)

// hashPC freelru 的哈希回调
func hashPC(pc uintptr) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(pc))
	return uint32(xxh3.Hash(b[:]))
}

type codeRange struct {
	start, end uintptr
	body       persist.BodyID
}

// BodyLookup PC 到编译体的映射
type BodyLookup struct {
	mu     sync.RWMutex
	ranges []codeRange // 按 start 排序，互不重叠

	cache *freelru.SyncedLRU[uintptr, persist.BodyID]

	hits, misses uatomic.Uint64
}

// NewBodyLookup 创建查找表，size 为 LRU 容量
func NewBodyLookup(size uint32) (*BodyLookup, error) {
	cache, err := freelru.NewSynced[uintptr, persist.BodyID](size, hashPC)
	if err != nil {
		return nil, err
	}
	return &BodyLookup{cache: cache}, nil
}

// Add 登记编译体的代码区间 [start, end)
func (l *BodyLookup) Add(start, end uintptr, body persist.BodyID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].start >= start })
	l.ranges = append(l.ranges, codeRange{})
	copy(l.ranges[i+1:], l.ranges[i:])
	l.ranges[i] = codeRange{start: start, end: end, body: body}
}

// Remove 删除编译体的区间
// 区间的地址可能被新的编译体复用，LRU 整体清空
func (l *BodyLookup) Remove(body persist.BodyID) bool {
	l.mu.Lock()
	removed := false
	kept := l.ranges[:0]
	for _, r := range l.ranges {
		if r.body == body {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	l.ranges = kept
	l.mu.Unlock()

	if removed {
		l.cache.Purge()
	}
	return removed
}

// Find 查找 PC 所在的编译体
func (l *BodyLookup) Find(pc uintptr) (persist.BodyID, bool) {
	if id, ok := l.cache.Get(pc); ok {
		l.hits.Inc()
		return id, true
	}
	l.misses.Inc()
	l.mu.RLock()
	i := sort.Search(len(l.ranges), func(i int) bool { return l.ranges[i].end > pc })
	found := i < len(l.ranges) && l.ranges[i].start <= pc
	var id persist.BodyID
	if found {
		id = l.ranges[i].body
	}
	l.mu.RUnlock()

	if !found {
		return persist.InvalidBody, false
	}
	l.cache.Add(pc, id)
	return id, true
}

// Len 区间数
func (l *BodyLookup) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ranges)
}

// CacheStats LRU 命中和未命中次数
func (l *BodyLookup) CacheStats() (hits, misses uint64) {
	return l.hits.Load(), l.misses.Load()
}
