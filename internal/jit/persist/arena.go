// arena.go - 记录分配区
//
// 所有 MethodInfo / BodyInfo 由 Arena 持有，外部只保存索引。
// 容量用尽时返回 ErrNoPersistentRecord，调用方放弃编译继续解释执行。

package persist

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPersistentRecord 无法分配持久记录
var ErrNoPersistentRecord = errors.New("persist: cannot allocate persistent record")

// MarkOptions MarkRecompiled 的选项
type MarkOptions struct {
	// DropStickyFlags 新等级不沿用旧编译体的永久标志
	DropStickyFlags bool
}

// Arena 记录分配区
type Arena struct {
	mu         sync.RWMutex
	methods    []*MethodInfo
	bodies     []*BodyInfo
	freeBodies []BodyID
	byName     map[string]MethodID
	maxMethods int
	maxBodies  int
}

// NewArena 创建分配区，容量为 0 表示不限
func NewArena(maxMethods, maxBodies int) *Arena {
	return &Arena{
		byName:     make(map[string]MethodID),
		maxMethods: maxMethods,
		maxBodies:  maxBodies,
	}
}

// MethodFor 取得或创建方法记录
func (a *Arena) MethodFor(name string) (*MethodInfo, error) {
	a.mu.RLock()
	id, ok := a.byName[name]
	a.mu.RUnlock()
	if ok {
		return a.Method(id), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byName[name]; ok {
		return a.methods[id], nil
	}
	if a.maxMethods > 0 && len(a.byName) >= a.maxMethods {
		return nil, fmt.Errorf("method %s: %w", name, ErrNoPersistentRecord)
	}
	id = MethodID(len(a.methods))
	m := newMethodInfo(id, name)
	a.methods = append(a.methods, m)
	a.byName[name] = id
	return m, nil
}

// Method 按索引取方法记录，已回收返回 nil
func (a *Arena) Method(id MethodID) *MethodInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(id) >= len(a.methods) {
		return nil
	}
	return a.methods[id]
}

// NewBody 为方法创建编译体记录
func (a *Arena) NewBody(method MethodID, cfg BodyConfig) (*BodyInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(method) >= len(a.methods) || a.methods[method] == nil {
		return nil, fmt.Errorf("persist: unknown method %d", method)
	}
	var id BodyID
	if n := len(a.freeBodies); n > 0 {
		id = a.freeBodies[n-1]
		a.freeBodies = a.freeBodies[:n-1]
	} else {
		if a.maxBodies > 0 && len(a.bodies) >= a.maxBodies {
			return nil, fmt.Errorf("body for method %d: %w", method, ErrNoPersistentRecord)
		}
		id = BodyID(len(a.bodies))
		a.bodies = append(a.bodies, nil)
	}
	b := newBodyInfo(id, method, cfg)
	a.bodies[id] = b
	return b, nil
}

// Body 按索引取编译体记录，已回收返回 nil
func (a *Arena) Body(id BodyID) *BodyInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(id) >= len(a.bodies) {
		return nil
	}
	return a.bodies[id]
}

// MethodOf 编译体所属方法
func (a *Arena) MethodOf(b *BodyInfo) *MethodInfo {
	return a.Method(b.method)
}

// Install 把编译体设为方法的当前编译体（第一次编译）
func (a *Arena) Install(b *BodyInfo) {
	m := a.Method(b.method)
	m.currentBody.Store(uint32(b.id))
	m.clearTransient()
}

// MarkRecompiled 新编译体取代旧编译体
//
// 新编译体成为当前编译体，旧编译体被标记为失效；
// 除非 opts.DropStickyFlags，旧编译体的永久标志复制到新编译体。
func (a *Arena) MarkRecompiled(old, nw BodyID, opts MarkOptions) error {
	ob, nb := a.Body(old), a.Body(nw)
	if ob == nil || nb == nil {
		return fmt.Errorf("persist: mark recompiled %d -> %d: unknown body", old, nw)
	}
	if ob.method != nb.method {
		return fmt.Errorf("persist: mark recompiled %d -> %d: bodies belong to different methods", old, nw)
	}
	if !opts.DropStickyFlags {
		nb.SetFlag(ob.Flags()&stickyBodyFlags, true)
	}
	ob.SetFlag(BodyIsInvalidated, true)

	m := a.Method(nb.method)
	m.currentBody.Store(uint32(nw))
	m.clearTransient()
	if p := nb.profile; p != nil {
		m.SetRecentProfileInfo(p)
	}
	return nil
}

// ReleaseBody 回收编译体记录，只能在确认没有线程停留在旧代码之后调用
func (a *Arena) ReleaseBody(id BodyID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(id) >= len(a.bodies) || a.bodies[id] == nil {
		return
	}
	if p := a.bodies[id].profile; p != nil {
		p.DecRef()
	}
	a.bodies[id] = nil
	a.freeBodies = append(a.freeBodies, id)
}

// ReleaseMethod 方法不可达时回收方法记录
func (a *Arena) ReleaseMethod(id MethodID) {
	a.mu.Lock()
	if int(id) >= len(a.methods) || a.methods[id] == nil {
		a.mu.Unlock()
		return
	}
	m := a.methods[id]
	a.methods[id] = nil
	delete(a.byName, m.name)
	a.mu.Unlock()
	m.releaseProfiles()
}

// Stats 记录数统计
func (a *Arena) Stats() (methods, bodies int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byName), len(a.bodies) - len(a.freeBodies)
}
