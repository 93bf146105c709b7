// Package persist 定义跨重编译存活的方法记录与编译体记录
//
// MethodInfo 每个逻辑方法一个，BodyInfo 每个已编译代码体一个。
// 记录由 Arena 持有，其他组件通过 MethodID / BodyID 索引引用，
// 不以共享指针的形式到处传递。
package persist

// ============================================================================
// 热度等级
// ============================================================================

// Hotness 编译体的优化等级
type Hotness int32

const (
	HotnessUnknown Hotness = iota - 1
	NoOpt                  // 不优化
	Cold                   // 冷
	Warm                   // 温
	Hot                    // 热
	VeryHot                // 很热（通常伴随剖析）
	Scorching              // 炽热，最高等级
	numHotness
)

var hotnessNames = [...]string{
	NoOpt:     "noOpt",
	Cold:      "cold",
	Warm:      "warm",
	Hot:       "hot",
	VeryHot:   "veryHot",
	Scorching: "scorching",
}

func (h Hotness) String() string {
	if h < NoOpt || h >= numHotness {
		return "unknown"
	}
	return hotnessNames[h]
}

// Valid 是否为合法等级
func (h Hotness) Valid() bool {
	return h >= NoOpt && h < numHotness
}

// Next 下一个更高等级（最高等级返回自身）
func (h Hotness) Next() Hotness {
	if h+1 >= numHotness {
		return Scorching
	}
	return h + 1
}

// ParseHotness 解析等级名称
func ParseHotness(s string) (Hotness, bool) {
	for i, n := range hotnessNames {
		if n == s {
			return Hotness(i), true
		}
	}
	return HotnessUnknown, false
}
