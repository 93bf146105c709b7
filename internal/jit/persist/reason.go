package persist

// RecompReason 重编译原因，占用 4 位
type RecompReason uint8

const (
	RecompDueToNone RecompReason = iota
	RecompDueToThreshold
	RecompDueToCounterZero
	RecompDueToMegamorphicCallProfile
	RecompDueToEDO // 异常驱动优化
	RecompDueToOptLevelUpgrade
	RecompDueToGCR // GC 触发
	RecompDueToForcedAOTUpgrade
	RecompDueToInlinedMethodRedefinition
	RecompDueToJProfiling
	RecompDueToRecompilationPushing
	RecompDueToRI // 硬件采样
	numRecompReasons
)

// reasonMask 原因字段在打包标志字中的掩码
const reasonMask = 0xF

var reasonNames = [...]string{
	RecompDueToNone:                      "none",
	RecompDueToThreshold:                 "threshold",
	RecompDueToCounterZero:               "counterZero",
	RecompDueToMegamorphicCallProfile:    "megamorphicCallProfile",
	RecompDueToEDO:                       "edo",
	RecompDueToOptLevelUpgrade:           "optLevelUpgrade",
	RecompDueToGCR:                       "gcr",
	RecompDueToForcedAOTUpgrade:          "forcedAOTUpgrade",
	RecompDueToInlinedMethodRedefinition: "inlinedMethodRedefinition",
	RecompDueToJProfiling:                "jprofiling",
	RecompDueToRecompilationPushing:      "recompilationPushing",
	RecompDueToRI:                        "ri",
}

func (r RecompReason) String() string {
	if r >= numRecompReasons {
		return "unknown"
	}
	return reasonNames[r]
}

// KeepsCurrentLevel 该原因触发的重编译是否保持当前等级
// 内联方法被重定义，或者非剖析体中 JProfiling 触发的重编译，都不升级
func (r RecompReason) KeepsCurrentLevel(isProfilingBody bool) bool {
	return r == RecompDueToInlinedMethodRedefinition ||
		(r == RecompDueToJProfiling && !isProfilingBody)
}

// Invalidates 该原因是否意味着旧编译体的假设已失效，而不是普通的升级
func (r RecompReason) Invalidates() bool {
	return r == RecompDueToInlinedMethodRedefinition
}
