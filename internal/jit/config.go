// config.go - 重编译子系统配置
//
// 配置文件为 TOML，分为以下几节：
//   [counting]    调用计数初值和重编译失败后的重置值
//   [sampling]    采样线程的间隔和每次递减量
//   [jprofiling]  块计数器重编译阈值
//   [profilegen]  双体剖析的表覆盖和节点上限
//   [cache]       代码缓存和 PC 查找缓存容量
// 未出现的字段保持 DefaultConfig 的值。

package jit

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/tangzhangming/recomp/internal/jit/jprofiling"
	"github.com/tangzhangming/recomp/internal/jit/platform"
	"github.com/tangzhangming/recomp/internal/jit/profilegen"
)

// ConfigFileName 默认配置文件名
const ConfigFileName = "recomp.toml"

// Config 重编译子系统配置
type Config struct {
	// Arch 桩代码的目标架构，空表示当前进程的架构
	Arch string `toml:"arch"`
	// Strategy 插桩策略：auto / jprofiling / profilegen / none
	Strategy string `toml:"strategy"`
	// Workers 编译线程数
	Workers int `toml:"workers"`
	// QueueSize 重编译请求队列长度
	QueueSize int `toml:"queue_size"`
	// Trace 输出规划和生成过程
	Trace bool `toml:"trace"`

	Counting   CountingConfig   `toml:"counting"`
	Sampling   SamplingConfig   `toml:"sampling"`
	JProfiling JProfilingConfig `toml:"jprofiling"`
	ProfileGen ProfileGenConfig `toml:"profilegen"`
	Cache      CacheConfig      `toml:"cache"`
}

// CountingConfig 调用计数
type CountingConfig struct {
	InitialCount int32 `toml:"initial_count"`
	// FailedRecompileCounter 重编译失败后旧编译体计数器的重置值
	FailedRecompileCounter int32 `toml:"failed_recompile_counter"`
}

// SamplingConfig 采样
type SamplingConfig struct {
	InitialCount int32 `toml:"initial_count"`
	IntervalMS   int   `toml:"interval_ms"`
	Delta        int32 `toml:"delta"`
	// ScorchingSamples 最高等级编译体连续多少次采样后放弃继续升级
	ScorchingSamples int32 `toml:"scorching_samples"`
}

// JProfilingConfig 块计数器
type JProfilingConfig struct {
	NestedLoopThreshold   int32 `toml:"nested_loop_threshold"`
	LoopThreshold         int32 `toml:"loop_threshold"`
	StraightLineThreshold int32 `toml:"straight_line_threshold"`
	CompileThreshold      int32 `toml:"compile_threshold"`
}

// ProfileGenConfig 双体剖析
type ProfileGenConfig struct {
	NodeCeiling  int   `toml:"node_ceiling"`
	Frequency    int32 `toml:"frequency"`
	Count        int32 `toml:"count"`
	QuickProfile bool  `toml:"quick_profile"`
}

// CacheConfig 缓存容量
type CacheConfig struct {
	CodeCacheSize   int    `toml:"code_cache_size"`
	LookupCacheSize uint32 `toml:"lookup_cache_size"`
	MaxMethods      int    `toml:"max_methods"`
	MaxBodies       int    `toml:"max_bodies"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	jp := jprofiling.DefaultOptions()
	return &Config{
		Strategy:  "auto",
		Workers:   2,
		QueueSize: 256,
		Counting: CountingConfig{
			InitialCount:           1000,
			FailedRecompileCounter: 10000,
		},
		Sampling: SamplingConfig{
			InitialCount:     30,
			IntervalMS:       10,
			Delta:            1,
			ScorchingSamples: 16,
		},
		JProfiling: JProfilingConfig{
			NestedLoopThreshold:   jp.NestedLoopThreshold,
			LoopThreshold:         jp.LoopThreshold,
			StraightLineThreshold: jp.StraightLineThreshold,
			CompileThreshold:      jp.CompileThreshold,
		},
		ProfileGen: ProfileGenConfig{
			NodeCeiling: profilegen.DefaultNodeCeiling,
		},
		Cache: CacheConfig{
			CodeCacheSize:   1 << 20,
			LookupCacheSize: 1024,
		},
	}
}

// LoadConfig 从文件加载配置，缺省字段取默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig 解析 TOML 配置并校验
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate 校验全部字段，返回所有问题
func (c *Config) Validate() error {
	var err error
	if c.Arch != "" {
		if _, perr := platform.ParseArch(c.Arch); perr != nil {
			err = multierr.Append(err, perr)
		}
	}
	if _, serr := ParseStrategy(c.Strategy); serr != nil {
		err = multierr.Append(err, serr)
	}
	positive := []struct {
		name string
		v    int64
	}{
		{"workers", int64(c.Workers)},
		{"queue_size", int64(c.QueueSize)},
		{"counting.initial_count", int64(c.Counting.InitialCount)},
		{"counting.failed_recompile_counter", int64(c.Counting.FailedRecompileCounter)},
		{"sampling.initial_count", int64(c.Sampling.InitialCount)},
		{"sampling.interval_ms", int64(c.Sampling.IntervalMS)},
		{"sampling.delta", int64(c.Sampling.Delta)},
		{"jprofiling.nested_loop_threshold", int64(c.JProfiling.NestedLoopThreshold)},
		{"jprofiling.loop_threshold", int64(c.JProfiling.LoopThreshold)},
		{"jprofiling.straight_line_threshold", int64(c.JProfiling.StraightLineThreshold)},
		{"jprofiling.compile_threshold", int64(c.JProfiling.CompileThreshold)},
		{"profilegen.node_ceiling", int64(c.ProfileGen.NodeCeiling)},
		{"cache.code_cache_size", int64(c.Cache.CodeCacheSize)},
		{"cache.lookup_cache_size", int64(c.Cache.LookupCacheSize)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			err = multierr.Append(err, fmt.Errorf("config: %s must be positive, got %d", p.name, p.v))
		}
	}
	if c.ProfileGen.Frequency < 0 || c.ProfileGen.Count < 0 {
		err = multierr.Append(err, fmt.Errorf("config: profilegen frequency/count must not be negative"))
	}
	if c.Cache.MaxMethods < 0 || c.Cache.MaxBodies < 0 {
		err = multierr.Append(err, fmt.Errorf("config: cache.max_methods/max_bodies must not be negative"))
	}
	return err
}

// TargetArch 桩代码的目标架构
func (c *Config) TargetArch() (platform.Arch, error) {
	if c.Arch == "" {
		if a := platform.HostArch(); a != platform.ArchUnknown {
			return a, nil
		}
		return platform.ArchAMD64, nil
	}
	return platform.ParseArch(c.Arch)
}

// SamplingInterval 采样间隔
func (c *Config) SamplingInterval() time.Duration {
	return time.Duration(c.Sampling.IntervalMS) * time.Millisecond
}

// JProfilingOptions 块计数器规划选项
func (c *Config) JProfilingOptions() jprofiling.Options {
	return jprofiling.Options{
		Trace:                 c.Trace,
		CompileThreshold:      c.JProfiling.CompileThreshold,
		NestedLoopThreshold:   c.JProfiling.NestedLoopThreshold,
		LoopThreshold:         c.JProfiling.LoopThreshold,
		StraightLineThreshold: c.JProfiling.StraightLineThreshold,
	}
}

// ProfileGenOptions 双体剖析选项
func (c *Config) ProfileGenOptions() profilegen.Options {
	return profilegen.Options{
		NodeCeiling:  c.ProfileGen.NodeCeiling,
		Frequency:    c.ProfileGen.Frequency,
		Count:        c.ProfileGen.Count,
		QuickProfile: c.ProfileGen.QuickProfile,
		Trace:        c.Trace,
	}
}

// String 调试输出
func (c *Config) String() string {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config(%v)", err)
	}
	return strings.TrimSpace(string(data))
}
