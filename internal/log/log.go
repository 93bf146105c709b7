// Package log 提供进程级的结构化日志
//
// 所有组件通过本包输出日志，底层使用 zap。
// 默认输出到 stderr，级别为 Info；测试和命令行工具可以通过 SetLogger / SetLevel 替换。
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// level 全局日志级别（可动态调整）
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// globalLogger 全局日志器
var globalLogger = func() *atomic.Pointer[zap.SugaredLogger] {
	p := new(atomic.Pointer[zap.SugaredLogger])
	p.Store(newDefault())
	return p
}()

func newDefault() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// SetLogger 替换全局日志器
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	globalLogger.Store(l.Sugar())
}

// SetLevel 设置默认日志器的级别
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// SetDebugLogger 打开调试级别输出
func SetDebugLogger() {
	SetLevel(zapcore.DebugLevel)
}

// Logger 返回当前日志器
func Logger() *zap.SugaredLogger {
	return globalLogger.Load()
}

// Debugf 调试信息（规划器跟踪等）
func Debugf(msg string, args ...any) {
	Logger().Debugf(msg, args...)
}

// Infof 一般状态信息
func Infof(msg string, args ...any) {
	Logger().Infof(msg, args...)
}

// Warnf 可恢复的异常状态（放弃重编译、放弃剖析）
func Warnf(msg string, args ...any) {
	Logger().Warnf(msg, args...)
}

// Errorf 错误
func Errorf(msg string, args ...any) {
	Logger().Errorf(msg, args...)
}

// With 返回携带固定字段的日志器
func With(args ...any) *zap.SugaredLogger {
	return Logger().With(args...)
}

// Sync 刷新缓冲
func Sync() {
	_ = Logger().Sync()
}
