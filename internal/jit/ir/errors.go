package ir

import (
	"errors"
	"fmt"
)

// ErrMalformedCFG 控制流图违反插桩所需的结构约束
var ErrMalformedCFG = errors.New("malformed control flow graph")

// InvariantError 结构约束违例，调用方应放弃该方法的编译
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMalformedCFG, e.Msg)
}

// Unwrap 支持 errors.Is(err, ErrMalformedCFG)
func (e *InvariantError) Unwrap() error { return ErrMalformedCFG }

func invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// Invariantf 构造结构约束违例
func Invariantf(format string, args ...any) error {
	return invariantf(format, args...)
}
