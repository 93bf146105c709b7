//go:build !unix && !windows

package jit

// mapCode 没有可执行映射的平台上用普通内存，代码只能被检查不能被执行
func mapCode(size int) ([]byte, error) {
	return make([]byte, (size+4095)&^4095), nil
}

func unmapCode(mem []byte) error { return nil }
