//go:build unix

package jit

import (
	"golang.org/x/sys/unix"
)

// mapCode 映射可执行内存（Unix/Linux/macOS）
func mapCode(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)
	return unix.Mmap(-1, 0, alignedSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// unmapCode 解除映射
func unmapCode(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
