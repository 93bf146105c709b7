//go:build windows

package jit

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapCode 分配可执行内存（Windows）
func mapCode(size int) ([]byte, error) {
	// 对齐到分配粒度（64KB）
	const granularity = 64 << 10
	alignedSize := (size + granularity - 1) &^ (granularity - 1)

	addr, err := windows.VirtualAlloc(0, uintptr(alignedSize),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), alignedSize), nil
}

// unmapCode 释放可执行内存
func unmapCode(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
