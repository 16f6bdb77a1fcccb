//go:build wasip1

package guest

import (
	"fmt"
	"sync"
	"unsafe"
)

// MaxTotalAllocations caps the memory the guest hands to the host. It bounds
// linear memory growth when a host leaks allocations.
const MaxTotalAllocations = 64 * 1024 * 1024

// memoryManager pins every buffer the host can address so the Go GC does not
// move or collect it while the host holds the pointer.
var memoryManager = struct {
	sync.Mutex
	ptrs           map[uint32][]byte
	totalAllocated int
}{
	ptrs: make(map[uint32][]byte),
}

// allocate reserves guest memory the host can write into. The host calls it
// for the audio blocks, the event payload, and restored state.
//
//go:wasmexport allocate
func allocate(size uint32) uint32 {
	if size == 0 {
		return 0
	}

	memoryManager.Lock()
	defer memoryManager.Unlock()

	if memoryManager.totalAllocated+int(size) > MaxTotalAllocations {
		panic(fmt.Sprintf("guest: allocation limit exceeded (requested %d, held %d, limit %d)",
			size, memoryManager.totalAllocated, MaxTotalAllocations))
	}

	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	memoryManager.ptrs[ptr] = buf
	memoryManager.totalAllocated += int(size)
	return ptr
}

// deallocate releases a pinned buffer.
//
//go:wasmexport deallocate
func deallocate(ptr uint32) {
	memoryManager.Lock()
	defer memoryManager.Unlock()
	if buf, ok := memoryManager.ptrs[ptr]; ok {
		memoryManager.totalAllocated -= len(buf)
		delete(memoryManager.ptrs, ptr)
	}
}

// pin stores a buffer and returns its packed ptr/len, the return convention
// for describe and plugin_save. The buffer stays pinned until the host
// deallocates it or the next call replaces it.
func pin(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	memoryManager.Lock()
	defer memoryManager.Unlock()
	ptr := uint32(uintptr(unsafe.Pointer(&data[0])))
	memoryManager.ptrs[ptr] = data
	memoryManager.totalAllocated += len(data)
	return packPtrLen(ptr, uint32(len(data)))
}

func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// bytesAt views length bytes of linear memory at ptr. The view aliases guest
// memory; callers must not retain it past the exported call.
func bytesAt(ptr, length uint32) []byte {
	if ptr == 0 || length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

// samplesAt views a channel-major float32 block at ptr. WASM linear memory is
// little-endian, which matches the host's wire layout, so the reinterpretation
// is direct.
func samplesAt(ptr uint32, channels, frames int) [][]float32 {
	flat := unsafe.Slice((*float32)(unsafe.Pointer(uintptr(ptr))), channels*frames)
	block := make([][]float32, channels)
	for ch := range block {
		block[ch] = flat[ch*frames : (ch+1)*frames]
	}
	return block
}
