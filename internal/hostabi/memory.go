package hostabi

import (
	"encoding/binary"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v37"
)

// MemorySlice represents an underlying slice of memory from a wasm
// program.
type MemorySlice interface {
	Data() []byte
	Len() int
	Cap() int
}

// ByteMemory is a MemorySlice used by tests to write directly into a
// plain byte slice.
type ByteMemory []byte

func (m ByteMemory) Data() []byte { return m }
func (m ByteMemory) Len() int     { return len(m) }
func (m ByteMemory) Cap() int     { return cap(m) }

// wasmMemory wraps a wasmtime.Memory, rebuilding its cached slice only
// when the linear memory has grown.
type wasmMemory struct {
	mem   *wasmtime.Memory
	slice []byte
}

func (m *wasmMemory) Data() []byte {
	if m.slice != nil && cap(m.slice) == int(m.mem.DataSize()) {
		return m.slice
	}
	m.slice = m.mem.UnsafeData()
	return m.slice
}

func (m *wasmMemory) Len() int { return len(m.Data()) }
func (m *wasmMemory) Cap() int { return cap(m.Data()) }

// NewWasmMemory wraps a live instance's exported memory.
func NewWasmMemory(mem *wasmtime.Memory) *Memory {
	return &Memory{MemorySlice: &wasmMemory{mem: mem}}
}

// Memory adds convenience, bounds-checked accessors over a MemorySlice.
// Every host function in this package goes through Memory rather than
// touching linear memory directly, so "read past memory" and "allocator
// failure" have exactly one place they're detected: any such condition
// returns InvalidMemoryAccess and never traps.
type Memory struct {
	MemorySlice
}

// ErrOutOfBounds is returned by the bounds-checked accessors below; hostabi
// callers map it to wire.StatusInvalidMemoryAccess.
var ErrOutOfBounds = fmt.Errorf("hostabi: memory access out of bounds")

func (m *Memory) bounds(offset int64, size int) ([]byte, error) {
	data := m.Data()
	if offset < 0 || size < 0 || offset+int64(size) > int64(len(data)) {
		return nil, ErrOutOfBounds
	}
	return data, nil
}

// ReadBytes returns a copy of size bytes at offset, bounds-checked.
func (m *Memory) ReadBytes(offset int64, size int) ([]byte, error) {
	data, err := m.bounds(offset, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, data[offset:offset+int64(size)])
	return out, nil
}

// WriteBytes writes p at offset, bounds-checked.
func (m *Memory) WriteBytes(p []byte, offset int64) error {
	data, err := m.bounds(offset, len(p))
	if err != nil {
		return err
	}
	copy(data[offset:], p)
	return nil
}

func (m *Memory) ReadUint32(offset int64) (uint32, error) {
	data, err := m.bounds(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data[offset:]), nil
}

func (m *Memory) ReadUint64(offset int64) (uint64, error) {
	data, err := m.bounds(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data[offset:]), nil
}

func (m *Memory) PutUint32(v uint32, offset int64) error {
	data, err := m.bounds(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data[offset:], v)
	return nil
}

func (m *Memory) PutUint64(v uint64, offset int64) error {
	data, err := m.bounds(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[offset:], v)
	return nil
}

func (m *Memory) PutInt32(v int32, offset int64) error {
	return m.PutUint32(uint32(v), offset)
}

// Allocator is the module export used to obtain a linear-memory offset for
// a variable-sized host-function result: proxy_on_memory_allocate if the
// module exports it, else malloc.
type Allocator func(size int32) (int32, error)

// WriteOut implements the host ABI's standard variable-sized-result
// convention: allocate len(data) bytes via alloc, write data there, then
// write the little-endian (offset, size) pair at the two caller-supplied
// out-pointers.
func (m *Memory) WriteOut(alloc Allocator, data []byte, outDataPtr, outSizePtr int32) error {
	if len(data) == 0 {
		if err := m.PutUint32(0, int64(outDataPtr)); err != nil {
			return err
		}
		return m.PutUint32(0, int64(outSizePtr))
	}
	offset, err := alloc(int32(len(data)))
	if err != nil {
		return ErrOutOfBounds
	}
	if err := m.WriteBytes(data, int64(offset)); err != nil {
		return err
	}
	if err := m.PutUint32(uint32(offset), int64(outDataPtr)); err != nil {
		return err
	}
	return m.PutUint32(uint32(len(data)), int64(outSizePtr))
}
