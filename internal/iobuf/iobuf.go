// Package iobuf implements the scatter/gather I/O buffer façade spec.md §6 describes the SD
// library expecting from the memory manager: validate/map/copy/flush operations over a list of
// physically-contiguous fragments. The memory manager itself is out of scope (spec.md §1); this
// package is a simulated stand-in grounded the way the teacher simulates memory-mapped devices in
// internal/vm/mem.go -- a small, self-contained façade good enough to drive and test the DMA and
// polled I/O paths against.
package iobuf

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfRange is returned by Copy when an offset/size pair overruns a buffer's backing
	// storage.
	ErrOutOfRange = errors.New("iobuf: offset/size out of range")

	// ErrConstraint is returned by Validate when a buffer violates the requested physical-range
	// or alignment constraints and remapping was not permitted.
	ErrConstraint = errors.New("iobuf: buffer fails validation constraints")
)

// Fragment is one physically-contiguous piece of a Buffer.
type Fragment struct {
	VirtualAddress  uintptr
	PhysicalAddress uint64
	Size            int
}

// FlushKind distinguishes the three cache-maintenance operations the façade exposes, recorded here
// so tests can assert which flush a code path performed without depending on real cache hardware.
type FlushKind int

const (
	FlushForDataIn FlushKind = iota
	FlushForDataOut
	FlushToPointOfUnification
)

func (k FlushKind) String() string {
	switch k {
	case FlushForDataIn:
		return "ForDataIn"
	case FlushForDataOut:
		return "ForDataOut"
	case FlushToPointOfUnification:
		return "ToPointOfUnification"
	default:
		return "Flush(?)"
	}
}

// FlushRecord is one call observed by a Buffer's flush methods.
type FlushRecord struct {
	Kind            FlushKind
	VirtualAddress  uintptr
	Size            int
}

// Buffer is a scatter/gather I/O buffer: a backing byte slice sliced into Fragments, a current
// offset, and a log of flush operations performed against it (for test observability; a real
// memory manager would instead issue architecture cache-maintenance instructions).
type Buffer struct {
	mu sync.Mutex

	data      []byte
	fragments []Fragment
	offset    int
	mapped    bool
	freed     bool
	flushes   []FlushRecord
}

// New creates a Buffer over data, split into fragments of at most fragmentSize bytes each,
// assigned increasing simulated physical addresses starting at physBase. A fragmentSize of zero or
// greater than len(data) yields a single fragment, i.e. a physically-contiguous buffer.
func New(data []byte, physBase uint64, fragmentSize int) *Buffer {
	if fragmentSize <= 0 || fragmentSize > len(data) {
		fragmentSize = len(data)
	}

	b := &Buffer{data: data}

	phys := physBase
	for off := 0; off < len(data); off += fragmentSize {
		size := fragmentSize
		if off+size > len(data) {
			size = len(data) - off
		}

		b.fragments = append(b.fragments, Fragment{
			VirtualAddress:  uintptr(off + 1), // offset into data, biased away from 0 for realism
			PhysicalAddress: phys,
			Size:            size,
		})

		phys += uint64(size)
	}

	if len(b.fragments) == 0 {
		b.fragments = []Fragment{{VirtualAddress: 1, PhysicalAddress: physBase, Size: 0}}
	}

	return b
}

// Len returns the buffer's total size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the buffer's backing storage. Callers in this module only ever hold one Buffer per
// in-flight operation, so this is safe without further locking for the simulated façade.
func (b *Buffer) Bytes() []byte { return b.data }

// Fragments returns a copy of the buffer's fragment list.
func (b *Buffer) Fragments() []Fragment {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Fragment, len(b.fragments))
	copy(out, b.fragments)

	return out
}

// GetCurrentOffset returns the buffer's current logical offset, the position Map/Validate callers
// resume scatter iteration from.
func (b *Buffer) GetCurrentOffset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.offset
}

// SetCurrentOffset updates the buffer's current logical offset.
func (b *Buffer) SetCurrentOffset(off int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.offset = off
}

// Validate checks every fragment against the requested physical-address range and alignment. If a
// fragment violates the constraint and allowRemap is true, Validate allocates and returns a new,
// single-fragment bounce buffer of the same size that satisfies the constraints; the caller is
// responsible for copying data in/out of it (spec.md §4.5 DMA path step 1). If allowRemap is false,
// or no bounce buffer can satisfy the request (size awkwardly large for the window), Validate
// returns ErrConstraint.
func (b *Buffer) Validate(minPhysicalAddress, maxPhysicalAddress uint64, alignment, size int, allowRemap bool) (*Buffer, bool, error) {
	b.mu.Lock()
	fragments := make([]Fragment, len(b.fragments))
	copy(fragments, b.fragments)
	b.mu.Unlock()

	ok := true

	for _, f := range fragments {
		if f.Size == 0 {
			continue
		}

		if f.PhysicalAddress < minPhysicalAddress || f.PhysicalAddress+uint64(f.Size) > maxPhysicalAddress {
			ok = false
			break
		}

		if alignment > 0 && f.PhysicalAddress%uint64(alignment) != 0 {
			ok = false
			break
		}
	}

	if ok {
		return b, false, nil
	}

	if !allowRemap {
		return nil, false, fmt.Errorf("%w: fragment outside [%#x,%#x) or misaligned to %d",
			ErrConstraint, minPhysicalAddress, maxPhysicalAddress, alignment)
	}

	if uint64(size) > maxPhysicalAddress-minPhysicalAddress {
		return nil, false, fmt.Errorf("%w: requested size %d too large for window", ErrConstraint, size)
	}

	bounce := New(make([]byte, size), minPhysicalAddress, size)

	return bounce, true, nil
}

// Map marks the buffer mapped for I/O. flags is opaque to the simulated façade (a real memory
// manager distinguishes e.g. read/write/executable mappings); it exists so call sites match the
// façade's signature.
func (b *Buffer) Map(flags int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return fmt.Errorf("iobuf: map: buffer already freed")
	}

	b.mapped = true

	return nil
}

// Free releases the buffer. A freed buffer must not be used again.
func (b *Buffer) Free() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.freed = true
	b.mapped = false
}

// Copy copies size bytes from src[srcOffset:] into dst[dstOffset:].
func Copy(dst *Buffer, dstOffset int, src *Buffer, srcOffset int, size int) error {
	if dstOffset < 0 || srcOffset < 0 || size < 0 {
		return ErrOutOfRange
	}

	if dstOffset+size > len(dst.data) || srcOffset+size > len(src.data) {
		return ErrOutOfRange
	}

	copy(dst.data[dstOffset:dstOffset+size], src.data[srcOffset:srcOffset+size])

	return nil
}

func (b *Buffer) flush(kind FlushKind, va uintptr, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushes = append(b.flushes, FlushRecord{Kind: kind, VirtualAddress: va, Size: size})
}

// FlushForDataIn flushes the range so a DMA read's freshly-written data becomes visible to the CPU.
func (b *Buffer) FlushForDataIn(va uintptr, size int) { b.flush(FlushForDataIn, va, size) }

// FlushForDataOut flushes the range so a DMA write sees data the CPU wrote.
func (b *Buffer) FlushForDataOut(va uintptr, size int) { b.flush(FlushForDataOut, va, size) }

// FlushToPointOfUnification flushes the range to the point of unification, required before bytes
// DMA'd into memory can later be executed.
func (b *Buffer) FlushToPointOfUnification(va uintptr, size int) {
	b.flush(FlushToPointOfUnification, va, size)
}

// Flushes returns a copy of the flush log, for test assertions.
func (b *Buffer) Flushes() []FlushRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]FlushRecord, len(b.flushes))
	copy(out, b.flushes)

	return out
}
