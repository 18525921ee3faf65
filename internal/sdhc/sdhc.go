// Package sdhc declares the controller façade spec.md §6 expects of the SD host controller
// library: the narrow set of operations the SD bus/slot/disk driver core calls to drive an actual
// controller. The controller library itself is out of scope (spec.md §1); this package also
// provides a simulated controller (Simulated) good enough to exercise every operation the driver
// core performs against it, grounded the way the teacher simulates a hardware peripheral behind a
// narrow driver interface (internal/vm/kbd.go, internal/vm/devices.go's DisplayDriver).
package sdhc

import (
	"context"
	"errors"
)

// Status mirrors the small error vocabulary spec.md §6/§7 requires a controller to surface.
type Status int

const (
	Success Status = iota
	NoMedia
	Timeout
	InvalidParameter
	InsufficientResources
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case NoMedia:
		return "NoMedia"
	case Timeout:
		return "Timeout"
	case InvalidParameter:
		return "InvalidParameter"
	case InsufficientResources:
		return "InsufficientResources"
	default:
		return "Status(?)"
	}
}

func (s Status) OK() bool { return s == Success }

// Capability bits a controller instance is initialized with (spec.md §4.4 StartDevice).
type Capability uint32

const (
	AutoCmd12         Capability = 1 << iota
	FourBitBus
	Response136Shifted
)

// MediaChangeFunc is the callback a controller invokes, at dispatch scheduling level, when it
// observes a card removed or inserted.
type MediaChangeFunc func(removal, insertion bool)

// DmaCompletionFunc is the callback a controller invokes, at dispatch scheduling level, when a DMA
// chunk finishes.
type DmaCompletionFunc func(ctx any, status Status, bytesCompleted int64)

// Init carries the parameters Create expects (spec.md §6).
type Init struct {
	ConsumerContext   any
	ControllerBase    uintptr
	Capabilities      Capability
	MediaChangeCallback MediaChangeFunc
}

// Controller is the façade the SD driver core depends on. A Simulated value implements it for
// tests and for the cmd/sdsim harness; a real controller library would implement it against actual
// host-controller registers.
type Controller interface {
	Initialize(ctx context.Context, resetHardware bool) Status
	GetMediaParameters(ctx context.Context) (blockCount uint64, blockSize uint32, status Status)
	InitializeDma(ctx context.Context) Status
	BlockIoPolled(ctx context.Context, blockOffset uint64, blockCount uint32, va uintptr, write bool) Status
	BlockIoDma(ctx context.Context, blockOffset uint64, blockCount uint32, bufferHandle any, bufferOffset int, write bool, cb DmaCompletionFunc, cbCtx any)
	AbortTransaction(ctx context.Context, synchronous bool) Status
	SetCriticalMode(enabled bool)
	InterruptService() (claimed bool)
	SetInterruptHandle(handle any)
	EnableDma(enabled bool)
	Destroy()
}

// ErrNotImplemented is returned by façade stubs a particular Controller implementation chooses not
// to support.
var ErrNotImplemented = errors.New("sdhc: not implemented")
