package irp

import "fmt"

// MajorCode selects which dispatch-table slot a driver uses to handle an IRP.
type MajorCode int

const (
	StateChange MajorCode = iota
	Open
	Close
	Io
	SystemControl
	UserControl

	numMajorCodes
)

func (m MajorCode) String() string {
	switch m {
	case StateChange:
		return "StateChange"
	case Open:
		return "Open"
	case Close:
		return "Close"
	case Io:
		return "Io"
	case SystemControl:
		return "SystemControl"
	case UserControl:
		return "UserControl"
	default:
		return fmt.Sprintf("MajorCode(%d)", int(m))
	}
}

func (m MajorCode) valid() bool { return m >= StateChange && m < numMajorCodes }

// MinorCode further selects behavior within a major code. The zero value, MinorNone, is used by
// major codes that carry no minor code of their own (Open, Close, Io).
type MinorCode int

const MinorNone MinorCode = 0

// StateChange minor codes.
const (
	QueryResources MinorCode = iota + 1
	StartDevice
	QueryChildren
	RemoveDevice
)

// SystemControl minor codes.
const (
	Lookup MinorCode = iota + 100
	WriteFileProperties
	Delete
	Synchronize
	DeviceInformation
)

// Direction is the IRP's current traversal direction through a device's driver stack.
type Direction int

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Down {
		return "Down"
	}

	return "Up"
}

// Flags records the IRP's progress through a single send cycle. Pending, Complete, and
// DriverStackComplete may only progress forward within a traversal; Initialize clears all of them.
type Flags uint8

const (
	Active Flags = 1 << iota
	Complete
	Pending
	DriverStackComplete
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// OpenParams carries no fields of its own today but exists so Open IRPs have a stable Params type
// to switch on, matching the shape of every other major code.
type OpenParams struct{}

// CloseParams carries no fields of its own.
type CloseParams struct{}

// ReadWriteParams is used by Io major-code IRPs.
type ReadWriteParams struct {
	Write  bool // false = read, true = write
	Offset int64
	Length int64

	// Buffer holds the caller's *iobuf.Buffer. Carried as `any` rather than a concrete type so
	// this package does not need to import internal/iobuf, which has no reason to depend on the
	// IRP engine; the sd package, which imports both, does the type assertion.
	Buffer any

	// Out parameters, filled in by the completing driver.
	BytesCompleted int64
	NewOffset      int64
}

// StateChangeParams carries the StateChange major code's sub-variants, discriminated by MinorCode.
type StateChangeParams struct {
	// Children is filled in by QueryChildren's handler with the set of present child devices.
	Children []*Device

	// Resources models the resource-requirements/allocation lists StartDevice and QueryResources
	// walk. Kept abstract (any) since its shape is owned by the bus/slot drivers, not the engine.
	Resources any
}

// SystemControlParams carries the SystemControl major code's request and synthesized reply.
type SystemControlParams struct {
	Minor      MinorCode
	Properties FileProperties
}

// FileProperties is the synthesized property set spec.md §4.5 describes for the disk's root
// entity lookup.
type FileProperties struct {
	Type          string // "BlockDevice"
	HardLinkCount int
	FileID        uint64
	BlockSize     uint32
	BlockCount    uint64
	FileSize      uint64
}

// UserControlParams carries a device-specific control code plus opaque in/out buffers.
type UserControlParams struct {
	Code MinorCode
	In   []byte
	Out  []byte
}

// DispatchFunc is a driver's handler for one major code. The driver recovers its own per-driver
// IRP context, if any, via irp.StackContext(); it completes, pends, or continues the IRP using the
// package-level Complete/Pend/Continue functions, identifying itself with the *DriverObject it was
// registered under.
type DispatchFunc func(drv *DriverObject, i *IRP)

// DriverObject is a driver's function table: one dispatch slot per major code, plus optional
// create/destroy hooks invoked when an IRP targeting this driver's device is created or destroyed.
type DriverObject struct {
	Name string

	Table [int(numMajorCodes)]DispatchFunc

	// CreateIrp, if set, is called when a new IRP is created for a device this driver is
	// attached to, in stack order; it may allocate a per-driver IRP context by returning a
	// non-nil value, or fail with a Status by returning a non-nil error wrapping Status.
	CreateIrp func(i *IRP) (any, error)

	// DestroyIrp, if set, is called symmetrically when the IRP is destroyed.
	DestroyIrp func(i *IRP)
}

func (d *DriverObject) String() string { return d.Name }

func (d *DriverObject) dispatch(major MajorCode) DispatchFunc {
	if !major.valid() {
		fatalf(IrpCorruption, "unknown major code: %v", major)
	}

	return d.Table[int(major)]
}
