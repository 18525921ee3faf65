package irp

import (
	"fmt"
	"sync"

	"github.com/smoynes/sdpdo/internal/log"
)

const magic = 0x49525021 // "IRP!" -- corruption canary.

// stackLocation is one slot in an IRP's own per-traversal stack: a back-pointer into the owning
// device's DriverStackEntry, plus whatever opaque context that specific driver allocated for this
// IRP at creation time.
type stackLocation struct {
	entry   *DriverStackEntry
	context any
}

// CompletionFunc, if set on an IRP, is invoked once the traversal reaches DriverStackComplete.
type CompletionFunc func(i *IRP, status Status)

// IRP is an I/O Request Packet: a single in-flight request traversing one device's driver stack.
//
// Fields above the blank line are public, mutable only by the driver that currently owns the
// IRP's stack location (spec.md §3); fields below are private bookkeeping the engine alone
// touches.
type IRP struct {
	TargetDevice *Device
	MajorCode    MajorCode
	MinorCode    MinorCode
	Direction    Direction

	Open          OpenParams
	Close         CloseParams
	ReadWrite     ReadWriteParams
	StateChange   StateChangeParams
	SystemControl SystemControlParams
	UserControl   UserControlParams

	Completion        CompletionFunc
	CompletionContext any

	magic uint32

	// shadowDevice/shadowMajor capture the values supplied at Create, to detect illegal
	// mutation of the supposedly-immutable fields (spec.md §3 invariants).
	shadowDevice *Device
	shadowMajor  MajorCode

	stack      []stackLocation
	stackIndex int

	status Status
	flags  Flags

	mu   sync.Mutex // protects flags/status/stackIndex/direction against concurrent complete/pend/continue
	cond *sync.Cond // signalable object the sender waits on when Pending

	log *log.Logger
}

// Create allocates an IRP bound to device and majorCode. It walks the device's TargetDevice chain,
// summing driver-stack sizes to build the IRP's own stack, then calls each driver's optional
// CreateIrp hook in stack order. If any hook fails, DestroyIrp is called on every prior entry, in
// reverse, and Create returns the failure.
func Create(device *Device, majorCode MajorCode, flags Flags) (*IRP, error) {
	if device == nil || len(device.Stack) == 0 {
		return nil, fmt.Errorf("irp: create: %w: device has no driver stack", statusErr(InvalidConfiguration))
	}

	if !majorCode.valid() {
		fatalf(IrpCorruption, "create: unknown major code: %v", majorCode)
	}

	chain := device.stackChain()

	size := 0
	for _, dev := range chain {
		size += len(dev.Stack)
	}

	i := &IRP{
		TargetDevice: device,
		MajorCode:    majorCode,
		shadowDevice: device,
		shadowMajor:  majorCode,
		magic:        magic,
		flags:        flags &^ (Active | Complete | Pending | DriverStackComplete),
		status:       NotHandled,
		stack:        make([]stackLocation, size),
		log:          log.DefaultLogger(),
	}
	i.cond = sync.NewCond(&i.mu)

	idx := 0
	for _, dev := range chain {
		for k := range dev.Stack {
			i.stack[idx].entry = &dev.Stack[k]
			idx++
		}
	}

	for n := 0; n < len(i.stack); n++ {
		drv := i.stack[n].entry.Driver
		if drv.CreateIrp == nil {
			continue
		}

		ctx, err := drv.CreateIrp(i)
		if err != nil {
			for p := n - 1; p >= 0; p-- {
				if d := i.stack[p].entry.Driver; d.DestroyIrp != nil {
					d.DestroyIrp(i)
				}
			}

			return nil, fmt.Errorf("irp: create: driver %s: %w", drv.Name, err)
		}

		i.stack[n].context = ctx
	}

	return i, nil
}

// Destroy releases an IRP. It must not be Active. Every driver's DestroyIrp hook is called,
// symmetrically with Create, regardless of stack direction.
func Destroy(i *IRP) {
	i.checkIdentity("destroy")

	if i.flags.has(Active) {
		fatalf(InvalidIrpAllocation, "destroy: irp still active")
	}

	for n := 0; n < len(i.stack); n++ {
		if drv := i.stack[n].entry.Driver; drv.DestroyIrp != nil {
			drv.DestroyIrp(i)
		}
	}

	i.magic = 0
}

// Initialize resets an IRP for reuse: direction to Down, status to NotHandled, stack index to
// zero, clears Complete/Pending/DriverStackComplete, and clears any completion callback. The
// per-driver stack (and its allocated contexts) is not reallocated.
func Initialize(i *IRP, minor MinorCode) {
	i.checkIdentity("initialize")

	i.mu.Lock()
	defer i.mu.Unlock()

	i.Direction = Down
	i.MinorCode = minor
	i.status = NotHandled
	i.stackIndex = 0
	i.flags &^= Complete | Pending | DriverStackComplete | Active
	i.Completion = nil
	i.CompletionContext = nil
}

// checkIdentity verifies the IRP has not been corrupted and that its immutable fields have not
// drifted from the values recorded at Create -- spec.md §3's "any observed mismatch is a fatal
// kernel condition."
func (i *IRP) checkIdentity(op string) {
	if i.magic != magic {
		fatalf(InvalidIrpAllocation, "%s: bad magic (corrupt or already destroyed)", op)
	}

	if i.TargetDevice != i.shadowDevice {
		fatalf(InvalidIrpConstantModified, "%s: target device changed", op)
	}

	if i.MajorCode != i.shadowMajor {
		fatalf(InvalidIrpConstantModified, "%s: major code changed", op)
	}
}

// StackContext returns the opaque per-driver context allocated for the current stack location, or
// nil if the owning driver never allocated one.
func (i *IRP) StackContext() any {
	return i.stack[i.stackIndex].context
}

// SetStackContext updates the opaque per-driver context for the current stack location.
func (i *IRP) SetStackContext(ctx any) {
	i.stack[i.stackIndex].context = ctx
}

// StackIndex returns the IRP's current position in its driver stack.
func (i *IRP) StackIndex() int { return i.stackIndex }

// StackSize returns the number of stack locations allocated for this IRP.
func (i *IRP) StackSize() int { return len(i.stack) }

// CurrentDriver returns the driver that owns the IRP's current stack location.
func (i *IRP) CurrentDriver() *DriverObject {
	return i.stack[i.stackIndex].entry.Driver
}

// Status returns the IRP's completion status.
func (i *IRP) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.status
}

func statusErr(s Status) error { return fmt.Errorf("irp: status: %s", s) }
