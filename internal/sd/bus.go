// Package sd implements the SD/MMC bus driver stack spec.md describes on top of the IRP engine:
// a bus node enumerating a fixed set of slots, each slot enumerating at most one disk, each disk
// node serving reads and writes over either a DMA or a polled path.
//
// Grounded on the teacher's internal/vm.New device-configuration sequencing (internal/vm/vm.go),
// generalized from "wire up one flat address-mapped I/O space" to "enumerate N independent slot
// children of a bus, each potentially owning a disk".
package sd

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/smoynes/sdpdo/internal/irp"
	"github.com/smoynes/sdpdo/internal/log"
	"github.com/smoynes/sdpdo/internal/sdhc"
	"github.com/smoynes/sdpdo/internal/workqueue"
)

// Device context tags. The bus, slot, and disk contexts all implement irp.Context via Tag(),
// letting a dispatch function recover the concrete type it expects with a type switch rather than
// an untyped cast (spec.md §9's tag-discriminated device contexts).
const (
	TagBus irp.Tag = iota
	TagSlot
	TagDisk
)

// maxBusSlots bounds the bus's slot array, standing in for the number of memory BARs a real
// PCI/SOC host controller exposes (spec.md §3 "fixed-capacity array of slot slots").
const maxBusSlots = 6

// ControllerFactory builds the sdhc.Controller backing slot i of a bus, wiring onMediaChange as
// the controller's media-change callback so the slot learns of card insertion/removal. Production
// code supplies a factory that talks to real host-controller registers at a slot-specific base
// address; tests and cmd/sdsim supply one backed by sdhc.Simulated.
type ControllerFactory func(slotIndex int, onMediaChange sdhc.MediaChangeFunc) sdhc.Controller

// ResourceKind discriminates one entry in a resource-requirements or allocated-resources list
// (spec.md §3, §4.3).
type ResourceKind int

const (
	ResourcePhysicalAddress ResourceKind = iota
	ResourceInterruptLine
	ResourceInterruptVector
)

func (k ResourceKind) String() string {
	switch k {
	case ResourcePhysicalAddress:
		return "PhysicalAddress"
	case ResourceInterruptLine:
		return "InterruptLine"
	case ResourceInterruptVector:
		return "InterruptVector"
	default:
		return "ResourceKind(?)"
	}
}

// Resource is one entry in a requirements list (QueryResources) or an allocated-resources list
// (StartDevice). Min/Max/Length describe a requirement's bounds; Base/Length/Line/Vector describe
// an allocation's concrete assignment (spec.md §4.3).
type Resource struct {
	Kind ResourceKind

	Min, Max uint64
	Length   uint64

	Base   uint64
	Line   uint32
	Vector uint32
}

// BusResources is the concrete shape this package gives irp.StateChangeParams.Resources when the
// bus driver processes QueryResources (Requirements, appended to in place) or StartDevice
// (Allocated, read-only input) -- spec.md §4.3.
type BusResources struct {
	Requirements []Resource
	Allocated    []Resource
}

// InterruptHandle is the bus's single connected interrupt, paired from an allocated
// interrupt-line and interrupt-vector resource during StartDevice (spec.md §3, §4.3).
type InterruptHandle struct {
	Line   uint32
	Vector uint32
}

// BusContext is the per-device state attached to a bus's irp.Device.
type BusContext struct {
	Name string

	mu    sync.Mutex
	slots []*irp.Device

	// resourceWindows holds the physical-address allocations StartDevice assigned to slots, in
	// slot-index order; QueryChildren returns only the slots with a captured window
	// (spec.md §4.3 "for each slot with a captured resource").
	resourceWindows []Resource

	// interruptHandle and interruptDiscovered are the data-model fields spec.md §3 names: "one
	// connected interrupt handle with line and vector; a flag telling whether interrupt
	// resources were discovered."
	interruptHandle     *InterruptHandle
	interruptDiscovered bool

	newController ControllerFactory
	queue         *workqueue.Queue
	log           *log.Logger
}

func (b *BusContext) Tag() irp.Tag { return TagBus }

// NewBus constructs a bus irp.Device with nSlots slot children (clamped to maxBusSlots). The slot
// devices are created here; each slot's controller is built lazily on that slot's StartDevice.
// The returned device is not yet started; callers send
// StateChange/StartDevice to it (typically via irp.SystemControlDevice-style one-shot helpers, or
// directly via irp.Create/SendSynchronous) before querying children.
func NewBus(name string, nSlots int, newController ControllerFactory, logger *log.Logger) *irp.Device {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	if nSlots > maxBusSlots {
		logger.Warn("bus: slot count exceeds capacity, clamping", "name", name, "requested", nSlots, "capacity", maxBusSlots)
		nSlots = maxBusSlots
	}

	bc := &BusContext{
		Name:          name,
		newController: newController,
		queue:         workqueue.New(logger),
		log:           logger,
	}

	dev := irp.NewDevice(name, bc, busDriver())
	bc.slots = make([]*irp.Device, 0, nSlots)

	for idx := 0; idx < nSlots; idx++ {
		bc.slots = append(bc.slots, newSlot(fmt.Sprintf("%s/slot%d", name, idx), idx, bc, logger))
	}

	return dev
}

// Run starts the bus's background work queue, which delivers deferred slot enumeration passes
// triggered by simulated media-change interrupts. It blocks until ctx is cancelled.
func (b *BusContext) Run(ctx context.Context, workers int) error {
	return b.queue.Run(ctx, workers)
}

// Slots returns the bus's slot devices, in index order.
func (b *BusContext) Slots() []*irp.Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*irp.Device, len(b.slots))
	copy(out, b.slots)

	return out
}

// Interrupt returns the bus's connected interrupt handle and whether interrupt resources have
// been discovered yet, for tests and diagnostics (spec.md §3).
func (b *BusContext) Interrupt() (*InterruptHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.interruptHandle, b.interruptDiscovered
}

// ServiceInterrupt fans a single bus-level interrupt out across every slot's controller
// concurrently, the way a real adapter's single interrupt line is shared by several slot
// controllers and the bus driver's ISR must ask each one whether it was the source. Returns the
// indices of slots that claimed the interrupt.
func (b *BusContext) ServiceInterrupt(ctx context.Context) ([]int, error) {
	slots := b.Slots()

	claimed := make([]bool, len(slots))

	g, _ := errgroup.WithContext(ctx)

	for idx, slotDevice := range slots {
		idx, slotDevice := idx, slotDevice

		g.Go(func() error {
			sc, ok := slotDevice.Context.(*SlotContext)
			if !ok {
				return nil
			}

			sc.mu.Lock()
			ctrl := sc.controller
			sc.mu.Unlock()

			if ctrl == nil {
				return nil
			}

			claimed[idx] = ctrl.InterruptService()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []int
	for idx, c := range claimed {
		if c {
			out = append(out, idx)
		}
	}

	return out, nil
}

// defaultAllocatedResources synthesizes a plausible allocated-resources list for a StartDevice IRP
// that arrives with no Resources set. There is no platform resource manager in this hosted
// simulation, so the bus manufactures one physical-address window per slot plus a single
// interrupt-line/vector pair itself, exercising the same pairing algorithm a real resource
// manager's allocation would drive.
func defaultAllocatedResources(nSlots int) *BusResources {
	res := &BusResources{Allocated: make([]Resource, 0, nSlots+2)}

	for idx := 0; idx < nSlots; idx++ {
		res.Allocated = append(res.Allocated, Resource{
			Kind:   ResourcePhysicalAddress,
			Base:   uint64(idx) * 0x1000,
			Length: 0x1000,
		})
	}

	res.Allocated = append(res.Allocated,
		Resource{Kind: ResourceInterruptLine, Line: 0},
		Resource{Kind: ResourceInterruptVector, Vector: 0},
	)

	return res
}

// connectResources walks allocated (spec.md §4.3 StartDevice): physical-address allocations with
// non-zero length become slot register windows, first N where N <= slot capacity; the
// interrupt-vector allocation is paired with its owning interrupt-line allocation to give
// (line, vector), exactly one such pair expected. It connects the interrupt handler and returns
// the windows and handle, or an error if the expected pair is not found -- callers must not mutate
// bus state until connectResources succeeds, so a failure never leaves the bus half-connected.
func (b *BusContext) connectResources(allocated []Resource) ([]Resource, *InterruptHandle, error) {
	var windows []Resource

	var line, vector *Resource

	for idx := range allocated {
		r := &allocated[idx]

		switch r.Kind {
		case ResourcePhysicalAddress:
			if r.Length > 0 && len(windows) < len(b.slots) {
				windows = append(windows, *r)
			}

		case ResourceInterruptLine:
			line = r

		case ResourceInterruptVector:
			vector = r
		}
	}

	if line == nil || vector == nil {
		return nil, nil, fmt.Errorf("sd: bus: expected one interrupt-line/interrupt-vector pair, found line=%v vector=%v",
			line != nil, vector != nil)
	}

	if err := b.connectInterruptHandler(line.Line, vector.Vector); err != nil {
		return nil, nil, fmt.Errorf("sd: bus: connect interrupt handler: %w", err)
	}

	return windows, &InterruptHandle{Line: line.Line, Vector: vector.Vector}, nil
}

// connectInterruptHandler simulates wiring the bus's ISR into the platform's interrupt controller.
// There is no real interrupt controller in this hosted simulation, so this always succeeds, but it
// keeps the failure/unwind seam spec.md §4.3 describes for a future real implementation.
func (b *BusContext) connectInterruptHandler(line, vector uint32) error {
	return nil
}

func busDriver() *irp.DriverObject {
	drv := &irp.DriverObject{Name: "sdbus"}

	drv.Table[irp.StateChange] = func(d *irp.DriverObject, i *irp.IRP) {
		bc, ok := i.TargetDevice.Context.(*BusContext)
		if !ok {
			irp.Complete(d, i, irp.InvalidConfiguration)
			return
		}

		switch i.MinorCode {
		case irp.QueryResources:
			// For each interrupt-line requirement present in the requirements list, add a
			// matching interrupt-vector requirement (spec.md §4.3).
			if res, ok := i.StateChange.Resources.(*BusResources); ok && res != nil {
				var added []Resource

				for _, r := range res.Requirements {
					if r.Kind == ResourceInterruptLine {
						added = append(added, Resource{Kind: ResourceInterruptVector, Min: 0, Max: ^uint64(0), Length: 1})
					}
				}

				res.Requirements = append(res.Requirements, added...)
			}

			irp.Complete(d, i, irp.Success)

		case irp.StartDevice:
			res, ok := i.StateChange.Resources.(*BusResources)
			if !ok || res == nil {
				res = defaultAllocatedResources(len(bc.slots))
			}

			windows, handle, err := bc.connectResources(res.Allocated)
			if err != nil {
				bc.log.Error("bus: failed to connect resources", "name", bc.Name, "err", err)
				irp.Complete(d, i, irp.InvalidConfiguration)
				return
			}

			bc.mu.Lock()
			bc.resourceWindows = windows
			bc.interruptHandle = handle
			bc.interruptDiscovered = true
			bc.mu.Unlock()

			bc.log.Info("bus: starting", "name", bc.Name, "slots", len(bc.slots),
				"windows", len(windows), "irq_line", handle.Line, "irq_vector", handle.Vector)

			i.TargetDevice.SetState(irp.Started)
			irp.Complete(d, i, irp.Success)

		case irp.QueryChildren:
			bc.mu.Lock()
			n := len(bc.resourceWindows)
			if n > len(bc.slots) {
				n = len(bc.slots)
			}
			children := make([]*irp.Device, n)
			copy(children, bc.slots[:n])
			bc.mu.Unlock()

			i.StateChange.Children = children
			irp.Complete(d, i, irp.Success)

		case irp.RemoveDevice:
			i.TargetDevice.SetState(irp.Removed)
			bc.queue.Close()
			irp.Complete(d, i, irp.Success)

		default:
			irp.Complete(d, i, irp.NotSupported)
		}
	}

	for _, major := range []irp.MajorCode{irp.Open, irp.Close, irp.Io, irp.SystemControl, irp.UserControl} {
		major := major
		drv.Table[major] = func(d *irp.DriverObject, i *irp.IRP) {
			irp.Complete(d, i, irp.NotSupported)
		}
	}

	return drv
}
