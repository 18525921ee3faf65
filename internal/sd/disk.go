package sd

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/smoynes/sdpdo/internal/iobuf"
	"github.com/smoynes/sdpdo/internal/irp"
	"github.com/smoynes/sdpdo/internal/sdhc"
)

var (
	ioOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdpdo",
		Subsystem: "disk",
		Name:      "io_ops_total",
		Help:      "Completed disk I/O operations, by disk and path (dma/polled/interface) and status.",
	}, []string{"disk", "path", "write", "status"})

	ioBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdpdo",
		Subsystem: "disk",
		Name:      "io_bytes_total",
		Help:      "Bytes transferred by completed disk I/O operations.",
	}, []string{"disk", "path", "write"})
)

// dmaState is the disk's explicit DMA-transfer state machine (spec.md §9 REDESIGN FLAG): rather
// than inferring progress from a handful of booleans, a disk's in-flight DMA operation is always
// in exactly one of these states.
type dmaState int32

const (
	dmaIdle dmaState = iota
	dmaInFlight
	dmaDone
	dmaFailed
)

func (s dmaState) String() string {
	switch s {
	case dmaIdle:
		return "Idle"
	case dmaInFlight:
		return "InFlight"
	case dmaDone:
		return "Done"
	case dmaFailed:
		return "Failed"
	default:
		return "dmaState(?)"
	}
}

// dmaMaxPhysicalAddress bounds the window this module's simulated controller can DMA into,
// standing in for a real controller's addressing limit (spec.md §4.5 step 1).
const dmaMaxPhysicalAddress = uint64(1) << 32

// diskInterfaceVersion identifies the shape of DiskInterface below, should a future revision need
// to distinguish old descriptors from new ones.
const diskInterfaceVersion = 1

// DiskInterface is the descriptor a disk publishes to the rest of the kernel on first start
// (spec.md §4.5, §6): an opaque token plus reset/read/write function pointers, all callable without
// going through the IRP engine and without taking controllerLock. They are not lock-free: each
// briefly takes the slot's own mutex to read the controller, and read/write also take the disk's
// mutex to read the block size. This is the surface a crash-dump collector uses once ordinary
// scheduling is no longer available.
type DiskInterface struct {
	Version    int
	Token      any
	BlockSize  uint32
	BlockCount uint64

	Reset func() irp.Status
	Read  func(buffer []byte, blockAddress uint64, blockCount uint32) (blocksCompleted uint32, status irp.Status)
	Write func(buffer []byte, blockAddress uint64, blockCount uint32) (blocksCompleted uint32, status irp.Status)
}

// DiskContext is the per-device state attached to a disk's irp.Device: the published block-device
// geometry, the published kernel-facing interface (once started), a reference count, and DMA
// progress.
type DiskContext struct {
	device *irp.Device
	slot   *SlotContext
	name   string

	mu         sync.Mutex
	blockCount uint64
	blockSize  uint32
	iface      *DiskInterface

	// refCount is the disk's reference count (spec.md §4.4 "allocate a new disk context with
	// refcount 1"): seeded to 1 by the slot's own reference at enumeration, incremented by Open
	// and decremented by Close, and decremented once more when RemoveDevice releases the slot's
	// reference. The disk is torn down the moment it reaches zero with no published interface.
	refCount atomic.Int32

	dma atomic.Int32
}

func (d *DiskContext) Tag() irp.Tag { return TagDisk }

// FileSize implements irp.FileSizer so irp.ReadDevice can clamp a read's BytesCompleted/NewOffset
// against the disk's current size.
func (d *DiskContext) FileSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return int64(d.blockCount) * int64(d.blockSize)
}

func (d *DiskContext) setDmaState(s dmaState) { d.dma.Store(int32(s)) }

// DmaState returns the disk's current DMA transfer state, for tests and diagnostics.
func (d *DiskContext) DmaState() string { return dmaState(d.dma.Load()).String() }

// Interface returns the disk's currently-published interface descriptor, or nil if none is
// published yet (spec.md §4.5/§6). Exposed for the crash-dump collector and tests.
func (d *DiskContext) Interface() *DiskInterface {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.iface
}

// publishInterface builds and attaches the disk's kernel-facing interface descriptor: token=disk,
// blockSize, blockCount, and the reset/read/write function pointer trio (spec.md §4.5 "on first
// start, publish the disk interface").
func (d *DiskContext) publishInterface() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.iface != nil {
		return
	}

	d.iface = &DiskInterface{
		Version:    diskInterfaceVersion,
		Token:      d,
		BlockSize:  d.blockSize,
		BlockCount: d.blockCount,
		Reset:      d.resetHighLevel,
		Read: func(buf []byte, blockAddress uint64, blockCount uint32) (uint32, irp.Status) {
			return d.ioHighLevel(buf, blockAddress, blockCount, false)
		},
		Write: func(buf []byte, blockAddress uint64, blockCount uint32) (uint32, irp.Status) {
			return d.ioHighLevel(buf, blockAddress, blockCount, true)
		},
	}
}

// destroyInterface detaches the disk's published interface (spec.md §4.5 "on RemoveDevice, destroy
// the interface").
func (d *DiskContext) destroyInterface() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.iface = nil
}

// resetHighLevel is the disk interface's reset entry point (spec.md §4.6): it puts the controller
// into critical execution mode and aborts any in-flight transaction, without taking controllerLock.
func (d *DiskContext) resetHighLevel() irp.Status {
	ctrl := d.slot.currentController()
	if ctrl == nil {
		return irp.DeviceNotConnected
	}

	ctrl.SetCriticalMode(true)

	return mapControllerStatus(ctrl.AbortTransaction(context.Background(), false))
}

// ioHighLevel is the disk interface's read/write entry point: a direct call into the controller's
// polled path, bypassing both the IRP engine and controllerLock entirely (spec.md §4.6). It still
// briefly takes the slot's and the disk's own mutexes to read the controller and the block size.
func (d *DiskContext) ioHighLevel(buffer []byte, blockAddress uint64, blockCount uint32, write bool) (uint32, irp.Status) {
	ctrl := d.slot.currentController()
	if ctrl == nil {
		return 0, irp.DeviceNotConnected
	}

	d.mu.Lock()
	blockSize := d.blockSize
	d.mu.Unlock()

	need := int(blockCount) * int(blockSize)
	if blockSize == 0 || len(buffer) < need {
		return 0, irp.InvalidParameter
	}

	ctx := sdhc.WithPolledBuffer(context.Background(), buffer[:need])

	st := mapControllerStatus(ctrl.BlockIoPolled(ctx, blockAddress, blockCount, 1, write))

	recordIo(d.name, "interface", write, st, int64(need))

	if !st.OK() {
		return 0, st
	}

	return blockCount, irp.Success
}

func newDisk(name string, slot *SlotContext, blockCount uint64, blockSize uint32) *irp.Device {
	dc := &DiskContext{slot: slot, name: name, blockCount: blockCount, blockSize: blockSize}
	dc.refCount.Store(1)

	dev := irp.NewDevice(name, dc, diskDriver())
	dev.Unmountable = true
	dc.device = dev

	return dev
}

// release decrements the disk's reference count and, once it reaches zero with no published
// interface, marks the device Removed.
func (d *DiskContext) release() {
	if d.refCount.Add(-1) > 0 {
		return
	}

	d.mu.Lock()
	published := d.iface != nil
	d.mu.Unlock()

	if published {
		return
	}

	d.device.SetState(irp.Removed)
}

func diskDriver() *irp.DriverObject {
	drv := &irp.DriverObject{Name: "sddisk"}

	drv.Table[irp.Open] = func(d *irp.DriverObject, i *irp.IRP) {
		dc := i.TargetDevice.Context.(*DiskContext)

		if !dc.slot.MediaPresent(context.Background()) {
			irp.Complete(d, i, irp.NoMedia)
			return
		}

		dc.refCount.Add(1)

		irp.Complete(d, i, irp.Success)
	}

	drv.Table[irp.Close] = func(d *irp.DriverObject, i *irp.IRP) {
		dc := i.TargetDevice.Context.(*DiskContext)

		dc.release()

		irp.Complete(d, i, irp.Success)
	}

	drv.Table[irp.Io] = diskIoDispatch

	drv.Table[irp.SystemControl] = func(d *irp.DriverObject, i *irp.IRP) {
		dc := i.TargetDevice.Context.(*DiskContext)

		switch i.SystemControl.Minor {
		case irp.Lookup:
			dc.mu.Lock()
			props := irp.FileProperties{
				Type:          "BlockDevice",
				HardLinkCount: 1,
				FileID:        uint64(dc.slot.index) + 1,
				BlockSize:     dc.blockSize,
				BlockCount:    dc.blockCount,
				FileSize:      dc.blockCount * uint64(dc.blockSize),
			}
			dc.mu.Unlock()

			i.SystemControl.Properties = props
			irp.Complete(d, i, irp.Success)

		case irp.WriteFileProperties, irp.Delete, irp.Synchronize:
			irp.Complete(d, i, irp.Success)

		case irp.DeviceInformation:
			// Resolved per the supplemented Open Question: this minor code is completed with
			// NotSupported rather than synthesizing a property set nothing here consumes.
			irp.Complete(d, i, irp.NotSupported)

		default:
			irp.Complete(d, i, irp.NotSupported)
		}
	}

	drv.Table[irp.StateChange] = func(d *irp.DriverObject, i *irp.IRP) {
		dc := i.TargetDevice.Context.(*DiskContext)

		switch i.MinorCode {
		case irp.StartDevice:
			dc.publishInterface()
			i.TargetDevice.SetState(irp.Started)
			irp.Complete(d, i, irp.Success)

		case irp.RemoveDevice:
			dc.destroyInterface()
			dc.release()
			i.TargetDevice.SetState(irp.Removed)
			irp.Complete(d, i, irp.Success)

		default:
			irp.Complete(d, i, irp.NotSupported)
		}
	}

	drv.Table[irp.UserControl] = func(d *irp.DriverObject, i *irp.IRP) {
		irp.Complete(d, i, irp.NotSupported)
	}

	return drv
}

func diskIoDispatch(drv *irp.DriverObject, i *irp.IRP) {
	// The handler acts only on the downward pass. A DMA request pends and is completed from
	// dmaOp.finish, after which the engine dispatches it here once more on the way up; by then the
	// transfer, copy-back and lock release are already done.
	if i.Direction == irp.Up {
		return
	}

	dc := i.TargetDevice.Context.(*DiskContext)
	rw := i.ReadWrite

	buf, ok := rw.Buffer.(*iobuf.Buffer)
	if !ok {
		irp.Complete(drv, i, irp.InvalidParameter)
		return
	}

	// A crash-dump-style writer (lockRequired false) must not wait on controllerLock, so it reads
	// the flag without it; every other request checks it under controllerLock.
	var present bool
	if dc.slot.lockRequired.Load() {
		present = dc.slot.MediaPresent(context.Background())
	} else {
		present = dc.slot.mediaPresentLocked()
	}

	if !present {
		irp.Complete(drv, i, irp.NoMedia)
		return
	}

	dc.mu.Lock()
	blockSize := dc.blockSize
	dc.mu.Unlock()

	if blockSize == 0 || rw.Offset%int64(blockSize) != 0 || rw.Length%int64(blockSize) != 0 {
		irp.Complete(drv, i, irp.InvalidParameter)
		return
	}

	blockOffset := uint64(rw.Offset) / uint64(blockSize)
	blockCount := uint32(rw.Length / int64(blockSize))

	if blockCount == 0 {
		i.ReadWrite.BytesCompleted = 0
		i.ReadWrite.NewOffset = rw.Offset
		irp.Complete(drv, i, irp.Success)
		return
	}

	// lockRequired false means a crash-dump-style writer is driving this disk: normal
	// scheduling and interrupts are not available, so DMA (which completes asynchronously via a
	// callback) is unusable and the request always takes the polled path without controllerLock
	// (spec.md §4.6).
	if !dc.slot.lockRequired.Load() {
		runPolled(drv, i, dc, blockOffset, blockCount, buf, rw.Write, false)
		return
	}

	if dc.slot.dmaSupported.Load() {
		startDMA(drv, i, dc, blockOffset, blockCount, buf, rw.Write)
		return
	}

	runPolled(drv, i, dc, blockOffset, blockCount, buf, rw.Write, true)
}
