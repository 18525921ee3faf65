package sd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/smoynes/sdpdo/internal/irp"
	"github.com/smoynes/sdpdo/internal/log"
	"github.com/smoynes/sdpdo/internal/sdhc"
	"github.com/smoynes/sdpdo/internal/workqueue"
)

// settleDelay is how long a slot waits after observing an insertion interrupt before probing the
// card, giving contact bounce and card power-up time to settle (spec.md §4.4).
const settleDelay = 2 * time.Millisecond

// SlotContext is the per-device state attached to a slot's irp.Device.
type SlotContext struct {
	device *irp.Device
	index  int
	bus    *BusContext
	log    *log.Logger

	// insertion/removal latch bits set by the controller's media-change callback (running at
	// whatever the controller considers interrupt level). QueryChildren atomically clears and
	// observes them and runs the probe algorithm inline when either was set (spec.md §4.4).
	// Modeled as atomic bool flags the way the teacher models a device's ready bit (devices.go's
	// status register), generalized from one status bit to the insertion/removal pair.
	insertion atomic.Bool
	removal   atomic.Bool

	// controllerLock serializes access to the slot's controller: MediaPresent, the probe and
	// retractDisk take it briefly; the polled I/O path (when lockRequired) holds it for the whole
	// request, and the DMA path for the whole pend→resume window.
	controllerLock *semaphore.Weighted

	mu           sync.Mutex
	controller   sdhc.Controller
	mediaPresent bool
	diskDevice   *irp.Device

	// dmaSupported records whether InitializeDma succeeded for this slot's controller. A DMA
	// capability failure is non-fatal (spec.md §4.4): it simply routes I/O through the polled
	// path instead.
	dmaSupported atomic.Bool

	// lockRequired controls whether the polled I/O path takes controllerLock. A crash-dump
	// writer runs with interrupts and other CPUs already quiesced and must not block
	// acquiring a lock another context might be holding; it calls SetLockRequired(false)
	// before issuing its writes (spec.md §4.6).
	lockRequired atomic.Bool
}

func (s *SlotContext) Tag() irp.Tag { return TagSlot }

func newSlot(name string, index int, bus *BusContext, logger *log.Logger) *irp.Device {
	sc := &SlotContext{
		index:          index,
		bus:            bus,
		log:            logger,
		controllerLock: semaphore.NewWeighted(1),
	}
	sc.lockRequired.Store(true)

	dev := irp.NewDevice(name, sc, slotDriver())
	sc.device = dev

	return dev
}

// MediaPresent reports whether a disk is currently enumerated for this slot. Every gating read of
// this flag, including the DMA completion callback's re-check before issuing the next fragment,
// takes controllerLock first (spec.md §9 Open Question, resolved: lock on every read, not just
// mutating writes). The one exception is the crash-dump path (lockRequired false), which reads the
// flag with mediaPresentLocked and never waits on controllerLock.
func (s *SlotContext) MediaPresent(ctx context.Context) bool {
	if err := s.controllerLock.Acquire(ctx, 1); err != nil {
		return false
	}
	defer s.controllerLock.Release(1)

	return s.mediaPresentLocked()
}

// mediaPresentLocked reads the mediaPresent flag directly, guarded only by the slot's own small
// mutex (not controllerLock). Callers that already hold controllerLock use this instead of
// MediaPresent to avoid self-deadlock; it is equally safe to call without controllerLock held,
// since the two locks are independent.
func (s *SlotContext) mediaPresentLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mediaPresent
}

// currentController reads the slot's controller under its own mutex. Call sites in disk.go and
// dma.go previously read SlotContext.controller while holding DiskContext.mu, which guards a
// different field entirely; this is the one correctly-synchronized accessor.
func (s *SlotContext) currentController() sdhc.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.controller
}

// SetLockRequired toggles whether the polled I/O path acquires controllerLock. Disabled only by
// the crash-dump writer (spec.md §4.6); normal operation always requires the lock.
func (s *SlotContext) SetLockRequired(required bool) { s.lockRequired.Store(required) }

// onMediaChange runs at dispatch level, from the controller's interrupt callback: it must never
// block. It only latches the insertion/removal bits and queues a work item that notifies the I/O
// topology layer of the change, which re-issues QueryChildren on the slot (spec.md §4.4) -- the
// probe algorithm itself runs synchronously inside that QueryChildren dispatch, not here.
func (s *SlotContext) onMediaChange(removal, insertion bool) {
	if removal {
		s.removal.Store(true)
	}
	if insertion {
		s.insertion.Store(true)
	}

	s.bus.queue.Enqueue(workqueue.Item{
		Key: s.queueKey(),
		Run: func(ctx context.Context) { s.notifyTopologyChange() },
	})
}

func (s *SlotContext) queueKey() string {
	return s.device.Name
}

// notifyTopologyChange re-issues QueryChildren against the slot, the way the I/O topology layer
// above this driver would react to a PnP notification (spec.md §4.4: "will cause the system to
// re-issue QueryChildren on the slot"). It runs at low level (off the bus work queue), so the
// QueryChildren dispatch it triggers is free to block for the settle delay.
func (s *SlotContext) notifyTopologyChange() {
	if _, err := queryChildren(s.device); err != nil {
		s.log.Error("slot: failed to re-issue QueryChildren after media change", "slot", s.device.Name, "err", err)
	}
}

// probe runs the slot's enumeration algorithm inline (spec.md §4.4): atomically clear and observe
// the Insertion/Removal bits; if either was set and a child disk exists, detach it; if Insertion
// was set, sleep for the settle delay, reinitialize the controller, and on success read its media
// parameters and publish a disk, treating Timeout the same as NoMedia. Called directly from the
// QueryChildren dispatch handler, which runs at low level and may block.
func (s *SlotContext) probe() {
	removal := s.removal.Swap(false)
	insertion := s.insertion.Swap(false)

	if removal || insertion {
		s.retractDisk()
	}

	if !insertion {
		return
	}

	time.Sleep(settleDelay)

	ctx := context.Background()

	if err := s.controllerLock.Acquire(ctx, 1); err != nil {
		return
	}

	status := s.initializeController(ctx)

	switch status {
	case sdhc.Success:
		count, size, mpStatus := s.controller.GetMediaParameters(ctx)
		s.controllerLock.Release(1)

		if !mpStatus.OK() {
			s.retractDisk()
			return
		}

		s.publishDisk(count, size)

	case sdhc.NoMedia:
		s.controllerLock.Release(1)
		s.retractDisk()

	case sdhc.Timeout:
		// A probe timeout is treated the same as no device present (spec.md §9 Open Question):
		// the card is assumed gone rather than retried indefinitely inline here.
		s.controllerLock.Release(1)
		s.retractDisk()

	default:
		s.controllerLock.Release(1)
		s.retractDisk()
	}
}

func (s *SlotContext) initializeController(ctx context.Context) sdhc.Status {
	s.mu.Lock()
	ctrl := s.controller
	s.mu.Unlock()

	if ctrl == nil {
		return sdhc.NoMedia
	}

	return ctrl.Initialize(ctx, false)
}

// publishDisk creates (or updates) the slot's disk device and drives its StartDevice IRP the
// first time, so the disk node publishes its kernel-facing interface (spec.md §4.5) as part of
// enumeration -- there is no PnP manager above this driver stack to do it independently.
func (s *SlotContext) publishDisk(blockCount uint64, blockSize uint32) {
	s.mu.Lock()

	s.mediaPresent = true

	if s.diskDevice != nil {
		dc := s.diskDevice.Context.(*DiskContext)
		dc.mu.Lock()
		dc.blockCount = blockCount
		dc.blockSize = blockSize
		if dc.iface != nil {
			dc.iface.BlockCount = blockCount
			dc.iface.BlockSize = blockSize
		}
		dc.mu.Unlock()

		s.mu.Unlock()

		return
	}

	dev := newDisk(s.device.Name+"/disk0", s, blockCount, blockSize)
	s.diskDevice = dev

	s.mu.Unlock()

	if status, err := sendStateChange(dev, irp.StartDevice); err != nil || !status.OK() {
		s.log.Error("slot: failed to start disk", "slot", s.device.Name, "status", status, "err", err)
	}
}

func (s *SlotContext) retractDisk() {
	// The flag is cleared under controllerLock, so it never changes while a request gated on it
	// holds the lock.
	if err := s.controllerLock.Acquire(context.Background(), 1); err != nil {
		return
	}

	s.mu.Lock()
	dev := s.diskDevice
	s.mediaPresent = false
	s.diskDevice = nil
	s.mu.Unlock()

	s.controllerLock.Release(1)

	if dev == nil {
		return
	}

	if status, err := sendStateChange(dev, irp.RemoveDevice); err != nil || !status.OK() {
		s.log.Error("slot: failed to remove disk", "slot", s.device.Name, "status", status, "err", err)
	}
}

func (s *SlotContext) diskChild() []*irp.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.diskDevice == nil {
		return nil
	}

	return []*irp.Device{s.diskDevice}
}

func slotDriver() *irp.DriverObject {
	drv := &irp.DriverObject{Name: "sdslot"}

	drv.Table[irp.StateChange] = func(d *irp.DriverObject, i *irp.IRP) {
		sc, ok := i.TargetDevice.Context.(*SlotContext)
		if !ok {
			irp.Complete(d, i, irp.InvalidConfiguration)
			return
		}

		switch i.MinorCode {
		case irp.QueryResources:
			irp.Complete(d, i, irp.Success)

		case irp.StartDevice:
			sc.mu.Lock()
			if sc.controller == nil && sc.bus.newController != nil {
				sc.controller = sc.bus.newController(sc.index, sc.onMediaChange)
			}
			ctrl := sc.controller
			sc.mu.Unlock()

			if ctrl != nil {
				ctrl.SetInterruptHandle(sc)

				dmaStatus := ctrl.InitializeDma(context.Background())
				sc.dmaSupported.Store(dmaStatus.OK())

				// Latch an insertion event in case media is already present at startup; the
				// actual probe runs inline the next time QueryChildren is dispatched.
				sc.insertion.Store(true)
			}

			i.TargetDevice.SetState(irp.Started)
			irp.Complete(d, i, irp.Success)

		case irp.QueryChildren:
			// spec.md §4.4: the probe algorithm runs inline, here, synchronously -- QueryChildren
			// is documented as callable at "low" level, so blocking for the settle delay and the
			// controller calls it needs is allowed.
			sc.probe()

			i.StateChange.Children = sc.diskChild()
			irp.Complete(d, i, irp.Success)

		case irp.RemoveDevice:
			sc.mu.Lock()
			ctrl := sc.controller
			sc.controller = nil
			sc.mu.Unlock()

			if ctrl != nil {
				ctrl.Destroy()
			}

			sc.retractDisk()
			i.TargetDevice.SetState(irp.Removed)
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
