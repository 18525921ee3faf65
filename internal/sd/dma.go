package sd

import (
	"context"
	"strconv"

	"github.com/smoynes/sdpdo/internal/iobuf"
	"github.com/smoynes/sdpdo/internal/irp"
	"github.com/smoynes/sdpdo/internal/sdhc"
)

func mapControllerStatus(s sdhc.Status) irp.Status {
	switch s {
	case sdhc.Success:
		return irp.Success
	case sdhc.NoMedia:
		return irp.NoMedia
	case sdhc.Timeout:
		return irp.Timeout
	case sdhc.InvalidParameter:
		return irp.InvalidParameter
	case sdhc.InsufficientResources:
		return irp.InsufficientResources
	default:
		return irp.InvalidConfiguration
	}
}

// runPolled performs a block I/O request fragment-by-fragment through the controller's polled
// path, synchronously, on the calling goroutine. When withLock is true it holds the slot's
// controller lock for the whole request, serializing it against DMA completions and other polled
// requests; the crash-dump writer calls with withLock false (spec.md §4.6), accepting the
// resulting lack of mutual exclusion because nothing else is running to race with.
func runPolled(drv *irp.DriverObject, i *irp.IRP, dc *DiskContext, blockOffset uint64, blockCount uint32, buf *iobuf.Buffer, write bool, withLock bool) {
	ctx := context.Background()

	if withLock {
		if err := dc.slot.controllerLock.Acquire(ctx, 1); err != nil {
			irp.Complete(drv, i, irp.InsufficientResources)
			return
		}
		defer dc.slot.controllerLock.Release(1)

		if !dc.slot.mediaPresentLocked() {
			irp.Complete(drv, i, irp.NoMedia)
			return
		}
	}

	dc.mu.Lock()
	blockSize := dc.blockSize
	dc.mu.Unlock()

	ctrl := dc.slot.currentController()
	if ctrl == nil {
		irp.Complete(drv, i, irp.DeviceNotConnected)
		return
	}

	size := int(blockCount) * int(blockSize)

	// No physical addressing ceiling applies to the polled path (unlike DMA): a polled transfer
	// is driven one fragment at a time through the controller's own buffer argument, so the only
	// reason to substitute a working buffer is alignment/size, not a DMA window (spec.md §5).
	workBuf, remapped, err := buf.Validate(0, ^uint64(0), int(blockSize), size, true)
	if err != nil {
		irp.Complete(drv, i, irp.InsufficientResources)
		return
	}

	if remapped && write {
		if err := iobuf.Copy(workBuf, 0, buf, 0, size); err != nil {
			irp.Complete(drv, i, irp.InsufficientResources)
			return
		}
	}

	if err := workBuf.Map(0); err != nil {
		irp.Complete(drv, i, irp.InsufficientResources)
		return
	}

	if write {
		workBuf.FlushForDataOut(0, workBuf.Len())
	} else {
		workBuf.FlushForDataIn(0, workBuf.Len())
	}

	var completed int64
	offset := blockOffset

	for _, frag := range workBuf.Fragments() {
		if frag.Size == 0 {
			continue
		}

		blocks := uint32(frag.Size) / blockSize
		if blocks == 0 {
			if remapped {
				workBuf.Free()
			}
			irp.Complete(drv, i, irp.InvalidParameter)
			return
		}

		status := ctrl.BlockIoPolled(sdhc.WithPolledBuffer(ctx, fragmentBytes(workBuf, frag)), offset, blocks, frag.VirtualAddress, write)

		st := mapControllerStatus(status)
		recordIo(dc.name, "polled", write, st, int64(blocks)*int64(blockSize))

		if !st.OK() {
			if remapped {
				workBuf.Free()
			}
			i.ReadWrite.BytesCompleted = completed
			i.ReadWrite.NewOffset = i.ReadWrite.Offset + completed
			irp.Complete(drv, i, st)
			return
		}

		completed += int64(blocks) * int64(blockSize)
		offset += uint64(blocks)
	}

	if !write {
		workBuf.FlushForDataIn(0, workBuf.Len())

		if remapped {
			_ = iobuf.Copy(buf, 0, workBuf, 0, int(completed))
			buf.FlushToPointOfUnification(0, buf.Len())
		}
	}

	if remapped {
		workBuf.Free()
	}

	i.ReadWrite.BytesCompleted = completed
	i.ReadWrite.NewOffset = i.ReadWrite.Offset + completed
	irp.Complete(drv, i, irp.Success)
}

// fragmentBytes slices a fragment's backing bytes out of its owning buffer. iobuf.New biases
// VirtualAddress by +1 over the data offset (see iobuf.New), so it is unbiased here.
func fragmentBytes(buf *iobuf.Buffer, f iobuf.Fragment) []byte {
	off := int(f.VirtualAddress) - 1
	return buf.Bytes()[off : off+f.Size]
}

// dmaOp tracks one multi-fragment DMA transfer as it is issued to the controller one fragment at a
// time, resuming the submitting IRP only once every fragment has completed (or one has failed).
// This is the continuation logic spec.md §4.5 step 3 describes: the completion callback re-enters
// the same state machine rather than assuming a DMA transfer is always one shot. A single fragment
// may itself take more than one round trip -- a controller is free to complete fewer blocks than it
// was asked for in one callback (WithDmaChunkBlocks simulates this) -- so the op also tracks how
// many blocks of the current fragment have completed and re-issues the remainder before advancing
// to the next fragment.
type dmaOp struct {
	drv *irp.DriverObject
	i   *irp.IRP
	dc  *DiskContext

	dmaBuf    *iobuf.Buffer
	origBuf   *iobuf.Buffer
	remapped  bool
	fragments []iobuf.Fragment
	fragIndex int
	fragDone  uint32 // blocks of the current fragment already completed

	blockOffset uint64
	blockSize   uint32
	write       bool

	totalCompleted int64
}

// startDMA validates the caller's buffer against the controller's addressing window, remapping
// through a bounce buffer if necessary, pends the IRP, and issues the first DMA fragment. The IRP
// resumes (via irp.Complete, possibly from a different goroutine) once every fragment has been
// transferred or one has failed.
func startDMA(drv *irp.DriverObject, i *irp.IRP, dc *DiskContext, blockOffset uint64, blockCount uint32, buf *iobuf.Buffer, write bool) {
	dc.mu.Lock()
	blockSize := dc.blockSize
	dc.mu.Unlock()

	size := int(blockCount) * int(blockSize)

	dmaBuf, remapped, err := buf.Validate(0, dmaMaxPhysicalAddress, int(blockSize), size, true)
	if err != nil {
		irp.Complete(drv, i, irp.InsufficientResources)
		return
	}

	if remapped && write {
		if err := iobuf.Copy(dmaBuf, 0, buf, 0, size); err != nil {
			irp.Complete(drv, i, irp.InsufficientResources)
			return
		}
	}

	if err := dmaBuf.Map(0); err != nil {
		irp.Complete(drv, i, irp.InsufficientResources)
		return
	}

	if write {
		dmaBuf.FlushForDataOut(0, dmaBuf.Len())
	} else {
		dmaBuf.FlushForDataIn(0, dmaBuf.Len())
	}

	// controllerLock is held across the whole pend->resume window, from here until finish, not
	// just around the initiation call: it serializes this transfer against polled I/O and against
	// another DMA transfer on the same slot (spec.md §5).
	if err := dc.slot.controllerLock.Acquire(context.Background(), 1); err != nil {
		if remapped {
			dmaBuf.Free()
		}
		irp.Complete(drv, i, irp.InsufficientResources)
		return
	}

	if !dc.slot.mediaPresentLocked() {
		dc.slot.controllerLock.Release(1)
		if remapped {
			dmaBuf.Free()
		}
		irp.Complete(drv, i, irp.NoMedia)
		return
	}

	dc.setDmaState(dmaInFlight)
	irp.Pend(drv, i)

	op := &dmaOp{
		drv:         drv,
		i:           i,
		dc:          dc,
		dmaBuf:      dmaBuf,
		origBuf:     buf,
		remapped:    remapped,
		fragments:   dmaBuf.Fragments(),
		blockOffset: blockOffset,
		blockSize:   blockSize,
		write:       write,
	}

	op.issueNext()
}

func (op *dmaOp) issueNext() {
	if op.fragIndex >= len(op.fragments) {
		op.finish(irp.Success)
		return
	}

	// Re-check media before every submission. controllerLock is already held for the whole
	// transfer, so the flag is read with mediaPresentLocked.
	if !op.dc.slot.mediaPresentLocked() {
		op.finish(irp.NoMedia)
		return
	}

	ctrl := op.dc.slot.currentController()

	if ctrl == nil {
		op.finish(irp.DeviceNotConnected)
		return
	}

	frag := op.fragments[op.fragIndex]
	fragBlocks := uint32(frag.Size) / op.blockSize
	if fragBlocks == 0 {
		op.finish(irp.InvalidParameter)
		return
	}

	remaining := fragBlocks - op.fragDone
	bufferOffset := int(frag.VirtualAddress) - 1 + int(op.fragDone)*int(op.blockSize)

	ctrl.BlockIoDma(context.Background(), op.blockOffset, remaining, op.dmaBuf.Bytes(), bufferOffset, op.write, op.onFragmentDone, nil)
}

func (op *dmaOp) onFragmentDone(cbCtx any, status sdhc.Status, bytesCompleted int64) {
	st := mapControllerStatus(status)

	recordIo(op.dc.name, "dma", op.write, st, bytesCompleted)

	if !st.OK() {
		op.finish(st)
		return
	}

	blocksDone := uint32(bytesCompleted / int64(op.blockSize))

	op.totalCompleted += bytesCompleted
	op.blockOffset += uint64(blocksDone)
	op.fragDone += blocksDone

	frag := op.fragments[op.fragIndex]
	if op.fragDone >= uint32(frag.Size)/op.blockSize {
		op.fragIndex++
		op.fragDone = 0
	}

	op.issueNext()
}

func (op *dmaOp) finish(status irp.Status) {
	if status.OK() {
		op.dc.setDmaState(dmaDone)
	} else {
		op.dc.setDmaState(dmaFailed)
	}

	// A point-of-unification flush is only meaningful when the transfer actually went through a
	// bounce buffer and is bringing data back to the caller: a read, that succeeded, into a
	// remapped buffer. It applies to the caller's original buffer, the one the caller will
	// actually read from next -- flushing the bounce buffer itself would do nothing useful once
	// the data has already been copied out of it (spec.md §5).
	if op.remapped && status.OK() && !op.write {
		_ = iobuf.Copy(op.origBuf, 0, op.dmaBuf, 0, int(op.totalCompleted))
		op.origBuf.FlushToPointOfUnification(0, op.origBuf.Len())
	}

	if op.remapped {
		op.dmaBuf.Free()
	}

	op.dc.slot.controllerLock.Release(1)

	op.i.ReadWrite.BytesCompleted = op.totalCompleted
	op.i.ReadWrite.NewOffset = op.i.ReadWrite.Offset + op.totalCompleted

	irp.Complete(op.drv, op.i, status)
}

func recordIo(disk, path string, write bool, status irp.Status, bytes int64) {
	ioOpsTotal.WithLabelValues(disk, path, strconv.FormatBool(write), status.String()).Inc()

	if status.OK() {
		ioBytesTotal.WithLabelValues(disk, path, strconv.FormatBool(write)).Add(float64(bytes))
	}
}
