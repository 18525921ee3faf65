package irp

import "fmt"

// SendSynchronous submits i for traversal and blocks the calling goroutine until the traversal
// reaches DriverStackComplete, resuming automatically whenever an intermediate driver pends and
// later completes or continues the IRP (from any goroutine).
//
// Preconditions (spec.md §4.1): i must not already have been sent this cycle (none of Complete,
// Pending, DriverStackComplete set), its Direction must be Down, and it must carry no completion
// callback -- SendSynchronous is itself the synchronous completion mechanism.
func SendSynchronous(i *IRP) (Status, error) {
	i.checkIdentity("send")

	i.mu.Lock()
	if i.flags.has(Complete | Pending | DriverStackComplete) {
		i.mu.Unlock()
		return NotHandled, fmt.Errorf("irp: send: already sent this cycle")
	}

	if i.Direction != Down {
		i.mu.Unlock()
		return NotHandled, fmt.Errorf("irp: send: direction must be Down")
	}

	if i.Completion != nil {
		i.mu.Unlock()
		return NotHandled, fmt.Errorf("irp: send: completion callback must be unset")
	}

	i.flags |= Active
	i.mu.Unlock()

	for {
		pumpOnce(i)

		i.mu.Lock()
		if i.flags.has(DriverStackComplete) {
			i.mu.Unlock()
			break
		}

		for i.flags.has(Pending) {
			i.cond.Wait()
		}
		i.mu.Unlock()
	}

	i.mu.Lock()
	i.flags &^= Active
	status := i.status
	i.mu.Unlock()

	return status, nil
}

// pumpOnce drives the IRP's traversal, dispatching the driver at the current stack location and
// advancing, until either a driver pends the IRP or the traversal reaches DriverStackComplete. It
// is driven by SendSynchronous and, implicitly, by whatever resumes a pended IRP (Continue,
// Complete) causing SendSynchronous's waiting goroutine to call it again.
func pumpOnce(i *IRP) {
	for {
		i.mu.Lock()
		if i.flags.has(DriverStackComplete) {
			i.mu.Unlock()
			return
		}
		i.mu.Unlock()

		drv := i.CurrentDriver()

		fn := drv.dispatch(i.MajorCode)
		if fn != nil {
			fn(drv, i)
		}

		i.mu.Lock()
		pending := i.flags.has(Pending)
		i.mu.Unlock()

		if pending {
			return
		}

		advance(i)

		i.mu.Lock()
		complete := i.flags.has(DriverStackComplete)
		cb, cbCtx, status := i.Completion, i.CompletionContext, i.status
		i.mu.Unlock()

		if complete {
			if cb != nil {
				_ = cbCtx
				cb(i, status)
			}

			return
		}
	}
}

// advance implements the traversal geometry of spec.md §4.1: the deepest driver in the stack sees
// the IRP twice, back-to-back, once going down and once coming back up.
func advance(i *IRP) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.Direction {
	case Down:
		if i.stackIndex < len(i.stack)-1 {
			i.stackIndex++
		} else {
			i.Direction = Up
		}
	case Up:
		if i.stackIndex > 0 {
			i.stackIndex--
		} else {
			i.flags |= DriverStackComplete
		}
	}
}

// Complete marks i as handled by drv, the driver owning its current stack location, and records
// status. Exactly one driver may complete a given IRP per traversal; a second attempt is a
// programming error. If the IRP was previously pended, the sender is woken.
func Complete(drv *DriverObject, i *IRP, status Status) {
	i.mu.Lock()

	if i.stack[i.stackIndex].entry.Driver != drv {
		i.mu.Unlock()
		fatalf(IllegalMutation, "complete: %s does not own stack location %d", drv, i.stackIndex)
	}

	if i.flags.has(Complete) {
		i.mu.Unlock()
		fatalf(DoubleCompletion, "complete: %s: irp already completed", drv)
	}

	wasPending := i.flags.has(Pending)

	i.flags |= Complete
	i.flags &^= Pending
	i.Direction = Up
	i.status = status

	i.mu.Unlock()

	if wasPending {
		i.cond.Broadcast()
	}
}

// Pend marks i as retained by drv across this dispatch return. The IRP engine will not advance the
// traversal until some driver calls Complete or Continue, possibly from another goroutine.
func Pend(drv *DriverObject, i *IRP) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stack[i.stackIndex].entry.Driver != drv {
		fatalf(IllegalMutation, "pend: %s does not own stack location %d", drv, i.stackIndex)
	}

	i.flags |= Pending
}

// Continue resumes a pended IRP's traversal: it advances the stack location as if dispatch had
// just returned cleanly, then wakes the sender.
func Continue(drv *DriverObject, i *IRP) {
	i.mu.Lock()

	if i.stack[i.stackIndex].entry.Driver != drv {
		i.mu.Unlock()
		fatalf(IllegalMutation, "continue: %s does not own stack location %d", drv, i.stackIndex)
	}

	if !i.flags.has(Pending) {
		i.mu.Unlock()
		fatalf(IllegalMutation, "continue: %s: irp is not pending", drv)
	}

	i.flags &^= Pending

	i.mu.Unlock()

	advance(i)
	i.cond.Broadcast()
}
