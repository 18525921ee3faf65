package irp

import (
	"sync"

	"github.com/smoynes/sdpdo/internal/log"
)

// Tag discriminates the kind of device-specific context a Device carries, the way the teacher's
// simulator discriminates device registers by memory address rather than by a type switch over an
// interface -- here generalized to a small tagged union rather than an address map, per the
// "tag-discriminated device contexts" redesign (spec.md §9).
type Tag int

// Context is the device-specific payload a Device carries: a bus, slot, or disk context. Each
// concrete context names its own Tag so dispatch can recover the concrete type with a type switch
// instead of an untyped cast.
type Context interface {
	Tag() Tag
}

// State is a device's lifecycle state.
type State int

const (
	// Started is the normal operating state.
	Started State = iota
	// Removing is set while a device is in the process of being torn down; new IRPs are still
	// accepted for the removal itself but not for ordinary operations.
	Removing
	// Removed is terminal. Helpers refuse new IRPs once a device reaches this state.
	Removed
)

func (s State) String() string {
	switch s {
	case Started:
		return "Started"
	case Removing:
		return "Removing"
	case Removed:
		return "Removed"
	default:
		return "State(?)"
	}
}

// DriverStackEntry holds a driver attached to a device and its position in the device's driver
// stack. Built at device-attach time; read by the IRP engine during create/destroy/traversal, but
// never mutated by IRP traversal itself.
type DriverStackEntry struct {
	Driver   *DriverObject
	Position int
}

// Device is the target of IRPs: an ordered stack of drivers, a lifecycle state, and an optional
// link to another device lower in a (degenerate, here single-layer) device stack.
//
// Device.TargetDevice lets a device's IRPs continue to flow into another device's stack -- the
// general mechanism spec.md §4.1 describes for IRP creation ("device → device.TargetDevice → …").
// The SD driver in this module never layers filter devices, so TargetDevice is always nil for
// bus/slot/disk devices, but the field exists so Create's stack-size accounting is general.
type Device struct {
	Name    string
	Context Context
	Stack   []DriverStackEntry

	// TargetDevice continues the device chain IRP creation walks; nil stops the walk.
	TargetDevice *Device

	// Unmountable marks devices (conceptually, volumes) for which the Unmounting sub-state and
	// its synchronous-helper minor-code allowlist (spec.md §4.2) apply. Bus/slot/disk devices
	// leave this false.
	Unmountable bool
	Unmounting  bool

	mu    sync.RWMutex
	state State

	log *log.Logger
}

// NewDevice creates a device with the given driver stack, attached in the order given (index 0 is
// the top of the stack, the function driver; the last entry is the bottom, the bus driver).
func NewDevice(name string, ctx Context, drivers ...*DriverObject) *Device {
	dev := &Device{
		Name:    name,
		Context: ctx,
		state:   Started,
		log:     log.DefaultLogger(),
	}

	dev.Stack = make([]DriverStackEntry, len(drivers))
	for i, d := range drivers {
		dev.Stack[i] = DriverStackEntry{Driver: d, Position: i}
	}

	return dev
}

// State returns the device's current lifecycle state, taken under the shared lock.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.state
}

// SetState transitions the device's lifecycle state under the exclusive lock.
func (d *Device) SetState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = s
}

// RLock acquires the device's shared lock, the way synchronous helpers do for the duration of IRP
// submission (spec.md §4.2); Lock acquires it exclusively.
func (d *Device) RLock()   { d.mu.RLock() }
func (d *Device) RUnlock() { d.mu.RUnlock() }
func (d *Device) Lock()    { d.mu.Lock() }
func (d *Device) Unlock()  { d.mu.Unlock() }

// stackChain returns this device followed by every device in its TargetDevice chain, stopping at a
// nil link -- the walk spec.md §4.1 describes; Create sums the chain's driver-stack sizes to size a
// new IRP's stack.
func (d *Device) stackChain() []*Device {
	var chain []*Device

	for dev := d; dev != nil; dev = dev.TargetDevice {
		chain = append(chain, dev)
	}

	return chain
}
