package irp

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// sharedTrace lets a set of drivers append into one ordered log, which is what the scenarios in
// spec.md §8 actually need to verify (cross-driver ordering), rather than each driver's own trace.
type sharedTrace struct {
	mu  sync.Mutex
	log []string
}

func (s *sharedTrace) add(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, entry)
}

func (s *sharedTrace) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.log))
	copy(out, s.log)

	return out
}

func tracingDriver(name string, trace *sharedTrace, onDown func(drv *DriverObject, i *IRP)) *DriverObject {
	obj := &DriverObject{Name: name}

	fn := func(drv *DriverObject, i *IRP) {
		trace.add(name + "-" + i.Direction.String())

		if onDown != nil && i.Direction == Down {
			onDown(drv, i)
		}
	}

	for m := StateChange; m < numMajorCodes; m++ {
		obj.Table[int(m)] = fn
	}

	return obj
}

func equalStrings(t *testing.T, got, want []string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("trace length: got %v, want %v", got, want)
	}

	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("trace[%d]: got %q, want %q (full: got %v, want %v)", i, got[i], want[i], got, want)
		}
	}
}

// Full traversal with no completion: every driver is visited on the way down, the deepest driver
// is visited twice back-to-back, then every driver is visited again on the way up.
func TestSendSynchronous_FullTraversal(t *testing.T) {
	trace := &sharedTrace{}

	a := tracingDriver("A", trace, nil)
	b := tracingDriver("B", trace, nil)
	c := tracingDriver("C", trace, nil)

	dev := NewDevice("disk0", nil, a, b, c)

	i, err := Create(dev, Open, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer Destroy(i)

	Initialize(i, MinorNone)

	status, err := SendSynchronous(i)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if status != NotHandled {
		t.Errorf("status: got %s, want NotHandled (nothing completed)", status)
	}

	equalStrings(t, trace.snapshot(), []string{
		"A-Down", "B-Down", "C-Down", "C-Up", "B-Up", "A-Up",
	})

	if i.StackIndex() != 0 {
		t.Errorf("stack index after completion: got %d, want 0", i.StackIndex())
	}
}

// A driver that completes mid-stack, on its downward dispatch, stops the downward walk there and
// unwinds upward through the remaining, shallower drivers only.
func TestSendSynchronous_MidStackCompletion(t *testing.T) {
	trace := &sharedTrace{}

	a := tracingDriver("A", trace, nil)

	var bObj *DriverObject

	b := tracingDriver("B", trace, func(drv *DriverObject, i *IRP) {
		Complete(bObj, i, Success)
	})
	bObj = b

	c := tracingDriver("C", trace, nil)

	dev := NewDevice("disk0", nil, a, b, c)

	i, err := Create(dev, Open, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer Destroy(i)

	Initialize(i, MinorNone)

	status, err := SendSynchronous(i)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if status != Success {
		t.Errorf("status: got %s, want Success", status)
	}

	equalStrings(t, trace.snapshot(), []string{"A-Down", "B-Down", "A-Up"})

	if i.Direction != Up {
		t.Errorf("direction: got %s, want Up", i.Direction)
	}
}

// A driver that pends on the downward pass suspends the sender until another goroutine resumes
// the traversal by calling Continue; exactly one such resumption occurs.
func TestSendSynchronous_PendAndContinue(t *testing.T) {
	trace := &sharedTrace{}

	var aObj *DriverObject

	resumed := make(chan struct{})

	a := tracingDriver("A", trace, func(drv *DriverObject, i *IRP) {
		Pend(aObj, i)

		go func() {
			<-resumed
			Continue(aObj, i)
		}()
	})
	aObj = a

	var bObj *DriverObject
	b := tracingDriver("B", trace, func(drv *DriverObject, i *IRP) {
		Complete(bObj, i, Success)
	})
	bObj = b

	dev := NewDevice("disk0", nil, a, b)

	i, err := Create(dev, Open, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer Destroy(i)

	Initialize(i, MinorNone)

	done := make(chan Status, 1)

	go func() {
		status, err := SendSynchronous(i)
		if err != nil {
			t.Errorf("send: %v", err)
		}

		done <- status
	}()

	// Give SendSynchronous a moment to reach the pended wait before resuming it.
	time.Sleep(10 * time.Millisecond)
	close(resumed)

	select {
	case status := <-done:
		if status != Success {
			t.Errorf("status: got %s, want Success", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pended IRP to resume")
	}

	equalStrings(t, trace.snapshot(), []string{"A-Down", "B-Down", "A-Up"})
}

// Property: device and major code observed at Destroy equal those supplied at Create; mutating
// either is a fatal condition, not a recoverable error.
func TestDestroy_PanicsOnConstantMutation(t *testing.T) {
	a := &DriverObject{Name: "A"}
	for m := StateChange; m < numMajorCodes; m++ {
		a.Table[int(m)] = func(drv *DriverObject, i *IRP) {}
	}

	dev := NewDevice("disk0", nil, a)

	i, err := Create(dev, Open, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	i.MajorCode = Close // illegal: major code is immutable after creation.

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic on constant mutation, got none")
		}

		f, ok := r.(*Fatal)
		if !ok {
			t.Fatalf("expected *Fatal, got %T: %v", r, r)
		}

		if f.Code != InvalidIrpConstantModified {
			t.Errorf("fatal code: got %s, want InvalidIrpConstantModified", f.Code)
		}
	}()

	Destroy(i)
}

// Property: StackIndex is always < StackSize while the IRP is Active, and returns to 0 once
// DriverStackComplete is reached.
func TestStackIndexBounds(t *testing.T) {
	trace := &sharedTrace{}

	var seen []int

	record := func(name string) *DriverObject {
		obj := &DriverObject{Name: name}
		fn := func(drv *DriverObject, i *IRP) {
			seen = append(seen, i.StackIndex())
			trace.add(name + "-" + i.Direction.String())
		}

		for m := StateChange; m < numMajorCodes; m++ {
			obj.Table[int(m)] = fn
		}

		return obj
	}

	dev := NewDevice("disk0", nil, record("A"), record("B"))

	i, err := Create(dev, Open, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer Destroy(i)

	Initialize(i, MinorNone)

	if _, err := SendSynchronous(i); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, idx := range seen {
		if idx < 0 || idx >= i.StackSize() {
			t.Fatalf("stack index %d out of bounds [0,%d)", idx, i.StackSize())
		}
	}

	if i.StackIndex() != 0 {
		t.Errorf("final stack index: got %d, want 0", i.StackIndex())
	}
}

// Property: create/destroy hooks run symmetrically, and a failing CreateIrp unwinds the prior
// entries' DestroyIrp hooks in reverse order.
func TestCreate_UnwindsOnHookFailure(t *testing.T) {
	var destroyed []string

	ok := &DriverObject{
		Name: "ok",
		CreateIrp: func(i *IRP) (any, error) {
			return "ctx", nil
		},
		DestroyIrp: func(i *IRP) {
			destroyed = append(destroyed, "ok")
		},
	}

	failing := &DriverObject{
		Name: "failing",
		CreateIrp: func(i *IRP) (any, error) {
			return nil, errCreateFailed
		},
	}

	for m := StateChange; m < numMajorCodes; m++ {
		ok.Table[int(m)] = func(drv *DriverObject, i *IRP) {}
		failing.Table[int(m)] = func(drv *DriverObject, i *IRP) {}
	}

	dev := NewDevice("disk0", nil, ok, failing)

	_, err := Create(dev, Open, 0)
	if err == nil {
		t.Fatal("expected Create to fail")
	}

	if len(destroyed) != 1 || destroyed[0] != "ok" {
		t.Fatalf("destroyed: got %v, want [ok]", destroyed)
	}
}

var errCreateFailed = errors.New("test: forced create failure")
