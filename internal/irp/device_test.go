package irp

import "testing"

func TestDevice_RemovedRefusesHelpers(t *testing.T) {
	drv := &DriverObject{Name: "drv"}
	for m := StateChange; m < numMajorCodes; m++ {
		drv.Table[int(m)] = func(d *DriverObject, i *IRP) {
			Complete(d, i, Success)
		}
	}

	dev := NewDevice("disk0", nil, drv)

	if _, err := OpenDevice(dev); err != nil {
		t.Fatalf("open before removal: %v", err)
	}

	dev.SetState(Removed)

	status, err := OpenDevice(dev)
	if err == nil {
		t.Fatal("expected error opening a removed device")
	}

	if status != DeviceNotConnected {
		t.Errorf("status: got %s, want DeviceNotConnected", status)
	}
}

func TestDevice_UnmountingAllowsOnlyNarrowSystemControl(t *testing.T) {
	drv := &DriverObject{Name: "drv"}
	for m := StateChange; m < numMajorCodes; m++ {
		drv.Table[int(m)] = func(d *DriverObject, i *IRP) {
			Complete(d, i, Success)
		}
	}

	dev := NewDevice("vol0", nil, drv)
	dev.Unmountable = true
	dev.Unmounting = true

	if _, err := OpenDevice(dev); err == nil {
		t.Fatal("expected Open to be refused while unmounting")
	}

	if _, _, err := SystemControlDevice(dev, Synchronize); err == nil {
		t.Fatal("expected Synchronize to be refused while unmounting")
	}

	if _, _, err := SystemControlDevice(dev, WriteFileProperties); err != nil {
		t.Fatalf("WriteFileProperties should be allowed while unmounting: %v", err)
	}

	if _, _, err := SystemControlDevice(dev, Delete); err != nil {
		t.Fatalf("Delete should be allowed while unmounting: %v", err)
	}
}
