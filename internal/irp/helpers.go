package irp

import "fmt"

// helpers.go implements the convenience operations of spec.md §4.2: one-shot IRPs built, sent, and
// torn down in a single call. Every helper acquires the target device's shared lock for the
// duration of submission and refuses to proceed if the device has been Removed; for Unmountable
// devices in the Unmounting sub-state, only the SystemControl minor codes WriteFileProperties and
// Delete are allowed through.

func checkDeviceAccess(dev *Device, major MajorCode, minor MinorCode) error {
	dev.RLock()
	defer dev.RUnlock()

	if dev.State() == Removed {
		return fmt.Errorf("irp: %w", statusErr(DeviceNotConnected))
	}

	if dev.Unmountable && dev.Unmounting {
		if major != SystemControl || (minor != WriteFileProperties && minor != Delete) {
			return fmt.Errorf("irp: %w", statusErr(DeviceNotConnected))
		}
	}

	return nil
}

// sendOneShot creates, initializes, fills, sends, and destroys a single IRP, handing the final
// (pre-Destroy) IRP state to capture so a helper can copy out whichever params it cares about
// without copying the IRP itself (which carries a mutex).
func sendOneShot(dev *Device, major MajorCode, minor MinorCode, fill func(*IRP), capture func(*IRP)) (Status, error) {
	if err := checkDeviceAccess(dev, major, minor); err != nil {
		return DeviceNotConnected, err
	}

	dev.RLock()
	defer dev.RUnlock()

	i, err := Create(dev, major, 0)
	if err != nil {
		return InsufficientResources, err
	}
	defer Destroy(i)

	Initialize(i, minor)

	if fill != nil {
		fill(i)
	}

	status, sendErr := SendSynchronous(i)

	if capture != nil {
		capture(i)
	}

	return status, sendErr
}

// OpenDevice sends a one-shot Open IRP.
func OpenDevice(dev *Device) (Status, error) {
	return sendOneShot(dev, Open, MinorNone, nil, nil)
}

// CloseDevice sends a one-shot Close IRP.
func CloseDevice(dev *Device) (Status, error) {
	return sendOneShot(dev, Close, MinorNone, nil, nil)
}

// FileSizer is implemented by a device's context when it can report a current file size, so
// ReadDevice can clamp BytesCompleted/NewOffset against it per spec.md §4.2.
type FileSizer interface {
	FileSize() int64
}

// ReadDevice sends a one-shot Io IRP with Write=false, then clamps the reported BytesCompleted and
// NewOffset against the target's file-size property (via FileSizer on the device's Context),
// taking the minimum.
func ReadDevice(dev *Device, offset, length int64, buffer any) (Status, ReadWriteParams, error) {
	var params ReadWriteParams

	status, err := sendOneShot(dev, Io, MinorNone, func(i *IRP) {
		i.ReadWrite = ReadWriteParams{Write: false, Offset: offset, Length: length, Buffer: buffer}
	}, func(i *IRP) {
		params = i.ReadWrite
	})

	if sizer, ok := dev.Context.(FileSizer); ok {
		size := sizer.FileSize()

		maxBytes := size - offset
		if maxBytes < 0 {
			maxBytes = 0
		}

		if params.BytesCompleted > maxBytes {
			params.BytesCompleted = maxBytes
		}

		params.NewOffset = offset + params.BytesCompleted
	}

	return status, params, err
}

// WriteDevice sends a one-shot Io IRP with Write=true.
func WriteDevice(dev *Device, offset, length int64, buffer any) (Status, ReadWriteParams, error) {
	var params ReadWriteParams

	status, err := sendOneShot(dev, Io, MinorNone, func(i *IRP) {
		i.ReadWrite = ReadWriteParams{Write: true, Offset: offset, Length: length, Buffer: buffer}
	}, func(i *IRP) {
		params = i.ReadWrite
	})

	return status, params, err
}

// SystemControlDevice sends a one-shot SystemControl IRP for the given minor code.
func SystemControlDevice(dev *Device, minor MinorCode) (Status, SystemControlParams, error) {
	var params SystemControlParams

	status, err := sendOneShot(dev, SystemControl, minor, func(i *IRP) {
		i.SystemControl.Minor = minor
	}, func(i *IRP) {
		params = i.SystemControl
	})

	return status, params, err
}

// UserControlDevice sends a one-shot UserControl IRP.
func UserControlDevice(dev *Device, code MinorCode, in []byte) (Status, UserControlParams, error) {
	var params UserControlParams

	status, err := sendOneShot(dev, UserControl, code, func(i *IRP) {
		i.UserControl = UserControlParams{Code: code, In: in}
	}, func(i *IRP) {
		params = i.UserControl
	})

	return status, params, err
}
