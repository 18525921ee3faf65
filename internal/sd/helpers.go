package sd

import "github.com/smoynes/sdpdo/internal/irp"

// sendStateChange builds, sends, and tears down a one-shot StateChange IRP against dev. Used
// internally (e.g. a slot driving its own disk's lifecycle) and by tests.
func sendStateChange(dev *irp.Device, minor irp.MinorCode) (irp.Status, error) {
	i, err := irp.Create(dev, irp.StateChange, 0)
	if err != nil {
		return irp.InsufficientResources, err
	}
	defer irp.Destroy(i)

	irp.Initialize(i, minor)

	return irp.SendSynchronous(i)
}

// queryChildren sends a one-shot QueryChildren IRP and returns the children it reports.
func queryChildren(dev *irp.Device) ([]*irp.Device, error) {
	i, err := irp.Create(dev, irp.StateChange, 0)
	if err != nil {
		return nil, err
	}
	defer irp.Destroy(i)

	irp.Initialize(i, irp.QueryChildren)

	if _, err := irp.SendSynchronous(i); err != nil {
		return nil, err
	}

	return i.StateChange.Children, nil
}
