// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/Alia5/vkey/device"
	"github.com/Alia5/vkey/usb"
	"github.com/Alia5/vkey/usbip"
)

const basepath = "/sys/devices/platform/vhci_hcd.0/usb"

var (
	globalBusCounter uint32
	allocatedBusIds  = make(map[uint32]bool)
	globalMutex      sync.Mutex
)

// VirtualBus manages USB bus topology and auto-assigns device addresses.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []busDevice
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

type busDevice struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new VirtualBus instance with a unique auto-assigned bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	busId := globalBusCounter
	if busId == 0 {
		busId = 1
	}
	for allocatedBusIds[busId] {
		busId++
	}
	globalBusCounter = busId + 1
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}
}

// NewWithBusId creates a new VirtualBus instance starting at a specific bus number.
// Returns an error if the bus number is already allocated.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if busId == 0 {
		return nil, fmt.Errorf("bus number 0 is reserved")
	}
	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}, nil
}

// Add registers dev on the bus with the lowest free device number.
// Returns a context that is cancelled when the device is removed; it
// carries the export metadata (see device.GetDeviceMeta).
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on this bus")
		}
	}
	var devID uint32
	for i := uint32(1); ; i++ {
		if !vb.allocatedDevIDs[i] {
			devID = i
			vb.allocatedDevIDs[i] = true
			break
		}
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	path := fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID)

	meta := &usbip.ExportMeta{BusId: vb.busId, DevId: devID}
	copy(meta.Path[:], path)
	copy(meta.USBBusId[:], busDevID)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = device.WithDeviceMeta(ctx, meta)

	vb.devices = append(vb.devices, busDevice{dev: dev, meta: *meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// GetAllDeviceMetas returns a copy of all registered devices with their export metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// Devices returns all devices currently attached to this bus.
func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// RemoveDeviceByID removes a device by its device number (e.g. "1").
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	id, err := strconv.ParseUint(deviceID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid device id %q: %w", deviceID, err)
	}
	return vb.remove(func(d busDevice) bool { return d.meta.DevId == uint32(id) },
		fmt.Errorf("device with id %s not found on bus %d", deviceID, vb.BusID()))
}

// Remove unregisters dev, cancels its context and closes it if it is an
// io.Closer.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	return vb.remove(func(d busDevice) bool { return d.dev == dev }, fmt.Errorf("device not found"))
}

func (vb *VirtualBus) remove(match func(busDevice) bool, notFound error) error {
	vb.mutex.Lock()
	var found *busDevice
	for i, d := range vb.devices {
		if match(d) {
			found = &d
			delete(vb.allocatedDevIDs, d.meta.DevId)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			break
		}
	}
	vb.mutex.Unlock()

	if found == nil {
		return notFound
	}
	// Closing may wait on the device's worker; never do it under the bus lock.
	return closeDevice(*found)
}

// Close removes and closes every device and frees the bus number.
// After calling Close, this VirtualBus instance should not be used.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	devices := vb.devices
	vb.devices = nil
	vb.allocatedDevIDs = make(map[uint32]bool)
	vb.mutex.Unlock()

	var errs []error
	for _, d := range devices {
		errs = append(errs, closeDevice(d))
	}

	globalMutex.Lock()
	delete(allocatedBusIds, vb.busId)
	globalMutex.Unlock()

	return errors.Join(errs...)
}

// GetDeviceContext returns the context for a specific device.
// Returns nil if the device is not found.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i := range vb.devices {
		if vb.devices[i].dev == dev {
			return vb.devices[i].ctx
		}
	}
	return nil
}

func closeDevice(d busDevice) error {
	if d.cancel != nil {
		d.cancel()
	}
	if c, ok := d.dev.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close device %s: %w", d.meta.BusIDString(), err)
		}
	}
	return nil
}
