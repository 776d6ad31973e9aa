package main

import (
	"fmt"
	"time"
)

const (
	RequestTypeVendorOut byte = 0x40
	RequestDownload      byte = 0x0C
)

const endpointDirIn = 0x80

// UsbDeviceInfo is what enumeration reports about one attached device.
type UsbDeviceInfo struct {
	VendorID  uint16
	ProductID uint16
	// BcdUSB is the USB specification release field of the device descriptor.
	BcdUSB  uint16
	Bus     int
	Address int
}

type UsbEndpoint struct {
	Interface int
	Address   byte
}

func (ep UsbEndpoint) String() string {
	return fmt.Sprintf("if%d/ep0x%02x", ep.Interface, ep.Address)
}

// UsbBus enumerates and opens devices.
type UsbBus interface {
	Devices() ([]UsbDeviceInfo, error)
	Open(info UsbDeviceInfo) (UsbHandle, error)
	Close() error
}

// UsbHandle is an opened device. Errors caused by the device going away
// must wrap ErrNoDevice.
type UsbHandle interface {
	ControlOut(requestType, request byte, value, index uint16, data []byte) (int, error)
	// Endpoints lists the endpoints of the active configuration's interface settings.
	Endpoints() ([]UsbEndpoint, error)
	ClaimInterface(num int) error
	ReleaseInterface(num int) error
	BulkOut(ep UsbEndpoint, data []byte, timeout time.Duration) (int, error)
	BulkIn(ep UsbEndpoint, max int, timeout time.Duration) ([]byte, error)
	Close() error
}

func openBus(backend string, controlTimeout time.Duration) (UsbBus, error) {
	switch backend {
	case "", "libusb":
		bus, err := newLibusbBus(controlTimeout)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "gousb":
		return newGousbBus(controlTimeout), nil
	}
	return nil, fmt.Errorf("unknown usb backend %q", backend)
}

// withInterface claims num for the duration of fn and always releases it.
func withInterface(h UsbHandle, num int, fn func() error) (err error) {
	err = h.ClaimInterface(num)
	if err != nil {
		return err
	}
	defer func() {
		rerr := h.ReleaseInterface(num)
		if err == nil {
			err = rerr
		}
	}()
	return fn()
}
