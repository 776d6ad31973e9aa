package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotmc/libusb"
)

// LIBUSB_ERROR_NO_DEVICE
const libusbErrorNoDevice = -4

// vendorOutRequestType is RequestTypeVendorOut as the binding wants it.
var vendorOutRequestType = libusb.BitmapRequestType(libusb.HostToDevice, libusb.Vendor, libusb.DeviceRecipient)

type libusbBus struct {
	ctx            *libusb.Context
	controlTimeout time.Duration
}

type libusbHandle struct {
	device         *libusb.Device
	handle         *libusb.DeviceHandle
	endpoints      map[byte]*libusb.EndpointDescriptor
	controlTimeout time.Duration
}

func newLibusbBus(controlTimeout time.Duration) (*libusbBus, error) {
	ctx, err := libusb.NewContext()
	if err != nil {
		return nil, err
	}
	return &libusbBus{ctx: ctx, controlTimeout: controlTimeout}, nil
}

func (b *libusbBus) Devices() ([]UsbDeviceInfo, error) {
	devices, err := b.ctx.GetDeviceList()
	if err != nil {
		return nil, err
	}

	infos := make([]UsbDeviceInfo, 0, len(devices))
	for _, device := range devices {
		info, err := libusbDeviceInfo(device)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func libusbDeviceInfo(device *libusb.Device) (UsbDeviceInfo, error) {
	dd, err := device.GetDeviceDescriptor()
	if err != nil {
		return UsbDeviceInfo{}, err
	}
	bus, err := device.GetBusNumber()
	if err != nil {
		return UsbDeviceInfo{}, err
	}
	addr, err := device.GetDeviceAddress()
	if err != nil {
		return UsbDeviceInfo{}, err
	}
	return UsbDeviceInfo{
		VendorID:  dd.VendorID,
		ProductID: dd.ProductID,
		BcdUSB:    uint16(dd.USBSpecification),
		Bus:       bus,
		Address:   addr,
	}, nil
}

func (b *libusbBus) Open(info UsbDeviceInfo) (UsbHandle, error) {
	devices, err := b.ctx.GetDeviceList()
	if err != nil {
		return nil, err
	}

	for _, device := range devices {
		di, err := libusbDeviceInfo(device)
		if err != nil {
			return nil, err
		}
		if di != info {
			continue
		}

		dh, err := device.Open()
		if err != nil {
			return nil, libusbError(err)
		}
		return &libusbHandle{
			device:         device,
			handle:         dh,
			endpoints:      make(map[byte]*libusb.EndpointDescriptor),
			controlTimeout: b.controlTimeout,
		}, nil
	}

	return nil, &DeviceError{Reason: fmt.Sprintf("%04x:%04x on bus %03d addr %03d is gone",
		info.VendorID, info.ProductID, info.Bus, info.Address)}
}

func (b *libusbBus) Close() error {
	return b.ctx.Close()
}

func (h *libusbHandle) ControlOut(requestType, request byte, value, index uint16, data []byte) (int, error) {
	if requestType != RequestTypeVendorOut {
		return 0, fmt.Errorf("control request type 0x%02x is not supported", requestType)
	}
	n, err := h.handle.ControlTransfer(vendorOutRequestType, request, value, index, data, len(data),
		int(h.controlTimeout/time.Millisecond))
	return n, libusbError(err)
}

func (h *libusbHandle) Endpoints() ([]UsbEndpoint, error) {
	ac, err := h.device.GetActiveConfigDescriptor()
	if err != nil {
		return nil, libusbError(err)
	}

	var eps []UsbEndpoint
	interfaces := ac.SupportedInterfaces
	for i := 0; i < len(interfaces); i++ {
		for j := 0; j < interfaces[i].NumAltSettings; j++ {
			id := interfaces[i].InterfaceDescriptors[j]
			for k := 0; k < id.NumEndpoints; k++ {
				epd := id.EndpointDescriptors[k]
				addr := byte(epd.EndpointAddress)
				h.endpoints[addr] = epd
				eps = append(eps, UsbEndpoint{Interface: i, Address: addr})
			}
		}
	}
	return eps, nil
}

func (h *libusbHandle) ClaimInterface(num int) error {
	return libusbError(h.handle.ClaimInterface(num))
}

func (h *libusbHandle) ReleaseInterface(num int) error {
	return libusbError(h.handle.ReleaseInterface(num))
}

func (h *libusbHandle) endpoint(ep UsbEndpoint) (*libusb.EndpointDescriptor, error) {
	epd, ok := h.endpoints[ep.Address]
	if !ok {
		return nil, fmt.Errorf("endpoint %s is not part of the active configuration", ep)
	}
	return epd, nil
}

func (h *libusbHandle) BulkOut(ep UsbEndpoint, data []byte, timeout time.Duration) (int, error) {
	epd, err := h.endpoint(ep)
	if err != nil {
		return 0, err
	}
	n, err := h.handle.BulkTransferOut(epd.EndpointAddress, data, int(timeout/time.Millisecond))
	return n, libusbError(err)
}

func (h *libusbHandle) BulkIn(ep UsbEndpoint, max int, timeout time.Duration) ([]byte, error) {
	epd, err := h.endpoint(ep)
	if err != nil {
		return nil, err
	}
	data, n, err := h.handle.BulkTransferIn(epd.EndpointAddress, max, int(timeout/time.Millisecond))
	if err != nil {
		return nil, libusbError(err)
	}
	return data[:n], nil
}

func (h *libusbHandle) Close() error {
	return libusbError(h.handle.Close())
}

// libusbError tags libusb's "no device" error with ErrNoDevice.
func libusbError(err error) error {
	if err == nil {
		return nil
	}
	var code libusb.ErrorCode
	if errors.As(err, &code) && code == libusbErrorNoDevice {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return err
}
