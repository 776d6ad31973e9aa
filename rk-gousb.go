package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/gousb"
)

type gousbBus struct {
	ctx            *gousb.Context
	controlTimeout time.Duration
}

type gousbHandle struct {
	dev     *gousb.Device
	config  *gousb.Config
	claimed map[int]*gousb.Interface
}

func newGousbBus(controlTimeout time.Duration) *gousbBus {
	return &gousbBus{ctx: gousb.NewContext(), controlTimeout: controlTimeout}
}

func gousbDeviceInfo(desc *gousb.DeviceDesc) UsbDeviceInfo {
	return UsbDeviceInfo{
		VendorID:  uint16(desc.Vendor),
		ProductID: uint16(desc.Product),
		BcdUSB:    uint16(desc.Spec),
		Bus:       desc.Bus,
		Address:   desc.Address,
	}
}

func (b *gousbBus) Devices() ([]UsbDeviceInfo, error) {
	var infos []UsbDeviceInfo
	// Never opens anything, only collects descriptors.
	_, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		infos = append(infos, gousbDeviceInfo(desc))
		return false
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (b *gousbBus) Open(info UsbDeviceInfo) (UsbHandle, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return gousbDeviceInfo(desc) == info
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, gousbError(err)
		}
		return nil, &DeviceError{Reason: fmt.Sprintf("%04x:%04x on bus %03d addr %03d is gone",
			info.VendorID, info.ProductID, info.Bus, info.Address)}
	}
	for _, d := range devs[1:] {
		d.Close()
	}

	dev := devs[0]
	dev.ControlTimeout = b.controlTimeout
	autoDetach(dev)
	return &gousbHandle{dev: dev, claimed: make(map[int]*gousb.Interface)}, nil
}

type autoDetacher interface {
	SetAutoDetach(autodetach bool) error
}

// autoDetach lets the kernel driver go while an interface is claimed. A
// failure is not fatal here, the claim reports it.
func autoDetach(dev autoDetacher) {
	err := dev.SetAutoDetach(true)
	if err != nil {
		debugf("auto detach of the kernel driver failed: %v", err)
	}
}

func (b *gousbBus) Close() error {
	return b.ctx.Close()
}

func (h *gousbHandle) ControlOut(requestType, request byte, value, index uint16, data []byte) (int, error) {
	n, err := h.dev.Control(requestType, request, value, index, data)
	return n, gousbError(err)
}

func (h *gousbHandle) Endpoints() ([]UsbEndpoint, error) {
	num, err := h.dev.ActiveConfigNum()
	if err != nil {
		return nil, gousbError(err)
	}
	cfg, ok := h.dev.Desc.Configs[num]
	if !ok {
		return nil, fmt.Errorf("active configuration %d has no descriptor", num)
	}

	var eps []UsbEndpoint
	for _, intf := range cfg.Interfaces {
		for _, alt := range intf.AltSettings {
			for _, ep := range sortedEndpoints(alt.Endpoints) {
				eps = append(eps, UsbEndpoint{Interface: intf.Number, Address: byte(ep.Address)})
			}
		}
	}
	return eps, nil
}

// sortedEndpoints orders a setting's endpoints by address; gousb keeps them in a map.
func sortedEndpoints(m map[gousb.EndpointAddress]gousb.EndpointDesc) []gousb.EndpointDesc {
	eps := make([]gousb.EndpointDesc, 0, len(m))
	for _, ep := range m {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool {
		return eps[i].Address < eps[j].Address
	})
	return eps
}

func (h *gousbHandle) ClaimInterface(num int) error {
	if h.config == nil {
		cnum, err := h.dev.ActiveConfigNum()
		if err != nil {
			return gousbError(err)
		}
		cfg, err := h.dev.Config(cnum)
		if err != nil {
			return gousbError(err)
		}
		h.config = cfg
	}
	intf, err := h.config.Interface(num, 0)
	if err != nil {
		return gousbError(err)
	}
	h.claimed[num] = intf
	return nil
}

func (h *gousbHandle) ReleaseInterface(num int) error {
	intf, ok := h.claimed[num]
	if !ok {
		return fmt.Errorf("interface %d is not claimed", num)
	}
	intf.Close()
	delete(h.claimed, num)
	return nil
}

func (h *gousbHandle) claimedInterface(ep UsbEndpoint) (*gousb.Interface, error) {
	intf, ok := h.claimed[ep.Interface]
	if !ok {
		return nil, fmt.Errorf("endpoint %s used without claiming its interface", ep)
	}
	return intf, nil
}

func (h *gousbHandle) BulkOut(ep UsbEndpoint, data []byte, timeout time.Duration) (int, error) {
	intf, err := h.claimedInterface(ep)
	if err != nil {
		return 0, err
	}
	out, err := intf.OutEndpoint(int(ep.Address & 0x0f))
	if err != nil {
		return 0, gousbError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := out.WriteContext(ctx, data)
	return n, gousbError(err)
}

func (h *gousbHandle) BulkIn(ep UsbEndpoint, max int, timeout time.Duration) ([]byte, error) {
	intf, err := h.claimedInterface(ep)
	if err != nil {
		return nil, err
	}
	in, err := intf.InEndpoint(int(ep.Address & 0x0f))
	if err != nil {
		return nil, gousbError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, max)
	n, err := in.ReadContext(ctx, buf)
	if err != nil {
		return nil, gousbError(err)
	}
	return buf[:n], nil
}

func (h *gousbHandle) Close() error {
	for num, intf := range h.claimed {
		intf.Close()
		delete(h.claimed, num)
	}
	if h.config != nil {
		h.config.Close()
		h.config = nil
	}
	return gousbError(h.dev.Close())
}

func gousbError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice) {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return err
}
