package main

import (
	"fmt"
)

const RockchipVendorID = 0x2207

var DefaultProductIDs = []uint16{
	0x350a,
}

type BootMode int

const (
	ModeMaskrom BootMode = iota
	ModeLoader
)

func (m BootMode) String() string {
	if m == ModeMaskrom {
		return "maskrom"
	}
	return "loader"
}

// bootModeFromBcd classifies a device by the low bit of its bcdUSB field.
func bootModeFromBcd(bcd uint16) BootMode {
	if bcd&0x1 == 0 {
		return ModeMaskrom
	}
	return ModeLoader
}

type RkDeviceDesc struct {
	VendorID  uint16
	ProductID uint16
	Mode      BootMode
	Bus       int
	Address   int

	info UsbDeviceInfo
}

func (d RkDeviceDesc) String() string {
	return fmt.Sprintf("%04x:%04x on bus %03d addr %03d: %s", d.VendorID, d.ProductID, d.Bus, d.Address, d.Mode)
}

type Locator struct {
	bus        UsbBus
	VendorID   uint16
	ProductIDs []uint16
}

func NewLocator(bus UsbBus) *Locator {
	return &Locator{
		bus:        bus,
		VendorID:   RockchipVendorID,
		ProductIDs: DefaultProductIDs,
	}
}

func (l *Locator) matches(info UsbDeviceInfo) bool {
	if info.VendorID != l.VendorID {
		return false
	}
	for _, pid := range l.ProductIDs {
		if info.ProductID == pid {
			return true
		}
	}
	return false
}

// Scan returns every attached device on the allow-list, in enumeration order.
func (l *Locator) Scan() ([]RkDeviceDesc, error) {
	infos, err := l.bus.Devices()
	if err != nil {
		return nil, err
	}

	var descs []RkDeviceDesc
	for _, info := range infos {
		if !l.matches(info) {
			continue
		}
		descs = append(descs, RkDeviceDesc{
			VendorID:  info.VendorID,
			ProductID: info.ProductID,
			Mode:      bootModeFromBcd(info.BcdUSB),
			Bus:       info.Bus,
			Address:   info.Address,
			info:      info,
		})
	}
	return descs, nil
}

// Select returns the first scanned device, restricted to maskrom mode if maskromOnly is set.
func (l *Locator) Select(maskromOnly bool) (RkDeviceDesc, error) {
	descs, err := l.Scan()
	if err != nil {
		return RkDeviceDesc{}, err
	}

	for _, d := range descs {
		if maskromOnly && d.Mode != ModeMaskrom {
			continue
		}
		return d, nil
	}

	if maskromOnly && len(descs) > 0 {
		return RkDeviceDesc{}, &DeviceError{Reason: "no connected device is in maskrom mode"}
	}
	return RkDeviceDesc{}, &DeviceError{Reason: "no matching device connected"}
}

func (l *Locator) Open(d RkDeviceDesc) (UsbHandle, error) {
	return l.bus.Open(d.info)
}
