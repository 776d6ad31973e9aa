package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

type Opcode byte

const (
	TestUnitReady   Opcode = 0x00
	ReadFlashId     Opcode = 0x01
	TestBadBlock    Opcode = 0x03
	ReadSector      Opcode = 0x04
	WriteSector     Opcode = 0x05
	EraseNormal     Opcode = 0x06
	EraseForce      Opcode = 0x0B
	ReadLba         Opcode = 0x14
	WriteLba        Opcode = 0x15
	EraseSystemDisk Opcode = 0x16
	ReadSdram       Opcode = 0x17
	WriteSdram      Opcode = 0x18
	ExecuteSdram    Opcode = 0x19
	ReadFlashInfo   Opcode = 0x1A
	ReadChipInfo    Opcode = 0x1B
	SetResetFlag    Opcode = 0x1E
	WriteEfuse      Opcode = 0x1F
	ReadEfuse       Opcode = 0x20
	ReadSpiFlash    Opcode = 0x21
	WriteSpiFlash   Opcode = 0x22
	WriteNewEfuse   Opcode = 0x23
	ReadNewEfuse    Opcode = 0x24
	EraseLba        Opcode = 0x25
	ReadCapability  Opcode = 0xAA
	DeviceReset     Opcode = 0xFF
)

const (
	DirectionOut byte = 0x00
	DirectionIn  byte = 0x80
)

const (
	CbwSign = 0x43425355
	CswSign = 0x53425355
)

const CbwSize = 31

const (
	FlashInfoLength    = 11
	ChipInfoLength     = 16
	MaxBulkResponse    = 512
	DefaultBulkTimeout = 5 * time.Second
)

type opcodeInfo struct {
	name      string
	direction byte
	cbLength  byte
}

var opcodes = map[Opcode]opcodeInfo{
	TestUnitReady:   {"TEST_UNIT_READY", DirectionIn, 0x06},
	ReadFlashId:     {"READ_FLASH_ID", DirectionIn, 0x06},
	TestBadBlock:    {"TEST_BAD_BLOCK", DirectionIn, 0x0a},
	ReadSector:      {"READ_SECTOR", DirectionIn, 0x0a},
	WriteSector:     {"WRITE_SECTOR", DirectionOut, 0x0a},
	EraseNormal:     {"ERASE_NORMAL", DirectionOut, 0x0a},
	EraseForce:      {"ERASE_FORCE", DirectionOut, 0x0a},
	ReadLba:         {"READ_LBA", DirectionIn, 0x0a},
	WriteLba:        {"WRITE_LBA", DirectionOut, 0x0a},
	EraseSystemDisk: {"ERASE_SYSTEMDISK", DirectionOut, 0x06},
	ReadSdram:       {"READ_SDRAM", DirectionIn, 0x0a},
	WriteSdram:      {"WRITE_SDRAM", DirectionOut, 0x0a},
	ExecuteSdram:    {"EXECUTE_SDRAM", DirectionOut, 0x0a},
	ReadFlashInfo:   {"READ_FLASH_INFO", DirectionIn, 0x06},
	ReadChipInfo:    {"READ_CHIP_INFO", DirectionIn, 0x06},
	SetResetFlag:    {"SET_RESET_FLAG", DirectionOut, 0x06},
	WriteEfuse:      {"WRITE_EFUSE", DirectionOut, 0x0a},
	ReadEfuse:       {"READ_EFUSE", DirectionIn, 0x06},
	ReadSpiFlash:    {"READ_SPI_FLASH", DirectionIn, 0x0a},
	WriteSpiFlash:   {"WRITE_SPI_FLASH", DirectionOut, 0x0a},
	WriteNewEfuse:   {"WRITE_NEW_EFUSE", DirectionOut, 0x0a},
	ReadNewEfuse:    {"READ_NEW_EFUSE", DirectionIn, 0x0a},
	EraseLba:        {"ERASE_LBA", DirectionOut, 0x0a},
	ReadCapability:  {"READ_CAPABILITY", DirectionIn, 0x06},
	DeviceReset:     {"DEVICE_RESET", DirectionOut, 0x06},
}

func (op Opcode) String() string {
	if info, ok := opcodes[op]; ok {
		return info.name
	}
	return fmt.Sprintf("Opcode(0x%02x)", byte(op))
}

type cbwcb struct {
	OpCode    byte
	Reserved  byte
	Address   uint32
	Reserved2 byte
	Length    uint16
	Reserved3 [7]byte
}

type cbw struct {
	Signature      uint32
	Tag            uint32
	TransferLength uint32
	Flags          byte
	Lun            byte
	CbwcbLength    byte
	Cbwcb          cbwcb
}

var cbwRand = rand.New(rand.NewSource(time.Now().UnixNano()))

func createCbw(op Opcode, transferLength uint32) (cbw, error) {
	info, ok := opcodes[op]
	if !ok {
		return cbw{}, &CommandError{Opcode: op, Reason: "unknown opcode"}
	}
	if transferLength >= 1<<16 {
		return cbw{}, &CommandError{Opcode: op, Reason: fmt.Sprintf("transfer length %d exceeds 65535", transferLength)}
	}

	c := cbw{
		Signature:      CbwSign,
		Tag:            cbwRand.Uint32(),
		TransferLength: transferLength,
		Flags:          info.direction,
		CbwcbLength:    info.cbLength,
	}
	c.Cbwcb.OpCode = byte(op)
	c.Cbwcb.Length = uint16(transferLength)
	return c, nil
}

func (c cbw) bytes() []byte {
	var buf bytes.Buffer
	// Fixed-size struct into a bytes.Buffer; this cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, c)
	return buf.Bytes()
}

// BuildCbw encodes a 31 byte command block wrapper for op.
func BuildCbw(op Opcode, transferLength uint32) ([]byte, error) {
	c, err := createCbw(op, transferLength)
	if err != nil {
		return nil, err
	}
	return c.bytes(), nil
}

// selectBulkEndpoints picks the first OUT endpoint and the endpoint with
// address 0x00 as IN. This only fits the devices it was written for.
func selectBulkEndpoints(eps []UsbEndpoint) (out, in UsbEndpoint, err error) {
	haveOut, haveIn := false, false
	for _, ep := range eps {
		if ep.Address == 0 && !haveIn {
			in, haveIn = ep, true
			continue
		}
		if ep.Address&endpointDirIn == 0 && !haveOut {
			out, haveOut = ep, true
		}
	}
	if !haveOut {
		return out, in, &DeviceError{Reason: "no bulk out endpoint in the active configuration"}
	}
	if !haveIn {
		return out, in, &DeviceError{Reason: "no bulk in endpoint in the active configuration"}
	}
	return out, in, nil
}

func disconnectOr(op string, err error) error {
	if errors.Is(err, ErrNoDevice) {
		return &DisconnectError{Op: op, Err: err}
	}
	return err
}

// BulkCommand sends a CBW for op and returns whatever the device answers
// with, up to 512 bytes. The trailing CSW is neither split off nor checked.
func BulkCommand(h UsbHandle, op Opcode, transferLength uint32, timeout time.Duration) ([]byte, error) {
	c, err := createCbw(op, transferLength)
	if err != nil {
		return nil, err
	}
	data := c.bytes()

	eps, err := h.Endpoints()
	if err != nil {
		return nil, disconnectOr(op.String(), err)
	}
	out, in, err := selectBulkEndpoints(eps)
	if err != nil {
		return nil, err
	}
	debugf("%s: tag 0x%08x, out %s, in %s", op, c.Tag, out, in)

	err = withInterface(h, out.Interface, func() error {
		n, err := h.BulkOut(out, data, timeout)
		if err != nil {
			return err
		}
		if n != len(data) {
			return &TransferError{Reason: fmt.Sprintf("%s: sent %d of %d cbw bytes", op, n, len(data))}
		}
		return nil
	})
	if err != nil {
		return nil, disconnectOr(op.String(), err)
	}

	var resp []byte
	err = withInterface(h, in.Interface, func() error {
		var err error
		resp, err = h.BulkIn(in, MaxBulkResponse, timeout)
		return err
	})
	if err != nil {
		return nil, disconnectOr(op.String(), err)
	}
	if len(resp) == 0 {
		return nil, &DeviceError{Reason: fmt.Sprintf("%s: empty response", op)}
	}
	return resp, nil
}

// QueryFlashInfo returns the raw READ_FLASH_INFO response.
func QueryFlashInfo(h UsbHandle) ([]byte, error) {
	return BulkCommand(h, ReadFlashInfo, FlashInfoLength, DefaultBulkTimeout)
}

func QueryChipInfo(h UsbHandle) ([]byte, error) {
	return BulkCommand(h, ReadChipInfo, ChipInfoLength, DefaultBulkTimeout)
}
