package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var manufacturerNames = []string{"SAMSUNG", "TOSHIBA", "HYNIX", "INFINEON", "MICRON", "RENESAS", "ST", "INTEL"}

type flashInfoCmd struct {
	FlashSize  uint32
	BlockSize  uint16
	PageSize   byte
	EccBits    byte
	AccessTime byte
	ManufCode  byte
	FlashCS    byte
}

// FlashInfo is a best-effort reading of a READ_FLASH_INFO response. Sizes
// are in 512 byte sectors.
type FlashInfo struct {
	Manufacturer string
	FlashSize    uint32
	BlockSize    uint16
	PageSize     byte
	EccBits      byte
	AccessTime   byte
	FlashCs      byte
}

func DecodeFlashInfo(data []byte) (FlashInfo, error) {
	fiCmd := flashInfoCmd{}
	if len(data) < binary.Size(fiCmd) {
		return FlashInfo{}, errors.New("unexpected data size in read flash info response")
	}

	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &fiCmd)
	if err != nil {
		return FlashInfo{}, err
	}

	manufacturerName := "UNKNOWN"
	if int(fiCmd.ManufCode) < len(manufacturerNames) {
		manufacturerName = manufacturerNames[fiCmd.ManufCode]
	}

	return FlashInfo{
		Manufacturer: manufacturerName,
		FlashSize:    fiCmd.FlashSize,
		BlockSize:    fiCmd.BlockSize,
		PageSize:     fiCmd.PageSize,
		EccBits:      fiCmd.EccBits,
		AccessTime:   fiCmd.AccessTime,
		FlashCs:      fiCmd.FlashCS,
	}, nil
}

func (fi FlashInfo) String() string {
	return fmt.Sprintf("flash size:   %d MiB\n"+
		"block size:   %d KiB\n"+
		"page size:    %d KiB\n"+
		"ecc bits:     %d\n"+
		"access time:  %d\n"+
		"manufacturer: %s\n"+
		"flash cs:     0x%02x",
		fi.FlashSize/2048, fi.BlockSize/2, fi.PageSize/2, fi.EccBits, fi.AccessTime, fi.Manufacturer, fi.FlashCs)
}
