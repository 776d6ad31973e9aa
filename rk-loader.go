package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
	"unicode/utf16"
)

const loaderTag = "LDR "

const loaderHeaderSize = 102
const entryNameSize = 40

type EntryKind int

// Tables are decoded in this order.
const (
	Entry471 EntryKind = iota
	Entry472
	EntryLoader
	entryKindCount
)

func (k EntryKind) String() string {
	switch k {
	case Entry471:
		return "471"
	case Entry472:
		return "472"
	case EntryLoader:
		return "loader"
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

func entryKindFromType(t int32) (EntryKind, bool) {
	switch t {
	case 0x1:
		return Entry471, true
	case 0x2:
		return Entry472, true
	case 0x4:
		return EntryLoader, true
	}
	return 0, false
}

type EntryTable struct {
	Count  uint8
	Offset uint32
	Size   uint8
}

type LoaderHeader struct {
	Tag          [4]byte
	Size         uint16
	Version      uint32
	MergeVersion uint32
	Year         uint16
	Month        uint8
	Day          uint8
	Hour         uint8
	Minute       uint8
	Second       uint8
	SupportChip  uint32
	Tables       [entryKindCount]EntryTable
	SignFlag     uint8
	Rc4Flag      uint8
	// The last four bytes are said to hold a CRC; they have only ever been seen zeroed.
	Reserved [57]byte
}

func (h *LoaderHeader) Time() time.Time {
	return time.Date(int(h.Year), time.Month(h.Month), int(h.Day),
		int(h.Hour), int(h.Minute), int(h.Second), 0, time.UTC)
}

// Scrambled reports whether the payloads are RC4 scrambled.
func (h *LoaderHeader) Scrambled() bool {
	return h.Rc4Flag == 0
}

type entryRecord struct {
	Size          uint8
	Type          int32
	Name          [entryNameSize]byte
	PayloadOffset uint32
	PayloadSize   uint32
	PayloadDelay  uint32
}

type entryPayload struct {
	data []byte
	crc  uint32
}

// Entry is one payload segment of a loader container. Its payload stays
// unread until ReadPayload is called.
type Entry struct {
	Kind          EntryKind
	Index         int
	Name          string
	PayloadOffset uint32
	PayloadSize   uint32
	// PayloadDelay is kept as given by the container and waited out after
	// the entry has been sent.
	PayloadDelay uint32

	payload *entryPayload
}

// ReadPayload reads the payload bytes from src and computes their CRC-32.
// A payload reaching past the end of src is a FormatError.
func (e *Entry) ReadPayload(src io.ReadSeeker) error {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if int64(e.PayloadOffset)+int64(e.PayloadSize) > size {
		return &FormatError{
			Offset: int64(e.PayloadOffset),
			Reason: fmt.Sprintf("payload of %s entry %q (%d bytes) ends past the file end 0x%x",
				e.Kind, e.Name, e.PayloadSize, size),
		}
	}

	_, err = src.Seek(int64(e.PayloadOffset), io.SeekStart)
	if err != nil {
		return err
	}

	data := make([]byte, e.PayloadSize)
	_, err = io.ReadFull(src, data)
	if err != nil {
		return fmt.Errorf("read payload of %s entry %q: %w", e.Kind, e.Name, err)
	}

	e.payload = &entryPayload{
		data: data,
		crc:  crc32.ChecksumIEEE(data),
	}
	return nil
}

func (e *Entry) HasPayload() bool {
	return e.payload != nil
}

// Payload returns nil until ReadPayload succeeded.
func (e *Entry) Payload() []byte {
	if e.payload == nil {
		return nil
	}
	return e.payload.data
}

func (e *Entry) CRC() uint32 {
	if e.payload == nil {
		return 0
	}
	return e.payload.crc
}

type LoaderFile struct {
	Header  LoaderHeader
	entries [entryKindCount][]*Entry
}

func (l *LoaderFile) Entries(kind EntryKind) []*Entry {
	if kind < 0 || kind >= entryKindCount {
		return nil
	}
	return l.entries[kind]
}

// BootEntries returns all 471 entries followed by all 472 entries, in table order.
func (l *LoaderFile) BootEntries() []*Entry {
	var entries []*Entry
	entries = append(entries, l.entries[Entry471]...)
	entries = append(entries, l.entries[Entry472]...)
	return entries
}

// ReadPayloads reads the payload of every given entry from src.
func ReadPayloads(src io.ReadSeeker, entries []*Entry) error {
	for _, e := range entries {
		err := e.ReadPayload(src)
		if err != nil {
			return err
		}
	}
	return nil
}

func ParseLoader(src io.ReadSeeker) (*LoaderFile, error) {
	_, err := src.Seek(0, io.SeekStart)
	if err != nil {
		return nil, err
	}

	ldr := &LoaderFile{}
	err = binary.Read(src, binary.LittleEndian, &ldr.Header)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FormatError{Reason: "file is shorter than the loader header"}
		}
		return nil, err
	}

	if string(ldr.Header.Tag[:]) != loaderTag {
		return nil, &FormatError{Reason: fmt.Sprintf("unexpected tag %q", ldr.Header.Tag[:])}
	}

	for kind := Entry471; kind < entryKindCount; kind++ {
		table := ldr.Header.Tables[kind]
		for i := 0; i < int(table.Count); i++ {
			offset := int64(table.Offset) + int64(i)*int64(table.Size)
			entry, err := readEntry(src, offset, table.Size)
			if err != nil {
				return nil, err
			}
			entry.Index = i
			ldr.entries[kind] = append(ldr.entries[kind], entry)
		}
	}

	return ldr, nil
}

func readEntry(src io.ReadSeeker, offset int64, size uint8) (*Entry, error) {
	_, err := src.Seek(offset, io.SeekStart)
	if err != nil {
		return nil, err
	}

	rec := entryRecord{}
	err = binary.Read(src, binary.LittleEndian, &rec)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FormatError{Offset: offset, Reason: "entry record runs past end of file"}
		}
		return nil, err
	}

	if rec.Size != size {
		return nil, &FormatError{
			Offset: offset,
			Reason: fmt.Sprintf("entry declares size %d, header table says %d", rec.Size, size),
		}
	}

	kind, ok := entryKindFromType(rec.Type)
	if !ok {
		return nil, &FormatError{Offset: offset, Reason: fmt.Sprintf("unknown entry type 0x%x", rec.Type)}
	}

	return &Entry{
		Kind:          kind,
		Name:          decodeEntryName(rec.Name),
		PayloadOffset: rec.PayloadOffset,
		PayloadSize:   rec.PayloadSize,
		PayloadDelay:  rec.PayloadDelay,
	}, nil
}

func decodeEntryName(raw [entryNameSize]byte) string {
	units := make([]uint16, 0, entryNameSize/2)
	for i := 0; i < entryNameSize; i += 2 {
		u := binary.LittleEndian.Uint16(raw[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
