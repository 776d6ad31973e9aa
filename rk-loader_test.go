package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
	"unicode/utf16"
)

const testEntrySize = 57

type testEntry struct {
	kind    EntryKind
	name    string
	payload []byte
	delay   uint32
}

var entryTypes = map[EntryKind]int32{
	Entry471:    0x1,
	Entry472:    0x2,
	EntryLoader: 0x4,
}

func encodeName(name string) [entryNameSize]byte {
	var raw [entryNameSize]byte
	for i, u := range utf16.Encode([]rune(name)) {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	return raw
}

// buildLoader lays out a header, the three entry tables back to back and
// then all payloads. It returns the file and the offset of each record.
func buildLoader(t *testing.T, entries []testEntry) ([]byte, []int) {
	t.Helper()

	var byKind [entryKindCount][]testEntry
	for _, e := range entries {
		byKind[e.kind] = append(byKind[e.kind], e)
	}

	hdr := LoaderHeader{
		Size:         loaderHeaderSize,
		Version:      0x0102,
		MergeVersion: 0x01030000,
		Year:         2021,
		Month:        7,
		Day:          14,
		Hour:         9,
		Minute:       30,
		Second:       5,
		SupportChip:  0x33353636,
		Rc4Flag:      1,
	}
	copy(hdr.Tag[:], loaderTag)

	offset := uint32(loaderHeaderSize)
	for kind := Entry471; kind < entryKindCount; kind++ {
		hdr.Tables[kind] = EntryTable{
			Count:  uint8(len(byKind[kind])),
			Offset: offset,
			Size:   testEntrySize,
		}
		offset += uint32(len(byKind[kind]) * testEntrySize)
	}

	var records bytes.Buffer
	var payloads bytes.Buffer
	var recordOffsets []int
	for kind := Entry471; kind < entryKindCount; kind++ {
		for _, e := range byKind[kind] {
			recordOffsets = append(recordOffsets, loaderHeaderSize+records.Len())
			rec := entryRecord{
				Size:          testEntrySize,
				Type:          entryTypes[e.kind],
				Name:          encodeName(e.name),
				PayloadOffset: offset + uint32(payloads.Len()),
				PayloadSize:   uint32(len(e.payload)),
				PayloadDelay:  e.delay,
			}
			if err := binary.Write(&records, binary.LittleEndian, rec); err != nil {
				t.Fatal(err)
			}
			payloads.Write(e.payload)
		}
	}

	var file bytes.Buffer
	if err := binary.Write(&file, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	file.Write(records.Bytes())
	file.Write(payloads.Bytes())
	return file.Bytes(), recordOffsets
}

func sampleEntries() []testEntry {
	return []testEntry{
		{kind: Entry471, name: "rk356x_ddr", payload: bytes.Repeat([]byte{0xd1}, 300), delay: 1},
		{kind: Entry471, name: "second", payload: []byte("abc"), delay: 0},
		{kind: Entry472, name: "usbplug", payload: bytes.Repeat([]byte{0x72}, 5000), delay: 10},
		{kind: EntryLoader, name: "FlashBoot", payload: []byte{1, 2, 3, 4}},
	}
}

func TestParseLoaderRoundTrip(t *testing.T) {
	data, _ := buildLoader(t, sampleEntries())

	ldr, err := ParseLoader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ParseLoader() error = %v", err)
	}

	h := ldr.Header
	if string(h.Tag[:]) != loaderTag {
		t.Errorf("Tag = %q", h.Tag[:])
	}
	if h.Version != 0x0102 || h.MergeVersion != 0x01030000 || h.SupportChip != 0x33353636 {
		t.Errorf("header = %+v", h)
	}
	if got := h.Time().Format("2006-01-02 15:04:05"); got != "2021-07-14 09:30:05" {
		t.Errorf("Time() = %s", got)
	}
	if h.Scrambled() {
		t.Error("Scrambled() = true for rc4 flag 1")
	}

	wantCounts := map[EntryKind]int{Entry471: 2, Entry472: 1, EntryLoader: 1}
	for kind, want := range wantCounts {
		if h.Tables[kind].Count != uint8(want) {
			t.Errorf("Tables[%s].Count = %d, want %d", kind, h.Tables[kind].Count, want)
		}
		if got := len(ldr.Entries(kind)); got != want {
			t.Errorf("len(Entries(%s)) = %d, want %d", kind, got, want)
		}
	}

	src := bytes.NewReader(data)
	i := 0
	for kind := Entry471; kind < entryKindCount; kind++ {
		for idx, e := range ldr.Entries(kind) {
			want := sampleEntries()[i]
			i++
			if e.Kind != want.kind || e.Name != want.name || e.Index != idx {
				t.Errorf("entry = %s %q [%d], want %s %q [%d]", e.Kind, e.Name, e.Index, want.kind, want.name, idx)
			}
			if e.PayloadSize != uint32(len(want.payload)) || e.PayloadDelay != want.delay {
				t.Errorf("%q: size %d delay %d", e.Name, e.PayloadSize, e.PayloadDelay)
			}
			if e.HasPayload() {
				t.Errorf("%q: payload read during parse", e.Name)
			}
			if err := e.ReadPayload(src); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(e.Payload(), want.payload) {
				t.Errorf("%q: payload mismatch", e.Name)
			}
		}
	}
}

func TestBootEntriesOrder(t *testing.T) {
	data, _ := buildLoader(t, sampleEntries())
	ldr, err := ParseLoader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, e := range ldr.BootEntries() {
		names = append(names, e.Name)
	}
	want := []string{"rk356x_ddr", "second", "usbplug"}
	if len(names) != len(want) {
		t.Fatalf("BootEntries() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("BootEntries()[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

// seekRecorder remembers every absolute offset it was asked to seek to.
type seekRecorder struct {
	*bytes.Reader
	seeks []int64
}

func (s *seekRecorder) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.Reader.Seek(offset, whence)
	s.seeks = append(s.seeks, pos)
	return pos, err
}

func TestParseLoaderBadTag(t *testing.T) {
	for _, tag := range []string{"LDR\x00", "ldr ", "RKFW", "\x00\x00\x00\x00"} {
		data, _ := buildLoader(t, sampleEntries())
		copy(data, tag)

		src := &seekRecorder{Reader: bytes.NewReader(data)}
		ldr, err := ParseLoader(src)

		var fe *FormatError
		if !errors.As(err, &fe) {
			t.Errorf("tag %q: error = %v, want FormatError", tag, err)
		}
		if ldr != nil {
			t.Errorf("tag %q: got a partial result", tag)
		}
		for _, pos := range src.seeks {
			if pos != 0 {
				t.Errorf("tag %q: seeked to 0x%x after a bad tag", tag, pos)
			}
		}
	}
}

func TestParseLoaderShortFile(t *testing.T) {
	data, _ := buildLoader(t, nil)
	_, err := ParseLoader(bytes.NewReader(data[:60]))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Errorf("error = %v, want FormatError", err)
	}
}

func TestParseLoaderEntrySizeMismatch(t *testing.T) {
	for _, size := range []byte{0, 56, 58, 0xff} {
		data, offsets := buildLoader(t, sampleEntries())
		data[offsets[2]] = size

		_, err := ParseLoader(bytes.NewReader(data))
		var fe *FormatError
		if !errors.As(err, &fe) {
			t.Errorf("size %d: error = %v, want FormatError", size, err)
			continue
		}
		if fe.Offset != int64(offsets[2]) {
			t.Errorf("size %d: error offset = 0x%x, want 0x%x", size, fe.Offset, offsets[2])
		}
	}
}

func TestParseLoaderEntryType(t *testing.T) {
	tests := []struct {
		typ  int32
		kind EntryKind
		ok   bool
	}{
		{0x1, Entry471, true},
		{0x2, Entry472, true},
		{0x4, EntryLoader, true},
		{0x0, 0, false},
		{0x3, 0, false},
		{0x8, 0, false},
		{-1, 0, false},
	}

	for _, tt := range tests {
		data, offsets := buildLoader(t, []testEntry{{kind: Entry471, name: "x"}})
		binary.LittleEndian.PutUint32(data[offsets[0]+1:], uint32(tt.typ))

		ldr, err := ParseLoader(bytes.NewReader(data))
		if !tt.ok {
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("type 0x%x: error = %v, want FormatError", tt.typ, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("type 0x%x: error = %v", tt.typ, err)
			continue
		}
		// The table an entry sits in does not decide its kind.
		if got := ldr.Entries(Entry471)[0].Kind; got != tt.kind {
			t.Errorf("type 0x%x: kind = %s, want %s", tt.typ, got, tt.kind)
		}
	}
}

func TestDecodeEntryName(t *testing.T) {
	tests := []struct {
		raw  [entryNameSize]byte
		want string
	}{
		{encodeName("boot"), "boot"},
		{encodeName(""), ""},
		{encodeName("twenty_characters_xy"), "twenty_characters_xy"},
		{encodeName("über"), "über"},
	}
	for _, tt := range tests {
		if got := decodeEntryName(tt.raw); got != tt.want {
			t.Errorf("decodeEntryName() = %q, want %q", got, tt.want)
		}
	}

	// Anything after the first null unit is ignored.
	raw := encodeName("boot")
	copy(raw[10:], []byte{'x', 0, 'y', 0})
	if got := decodeEntryName(raw); got != "boot" {
		t.Errorf("decodeEntryName() = %q, want %q", got, "boot")
	}
}

// referenceCRC32 is a bitwise IEEE CRC-32.
func referenceCRC32(data []byte) uint32 {
	crc := ^uint32(0)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xedb88320
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

func TestReadPayload(t *testing.T) {
	payload := make([]byte, 16)
	data, _ := buildLoader(t, []testEntry{{kind: Entry472, name: "zeros", payload: payload}})

	ldr, err := ParseLoader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	e := ldr.Entries(Entry472)[0]
	if e.HasPayload() || e.Payload() != nil || e.CRC() != 0 {
		t.Fatal("entry reports a payload before ReadPayload")
	}

	if err := e.ReadPayload(bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if !e.HasPayload() {
		t.Fatal("HasPayload() = false after ReadPayload")
	}
	if got, want := e.CRC(), referenceCRC32(payload); got != want {
		t.Errorf("CRC() = 0x%08x, want 0x%08x", got, want)
	}
	if got, want := e.CRC(), crc32.ChecksumIEEE(payload); got != want {
		t.Errorf("CRC() = 0x%08x, want 0x%08x", got, want)
	}
}

func TestReadPayloadTruncated(t *testing.T) {
	data, _ := buildLoader(t, []testEntry{{kind: Entry471, name: "cut", payload: make([]byte, 64)}})
	ldr, err := ParseLoader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	e := ldr.Entries(Entry471)[0]
	err = e.ReadPayload(bytes.NewReader(data[:len(data)-10]))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Errorf("ReadPayload() error = %v, want FormatError", err)
	}
	if e.HasPayload() {
		t.Error("HasPayload() = true after a failed read")
	}
}

func TestReadPayloadSizePastEnd(t *testing.T) {
	data, _ := buildLoader(t, []testEntry{{kind: Entry472, name: "huge", payload: make([]byte, 8)}})
	ldr, err := ParseLoader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	for _, size := range []uint32{0xffffffff, uint32(len(data))} {
		e := *ldr.Entries(Entry472)[0]
		e.PayloadSize = size
		err = e.ReadPayload(bytes.NewReader(data))

		var fe *FormatError
		if !errors.As(err, &fe) {
			t.Errorf("size 0x%x: ReadPayload() error = %v, want FormatError", size, err)
			continue
		}
		if fe.Offset != int64(e.PayloadOffset) {
			t.Errorf("size 0x%x: error offset = 0x%x, want 0x%x", size, fe.Offset, e.PayloadOffset)
		}
		if e.HasPayload() {
			t.Errorf("size 0x%x: HasPayload() = true", size)
		}
	}
}

func TestReadPayloadEndsAtFileEnd(t *testing.T) {
	payload := []byte("last bytes")
	data, _ := buildLoader(t, []testEntry{{kind: Entry471, name: "tail", payload: payload}})
	ldr, err := ParseLoader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	e := ldr.Entries(Entry471)[0]
	if int(e.PayloadOffset+e.PayloadSize) != len(data) {
		t.Fatalf("payload does not end the file")
	}
	if err := e.ReadPayload(bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(e.Payload(), payload) {
		t.Errorf("Payload() = %q", e.Payload())
	}
}
