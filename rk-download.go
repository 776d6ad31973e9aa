package main

import (
	"errors"
	"fmt"
	"time"
)

const DownloadChunkSize = 4096

const DefaultSettleDelay = time.Second

type Trailer int

const (
	// TrailerCRC32 appends the low 16 bits of the payload's CRC-32.
	TrailerCRC32 Trailer = iota
	// TrailerCCITT appends CRC-16/CCITT over the payload.
	TrailerCCITT
)

func (t Trailer) String() string {
	switch t {
	case TrailerCRC32:
		return "crc32"
	case TrailerCCITT:
		return "ccitt"
	}
	return fmt.Sprintf("Trailer(%d)", int(t))
}

func ParseTrailer(s string) (Trailer, error) {
	switch s {
	case "", "crc32":
		return TrailerCRC32, nil
	case "ccitt":
		return TrailerCCITT, nil
	}
	return 0, fmt.Errorf("unknown trailer %q", s)
}

// TransferProgress hands out a callback that is told how many bytes of
// label have been sent so far.
type TransferProgress interface {
	Track(label string, total int) func(done int)
}

type Downloader struct {
	handle   UsbHandle
	Trailer  Trailer
	Settle   time.Duration
	Progress TransferProgress

	sleep func(time.Duration)
}

func NewDownloader(handle UsbHandle) *Downloader {
	return &Downloader{
		handle: handle,
		Settle: DefaultSettleDelay,
		sleep:  time.Sleep,
	}
}

// requestIndex maps an entry kind to the wIndex of its control transfers.
func requestIndex(kind EntryKind) (uint16, bool) {
	switch kind {
	case Entry471:
		return 0x471, true
	case Entry472:
		return 0x472, true
	}
	return 0, false
}

func (d *Downloader) wirePayload(e *Entry) []byte {
	payload := e.Payload()
	var sum uint16
	switch d.Trailer {
	case TrailerCCITT:
		sum = crc16(payload)
	default:
		sum = uint16(e.CRC() & 0xffff)
	}

	data := make([]byte, len(payload), len(payload)+2)
	copy(data, payload)
	return append(data, byte(sum>>8), byte(sum))
}

// chunks splits data into size byte pieces; the last one may be shorter.
func chunks(data []byte, size int) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

// Download sends one 471 or 472 entry to a maskrom device and waits out
// the entry's delay plus the settle delay.
func (d *Downloader) Download(e *Entry) error {
	index, ok := requestIndex(e.Kind)
	if !ok {
		return &TransferError{Reason: fmt.Sprintf("unsupported entry kind %s", e.Kind)}
	}
	if !e.HasPayload() {
		return &TransferError{Index: index, Reason: fmt.Sprintf("payload of %q has not been read", e.Name)}
	}

	data := d.wirePayload(e)
	debugf("sending %s entry %q: %d bytes, crc32 0x%08x, trailer %s", e.Kind, e.Name, len(data), e.CRC(), d.Trailer)

	update := func(int) {}
	if d.Progress != nil {
		update = d.Progress.Track(fmt.Sprintf("%6s: %s", e.Kind, e.Name), len(data))
	}

	sent := 0
	for i, chunk := range chunks(data, DownloadChunkSize) {
		n, err := d.handle.ControlOut(RequestTypeVendorOut, RequestDownload, 0, index, chunk)
		if err != nil {
			if errors.Is(err, ErrNoDevice) {
				return &DisconnectError{Op: fmt.Sprintf("download of %q", e.Name), Err: err}
			}
			return &TransferError{Index: index, Chunk: i, Reason: "control transfer failed", Err: err}
		}
		if n != len(chunk) {
			return &TransferError{Index: index, Chunk: i, Reason: fmt.Sprintf("sent %d of %d bytes", n, len(chunk))}
		}
		sent += n
		update(sent)
	}

	d.sleep(time.Duration(e.PayloadDelay) * time.Millisecond)
	d.sleep(d.Settle)
	return nil
}

// DownloadAll sends entries in the given order and stops at the first failure.
func (d *Downloader) DownloadAll(entries []*Entry) error {
	for _, e := range entries {
		err := d.Download(e)
		if err != nil {
			return err
		}
	}
	return nil
}
