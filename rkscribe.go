package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/akamensky/argparse"
)

type options struct {
	backend     string
	vendorID    uint16
	productIDs  []uint16
	maskromOnly bool
	trailer     Trailer
	settle      time.Duration
}

func main() {
	log.SetPrefix("rkscribe: ")
	log.SetFlags(0)

	parser := argparse.NewParser("rkscribe", "Boots Rockchip devices in maskrom mode over USB")

	backend := parser.Selector("b", "backend", []string{"libusb", "gousb"}, &argparse.Options{Required: false, Help: "USB library to use", Default: "libusb"})
	vid := parser.Int("v", "vendor-id", &argparse.Options{Required: false, Help: "Vendor ID of the USB device, defaults to 0x2207", Default: RockchipVendorID})
	pids := parser.List("p", "product-id", &argparse.Options{Required: false, Help: "Accepted product ID, may be repeated, defaults to 0x350a"})
	verb := parser.Flag("d", "debug", &argparse.Options{Required: false, Help: "Log every transfer", Default: false})

	listCmd := parser.NewCommand("list", "List connected devices")

	infoCmd := parser.NewCommand("info", "Print the header and entries of a loader file")
	infoFile := infoCmd.String("f", "file", &argparse.Options{Required: true, Help: "Loader file or RKFW update image"})

	extractCmd := parser.NewCommand("extract", "Write every entry payload of a loader file to a directory")
	extractFile := extractCmd.String("f", "file", &argparse.Options{Required: true, Help: "Loader file or RKFW update image"})
	extractDir := extractCmd.String("o", "out", &argparse.Options{Required: false, Help: "Output directory", Default: "."})
	extractRaw := extractCmd.Flag("r", "raw", &argparse.Options{Required: false, Help: "Keep scrambled payloads as they are", Default: false})

	bootCmd := parser.NewCommand("download-boot", "Send the 471 and 472 entries of a loader to a maskrom device")
	bootFile := bootCmd.String("f", "file", &argparse.Options{Required: true, Help: "Loader file or RKFW update image"})
	bootAll := bootCmd.Flag("a", "all-modes", &argparse.Options{Required: false, Help: "Also accept devices not in maskrom mode", Default: false})
	bootTrailer := bootCmd.Selector("t", "trailer", []string{"crc32", "ccitt"}, &argparse.Options{Required: false, Help: "Checksum appended to each payload", Default: "crc32"})
	bootSettle := bootCmd.Int("s", "settle", &argparse.Options{Required: false, Help: "Extra delay after each entry in milliseconds", Default: int(DefaultSettleDelay / time.Millisecond)})

	flashCmd := parser.NewCommand("flash-info", "Query flash information from a device")
	flashAll := flashCmd.Flag("a", "all-modes", &argparse.Options{Required: false, Help: "Also accept devices not in maskrom mode", Default: false})

	chipCmd := parser.NewCommand("chip-info", "Query chip information from a device")
	chipAll := chipCmd.Flag("a", "all-modes", &argparse.Options{Required: false, Help: "Also accept devices not in maskrom mode", Default: false})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	verbose = *verb

	opts := options{
		backend:     *backend,
		vendorID:    uint16(*vid),
		productIDs:  DefaultProductIDs,
		maskromOnly: true,
		settle:      DefaultSettleDelay,
	}
	if len(*pids) > 0 {
		opts.productIDs, err = parseProductIDs(*pids)
		if err != nil {
			log.Fatal(err)
		}
	}

	switch {
	case listCmd.Happened():
		err = listDevices(opts)
	case infoCmd.Happened():
		err = printLoaderInfo(*infoFile)
	case extractCmd.Happened():
		err = extractLoader(*extractFile, *extractDir, *extractRaw)
	case bootCmd.Happened():
		opts.maskromOnly = !*bootAll
		opts.settle = time.Duration(*bootSettle) * time.Millisecond
		opts.trailer, err = ParseTrailer(*bootTrailer)
		if err == nil {
			err = downloadBoot(opts, *bootFile)
		}
	case flashCmd.Happened():
		opts.maskromOnly = !*flashAll
		err = queryDevice(opts, QueryFlashInfo, printFlashInfo)
	case chipCmd.Happened():
		opts.maskromOnly = !*chipAll
		err = queryDevice(opts, QueryChipInfo, printChipInfo)
	}

	if err != nil {
		if IsDisconnect(err) {
			log.Fatalf("device disconnected: %v", err)
		}
		log.Fatal(err)
	}
}

func parseProductIDs(list []string) ([]uint16, error) {
	var ids []uint16
	for _, s := range list {
		for _, f := range strings.Split(s, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(f), 0, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid product id %q: %w", f, err)
			}
			ids = append(ids, uint16(id))
		}
	}
	return ids, nil
}

var busOpener = openBus

func newLocator(opts options) (*Locator, UsbBus, error) {
	bus, err := busOpener(opts.backend, DefaultBulkTimeout)
	if err != nil {
		return nil, nil, err
	}
	loc := NewLocator(bus)
	loc.VendorID = opts.vendorID
	loc.ProductIDs = opts.productIDs
	return loc, bus, nil
}

func listDevices(opts options) error {
	loc, bus, err := newLocator(opts)
	if err != nil {
		return err
	}
	defer bus.Close()

	devs, err := loc.Scan()
	if err != nil {
		return err
	}
	for _, d := range devs {
		fmt.Println(d)
	}
	return nil
}

// openDevice picks the single connected device and opens it.
func openDevice(loc *Locator, maskromOnly bool) (UsbHandle, error) {
	devs, err := loc.Scan()
	if err != nil {
		return nil, err
	}
	if len(devs) > 1 {
		return nil, &DeviceError{Reason: fmt.Sprintf("%d devices connected, expected one", len(devs))}
	}

	dev, err := loc.Select(maskromOnly)
	if err != nil {
		return nil, err
	}
	debugf("using %s", dev)
	return loc.Open(dev)
}

type loaderInput struct {
	file   *os.File
	src    io.ReadSeeker
	loader *LoaderFile
}

func openLoader(path string) (*loaderInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	src, err := OpenLoaderSource(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	ldr, err := ParseLoader(src)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &loaderInput{file: f, src: src, loader: ldr}, nil
}

func printLoaderInfo(path string) error {
	in, err := openLoader(path)
	if err != nil {
		return err
	}
	defer in.file.Close()

	h := in.loader.Header
	fmt.Printf("     version: 0x%08x\n", h.Version)
	fmt.Printf("merge version: 0x%08x\n", h.MergeVersion)
	fmt.Printf("     created: %s\n", h.Time().Format("2006-01-02 15:04:05"))
	fmt.Printf("        chip: 0x%08x\n", h.SupportChip)
	fmt.Printf("   sign flag: %d\n", h.SignFlag)
	fmt.Printf("    rc4 flag: %d\n", h.Rc4Flag)

	for kind := Entry471; kind < entryKindCount; kind++ {
		for _, e := range in.loader.Entries(kind) {
			fmt.Printf("%6s[%d] %-20s offset 0x%08x size %8d delay %d ms\n",
				e.Kind, e.Index, e.Name, e.PayloadOffset, e.PayloadSize, e.PayloadDelay)
		}
	}
	return nil
}

func extractLoader(path string, dir string, raw bool) error {
	in, err := openLoader(path)
	if err != nil {
		return err
	}
	defer in.file.Close()

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}

	unscramble := !raw && in.loader.Header.Scrambled()
	for kind := Entry471; kind < entryKindCount; kind++ {
		for _, e := range in.loader.Entries(kind) {
			err := e.ReadPayload(in.src)
			if err != nil {
				return err
			}

			data := append([]byte(nil), e.Payload()...)
			if unscramble {
				rc4Blocks(data)
			}

			name := filepath.Join(dir, entryFileName(e))
			err = os.WriteFile(name, data, 0644)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d bytes, crc32 0x%08x)\n", name, len(data), e.CRC())
		}
	}
	return nil
}

func entryFileName(e *Entry) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, e.Name)
	return fmt.Sprintf("%s-%d-%s.bin", e.Kind, e.Index, name)
}

func downloadBoot(opts options, path string) error {
	in, err := openLoader(path)
	if err != nil {
		return err
	}
	defer in.file.Close()

	entries := in.loader.BootEntries()
	if len(entries) == 0 {
		return errors.New("loader has no 471 or 472 entries")
	}
	err = ReadPayloads(in.src, entries)
	if err != nil {
		return err
	}

	loc, bus, err := newLocator(opts)
	if err != nil {
		return err
	}
	defer bus.Close()

	handle, err := openDevice(loc, opts.maskromOnly)
	if err != nil {
		return err
	}
	defer handle.Close()

	progress, stop := newProgress()
	defer stop()

	dl := NewDownloader(handle)
	dl.Trailer = opts.trailer
	dl.Settle = opts.settle
	dl.Progress = progress
	return dl.DownloadAll(entries)
}

func queryDevice(opts options, query func(UsbHandle) ([]byte, error), show func([]byte)) error {
	loc, bus, err := newLocator(opts)
	if err != nil {
		return err
	}
	defer bus.Close()

	handle, err := openDevice(loc, opts.maskromOnly)
	if err != nil {
		return err
	}
	defer handle.Close()

	data, err := query(handle)
	if err != nil {
		return err
	}
	show(data)
	return nil
}

func printFlashInfo(data []byte) {
	fmt.Print(hex.Dump(data))
	fi, err := DecodeFlashInfo(data)
	if err != nil {
		return
	}
	fmt.Println(fi)
}

func printChipInfo(data []byte) {
	fmt.Print(hex.Dump(data))
}
