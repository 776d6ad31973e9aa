package main

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const rkfwTag = "RKFW"

const md5TrailerSize = 32

type RkfwHeader struct {
	Tag          [4]byte
	HeadLen      uint16
	Version      uint32
	Code         uint32
	Year         uint16
	Month        uint8
	Day          uint8
	Hour         uint8
	Minute       uint8
	Second       uint8
	Chip         uint32
	LoaderOffset uint32
	LoaderLength uint32
	ImageOffset  uint32
	ImageLength  uint32
}

// OpenLoaderSource returns the loader container held by r. A bare loader
// file is returned whole; an RKFW update image is MD5 checked and its
// embedded loader region returned.
func OpenLoaderSource(r io.ReaderAt, size int64) (io.ReadSeeker, error) {
	var tag [4]byte
	n, err := r.ReadAt(tag[:], 0)
	if n < len(tag) {
		if err == nil || err == io.EOF {
			return nil, &FormatError{Reason: "file is too short"}
		}
		return nil, err
	}

	if string(tag[:]) != rkfwTag {
		return io.NewSectionReader(r, 0, size), nil
	}

	hdr, err := readRkfwHeader(r)
	if err != nil {
		return nil, err
	}

	err = checkMd5(r, size)
	if err != nil {
		return nil, err
	}

	end := int64(hdr.LoaderOffset) + int64(hdr.LoaderLength)
	if hdr.LoaderLength == 0 || end > size-md5TrailerSize {
		return nil, &FormatError{Offset: int64(hdr.LoaderOffset), Reason: "update image loader region is out of bounds"}
	}
	debugf("RKFW image: loader at 0x%x, %d bytes", hdr.LoaderOffset, hdr.LoaderLength)

	return io.NewSectionReader(r, int64(hdr.LoaderOffset), int64(hdr.LoaderLength)), nil
}

func readRkfwHeader(r io.ReaderAt) (RkfwHeader, error) {
	header := RkfwHeader{}
	buf := make([]byte, binary.Size(header))
	n, err := r.ReadAt(buf, 0)
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			return header, &FormatError{Reason: "update image header is truncated"}
		}
		return header, err
	}

	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &header)
	if err != nil {
		return header, err
	}
	return header, nil
}

// checkMd5 compares the MD5 of everything but the last 32 bytes against
// those bytes, which hold it as lower case hex.
func checkMd5(r io.ReaderAt, size int64) error {
	if size <= md5TrailerSize {
		return &FormatError{Reason: "update image has no md5 trailer"}
	}

	hash := md5.New()
	_, err := io.Copy(hash, io.NewSectionReader(r, 0, size-md5TrailerSize))
	if err != nil {
		return err
	}

	trailer := make([]byte, md5TrailerSize)
	_, err = r.ReadAt(trailer, size-md5TrailerSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if string(trailer) != sum {
		return &FormatError{
			Offset: size - md5TrailerSize,
			Reason: fmt.Sprintf("md5 check failed: image says %q, computed %s", trailer, sum),
		}
	}
	return nil
}
