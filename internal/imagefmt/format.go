// Package imagefmt detects disk image formats and extracts the small amount
// of header metadata the storage driver needs: the virtual size and the
// backing file reference of copy-on-write images.
//
// It is deliberately not a general image parser. Only qcow, qcow2 and qed
// carry backing references here; everything else is a terminal image.
package imagefmt

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/kdomanski/iso9660"
)

// Format is a disk image format name as used in volume definitions.
type Format string

const (
	FormatNone     Format = ""
	FormatAuto     Format = "auto"      // probe, trusting the result
	FormatAutoSafe Format = "auto-safe" // probe, but only because the image said so
	FormatRaw      Format = "raw"
	FormatDir      Format = "dir"
	FormatQCOW     Format = "qcow"
	FormatQCOW2    Format = "qcow2"
	FormatQED      Format = "qed"
	FormatVMDK     Format = "vmdk"
	FormatISO      Format = "iso"
)

// MaxHeaderSize is the number of leading bytes read from an image for
// probing and metadata extraction. It covers the ISO primary volume
// descriptor at 32 KiB.
const MaxHeaderSize = 0x8200

// Magic bytes and signatures for disk image format detection
var (
	// qcowMagic is "QFI" + 0xfb, shared by qcow (version 1) and qcow2 (2, 3).
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcowMagic = []byte{0x51, 0x46, 0x49, 0xfb}

	// qedMagic is "QED" + 0x00.
	qedMagic = []byte{0x51, 0x45, 0x44, 0x00}

	// vmdkMagic is "KDMV", the sparse extent header.
	vmdkMagic = []byte("KDMV")

	// isoMagic is the standard identifier of an ISO 9660 volume descriptor.
	isoMagic  = []byte("CD001")
	isoOffset = 32769

	// mbrSignature is the boot sector signature at offset 510-511.
	mbrSignature = []byte{0x55, 0xaa}
)

var known = map[Format]bool{
	FormatRaw: true, FormatDir: true, FormatQCOW: true, FormatQCOW2: true,
	FormatQED: true, FormatVMDK: true, FormatISO: true,
	FormatAuto: true, FormatAutoSafe: true,
}

// ParseFormat validates a format name. The empty string is FormatNone.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatNone, nil
	}
	f := Format(s)
	if !known[f] {
		return FormatNone, fmt.Errorf("unknown image format %q", s)
	}
	return f, nil
}

// HasBackingSupport reports whether images of this format can overlay a
// backing image.
func (f Format) HasBackingSupport() bool {
	return f == FormatQCOW || f == FormatQCOW2 || f == FormatQED
}

// Probe guesses the format of an image from its leading bytes. Anything
// unrecognized is raw.
func Probe(buf []byte) Format {
	if bytes.HasPrefix(buf, qcowMagic) && len(buf) >= 8 {
		if be32(buf, 4) == 1 {
			return FormatQCOW
		}
		return FormatQCOW2
	}
	if bytes.HasPrefix(buf, qedMagic) {
		return FormatQED
	}
	if bytes.HasPrefix(buf, vmdkMagic) {
		return FormatVMDK
	}
	if len(buf) >= isoOffset+len(isoMagic) && bytes.Equal(buf[isoOffset:isoOffset+len(isoMagic)], isoMagic) {
		return FormatISO
	}
	return FormatRaw
}

// IsBootable reports whether a raw image starts with an MBR boot sector.
func IsBootable(buf []byte) bool {
	return len(buf) >= 512 && bytes.Equal(buf[510:512], mbrSignature)
}

// ReadHeader reads up to MaxHeaderSize bytes from r.
func ReadHeader(r io.Reader) ([]byte, error) {
	buf := make([]byte, MaxHeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// DetectFile probes the format of the image at path and extracts its
// metadata. ISO candidates are confirmed by opening the file system, which
// also yields their label.
func DetectFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf, err := ReadHeader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	var label string
	format := Probe(buf)
	if format == FormatISO {
		img, err := iso9660.OpenImage(f)
		if err != nil {
			format = FormatRaw
		} else if l, err := img.Label(); err == nil {
			label = l
		}
	}
	md, err := Parse(buf, format)
	if err != nil {
		return nil, err
	}
	md.Label = label
	return md, nil
}
