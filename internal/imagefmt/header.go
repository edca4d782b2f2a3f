package imagefmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Metadata is what an image header says about the image.
type Metadata struct {
	Format   Format
	Capacity uint64 // virtual size, zero when the header does not carry one

	// BackingPath is the raw backing reference stored in the image, which
	// may be relative to the image's directory or a protocol URI.
	BackingPath string
	// BackingFormat is the format recorded for the backing image. Images
	// that name a backing file without a format report FormatAuto.
	BackingFormat Format

	// Label is the volume identifier of an ISO image.
	Label string
}

const (
	qcowBackingOffset   = 8
	qcowBackingSize     = 16
	qcow2SizeOffset     = 24
	qcow1SizeOffset     = 24
	qcow2V2HeaderLength = 72
	qcow2HdrLenOffset   = 100

	qcow2ExtEnd           = 0x00000000
	qcow2ExtBackingFormat = 0xE2792ACA

	qedFeaturesOffset      = 16
	qedImageSizeOffset     = 48
	qedBackingOffsetOffset = 56
	qedBackingSizeOffset   = 60

	qedFeatureBackingFile = 0x1
	qedFeatureNoProbe     = 0x4
)

// Parse extracts metadata from buf, the leading bytes of an image already
// known to be of format. Formats without a header report only their format.
func Parse(buf []byte, format Format) (*Metadata, error) {
	md := &Metadata{Format: format}
	var err error
	switch format {
	case FormatQCOW2:
		err = parseQCOW2(buf, md)
	case FormatQCOW:
		err = parseQCOW(buf, md)
	case FormatQED:
		err = parseQED(buf, md)
	}
	if err != nil {
		return nil, fmt.Errorf("malformed %s header: %w", format, err)
	}
	return md, nil
}

func parseQCOW(buf []byte, md *Metadata) error {
	if len(buf) < qcow1SizeOffset+8 {
		return fmt.Errorf("header truncated")
	}
	md.Capacity = be64(buf, qcow1SizeOffset)

	path, err := backingName(buf, be64(buf, qcowBackingOffset), uint64(be32(buf, qcowBackingSize)))
	if err != nil {
		return err
	}
	if path != "" {
		md.BackingPath = path
		md.BackingFormat = FormatAuto
	}
	return nil
}

func parseQCOW2(buf []byte, md *Metadata) error {
	if len(buf) < qcow2V2HeaderLength {
		return fmt.Errorf("header truncated")
	}
	md.Capacity = be64(buf, qcow2SizeOffset)

	offset := be64(buf, qcowBackingOffset)
	path, err := backingName(buf, offset, uint64(be32(buf, qcowBackingSize)))
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	md.BackingPath = path

	extStart := uint64(qcow2V2HeaderLength)
	if be32(buf, 4) >= 3 {
		if len(buf) < qcow2HdrLenOffset+4 {
			return fmt.Errorf("header truncated")
		}
		extStart = uint64(be32(buf, qcow2HdrLenOffset))
	}

	format, err := qcow2BackingFormat(buf, extStart, offset)
	if err != nil {
		return err
	}
	md.BackingFormat = format
	return nil
}

// qcow2BackingFormat walks the header extensions between start and the
// backing file name looking for the backing format extension.
func qcow2BackingFormat(buf []byte, start, end uint64) (Format, error) {
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	off := start
	for off+8 <= end {
		typ := be32(buf, int(off))
		size := uint64(be32(buf, int(off+4)))
		off += 8
		if off+size > end {
			break
		}
		switch typ {
		case qcow2ExtEnd:
			return FormatAuto, nil
		case qcow2ExtBackingFormat:
			name := string(bytes.TrimRight(buf[off:off+size], "\x00"))
			f, err := ParseFormat(name)
			if err != nil || f == FormatNone {
				return FormatNone, fmt.Errorf("unknown backing format %q", name)
			}
			return f, nil
		}
		off += (size + 7) &^ 7
	}
	return FormatAuto, nil
}

func parseQED(buf []byte, md *Metadata) error {
	if len(buf) < qedBackingSizeOffset+4 {
		return fmt.Errorf("header truncated")
	}
	md.Capacity = le64(buf, qedImageSizeOffset)

	features := le64(buf, qedFeaturesOffset)
	if features&qedFeatureBackingFile == 0 {
		return nil
	}
	path, err := backingName(buf, uint64(le32(buf, qedBackingOffsetOffset)), uint64(le32(buf, qedBackingSizeOffset)))
	if err != nil {
		return err
	}
	md.BackingPath = path
	if features&qedFeatureNoProbe != 0 {
		md.BackingFormat = FormatRaw
	} else {
		md.BackingFormat = FormatAutoSafe
	}
	return nil
}

func backingName(buf []byte, offset, size uint64) (string, error) {
	if offset == 0 || size == 0 {
		return "", nil
	}
	if offset > uint64(len(buf)) || size > uint64(len(buf))-offset {
		return "", fmt.Errorf("backing file name at %d+%d lies beyond the header", offset, size)
	}
	return string(buf[offset : offset+size]), nil
}

func be32(buf []byte, off int) uint32 { return binary.BigEndian.Uint32(buf[off:]) }
func be64(buf []byte, off int) uint64 { return binary.BigEndian.Uint64(buf[off:]) }
func le32(buf []byte, off int) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }
func le64(buf []byte, off int) uint64 { return binary.LittleEndian.Uint64(buf[off:]) }
