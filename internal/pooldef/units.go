package pooldef

import (
	"fmt"
	"math/bits"
	"strings"
)

// unitScale maps libvirt size units onto their multiplier. Units are
// case-insensitive; a bare prefix ("K", "M") is binary as in libvirt.
var unitScale = map[string]uint64{
	"":      1,
	"b":     1,
	"bytes": 1,
	"kb":    1000,
	"k":     1 << 10,
	"kib":   1 << 10,
	"mb":    1000 * 1000,
	"m":     1 << 20,
	"mib":   1 << 20,
	"gb":    1000 * 1000 * 1000,
	"g":     1 << 30,
	"gib":   1 << 30,
	"tb":    1000 * 1000 * 1000 * 1000,
	"t":     1 << 40,
	"tib":   1 << 40,
	"pb":    1000 * 1000 * 1000 * 1000 * 1000,
	"p":     1 << 50,
	"pib":   1 << 50,
	"eb":    1000 * 1000 * 1000 * 1000 * 1000 * 1000,
	"e":     1 << 60,
	"eib":   1 << 60,
}

// ScaleSize converts value in unit to bytes.
func ScaleSize(value uint64, unit string) (uint64, error) {
	scale, ok := unitScale[strings.ToLower(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	hi, lo := bits.Mul64(value, scale)
	if hi != 0 {
		return 0, fmt.Errorf("size %d%s overflows", value, unit)
	}
	return lo, nil
}
