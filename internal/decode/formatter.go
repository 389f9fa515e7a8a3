package decode

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// DefaultPrecision is the number of decimals used for fractional values
// when the caller does not choose otherwise.
const DefaultPrecision = 2

// Zero-pad widths for hex and binary rendering.
const (
	hexPadDigits = 4
	binPadDigits = 16
)

// Options controls value rendering.
type Options struct {
	Format    domain.DisplayFormat
	Precision int
	PadZeros  bool
}

// DefaultOptions returns decimal rendering with two-decimal precision.
func DefaultOptions() Options {
	return Options{Format: domain.FormatDec, Precision: DefaultPrecision}
}

// Format renders a value as a display string. NaN and infinities render as
// their literal names regardless of format. Format never fails.
func Format(value float64, opts Options) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}

	switch opts.Format {
	case domain.FormatHex:
		return formatBase(value, 16, hexPadDigits, "0x", opts.PadZeros)
	case domain.FormatBin:
		return formatBase(value, 2, binPadDigits, "0b", opts.PadZeros)
	default:
		return formatDec(value, opts.Precision)
	}
}

// formatDec renders integers unmodified and fractional values with the
// given number of decimals.
func formatDec(value float64, precision int) string {
	if value == math.Trunc(value) {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	if precision < 0 {
		precision = DefaultPrecision
	}
	return strconv.FormatFloat(value, 'f', precision, 64)
}

// formatBase renders abs(floor(value)) in the given base, uppercased, with
// an optional zero pad and a sign-aware prefix.
func formatBase(value float64, base, padDigits int, prefix string, pad bool) string {
	floored := math.Floor(value)
	neg := floored < 0

	digits := strings.ToUpper(strconv.FormatUint(uint64(math.Abs(floored)), base))
	if pad && len(digits) < padDigits {
		digits = strings.Repeat("0", padDigits-len(digits)) + digits
	}

	if neg {
		return "-" + prefix + digits
	}
	return prefix + digits
}

// displayInteger is the default rendering for integer-typed values.
func displayInteger(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// displayFloat is the default rendering for float32 values: two decimals,
// with non-finite values spelled out.
func displayFloat(value float64) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	return fmt.Sprintf("%.2f", value)
}
