// Package decode converts raw 16-bit register words into typed values and
// renders them for display.
package decode

import (
	"fmt"
	"math"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// Decode converts a sequence of raw register words read at startAddress
// into typed values. 32-bit types consume words in pairs, high word first
// (big-endian register order); a trailing unpaired word is dropped. An
// unsupported data type yields exactly one failed value carrying the first
// raw word. Decode never panics and never returns an error: failures are
// recorded inside the values themselves.
func Decode(words []uint16, dataType domain.DataType, startAddress int) []domain.DecodedValue {
	if len(words) == 0 {
		return []domain.DecodedValue{}
	}

	switch dataType {
	case domain.DataTypeUInt16, domain.DataTypeInt16:
		return decodeWords(words, dataType, startAddress)
	case domain.DataTypeUInt32, domain.DataTypeInt32, domain.DataTypeFloat32:
		return decodePairs(words, dataType, startAddress)
	default:
		return []domain.DecodedValue{{
			Address:  startAddress,
			RawValue: uint32(words[0]),
			DataType: dataType,
			Success:  false,
			Error:    fmt.Sprintf("%v: %q", domain.ErrUnsupportedDataType, dataType),
		}}
	}
}

// decodeWords handles the one-word-per-value types.
func decodeWords(words []uint16, dataType domain.DataType, start int) []domain.DecodedValue {
	out := make([]domain.DecodedValue, 0, len(words))
	for i, w := range words {
		var parsed float64
		if dataType == domain.DataTypeInt16 {
			parsed = float64(int16(w))
		} else {
			parsed = float64(w)
		}
		out = append(out, domain.DecodedValue{
			Address:      start + i,
			RawValue:     uint32(w),
			ParsedValue:  parsed,
			DisplayValue: displayInteger(parsed),
			DataType:     dataType,
			Success:      true,
		})
	}
	return out
}

// decodePairs handles the two-word types. Only complete pairs decode; a
// trailing odd word is silently dropped.
func decodePairs(words []uint16, dataType domain.DataType, start int) []domain.DecodedValue {
	out := make([]domain.DecodedValue, 0, len(words)/2)
	for i := 0; i+1 < len(words); i += 2 {
		high, low := words[i], words[i+1]
		bits := uint32(high)<<16 | uint32(low)

		v := domain.DecodedValue{
			Address:  start + i,
			RawValue: bits,
			DataType: dataType,
			Success:  true,
		}

		switch dataType {
		case domain.DataTypeUInt32:
			v.ParsedValue = float64(bits)
			v.DisplayValue = displayInteger(v.ParsedValue)
		case domain.DataTypeInt32:
			v.ParsedValue = float64(int32(bits))
			v.DisplayValue = displayInteger(v.ParsedValue)
		case domain.DataTypeFloat32:
			f := math.Float32frombits(bits)
			v.ParsedValue = float64(f)
			v.DisplayValue = displayFloat(v.ParsedValue)
		}

		out = append(out, v)
	}
	return out
}

// FailedValues builds one failed value per decoded address of a range that
// could not be read at all. Addresses advance by the data type width so
// the entries line up with what a successful decode would have produced.
func FailedValues(r domain.AddressRange, reason string) []domain.DecodedValue {
	width := r.DataType.Width()
	n := r.Length / width
	out := make([]domain.DecodedValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.DecodedValue{
			Address:  r.StartAddress + i*width,
			DataType: r.DataType,
			Success:  false,
			Error:    reason,
		})
	}
	return out
}

// ToParsedData projects a batch into display records, re-rendering each
// value in the requested format. Float values keep their default rendering
// since hex/bin only make sense for integers.
func ToParsedData(batch *domain.BatchReadResult, format domain.DisplayFormat) []domain.ParsedData {
	if batch == nil {
		return nil
	}
	out := make([]domain.ParsedData, 0, len(batch.Results))
	for _, r := range batch.Results {
		display := r.DisplayValue
		if r.Success && r.DataType != domain.DataTypeFloat32 && format != domain.FormatDec {
			display = Format(r.ParsedValue, Options{Format: format, Precision: DefaultPrecision})
		}
		out = append(out, domain.ParsedData{
			Address:      r.Address,
			RawValue:     r.RawValue,
			ParsedValue:  r.ParsedValue,
			DisplayValue: display,
			DataType:     r.DataType,
			Success:      r.Success,
			Error:        r.Error,
		})
	}
	return out
}
