package decode_test

import (
	"math"
	"testing"
	"time"

	"github.com/shenjianeng2024/modbus-recoder/internal/decode"
	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

func TestDecode_UInt16(t *testing.T) {
	values := decode.Decode([]uint16{0, 1, 65535}, domain.DataTypeUInt16, 100)

	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	expected := []float64{0, 1, 65535}
	for i, v := range values {
		if !v.Success {
			t.Errorf("value %d: expected success", i)
		}
		if v.ParsedValue != expected[i] {
			t.Errorf("value %d: expected %v, got %v", i, expected[i], v.ParsedValue)
		}
		if v.Address != 100+i {
			t.Errorf("value %d: expected address %d, got %d", i, 100+i, v.Address)
		}
	}
}

func TestDecode_Int16_TwosComplement(t *testing.T) {
	tests := []struct {
		word     uint16
		expected float64
	}{
		{0, 0},
		{1, 1},
		{32767, 32767},
		{32768, -32768},
		{65535, -1},
	}

	for _, tt := range tests {
		values := decode.Decode([]uint16{tt.word}, domain.DataTypeInt16, 1)
		if len(values) != 1 {
			t.Fatalf("word %d: expected 1 value, got %d", tt.word, len(values))
		}
		if values[0].ParsedValue != tt.expected {
			t.Errorf("word %d: expected %v, got %v", tt.word, tt.expected, values[0].ParsedValue)
		}
	}
}

func TestDecode_UInt32_HighWordFirst(t *testing.T) {
	values := decode.Decode([]uint16{0x1234, 0x5678}, domain.DataTypeUInt32, 1)

	if len(values) != 1 {
		t.Fatalf("expected 1 value, got %d", len(values))
	}
	if values[0].RawValue != 0x12345678 {
		t.Errorf("expected raw 0x12345678, got 0x%X", values[0].RawValue)
	}
	if values[0].ParsedValue != float64(0x12345678) {
		t.Errorf("expected parsed %v, got %v", float64(0x12345678), values[0].ParsedValue)
	}
}

func TestDecode_Int32_TwosComplement(t *testing.T) {
	values := decode.Decode([]uint16{0x8000, 0x0000}, domain.DataTypeInt32, 1)

	if len(values) != 1 {
		t.Fatalf("expected 1 value, got %d", len(values))
	}
	if values[0].ParsedValue != -2147483648 {
		t.Errorf("expected -2147483648, got %v", values[0].ParsedValue)
	}
}

func TestDecode_Float32_IEEE754(t *testing.T) {
	// 0x40490FD0 is the closest float32 to pi.
	values := decode.Decode([]uint16{0x4049, 0x0FD0}, domain.DataTypeFloat32, 1)

	if len(values) != 1 {
		t.Fatalf("expected 1 value, got %d", len(values))
	}
	expected := float64(math.Float32frombits(0x40490FD0))
	if values[0].ParsedValue != expected {
		t.Errorf("expected exact %v, got %v", expected, values[0].ParsedValue)
	}
	if math.Abs(values[0].ParsedValue-3.14159) > 0.0001 {
		t.Errorf("expected approximately 3.14159, got %v", values[0].ParsedValue)
	}
}

func TestDecode_Float32_NonFinite(t *testing.T) {
	tests := []struct {
		name  string
		words []uint16
		check func(float64) bool
	}{
		{"positive infinity", []uint16{0x7F80, 0x0000}, func(f float64) bool { return math.IsInf(f, 1) }},
		{"negative infinity", []uint16{0xFF80, 0x0000}, func(f float64) bool { return math.IsInf(f, -1) }},
		{"nan", []uint16{0x7FC0, 0x0000}, math.IsNaN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := decode.Decode(tt.words, domain.DataTypeFloat32, 1)
			if len(values) != 1 {
				t.Fatalf("expected 1 value, got %d", len(values))
			}
			if !values[0].Success {
				t.Error("non-finite values still decode successfully")
			}
			if !tt.check(values[0].ParsedValue) {
				t.Errorf("unexpected value %v", values[0].ParsedValue)
			}
		})
	}
}

func TestDecode_TrailingOddWordDropped(t *testing.T) {
	values := decode.Decode([]uint16{0x0000, 0x0001, 0xFFFF}, domain.DataTypeUInt32, 10)

	if len(values) != 1 {
		t.Fatalf("expected 1 value from 3 words, got %d", len(values))
	}
	if values[0].ParsedValue != 1 {
		t.Errorf("expected 1, got %v", values[0].ParsedValue)
	}
}

func TestDecode_PairAddressesAdvanceByTwo(t *testing.T) {
	values := decode.Decode([]uint16{0, 1, 0, 2, 0, 3}, domain.DataTypeUInt32, 200)

	expected := []int{200, 202, 204}
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	for i, v := range values {
		if v.Address != expected[i] {
			t.Errorf("value %d: expected address %d, got %d", i, expected[i], v.Address)
		}
	}
}

func TestDecode_EmptyInput(t *testing.T) {
	values := decode.Decode(nil, domain.DataTypeUInt16, 1)
	if len(values) != 0 {
		t.Errorf("expected no values, got %d", len(values))
	}
}

func TestDecode_UnsupportedDataType(t *testing.T) {
	values := decode.Decode([]uint16{0xABCD, 0x1234}, domain.DataType("float64"), 5)

	if len(values) != 1 {
		t.Fatalf("expected exactly 1 failed value, got %d", len(values))
	}
	v := values[0]
	if v.Success {
		t.Error("expected failure for unsupported type")
	}
	if v.RawValue != 0xABCD {
		t.Errorf("expected raw value of first word, got 0x%X", v.RawValue)
	}
	if v.Error == "" {
		t.Error("expected error message")
	}
}

func TestFailedValues_StrideMatchesWidth(t *testing.T) {
	r := domain.AddressRange{
		ID:           "r1",
		StartAddress: 100,
		Length:       6,
		DataType:     domain.DataTypeFloat32,
		Enabled:      true,
	}

	values := decode.FailedValues(r, "device unreachable")
	if len(values) != 3 {
		t.Fatalf("expected 3 values for 6 registers of float32, got %d", len(values))
	}
	expected := []int{100, 102, 104}
	for i, v := range values {
		if v.Success {
			t.Errorf("value %d: expected failure", i)
		}
		if v.Address != expected[i] {
			t.Errorf("value %d: expected address %d, got %d", i, expected[i], v.Address)
		}
		if v.Error != "device unreachable" {
			t.Errorf("value %d: unexpected error %q", i, v.Error)
		}
	}
}

func TestToParsedData_ReRendersIntegers(t *testing.T) {
	results := decode.Decode([]uint16{255}, domain.DataTypeUInt16, 1)
	results = append(results, decode.Decode([]uint16{0x4049, 0x0FD0}, domain.DataTypeFloat32, 2)...)
	batch := domain.NewBatchReadResult(results, time.Now(), 10*time.Millisecond)

	parsed := decode.ToParsedData(batch, domain.FormatHex)
	if len(parsed) != 2 {
		t.Fatalf("expected 2 records, got %d", len(parsed))
	}
	if parsed[0].DisplayValue != "0xFF" {
		t.Errorf("expected 0xFF, got %q", parsed[0].DisplayValue)
	}
	// Floats keep their decimal rendering under hex/bin.
	if parsed[1].DisplayValue != "3.14" {
		t.Errorf("expected 3.14, got %q", parsed[1].DisplayValue)
	}
}

func TestToParsedData_NilBatch(t *testing.T) {
	if parsed := decode.ToParsedData(nil, domain.FormatDec); parsed != nil {
		t.Errorf("expected nil, got %v", parsed)
	}
}
