// Package domain contains core business entities for the register collector.
package domain

import (
	"strings"
	"time"
)

// DataType identifies how raw register words are decoded into a value.
type DataType string

const (
	DataTypeUInt16  DataType = "uint16"
	DataTypeInt16   DataType = "int16"
	DataTypeUInt32  DataType = "uint32"
	DataTypeInt32   DataType = "int32"
	DataTypeFloat32 DataType = "float32"
)

// Width returns the number of 16-bit registers consumed per decoded value.
func (d DataType) Width() int {
	switch d {
	case DataTypeUInt32, DataTypeInt32, DataTypeFloat32:
		return 2
	default:
		return 1
	}
}

// Valid reports whether the data type is one of the supported types.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeUInt16, DataTypeInt16, DataTypeUInt32, DataTypeInt32, DataTypeFloat32:
		return true
	}
	return false
}

// Address space limits for holding registers (1-based scheme).
const (
	MinAddress = 1
	MaxAddress = 65535

	// MaxRangeLength is the hard cap on registers per range.
	MaxRangeLength = 120

	// WarnRangeLength is the soft cap above which reads get slow on
	// many devices.
	WarnRangeLength = 100
)

// MinCollectionInterval is the authoritative lower bound for the
// collection timer.
const MinCollectionInterval = 100 * time.Millisecond

// AddressRange describes a contiguous block of holding registers to read
// and how to decode them.
type AddressRange struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	StartAddress int      `json:"startAddress" yaml:"start_address"`
	Length       int      `json:"length" yaml:"length"`
	DataType     DataType `json:"dataType" yaml:"data_type"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
}

// EndAddress returns the last register address covered by the range.
func (r AddressRange) EndAddress() int {
	return r.StartAddress + r.Length - 1
}

// ValidationResult carries the outcome of validating a range or a batch.
// Errors block the operation; warnings are advisory.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v *ValidationResult) addError(msg string) {
	v.IsValid = false
	v.Errors = append(v.Errors, msg)
}

func (v *ValidationResult) addWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// ValidateRange checks an address range against the holding register
// address space. Overlap with other ranges is checked separately and is
// advisory only.
func ValidateRange(r AddressRange) ValidationResult {
	res := ValidationResult{IsValid: true, Errors: []string{}, Warnings: []string{}}

	if r.StartAddress < MinAddress {
		res.addError("start address must be at least 1")
	}
	if r.StartAddress > MaxAddress {
		res.addError("start address must not exceed 65535")
	}
	if r.Length <= 0 {
		res.addError("length must be positive")
	}
	if r.Length > MaxRangeLength {
		res.addError("length must not exceed 120 registers")
	}
	if r.StartAddress >= MinAddress && r.Length > 0 && r.EndAddress() > MaxAddress {
		res.addError("range extends past address 65535")
	}

	if strings.TrimSpace(r.Name) == "" {
		res.addWarning("range has no name")
	}
	if r.Length > WarnRangeLength && r.Length <= MaxRangeLength {
		res.addWarning("ranges longer than 100 registers may slow down reads")
	}

	return res
}

// OverlapConflict records two enabled ranges that cover a common address
// interval. Derived on demand, never persisted.
type OverlapConflict struct {
	RangeA       AddressRange `json:"range_a"`
	RangeB       AddressRange `json:"range_b"`
	OverlapStart int          `json:"overlap_start"`
	OverlapEnd   int          `json:"overlap_end"`
}
