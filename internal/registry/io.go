package registry

import (
	"encoding/json"
	"fmt"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// rangesFileVersion is written on export and accepted on import.
const rangesFileVersion = "1.0"

// RangesFile is the JSON exchange format for address ranges.
type RangesFile struct {
	Version string                `json:"version"`
	Ranges  []domain.AddressRange `json:"ranges"`
}

// ImportWarning records one entry that was dropped during import.
type ImportWarning struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ImportResult reports what an import did: the ranges that made it in and
// a warning per entry that did not. A malformed entry never aborts an
// otherwise valid import.
type ImportResult struct {
	Imported []domain.AddressRange `json:"imported"`
	Warnings []ImportWarning       `json:"warnings"`
}

// rawRangesFile defers per-entry decoding so one bad entry cannot fail the
// whole document.
type rawRangesFile struct {
	Version string            `json:"version"`
	Ranges  []json.RawMessage `json:"ranges"`
}

// ParseImport decodes a {version, ranges} JSON document. Entries with an
// unrecognized data type, non-numeric bounds, or out-of-bounds addresses
// are dropped with a warning; the remaining valid entries are returned.
func ParseImport(data []byte) (ImportResult, error) {
	var file rawRangesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return ImportResult{}, fmt.Errorf("parsing ranges document: %w", err)
	}

	result := ImportResult{
		Imported: []domain.AddressRange{},
		Warnings: []ImportWarning{},
	}

	for i, raw := range file.Ranges {
		var rng domain.AddressRange
		if err := json.Unmarshal(raw, &rng); err != nil {
			result.Warnings = append(result.Warnings, ImportWarning{
				Index:  i,
				Reason: fmt.Sprintf("malformed entry: %v", err),
			})
			continue
		}
		if !rng.DataType.Valid() {
			result.Warnings = append(result.Warnings, ImportWarning{
				Index:  i,
				Reason: fmt.Sprintf("unrecognized data type %q", rng.DataType),
			})
			continue
		}
		if res := domain.ValidateRange(rng); !res.IsValid {
			result.Warnings = append(result.Warnings, ImportWarning{
				Index:  i,
				Reason: fmt.Sprintf("invalid range: %v", res.Errors),
			})
			continue
		}
		result.Imported = append(result.Imported, rng)
	}

	return result, nil
}

// Import parses a JSON document and stores the valid entries. Entries
// whose ID already exists are replaced.
func (r *Registry) Import(data []byte) (ImportResult, error) {
	result, err := ParseImport(data)
	if err != nil {
		return result, err
	}

	for _, rng := range result.Imported {
		if rng.ID != "" {
			if _, getErr := r.Get(rng.ID); getErr == nil {
				if err := r.Update(rng); err == nil {
					continue
				}
			}
		}
		if _, err := r.Create(rng); err != nil {
			// Validated above; creation can only fail on ID collision races.
			r.logger.Warn().Err(err).Str("range_id", rng.ID).Msg("Skipping range on import")
		}
	}

	r.logger.Info().
		Int("imported", len(result.Imported)).
		Int("dropped", len(result.Warnings)).
		Msg("Ranges imported")

	return result, nil
}

// Export serializes all ranges as a {version, ranges} JSON document.
func (r *Registry) Export() ([]byte, error) {
	file := RangesFile{
		Version: rangesFileVersion,
		Ranges:  r.List(),
	}
	return json.MarshalIndent(file, "", "  ")
}
