// Package config also provides address range file loading and saving.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
	"github.com/shenjianeng2024/modbus-recoder/internal/registry"
)

// RangeConfig represents one address range entry in the YAML file.
type RangeConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name,omitempty"`
	StartAddress int    `yaml:"start_address"`
	Length       int    `yaml:"length"`
	DataType     string `yaml:"data_type"`
	Description  string `yaml:"description,omitempty"`
	Enabled      bool   `yaml:"enabled"`
}

// RangesFile represents the top-level ranges configuration file.
type RangesFile struct {
	Version string        `yaml:"version"`
	Ranges  []RangeConfig `yaml:"ranges"`
}

// LoadRanges loads address ranges from a YAML or JSON file, chosen by
// extension. Invalid entries are dropped with a warning rather than
// failing the load.
func LoadRanges(path string) ([]domain.AddressRange, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read ranges file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		result, err := registry.ParseImport(data)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse ranges file: %w", err)
		}
		warnings := make([]string, 0, len(result.Warnings))
		for _, w := range result.Warnings {
			warnings = append(warnings, fmt.Sprintf("entry %d: %s", w.Index, w.Reason))
		}
		return result.Imported, warnings, nil
	default:
		return loadYAMLRanges(data)
	}
}

func loadYAMLRanges(data []byte) ([]domain.AddressRange, []string, error) {
	var file RangesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse ranges file: %w", err)
	}

	ranges := make([]domain.AddressRange, 0, len(file.Ranges))
	var warnings []string

	for idx, rc := range file.Ranges {
		rng := domain.AddressRange{
			ID:           rc.ID,
			Name:         rc.Name,
			StartAddress: rc.StartAddress,
			Length:       rc.Length,
			DataType:     domain.DataType(rc.DataType),
			Description:  rc.Description,
			Enabled:      rc.Enabled,
		}
		if !rng.DataType.Valid() {
			warnings = append(warnings, fmt.Sprintf(
				"entry %d: unrecognized data type %q", idx, rc.DataType))
			continue
		}
		if res := domain.ValidateRange(rng); !res.IsValid {
			warnings = append(warnings, fmt.Sprintf(
				"entry %d: invalid range: %v", idx, res.Errors))
			continue
		}
		ranges = append(ranges, rng)
	}

	return ranges, warnings, nil
}

// SaveRanges saves address ranges to a YAML file.
func SaveRanges(path string, ranges []domain.AddressRange) error {
	configs := make([]RangeConfig, 0, len(ranges))
	for _, rng := range ranges {
		configs = append(configs, RangeConfig{
			ID:           rng.ID,
			Name:         rng.Name,
			StartAddress: rng.StartAddress,
			Length:       rng.Length,
			DataType:     string(rng.DataType),
			Description:  rng.Description,
			Enabled:      rng.Enabled,
		})
	}

	file := RangesFile{
		Version: "1.0",
		Ranges:  configs,
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal ranges: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ranges file: %w", err)
	}

	return nil
}
