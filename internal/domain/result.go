package domain

import "time"

// DisplayFormat selects how decoded values are rendered for display and
// for the sink.
type DisplayFormat string

const (
	FormatDec DisplayFormat = "dec"
	FormatHex DisplayFormat = "hex"
	FormatBin DisplayFormat = "bin"
)

// ReadRequest is one entry of the combined read request handed to the
// transport collaborator.
type ReadRequest struct {
	Start    int      `json:"start"`
	Count    int      `json:"count"`
	DataType DataType `json:"data_type"`
}

// RangeData is the transport's answer for a single ReadRequest. Words is
// nil when Err is set. A whole-call failure is returned separately by the
// transport and must be handled distinctly.
type RangeData struct {
	Start int
	Words []uint16
	Err   error
}

// DecodedValue is one typed value decoded from raw register words.
// Immutable once created.
type DecodedValue struct {
	Address      int      `json:"address"`
	RawValue     uint32   `json:"raw_value"`
	ParsedValue  float64  `json:"parsed_value"`
	DisplayValue string   `json:"display_value"`
	DataType     DataType `json:"data_type"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

// BatchReadResult aggregates the decoded values of one collection cycle.
type BatchReadResult struct {
	Results      []DecodedValue `json:"results"`
	TotalCount   int            `json:"total_count"`
	SuccessCount int            `json:"success_count"`
	FailedCount  int            `json:"failed_count"`
	Timestamp    string         `json:"timestamp"`
	DurationMs   int64          `json:"duration_ms"`
}

// NewBatchReadResult assembles a batch from decoded values, tallying
// success and failure counts.
func NewBatchReadResult(results []DecodedValue, timestamp time.Time, duration time.Duration) *BatchReadResult {
	batch := &BatchReadResult{
		Results:    results,
		TotalCount: len(results),
		Timestamp:  timestamp.UTC().Format(time.RFC3339Nano),
		DurationMs: duration.Milliseconds(),
	}
	for _, r := range results {
		if r.Success {
			batch.SuccessCount++
		} else {
			batch.FailedCount++
		}
	}
	return batch
}

// SuccessRate returns the fraction of successful values in [0, 1].
// An empty batch counts as fully successful.
func (b *BatchReadResult) SuccessRate() float64 {
	if b.TotalCount == 0 {
		return 1.0
	}
	return float64(b.SuccessCount) / float64(b.TotalCount)
}

// ParsedData is the display-facing projection of a DecodedValue, rendered
// in a caller-chosen format.
type ParsedData struct {
	Address      int      `json:"address"`
	RawValue     uint32   `json:"raw_value"`
	ParsedValue  float64  `json:"parsed_value"`
	DisplayValue string   `json:"display_value"`
	DataType     DataType `json:"data_type"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

// SinkColumn names one value column of the sink layout, fixed at session
// start.
type SinkColumn struct {
	Address int    `json:"address"`
	Name    string `json:"name"`
}
