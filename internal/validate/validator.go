// Package validate sanity-checks aggregated batch results before they are
// persisted.
package validate

import (
	"fmt"
	"time"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// Success-rate thresholds. Below Fatal the batch must not be persisted;
// below Warn it is persisted with an advisory warning.
const (
	FatalSuccessRate = 0.5
	WarnSuccessRate  = 0.8
)

// SlowCycleThreshold flags cycles that took suspiciously long.
const SlowCycleThreshold = 5000 * time.Millisecond

// Batch checks an aggregated read result for internal consistency and
// data quality. Errors mean the caller must not persist the batch as-is;
// warnings are advisory only.
func Batch(batch *domain.BatchReadResult) domain.ValidationResult {
	res := domain.ValidationResult{IsValid: true, Errors: []string{}, Warnings: []string{}}

	if batch == nil {
		res.IsValid = false
		res.Errors = append(res.Errors, "batch result is nil")
		return res
	}
	if batch.Results == nil {
		res.IsValid = false
		res.Errors = append(res.Errors, "batch result has no results slice")
		return res
	}

	if batch.TotalCount != len(batch.Results) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"total_count %d does not match %d results", batch.TotalCount, len(batch.Results)))
	}

	successes, failures := 0, 0
	for _, r := range batch.Results {
		if r.Success {
			successes++
		} else {
			failures++
		}
	}
	if batch.SuccessCount != successes || batch.FailedCount != failures {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"counted %d successes and %d failures, batch claims %d/%d",
			successes, failures, batch.SuccessCount, batch.FailedCount))
	}

	for _, r := range batch.Results {
		if r.Address < 0 {
			res.IsValid = false
			res.Errors = append(res.Errors, fmt.Sprintf("negative address %d in results", r.Address))
		}
		if !r.Success && r.Error == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"failed entry at address %d has no error message", r.Address))
		}
	}

	if len(batch.Results) > 0 {
		rate := float64(successes) / float64(len(batch.Results))
		switch {
		case rate < FatalSuccessRate:
			res.IsValid = false
			res.Errors = append(res.Errors, fmt.Sprintf(
				"success rate %.0f%% is below 50%%", rate*100))
		case rate < WarnSuccessRate:
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"success rate %.0f%% is below 80%%", rate*100))
		}
	}

	if _, err := time.Parse(time.RFC3339Nano, batch.Timestamp); err != nil {
		if _, err := time.Parse(time.RFC3339, batch.Timestamp); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"timestamp %q is not a valid instant", batch.Timestamp))
		}
	}

	if batch.DurationMs > SlowCycleThreshold.Milliseconds() {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"cycle took %dms", batch.DurationMs))
	}

	return res
}
