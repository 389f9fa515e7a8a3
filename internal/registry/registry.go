// Package registry stores user-defined address ranges and validates them
// for bounds and overlap.
package registry

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// Registry is the owned store of address ranges. It is safe for concurrent
// use: the scheduler snapshots enabled ranges at cycle start, so edits from
// the configuration side never touch an in-flight cycle.
type Registry struct {
	mu     sync.RWMutex
	ranges map[string]domain.AddressRange
	order  []string
	logger zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		ranges: make(map[string]domain.AddressRange),
		logger: logger.With().Str("component", "range-registry").Logger(),
	}
}

// Create validates and stores a new range. A missing ID is generated.
// Overlap with existing ranges is advisory and does not block creation.
func (r *Registry) Create(rng domain.AddressRange) (domain.AddressRange, error) {
	if res := domain.ValidateRange(rng); !res.IsValid {
		return domain.AddressRange{}, fmt.Errorf("%w: %v", domain.ErrInvalidRange, res.Errors)
	}
	if !rng.DataType.Valid() {
		return domain.AddressRange{}, fmt.Errorf("%w: %q", domain.ErrInvalidDataType, rng.DataType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rng.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return domain.AddressRange{}, fmt.Errorf("generating range ID: %w", err)
		}
		rng.ID = id.String()
	}
	if _, exists := r.ranges[rng.ID]; exists {
		return domain.AddressRange{}, fmt.Errorf("%w: %s", domain.ErrRangeExists, rng.ID)
	}

	r.ranges[rng.ID] = rng
	r.order = append(r.order, rng.ID)

	r.logger.Info().
		Str("range_id", rng.ID).
		Int("start", rng.StartAddress).
		Int("length", rng.Length).
		Str("data_type", string(rng.DataType)).
		Msg("Address range created")

	return rng, nil
}

// Update replaces an existing range after validation.
func (r *Registry) Update(rng domain.AddressRange) error {
	if res := domain.ValidateRange(rng); !res.IsValid {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRange, res.Errors)
	}
	if !rng.DataType.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidDataType, rng.DataType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ranges[rng.ID]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrRangeNotFound, rng.ID)
	}
	r.ranges[rng.ID] = rng

	r.logger.Info().Str("range_id", rng.ID).Msg("Address range updated")
	return nil
}

// Delete removes a range by ID.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ranges[id]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrRangeNotFound, id)
	}
	delete(r.ranges, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info().Str("range_id", id).Msg("Address range deleted")
	return nil
}

// Get returns a range by ID.
func (r *Registry) Get(id string) (domain.AddressRange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rng, exists := r.ranges[id]
	if !exists {
		return domain.AddressRange{}, fmt.Errorf("%w: %s", domain.ErrRangeNotFound, id)
	}
	return rng, nil
}

// List returns all ranges in insertion order.
func (r *Registry) List() []domain.AddressRange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AddressRange, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.ranges[id])
	}
	return out
}

// SnapshotEnabled returns a copy of the currently enabled ranges. The
// scheduler calls this once per cycle so concurrent edits affect only the
// next cycle.
func (r *Registry) SnapshotEnabled() []domain.AddressRange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AddressRange, 0, len(r.order))
	for _, id := range r.order {
		if rng := r.ranges[id]; rng.Enabled {
			out = append(out, rng)
		}
	}
	return out
}

// DetectOverlaps scans enabled ranges pairwise and reports every pair that
// covers a common address interval. Overlap is advisory, not blocking:
// overlapping ranges may coexist and still be collected.
func DetectOverlaps(ranges []domain.AddressRange) []domain.OverlapConflict {
	enabled := make([]domain.AddressRange, 0, len(ranges))
	for _, rng := range ranges {
		if rng.Enabled {
			enabled = append(enabled, rng)
		}
	}

	conflicts := []domain.OverlapConflict{}
	for i := 0; i < len(enabled); i++ {
		for j := i + 1; j < len(enabled); j++ {
			a, b := enabled[i], enabled[j]
			start := max(a.StartAddress, b.StartAddress)
			end := min(a.EndAddress(), b.EndAddress())
			if start <= end {
				conflicts = append(conflicts, domain.OverlapConflict{
					RangeA:       a,
					RangeB:       b,
					OverlapStart: start,
					OverlapEnd:   end,
				})
			}
		}
	}
	return conflicts
}

// Conflicts reports overlaps among the registry's enabled ranges.
func (r *Registry) Conflicts() []domain.OverlapConflict {
	return DetectOverlaps(r.List())
}

// TotalAddresses sums the register count of enabled ranges.
func TotalAddresses(ranges []domain.AddressRange) int {
	total := 0
	for _, rng := range ranges {
		if rng.Enabled {
			total += rng.Length
		}
	}
	return total
}
