// Package service provides the collection scheduler that orchestrates
// periodic cycles of reading, decoding, validating, and persisting
// register data.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shenjianeng2024/modbus-recoder/internal/decode"
	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
	"github.com/shenjianeng2024/modbus-recoder/internal/metrics"
	"github.com/shenjianeng2024/modbus-recoder/internal/registry"
	"github.com/shenjianeng2024/modbus-recoder/internal/sink"
	"github.com/shenjianeng2024/modbus-recoder/internal/validate"
)

// RangeReader is the transport collaborator. Implementations return one
// RangeData per request with per-request errors recorded inline; a
// whole-call failure (device unreachable) is returned as an error.
type RangeReader interface {
	ReadRanges(ctx context.Context, reqs []domain.ReadRequest) ([]domain.RangeData, error)
}

// Sink is the persistence collaborator. Initialize fixes the column layout
// for the session; Append must be called by one goroutine at a time.
type Sink interface {
	Initialize(columns []domain.SinkColumn) error
	Append(batch *domain.BatchReadResult) error
	Close() error
}

// SinkFactory builds a sink for a session's target path.
type SinkFactory func(path string, logger zerolog.Logger) Sink

// BatchPublisher optionally forwards each cycle's result for live display.
// Publish failures never affect the session.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, batch *domain.BatchReadResult) error
}

// SessionState is the externally observable scheduler state.
type SessionState string

const (
	StateIdle    SessionState = "idle"
	StateRunning SessionState = "running"
)

// StartConfig configures one collection session.
type StartConfig struct {
	// SinkPath is where rows are appended. Required.
	SinkPath string

	// Interval between cycles. Must be at least
	// domain.MinCollectionInterval.
	Interval time.Duration

	// Format selects how values render in the sink and history.
	Format domain.DisplayFormat

	// StopOnError ends the session after a whole-cycle transport
	// failure instead of carrying on.
	StopOnError bool
}

// Stats are the running statistics of a session. They survive Stop() and
// reset only on ClearStats().
type Stats struct {
	TotalCollections  uint64  `json:"total_collections"`
	SuccessfulReads   uint64  `json:"successful_reads"`
	FailedReads       uint64  `json:"failed_reads"`
	SkippedTicks      uint64  `json:"skipped_ticks"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	State     SessionState `json:"state"`
	Stats     Stats        `json:"stats"`
	LastError string       `json:"last_error,omitempty"`
	SinkPath  string       `json:"sink_path,omitempty"`
	Columns   int          `json:"columns"`
}

// Config holds scheduler construction options.
type Config struct {
	// ReadTimeout bounds the transport call of one cycle.
	ReadTimeout time.Duration

	// HistorySize bounds the in-memory batch history kept for display.
	HistorySize int
}

// Collector runs the collection state machine: Idle -> Running -> Idle.
// Each cycle performs snapshot -> read -> decode -> validate -> persist ->
// update stats strictly in sequence; only one cycle is ever in flight.
type Collector struct {
	config    Config
	registry  *registry.Registry
	reader    RangeReader
	newSink   SinkFactory
	publisher BatchPublisher
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu       sync.Mutex
	state    SessionState
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sink     Sink
	columns  []domain.SinkColumn
	format   domain.DisplayFormat
	lastErr  error
	sinkPath string

	inFlight atomic.Bool

	statsMu sync.Mutex
	stats   Stats

	historyMu sync.Mutex
	history   []*domain.BatchReadResult
}

// NewCollector creates an idle collector.
func NewCollector(
	config Config,
	reg *registry.Registry,
	reader RangeReader,
	newSink SinkFactory,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Collector {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}

	return &Collector{
		config:   config,
		registry: reg,
		reader:   reader,
		newSink:  newSink,
		logger:   logger.With().Str("component", "collector").Logger(),
		metrics:  metricsReg,
		state:    StateIdle,
	}
}

// SetPublisher attaches an optional live batch publisher.
func (c *Collector) SetPublisher(p BatchPublisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publisher = p
}

// Start checks preconditions, initializes the sink, performs the first
// cycle synchronously, and arms the repeating timer. Any precondition
// violation returns a configuration error and leaves the state Idle.
func (c *Collector) Start(ctx context.Context, cfg StartConfig) error {
	sessionCtx, err := c.beginSession(ctx, &cfg)
	if err != nil {
		return err
	}

	// First cycle runs synchronously so callers see data immediately. It
	// must run outside the state lock: cycle code takes c.mu for the sink
	// and error bookkeeping.
	c.runCycle(sessionCtx, cfg)

	go c.loop(sessionCtx, cfg)

	return nil
}

// beginSession validates the configuration, initializes the sink, and
// moves the state machine to Running. It holds the state lock only for
// the transition itself.
func (c *Collector) beginSession(ctx context.Context, cfg *StartConfig) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return nil, domain.ErrCollectorRunning
	}
	if cfg.SinkPath == "" {
		return nil, domain.ErrSinkPathRequired
	}
	if cfg.Interval < domain.MinCollectionInterval {
		return nil, fmt.Errorf("%w: got %s", domain.ErrIntervalTooShort, cfg.Interval)
	}
	ranges := c.registry.SnapshotEnabled()
	if len(ranges) == 0 {
		return nil, domain.ErrNoEnabledRanges
	}
	if cfg.Format == "" {
		cfg.Format = domain.FormatDec
	}

	if conflicts := registry.DetectOverlaps(ranges); len(conflicts) > 0 {
		// Advisory only: overlapping ranges are collected anyway.
		c.logger.Warn().Int("conflicts", len(conflicts)).Msg("Enabled ranges overlap")
	}

	s := c.newSink(cfg.SinkPath, c.logger)
	columns := sink.Columns(ranges)
	if err := s.Initialize(columns); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSinkInitFailed, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.state = StateRunning
	c.cancel = cancel
	c.sink = s
	c.columns = columns
	c.format = cfg.Format
	c.sinkPath = cfg.SinkPath
	c.lastErr = nil

	// Registered under the lock so a Stop racing with Start always waits
	// for the loop goroutine.
	c.wg.Add(1)

	if c.metrics != nil {
		c.metrics.SetRunning(true)
	}
	c.logger.Info().
		Dur("interval", cfg.Interval).
		Str("sink", cfg.SinkPath).
		Int("ranges", len(ranges)).
		Int("columns", len(columns)).
		Msg("Collection session started")

	return sessionCtx, nil
}

// loop ticks at the configured interval until the session is cancelled.
func (c *Collector) loop(ctx context.Context, cfg StartConfig) {
	defer c.wg.Done()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx, cfg)
		}
	}
}

// runCycle executes one collection cycle under the single-flight guard. A
// tick that fires while the previous cycle is still running is skipped,
// not queued, so sink rows stay sequential and monotonically timestamped.
func (c *Collector) runCycle(ctx context.Context, cfg StartConfig) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.statsMu.Lock()
		c.stats.SkippedTicks++
		c.statsMu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCycleSkipped()
		}
		c.logger.Debug().Msg("Tick skipped: previous cycle still in flight")
		return
	}
	defer c.inFlight.Store(false)

	// Cancellation takes effect at the tick boundary: a cycle already in
	// flight runs to completion, bounded by the read timeout.
	cycleCtx := context.WithoutCancel(ctx)

	batch, err := c.collect(cycleCtx, cfg.Format)
	if err != nil {
		// Whole-cycle transport failure: record an all-failed batch and
		// keep the session alive unless configured otherwise.
		c.setLastError(err)
		c.logger.Error().Err(err).Msg("Collection cycle failed")
		if cfg.StopOnError {
			c.logger.Warn().Msg("Stopping session after cycle failure (stop-on-error)")
			go c.Stop()
			return
		}
		if batch == nil {
			return
		}
	}

	c.finishCycle(cycleCtx, batch)
}

// collect performs snapshot -> read -> decode for one cycle. On a
// whole-call transport failure it still returns an all-failed batch,
// together with the error.
func (c *Collector) collect(ctx context.Context, format domain.DisplayFormat) (*domain.BatchReadResult, error) {
	started := time.Now()
	ranges := c.registry.SnapshotEnabled()

	reqs := make([]domain.ReadRequest, 0, len(ranges))
	for _, rng := range ranges {
		reqs = append(reqs, domain.ReadRequest{
			Start:    rng.StartAddress,
			Count:    rng.Length,
			DataType: rng.DataType,
		})
	}

	readCtx, cancel := context.WithTimeout(ctx, c.config.ReadTimeout)
	defer cancel()

	data, err := c.reader.ReadRanges(readCtx, reqs)
	if err != nil {
		results := make([]domain.DecodedValue, 0, registry.TotalAddresses(ranges))
		for _, rng := range ranges {
			results = append(results, decode.FailedValues(rng, err.Error())...)
		}
		batch := domain.NewBatchReadResult(results, time.Now(), time.Since(started))
		return batch, err
	}

	results := make([]domain.DecodedValue, 0, registry.TotalAddresses(ranges))
	for i, rng := range ranges {
		if i >= len(data) || data[i].Err != nil {
			reason := "no data returned"
			if i < len(data) && data[i].Err != nil {
				reason = data[i].Err.Error()
			}
			results = append(results, decode.FailedValues(rng, reason)...)
			continue
		}
		decoded := decode.Decode(data[i].Words, rng.DataType, rng.StartAddress)
		if format != domain.FormatDec {
			for j := range decoded {
				if decoded[j].Success && decoded[j].DataType != domain.DataTypeFloat32 {
					decoded[j].DisplayValue = decode.Format(decoded[j].ParsedValue,
						decode.Options{Format: format, Precision: decode.DefaultPrecision})
				}
			}
		}
		results = append(results, decoded...)
	}

	return domain.NewBatchReadResult(results, time.Now(), time.Since(started)), nil
}

// finishCycle validates, persists, publishes, and accounts for one batch.
func (c *Collector) finishCycle(ctx context.Context, batch *domain.BatchReadResult) {
	res := validate.Batch(batch)
	if c.metrics != nil && len(res.Warnings) > 0 {
		c.metrics.RecordValidationWarnings(len(res.Warnings))
	}
	for _, w := range res.Warnings {
		c.logger.Warn().Str("warning", w).Msg("Batch validation warning")
	}

	status := "success"
	if !res.IsValid {
		// Fatal validation errors block persistence of this cycle only.
		status = "invalid"
		c.setLastError(fmt.Errorf("%w: %v", domain.ErrBatchInvalid, res.Errors))
		c.logger.Error().Strs("errors", res.Errors).Msg("Batch failed validation; row not persisted")
	} else {
		if err := c.appendToSink(batch); err != nil {
			// Persistence failure is fatal to the session.
			status = "sink_error"
			c.setLastError(err)
			if c.metrics != nil {
				c.metrics.RecordSinkError()
			}
			c.logger.Error().Err(err).Msg("Sink append failed; stopping session")
			go c.Stop()
		} else if c.metrics != nil {
			c.metrics.RecordRowWritten()
		}
	}

	c.statsMu.Lock()
	n := float64(c.stats.TotalCollections)
	c.stats.AverageDurationMs = (c.stats.AverageDurationMs*n + float64(batch.DurationMs)) / (n + 1)
	c.stats.TotalCollections++
	c.stats.SuccessfulReads += uint64(batch.SuccessCount)
	c.stats.FailedReads += uint64(batch.FailedCount)
	c.statsMu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCycle(status, float64(batch.DurationMs)/1000, batch.SuccessCount, batch.FailedCount)
	}

	c.appendHistory(batch)

	c.mu.Lock()
	publisher := c.publisher
	c.mu.Unlock()
	if publisher != nil {
		if err := publisher.PublishBatch(ctx, batch); err != nil {
			c.logger.Warn().Err(err).Msg("Live publish failed")
		}
	}

	c.logger.Debug().
		Int("total", batch.TotalCount).
		Int("success", batch.SuccessCount).
		Int("failed", batch.FailedCount).
		Int64("duration_ms", batch.DurationMs).
		Str("status", status).
		Msg("Collection cycle completed")
}

func (c *Collector) appendToSink(batch *domain.BatchReadResult) error {
	c.mu.Lock()
	s := c.sink
	c.mu.Unlock()
	if s == nil {
		return domain.ErrSinkClosed
	}
	return s.Append(batch)
}

// Stop cancels the repeating timer and waits for an in-flight cycle to
// finish. Statistics remain readable until ClearStats.
func (c *Collector) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return domain.ErrCollectorNotRunning
	}
	c.state = StateIdle
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	s := c.sink
	c.sink = nil
	c.columns = nil
	c.mu.Unlock()

	var err error
	if s != nil {
		err = s.Close()
	}

	if c.metrics != nil {
		c.metrics.SetRunning(false)
	}
	c.logger.Info().Msg("Collection session stopped")
	return err
}

// ReadOnce performs a single read-decode-validate pass outside any
// session, without persisting. It shares the single-flight guard with the
// scheduler so it never interleaves with a running cycle.
func (c *Collector) ReadOnce(ctx context.Context, format domain.DisplayFormat) (*domain.BatchReadResult, error) {
	ranges := c.registry.SnapshotEnabled()
	if len(ranges) == 0 {
		return nil, domain.ErrNoEnabledRanges
	}
	if format == "" {
		format = domain.FormatDec
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, domain.ErrCycleInFlight
	}
	defer c.inFlight.Store(false)

	batch, err := c.collect(ctx, format)
	if err != nil {
		return batch, err
	}

	res := validate.Batch(batch)
	if !res.IsValid {
		return batch, fmt.Errorf("%w: %v", domain.ErrBatchInvalid, res.Errors)
	}
	return batch, nil
}

// State returns the current scheduler state.
func (c *Collector) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the running statistics.
func (c *Collector) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ClearStats resets the accumulated statistics.
func (c *Collector) ClearStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = Stats{}
}

// Status returns a full snapshot for display.
func (c *Collector) Status() Status {
	c.mu.Lock()
	state := c.state
	lastErr := c.lastErr
	sinkPath := c.sinkPath
	columns := len(c.columns)
	c.mu.Unlock()

	st := Status{
		State:    state,
		Stats:    c.Stats(),
		SinkPath: sinkPath,
		Columns:  columns,
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// History returns the most recent batches, newest last.
func (c *Collector) History() []*domain.BatchReadResult {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	out := make([]*domain.BatchReadResult, len(c.history))
	copy(out, c.history)
	return out
}

// Latest returns the most recent batch, or nil.
func (c *Collector) Latest() *domain.BatchReadResult {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	if len(c.history) == 0 {
		return nil
	}
	return c.history[len(c.history)-1]
}

func (c *Collector) appendHistory(batch *domain.BatchReadResult) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = append(c.history, batch)
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[len(c.history)-c.config.HistorySize:]
	}
}

func (c *Collector) setLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// IsTransient reports whether an error is a transport-level failure the
// session is expected to ride out.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrConnectionFailed) ||
		errors.Is(err, domain.ErrConnectionTimeout) ||
		errors.Is(err, domain.ErrReadTimeout) ||
		errors.Is(err, domain.ErrCircuitBreakerOpen)
}
