package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shenjianeng2024/modbus-recoder/internal/decode"
	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
	"github.com/shenjianeng2024/modbus-recoder/internal/registry"
	"github.com/shenjianeng2024/modbus-recoder/internal/service"
	"github.com/shenjianeng2024/modbus-recoder/internal/sink"
)

// ConnectionTester probes the device without starting a session.
// Implemented by the Modbus client.
type ConnectionTester interface {
	HealthCheck(ctx context.Context) error
}

// PersistFunc saves the current range set to the configured ranges file.
type PersistFunc func(ranges []domain.AddressRange) error

// Handler serves the collector's HTTP API.
type Handler struct {
	registry  *registry.Registry
	collector *service.Collector
	tester    ConnectionTester
	persist   PersistFunc
	logger    zerolog.Logger
}

// NewHandler creates an API handler.
func NewHandler(reg *registry.Registry, collector *service.Collector, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:  reg,
		collector: collector,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// SetConnectionTester wires in the device prober (optional).
func (h *Handler) SetConnectionTester(t ConnectionTester) {
	h.tester = t
}

// SetPersist wires in range persistence. When set, every successful range
// mutation is written back to the ranges file.
func (h *Handler) SetPersist(p PersistFunc) {
	h.persist = p
}

// persistRanges writes the current range set back to disk. Failure is
// logged but does not fail the request; the in-memory state is already
// updated.
func (h *Handler) persistRanges() {
	if h.persist == nil {
		return
	}
	if err := h.persist(h.registry.List()); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to persist ranges")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusCodeFor maps domain errors to HTTP status codes.
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRangeExists),
		errors.Is(err, domain.ErrCollectorRunning),
		errors.Is(err, domain.ErrCycleInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrInvalidDataType),
		errors.Is(err, domain.ErrSinkPathRequired),
		errors.Is(err, domain.ErrIntervalTooShort),
		errors.Is(err, domain.ErrNoEnabledRanges),
		errors.Is(err, domain.ErrCollectorNotRunning),
		errors.Is(err, domain.ErrNoDataToExport):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ListRangesHandler returns all configured ranges.
func (h *Handler) ListRangesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.List())
}

// GetRangeHandler returns one range by ID.
func (h *Handler) GetRangeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Range ID is required", http.StatusBadRequest)
		return
	}
	rng, err := h.registry.Get(id)
	if err != nil {
		writeError(w, statusCodeFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rng)
}

// CreateRangeHandler creates a new range.
func (h *Handler) CreateRangeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rng domain.AddressRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	created, err := h.registry.Create(rng)
	if err != nil {
		h.logger.Warn().Err(err).Str("name", rng.Name).Msg("Range create rejected")
		writeError(w, statusCodeFor(err), err)
		return
	}
	h.persistRanges()
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRangeHandler updates an existing range.
func (h *Handler) UpdateRangeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rng domain.AddressRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.registry.Update(rng); err != nil {
		h.logger.Warn().Err(err).Str("range_id", rng.ID).Msg("Range update rejected")
		writeError(w, statusCodeFor(err), err)
		return
	}
	h.persistRanges()
	writeJSON(w, http.StatusOK, rng)
}

// DeleteRangeHandler deletes a range by ID.
func (h *Handler) DeleteRangeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Range ID is required", http.StatusBadRequest)
		return
	}
	if err := h.registry.Delete(id); err != nil {
		writeError(w, statusCodeFor(err), err)
		return
	}
	h.persistRanges()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ValidateRangeHandler validates a range definition without saving it.
func (h *Handler) ValidateRangeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rng domain.AddressRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, domain.ValidateRange(rng))
}

// ConflictsHandler returns overlap conflicts among enabled ranges.
func (h *Handler) ConflictsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conflicts := h.registry.Conflicts()
	if conflicts == nil {
		conflicts = []domain.OverlapConflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// ExportRangesHandler returns the range set in the JSON exchange format.
func (h *Handler) ExportRangesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := h.registry.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="ranges.json"`)
	_, _ = w.Write(data)
}

// ImportRangesHandler merges a JSON exchange document into the registry.
// Malformed entries are skipped and reported as warnings.
func (h *Handler) ImportRangesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	result, err := h.registry.Import(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.persistRanges()
	writeJSON(w, http.StatusOK, result)
}

// startRequest is the body of a session start call.
type startRequest struct {
	SinkPath    string `json:"sink_path"`
	IntervalMs  int64  `json:"interval_ms"`
	Format      string `json:"format,omitempty"`
	StopOnError bool   `json:"stop_on_error,omitempty"`
}

// StartCollectionHandler starts a collection session.
func (h *Handler) StartCollectionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := service.StartConfig{
		SinkPath:    req.SinkPath,
		Interval:    time.Duration(req.IntervalMs) * time.Millisecond,
		Format:      domain.DisplayFormat(req.Format),
		StopOnError: req.StopOnError,
	}
	if err := h.collector.Start(context.Background(), cfg); err != nil {
		h.logger.Warn().Err(err).Msg("Session start rejected")
		writeError(w, statusCodeFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.collector.Status())
}

// StopCollectionHandler stops the running session.
func (h *Handler) StopCollectionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.collector.Stop(); err != nil {
		writeError(w, statusCodeFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.collector.Status())
}

// CollectionStatusHandler returns the scheduler snapshot.
func (h *Handler) CollectionStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.collector.Status())
}

// ClearStatsHandler resets the accumulated session statistics.
func (h *Handler) ClearStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.collector.ClearStats()
	writeJSON(w, http.StatusOK, h.collector.Stats())
}

// ReadOnceHandler performs a single read pass without persisting.
// Query param: format (dec, hex, bin).
func (h *Handler) ReadOnceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format := domain.DisplayFormat(r.URL.Query().Get("format"))
	batch, err := h.collector.ReadOnce(r.Context(), format)
	if err != nil {
		h.logger.Warn().Err(err).Msg("One-shot read failed")
		writeError(w, statusCodeFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// LatestDataHandler returns the most recent batch rendered for display.
// Query param: format (dec, hex, bin).
func (h *Handler) LatestDataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	batch := h.collector.Latest()
	if batch == nil {
		writeJSON(w, http.StatusOK, []domain.ParsedData{})
		return
	}
	format := domain.DisplayFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = domain.FormatDec
	}
	writeJSON(w, http.StatusOK, decode.ToParsedData(batch, format))
}

// HistoryHandler returns the recent batch history, newest last.
func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	history := h.collector.History()
	if history == nil {
		history = []*domain.BatchReadResult{}
	}
	writeJSON(w, http.StatusOK, history)
}

// exportRequest is the body of a history export call.
type exportRequest struct {
	Path string `json:"path"`
}

// ExportHistoryHandler writes the in-memory batch history to a CSV file.
func (h *Handler) ExportHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "Export path is required", http.StatusBadRequest)
		return
	}

	rows, err := sink.ExportHistory(req.Path, h.collector.History())
	if err != nil {
		h.logger.Error().Err(err).Str("path", req.Path).Msg("History export failed")
		writeError(w, statusCodeFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "rows": rows})
}

// TestConnectionHandler probes the device without starting a session.
func (h *Handler) TestConnectionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.tester == nil {
		http.Error(w, "Connection test not configured", http.StatusNotImplemented)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.tester.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"connected": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connected": true})
}
