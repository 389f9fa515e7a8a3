package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shenjianeng2024/modbus-recoder/internal/adapter/config"
	"github.com/shenjianeng2024/modbus-recoder/internal/api"
	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
	"github.com/shenjianeng2024/modbus-recoder/internal/registry"
	"github.com/shenjianeng2024/modbus-recoder/internal/service"
)

type fakeReader struct{}

func (fakeReader) ReadRanges(_ context.Context, reqs []domain.ReadRequest) ([]domain.RangeData, error) {
	out := make([]domain.RangeData, 0, len(reqs))
	for _, req := range reqs {
		words := make([]uint16, req.Count)
		for i := range words {
			words[i] = uint16(42 + i)
		}
		out = append(out, domain.RangeData{Start: req.Start, Words: words})
	}
	return out, nil
}

type fakeSink struct {
	mu      sync.Mutex
	batches int
}

func (s *fakeSink) Initialize([]domain.SinkColumn) error { return nil }
func (s *fakeSink) Append(*domain.BatchReadResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	return nil
}
func (s *fakeSink) Close() error { return nil }

func newTestHandler(t *testing.T) (*api.Handler, *registry.Registry, *service.Collector) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	collector := service.NewCollector(service.Config{ReadTimeout: time.Second}, reg, fakeReader{},
		func(string, zerolog.Logger) service.Sink { return &fakeSink{} }, zerolog.Nop(), nil)
	return api.NewHandler(reg, collector, zerolog.Nop()), reg, collector
}

func seedRange(t *testing.T, reg *registry.Registry) domain.AddressRange {
	t.Helper()
	created, err := reg.Create(domain.AddressRange{
		Name:         "temps",
		StartAddress: 1,
		Length:       5,
		DataType:     domain.DataTypeUInt16,
		Enabled:      true,
	})
	if err != nil {
		t.Fatalf("failed to seed range: %v", err)
	}
	return created
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestListRangesHandler(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	seedRange(t, reg)

	rec := httptest.NewRecorder()
	h.ListRangesHandler(rec, httptest.NewRequest(http.MethodGet, "/api/ranges", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ranges []domain.AddressRange
	decodeBody(t, rec, &ranges)
	if len(ranges) != 1 || ranges[0].Name != "temps" {
		t.Errorf("unexpected ranges: %+v", ranges)
	}
}

func TestCreateRangeHandler(t *testing.T) {
	h, reg, _ := newTestHandler(t)

	body, _ := json.Marshal(domain.AddressRange{
		Name: "flow", StartAddress: 10, Length: 4, DataType: domain.DataTypeFloat32, Enabled: true,
	})
	rec := httptest.NewRecorder()
	h.CreateRangeHandler(rec, httptest.NewRequest(http.MethodPost, "/api/ranges", bytes.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created domain.AddressRange
	decodeBody(t, rec, &created)
	if created.ID == "" {
		t.Error("expected a generated ID")
	}
	if len(reg.List()) != 1 {
		t.Error("range not stored")
	}
}

func TestCreateRangeHandler_InvalidRange(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, _ := json.Marshal(domain.AddressRange{
		Name: "bad", StartAddress: 0, Length: 4, DataType: domain.DataTypeUInt16,
	})
	rec := httptest.NewRecorder()
	h.CreateRangeHandler(rec, httptest.NewRequest(http.MethodPost, "/api/ranges", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetRangeHandler_NotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.GetRangeHandler(rec, httptest.NewRequest(http.MethodGet, "/api/ranges?id=ghost", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateRangeHandler(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	created := seedRange(t, reg)

	created.Length = 8
	body, _ := json.Marshal(created)
	rec := httptest.NewRecorder()
	h.UpdateRangeHandler(rec, httptest.NewRequest(http.MethodPut, "/api/ranges", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	got, _ := reg.Get(created.ID)
	if got.Length != 8 {
		t.Errorf("expected length 8, got %d", got.Length)
	}
}

func TestDeleteRangeHandler(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	created := seedRange(t, reg)

	rec := httptest.NewRecorder()
	h.DeleteRangeHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/ranges?id="+created.ID, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(reg.List()) != 0 {
		t.Error("range not deleted")
	}
}

func TestValidateRangeHandler(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, _ := json.Marshal(domain.AddressRange{
		Name: "x", StartAddress: 0, Length: 200, DataType: domain.DataTypeUInt16,
	})
	rec := httptest.NewRecorder()
	h.ValidateRangeHandler(rec, httptest.NewRequest(http.MethodPost, "/api/ranges/validate", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res domain.ValidationResult
	decodeBody(t, rec, &res)
	if res.IsValid {
		t.Error("expected invalid result")
	}
	if len(res.Errors) != 2 {
		t.Errorf("expected 2 errors, got %v", res.Errors)
	}
}

func TestConflictsHandler(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	reg.Create(domain.AddressRange{Name: "a", StartAddress: 10, Length: 5, DataType: domain.DataTypeUInt16, Enabled: true})
	reg.Create(domain.AddressRange{Name: "b", StartAddress: 12, Length: 5, DataType: domain.DataTypeUInt16, Enabled: true})

	rec := httptest.NewRecorder()
	h.ConflictsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/ranges/conflicts", nil))

	var conflicts []domain.OverlapConflict
	decodeBody(t, rec, &conflicts)
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	if conflicts[0].OverlapStart != 12 || conflicts[0].OverlapEnd != 14 {
		t.Errorf("expected overlap 12-14, got %d-%d", conflicts[0].OverlapStart, conflicts[0].OverlapEnd)
	}
}

func TestImportExportHandlers(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	seedRange(t, reg)

	rec := httptest.NewRecorder()
	h.ExportRangesHandler(rec, httptest.NewRequest(http.MethodGet, "/api/ranges/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	exported := rec.Body.Bytes()

	h2, reg2, _ := newTestHandler(t)
	rec2 := httptest.NewRecorder()
	h2.ImportRangesHandler(rec2, httptest.NewRequest(http.MethodPost, "/api/ranges/import", bytes.NewReader(exported)))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec2.Code, rec2.Body.String())
	}
	if len(reg2.List()) != 1 {
		t.Errorf("expected 1 imported range, got %d", len(reg2.List()))
	}
}

func TestCollectionLifecycleHandlers(t *testing.T) {
	h, reg, collector := newTestHandler(t)
	seedRange(t, reg)

	body, _ := json.Marshal(map[string]interface{}{
		"sink_path":   filepath.Join(t.TempDir(), "out.csv"),
		"interval_ms": 100,
	})
	rec := httptest.NewRecorder()
	h.StartCollectionHandler(rec, httptest.NewRequest(http.MethodPost, "/api/collection/start", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.CollectionStatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/collection/status", nil))
	var status service.Status
	decodeBody(t, rec, &status)
	if status.State != service.StateRunning {
		t.Errorf("expected running, got %s", status.State)
	}

	// Starting again conflicts.
	body2, _ := json.Marshal(map[string]interface{}{"sink_path": "/tmp/x.csv", "interval_ms": 100})
	rec = httptest.NewRecorder()
	h.StartCollectionHandler(rec, httptest.NewRequest(http.MethodPost, "/api/collection/start", bytes.NewReader(body2)))
	if rec.Code != http.StatusConflict {
		t.Errorf("double start: expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.StopCollectionHandler(rec, httptest.NewRequest(http.MethodPost, "/api/collection/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	if collector.State() != service.StateIdle {
		t.Error("expected idle after stop")
	}

	rec = httptest.NewRecorder()
	h.StopCollectionHandler(rec, httptest.NewRequest(http.MethodPost, "/api/collection/stop", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("second stop: expected 400, got %d", rec.Code)
	}
}

func TestStartCollectionHandler_BadInterval(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	seedRange(t, reg)

	body, _ := json.Marshal(map[string]interface{}{"sink_path": "/tmp/x.csv", "interval_ms": 50})
	rec := httptest.NewRecorder()
	h.StartCollectionHandler(rec, httptest.NewRequest(http.MethodPost, "/api/collection/start", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestReadOnceHandler(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	seedRange(t, reg)

	rec := httptest.NewRecorder()
	h.ReadOnceHandler(rec, httptest.NewRequest(http.MethodPost, "/api/read?format=hex", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var batch domain.BatchReadResult
	decodeBody(t, rec, &batch)
	if batch.SuccessCount != 5 {
		t.Errorf("expected 5 successful values, got %d", batch.SuccessCount)
	}
	if batch.Results[0].DisplayValue != "0x2A" {
		t.Errorf("expected hex display, got %q", batch.Results[0].DisplayValue)
	}
}

func TestLatestDataHandler_Empty(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.LatestDataHandler(rec, httptest.NewRequest(http.MethodGet, "/api/data/latest", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var parsed []domain.ParsedData
	decodeBody(t, rec, &parsed)
	if len(parsed) != 0 {
		t.Errorf("expected empty list, got %+v", parsed)
	}
}

func TestExportHistoryHandler_NoData(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, _ := json.Marshal(map[string]string{"path": filepath.Join(t.TempDir(), "h.csv")})
	rec := httptest.NewRecorder()
	h.ExportHistoryHandler(rec, httptest.NewRequest(http.MethodPost, "/api/data/export", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty history, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ListRangesHandler(rec, httptest.NewRequest(http.MethodPost, "/api/ranges", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestMiddleware_AuthRequired(t *testing.T) {
	mw := api.NewMiddleware(config.HTTPConfig{AuthEnabled: true, APIKey: "secret"}, zerolog.Nop())

	called := false
	handler := mw.Secure(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/ranges", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("expected 401 without key, got %d (called=%v)", rec.Code, called)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ranges", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	handler(rec, req)
	if !called {
		t.Error("expected handler to run with the right key")
	}
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	mw := api.NewMiddleware(config.HTTPConfig{}, zerolog.Nop())

	called := false
	handler := mw.ReadOnly(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodOptions, "/api/ranges", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for preflight, got %d", rec.Code)
	}
	if called {
		t.Error("preflight must not reach the handler")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected wildcard origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
