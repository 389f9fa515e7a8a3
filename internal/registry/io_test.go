package registry_test

import (
	"encoding/json"
	"testing"

	"github.com/shenjianeng2024/modbus-recoder/internal/registry"
)

func TestParseImport_ValidDocument(t *testing.T) {
	doc := `{
		"version": "1.0",
		"ranges": [
			{"id": "r1", "name": "a", "startAddress": 1, "length": 10, "dataType": "uint16", "enabled": true},
			{"id": "r2", "name": "b", "startAddress": 100, "length": 4, "dataType": "float32", "enabled": false}
		]
	}`

	result, err := registry.ParseImport([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Imported) != 2 {
		t.Fatalf("expected 2 imported, got %d", len(result.Imported))
	}
	if len(result.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", result.Warnings)
	}
}

func TestParseImport_DropsBadEntriesWithWarnings(t *testing.T) {
	doc := `{
		"version": "1.0",
		"ranges": [
			{"id": "good", "name": "a", "startAddress": 1, "length": 10, "dataType": "uint16", "enabled": true},
			{"id": "badtype", "name": "b", "startAddress": 1, "length": 10, "dataType": "float64", "enabled": true},
			{"id": "badbounds", "name": "c", "startAddress": 0, "length": 10, "dataType": "uint16", "enabled": true},
			{"id": "malformed", "startAddress": "not a number", "length": 10, "dataType": "uint16"}
		]
	}`

	result, err := registry.ParseImport([]byte(doc))
	if err != nil {
		t.Fatalf("one bad entry must not fail the document: %v", err)
	}
	if len(result.Imported) != 1 {
		t.Fatalf("expected 1 imported, got %d", len(result.Imported))
	}
	if result.Imported[0].ID != "good" {
		t.Errorf("expected range good, got %q", result.Imported[0].ID)
	}
	if len(result.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", result.Warnings)
	}
	expectedIndexes := []int{1, 2, 3}
	for i, w := range result.Warnings {
		if w.Index != expectedIndexes[i] {
			t.Errorf("warning %d: expected index %d, got %d", i, expectedIndexes[i], w.Index)
		}
		if w.Reason == "" {
			t.Errorf("warning %d: expected a reason", i)
		}
	}
}

func TestParseImport_MalformedDocument(t *testing.T) {
	if _, err := registry.ParseImport([]byte("not json")); err == nil {
		t.Error("expected an error for a malformed document")
	}
}

func TestImport_UpdatesExistingIDs(t *testing.T) {
	reg := newRegistry()

	rng := validRange("old", 1, 10)
	rng.ID = "r1"
	if _, err := reg.Create(rng); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := `{
		"version": "1.0",
		"ranges": [
			{"id": "r1", "name": "new", "startAddress": 1, "length": 20, "dataType": "uint16", "enabled": true}
		]
	}`
	result, err := reg.Import([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Imported) != 1 {
		t.Fatalf("expected 1 imported, got %d", len(result.Imported))
	}

	got, err := reg.Get("r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "new" || got.Length != 20 {
		t.Errorf("expected updated range, got %+v", got)
	}
	if len(reg.List()) != 1 {
		t.Errorf("import of an existing ID must not duplicate the range")
	}
}

func TestExport_RoundTrip(t *testing.T) {
	reg := newRegistry()
	reg.Create(validRange("a", 1, 10))
	reg.Create(validRange("b", 100, 4))

	data, err := reg.Export()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var file registry.RangesFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if file.Version != "1.0" {
		t.Errorf("expected version 1.0, got %q", file.Version)
	}
	if len(file.Ranges) != 2 {
		t.Errorf("expected 2 ranges, got %d", len(file.Ranges))
	}

	other := newRegistry()
	result, err := other.Import(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Imported) != 2 || len(result.Warnings) != 0 {
		t.Errorf("round trip lost data: %+v", result)
	}
}
