package models

import (
	"encoding/json"
	"testing"
)

func TestMetadataSourceConstants(t *testing.T) {
	if MetadataSourceNone != "none" {
		t.Errorf("MetadataSourceNone = %q, want %q", MetadataSourceNone, "none")
	}
	if MetadataSourceCivitaiInfo != "civitai-info" {
		t.Errorf("MetadataSourceCivitaiInfo = %q, want %q", MetadataSourceCivitaiInfo, "civitai-info")
	}
	if MetadataSourceCivitaiAPI != "civitai-api" {
		t.Errorf("MetadataSourceCivitaiAPI = %q, want %q", MetadataSourceCivitaiAPI, "civitai-api")
	}
}

func TestStringOrStringSlice_UnmarshalString(t *testing.T) {
	var result StringOrStringSlice
	if err := json.Unmarshal([]byte(`"trigger one, trigger two ,"`), &result); err != nil {
		t.Fatalf("Unmarshal string failed: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("Expected 2 elements, got %d (%v)", len(result), result)
	}
	if result[0] != "trigger one" || result[1] != "trigger two" {
		t.Errorf("Unexpected words: %v", result)
	}
}

func TestStringOrStringSlice_UnmarshalArray(t *testing.T) {
	var result StringOrStringSlice
	if err := json.Unmarshal([]byte(`["value1", "value2", "value3"]`), &result); err != nil {
		t.Fatalf("Unmarshal array failed: %v", err)
	}
	expected := []string{"value1", "value2", "value3"}
	if len(result) != len(expected) {
		t.Fatalf("Expected %d elements, got %d", len(expected), len(result))
	}
	for i, v := range expected {
		if result[i] != v {
			t.Errorf("Element %d: expected %q, got %q", i, v, result[i])
		}
	}
}

func TestStringOrStringSlice_UnmarshalNull(t *testing.T) {
	result := StringOrStringSlice{"stale"}
	if err := json.Unmarshal([]byte(`null`), &result); err != nil {
		t.Fatalf("Unmarshal null failed: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil slice, got %v", result)
	}
}

func TestStringOrStringSlice_UnmarshalInvalid(t *testing.T) {
	var result StringOrStringSlice
	if err := json.Unmarshal([]byte(`123`), &result); err == nil {
		t.Error("Expected error for numeric value")
	}
}

func TestBaseModelFromA1111(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"SDXL", "SDXL 1.0"},
		{"SD1", "SD 1.5"},
		{"sd2", "SD 2.1"},
		{"Unknown", UnknownBaseModel},
		{"", UnknownBaseModel},
		{"  Pony  ", "Pony"},
	}
	for _, tt := range tests {
		if got := BaseModelFromA1111(tt.input); got != tt.expected {
			t.Errorf("BaseModelFromA1111(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestModelVersionUnmarshal(t *testing.T) {
	raw := `{
		"id": 456,
		"modelId": 123,
		"name": "v2.0",
		"baseModel": "SDXL 1.0",
		"trainedWords": ["mystyle"],
		"model": {"name": "My Style", "type": "LORA"},
		"files": [
			{"id": 1, "name": "extra.zip", "primary": false},
			{"id": 2, "name": "mystyle.safetensors", "primary": true, "hashes": {"BLAKE3": "ABC"}}
		]
	}`

	var v ModelVersion
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	f, ok := v.PrimaryFile()
	if !ok || f.Name != "mystyle.safetensors" {
		t.Errorf("PrimaryFile() = %+v, %v", f, ok)
	}
	if f.Hashes.BLAKE3 != "ABC" {
		t.Errorf("Expected BLAKE3 hash ABC, got %q", f.Hashes.BLAKE3)
	}

	entry := ModelEntry{FileName: "mystyle.safetensors", BaseModel: UnknownBaseModel}
	entry.ApplyVersion(v, MetadataSourceCivitaiAPI)

	if entry.BaseModel != "SDXL 1.0" {
		t.Errorf("BaseModel = %q", entry.BaseModel)
	}
	if entry.ModelName != "My Style" || entry.ModelType != "LORA" || entry.VersionName != "v2.0" {
		t.Errorf("Unexpected entry names: %+v", entry)
	}
	if entry.CivitaiModelID != 123 || entry.CivitaiVersionID != 456 {
		t.Errorf("Unexpected Civitai IDs: %d/%d", entry.CivitaiModelID, entry.CivitaiVersionID)
	}
	if entry.MetadataSource != MetadataSourceCivitaiAPI {
		t.Errorf("MetadataSource = %q", entry.MetadataSource)
	}
}

func TestApplyVersionKeepsBaseModelWhenEmpty(t *testing.T) {
	entry := ModelEntry{BaseModel: "Pony"}
	entry.ApplyVersion(ModelVersion{BaseModel: "  "}, MetadataSourceCivitaiInfo)
	if entry.BaseModel != "Pony" {
		t.Errorf("BaseModel = %q, want Pony", entry.BaseModel)
	}
}

func TestPrimaryFileEmpty(t *testing.T) {
	if _, ok := (ModelVersion{}).PrimaryFile(); ok {
		t.Error("Expected no primary file for empty version")
	}
}

func TestDisplayName(t *testing.T) {
	if got := (ModelEntry{FileName: "style.v2.safetensors"}).DisplayName(); got != "style.v2" {
		t.Errorf("DisplayName() = %q", got)
	}
	if got := (ModelEntry{FileName: "a.pt", ModelName: "Named"}).DisplayName(); got != "Named" {
		t.Errorf("DisplayName() = %q", got)
	}
	if got := (ModelEntry{FileName: "noext"}).DisplayName(); got != "noext" {
		t.Errorf("DisplayName() = %q", got)
	}
}
