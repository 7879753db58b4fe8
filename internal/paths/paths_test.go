package paths

import (
	"strings"
	"testing"
)

func TestGeneratePath_BasicSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		data     map[string]string
		expected string
		wantErr  bool
	}{
		{
			name:     "single placeholder",
			pattern:  "{baseModel}",
			data:     map[string]string{"baseModel": "SDXL 1.0"},
			expected: "sdxl_1.0", // spaces become underscores
		},
		{
			name:     "multiple placeholders",
			pattern:  "{category}/{modelType}/{modelName}",
			data:     map[string]string{"category": "Pony", "modelType": "LORA", "modelName": "My Style"},
			expected: "pony/lora/my_style",
		},
		{
			name:     "with creator name",
			pattern:  "{creatorName}/{modelName}",
			data:     map[string]string{"creatorName": "TestUser", "modelName": "Cool Model"},
			expected: "testuser/cool_model",
		},
		{
			name:     "with model and version IDs",
			pattern:  "{modelId}/{versionId}",
			data:     map[string]string{"modelId": "12345", "versionId": "67890"},
			expected: "12345/67890",
		},
		{
			name:     "file name placeholder",
			pattern:  "{baseModel}/{fileName}",
			data:     map[string]string{"baseModel": "SD 1.5", "fileName": "Detail Tweaker"},
			expected: "sd_1.5/detail_tweaker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GeneratePath(tt.pattern, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("GeneratePath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("GeneratePath() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGeneratePath_EmptyValues(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		data     map[string]string
		expected string
	}{
		{
			name:     "missing value uses fallback",
			pattern:  "{baseModel}/{modelName}",
			data:     map[string]string{"modelName": "Test"},
			expected: "empty_baseModel/test",
		},
		{
			name:     "empty string value uses fallback",
			pattern:  "{modelName}/{baseModel}",
			data:     map[string]string{"modelName": "Test", "baseModel": ""},
			expected: "test/empty_baseModel",
		},
		{
			name:     "value that slugs to nothing uses fallback",
			pattern:  "{modelName}",
			data:     map[string]string{"modelName": "@@@"},
			expected: "empty_modelName",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GeneratePath(tt.pattern, tt.data)
			if err != nil {
				t.Fatalf("GeneratePath() unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("GeneratePath() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGeneratePath_UnknownTags(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{name: "unknown tag", pattern: "{unknownTag}"},
		{name: "mixed known and unknown tags", pattern: "{baseModel}/{unknownTag}"},
		{name: "typo in tag name", pattern: "{baseModl}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GeneratePath(tt.pattern, map[string]string{"baseModel": "SDXL"})
			if err == nil {
				t.Fatal("GeneratePath() expected error for unknown tag, got nil")
			}
			if !strings.Contains(err.Error(), "unknown tag") {
				t.Errorf("GeneratePath() error should mention 'unknown tag', got: %v", err)
			}
		})
	}
}

func TestGeneratePath_PathTraversal(t *testing.T) {
	got, err := GeneratePath("{modelName}", map[string]string{"modelName": "../../../etc/passwd"})
	if err != nil {
		// Rejecting is acceptable
		return
	}
	if strings.Contains(got, "..") {
		t.Errorf("GeneratePath() result contains path traversal: %v", got)
	}
}

func TestGeneratePath_LiteralTraversalRejected(t *testing.T) {
	if _, err := GeneratePath("../{baseModel}", map[string]string{"baseModel": "SDXL"}); err == nil {
		t.Error("GeneratePath() should reject a pattern escaping the target")
	}
}

func TestGeneratePath_NoPlaceholders(t *testing.T) {
	got, err := GeneratePath("static/path/here", map[string]string{})
	if err != nil {
		t.Errorf("GeneratePath() unexpected error: %v", err)
	}
	if got != "static/path/here" {
		t.Errorf("GeneratePath() = %v, want static/path/here", got)
	}
}

func TestGeneratePath_EmptyPattern(t *testing.T) {
	if _, err := GeneratePath("", nil); err == nil {
		t.Error("GeneratePath() with empty pattern should fail")
	}
}

func TestGeneratePath_AllAllowedTags(t *testing.T) {
	for tag := range allowedTags {
		t.Run(tag, func(t *testing.T) {
			got, err := GeneratePath("{"+tag+"}", map[string]string{tag: "test-value"})
			if err != nil {
				t.Errorf("GeneratePath() with tag %s returned error: %v", tag, err)
			}
			if got != "test-value" {
				t.Errorf("GeneratePath() with tag %s = %v, want test-value", tag, got)
			}
		})
	}
}

func TestValidatePattern(t *testing.T) {
	if unknown := ValidatePattern("{category}/{modelName}"); len(unknown) != 0 {
		t.Errorf("ValidatePattern() = %v, want none", unknown)
	}
	unknown := ValidatePattern("{category}/{imageId}/{foo}")
	if len(unknown) != 2 || unknown[0] != "imageId" || unknown[1] != "foo" {
		t.Errorf("ValidatePattern() = %v, want [imageId foo]", unknown)
	}
}
