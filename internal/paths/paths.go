package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go-lora-helper/internal/helpers"
)

// Define allowed tags using a map for easy lookup
var allowedTags = map[string]struct{}{
	"baseModel":   {},
	"category":    {}, // Base model, or the unknown-category label when missing
	"modelName":   {},
	"modelType":   {},
	"creatorName": {},
	"versionName": {},
	"versionId":   {},
	"modelId":     {},
	"fileName":    {}, // File name without extension
}

// Regex to find tags like {tagName}
var tagRegex = regexp.MustCompile(`\{([^}]+)\}`)

// GeneratePath substitutes placeholders in a pattern string with sanitized values from the data map.
// It returns the generated relative path string or an error if substitution fails.
func GeneratePath(pattern string, data map[string]string) (string, error) {
	generatedPath := pattern

	for _, match := range tagRegex.FindAllStringSubmatch(pattern, -1) {
		if len(match) < 2 {
			continue
		}
		tagName := match[1]
		tagWithBraces := match[0]

		if _, allowed := allowedTags[tagName]; !allowed {
			return "", fmt.Errorf("unknown tag found in path pattern: %s", tagWithBraces)
		}

		// Missing values slug to "" just like empty ones.
		sanitizedValue := helpers.ConvertToSlug(data[tagName])
		if sanitizedValue == "" {
			sanitizedValue = "empty_" + tagName
		}

		generatedPath = strings.ReplaceAll(generatedPath, tagWithBraces, sanitizedValue)
	}

	cleanedPath := filepath.Clean(generatedPath)
	if cleanedPath == "." || cleanedPath == "" {
		return "", fmt.Errorf("generated path pattern resulted in an empty or invalid path: '%s'", pattern)
	}
	cleanedPath = strings.TrimPrefix(cleanedPath, string(filepath.Separator))

	// Prevent path traversal
	if strings.Contains(cleanedPath, "..") {
		return "", fmt.Errorf("generated path contains invalid sequence '..': %s", cleanedPath)
	}

	return cleanedPath, nil
}

// ValidatePattern returns the tags in pattern that GeneratePath would reject.
func ValidatePattern(pattern string) []string {
	var unknown []string
	for _, match := range tagRegex.FindAllStringSubmatch(pattern, -1) {
		if len(match) < 2 {
			continue
		}
		if _, ok := allowedTags[match[1]]; !ok {
			unknown = append(unknown, match[1])
		}
	}
	return unknown
}
