package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go-lora-helper/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

var (
	whitespaceRegex   = regexp.MustCompile(`\s+`)
	invalidSlugRegex  = regexp.MustCompile(`[^a-z0-9._-]`)
	mixedSepRegex     = regexp.MustCompile(`[_-]*-[_-]*`)
	repeatedUnderline = regexp.MustCompile(`_+`)
)

// SidecarExtensions are the companion files that travel with a model file.
// Multi-part suffixes come first so they win over plain extensions.
var SidecarExtensions = []string{
	".civitai.info",
	".preview.png",
	".preview.jpg",
	".preview.jpeg",
	".preview.webp",
	".json",
	".png",
	".jpg",
	".jpeg",
	".webp",
	".txt",
}

// ConvertToSlug lowercases a string and reduces it to characters that are
// safe in a single path segment.
func ConvertToSlug(str string) string {
	str = strings.ToLower(str)
	str = strings.ReplaceAll(str, ":", "-")
	str = whitespaceRegex.ReplaceAllString(str, "_")
	str = invalidSlugRegex.ReplaceAllString(str, "")
	str = mixedSepRegex.ReplaceAllString(str, "-")
	str = repeatedUnderline.ReplaceAllString(str, "_")
	return strings.Trim(str, "_-")
}

var mimeExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// GetExtensionFromMimeType maps a content type (parameters allowed) to a file extension.
func GetExtensionFromMimeType(mimeType string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	}
	ext, ok := mimeExtensions[strings.ToLower(mediaType)]
	return ext, ok
}

// BytesToSize converts a byte count into a human readable string.
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	if bytes == 0 {
		return "0B"
	}
	value := float64(bytes)
	i := 0
	for value >= 1024 && i < len(sizes)-1 {
		value /= 1024
		i++
	}
	return fmt.Sprintf("%.2f%s", value, sizes[i])
}

// StringSliceContains reports whether item is in slice, ignoring case.
func StringSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}

// CheckAndMakeDir ensures the directory exists, creating it if needed.
func CheckAndMakeDir(dir string) bool {
	dir = filepath.Clean(dir)
	if info, err := os.Stat(dir); err == nil {
		return info.IsDir()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	log.Debugf("Created directory: %s", dir)
	return true
}

// CounterWriter counts the bytes written through it.
type CounterWriter struct {
	Writer io.Writer
	Total  uint64
}

// Write implements io.Writer.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	return n, err
}

// HashFile returns the upper-case hex BLAKE3 digest of a file, the format
// Civitai publishes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(hasher.Sum(nil))), nil
}

// HashesMatch reports whether a computed BLAKE3 digest matches the published hashes.
func HashesMatch(blake3Hex string, hashes models.Hashes) bool {
	if blake3Hex == "" || hashes.BLAKE3 == "" {
		return false
	}
	return strings.EqualFold(blake3Hex, hashes.BLAKE3)
}

// IsModelFile reports whether name has one of the given extensions, ignoring case.
func IsModelFile(name string, extensions []string) bool {
	ext := filepath.Ext(name)
	if ext == "" {
		return false
	}
	return StringSliceContains(extensions, ext)
}

// BaseWithoutExt strips the final extension from a model path.
func BaseWithoutExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// SidecarPaths lists the existing companion files of a model file.
func SidecarPaths(modelPath string) []string {
	base := BaseWithoutExt(modelPath)
	seen := make(map[string]struct{})
	var found []string
	for _, ext := range SidecarExtensions {
		candidate := base + ext
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			found = append(found, candidate)
		}
	}
	return found
}
