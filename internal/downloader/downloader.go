package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-lora-helper/internal/helpers"
	"go-lora-helper/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest = errors.New("HTTP request creation/execution error")
	ErrNotImage    = errors.New("downloaded content is not an image")
	ErrNoPreview   = errors.New("model version has no preview image")
)

// previewInfix sits between the model base name and the image extension.
const previewInfix = ".preview"

// Downloader fetches preview images next to catalogued model files.
type Downloader struct {
	client *http.Client
	apiKey string
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, apiKey string) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 2 * time.Minute,
		}
	}
	return &Downloader{
		client: client,
		apiKey: apiKey,
	}
}

// ExistingPreview returns the preview file already sitting next to the model, if any.
func ExistingPreview(modelPath string) (string, bool) {
	base := helpers.BaseWithoutExt(modelPath)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".webp"} {
		candidate := base + previewInfix + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// PreviewURL picks the first still image of a version.
func PreviewURL(v models.ModelVersion) (string, bool) {
	for _, img := range v.Images {
		if img.URL == "" {
			continue
		}
		if img.Type != "" && !strings.EqualFold(img.Type, "image") {
			continue
		}
		return img.URL, true
	}
	return "", false
}

// DownloadPreview stores the first image of the version as <model>.preview.<ext>.
// An existing preview is left alone and reported with downloaded=false.
func (d *Downloader) DownloadPreview(ctx context.Context, modelPath string, v models.ModelVersion) (path string, downloaded bool, err error) {
	if existing, ok := ExistingPreview(modelPath); ok {
		log.Debugf("Preview already present for %s: %s", filepath.Base(modelPath), existing)
		return existing, false, nil
	}
	url, ok := PreviewURL(v)
	if !ok {
		return "", false, ErrNoPreview
	}

	targetDir := filepath.Dir(modelPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return "", false, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	req, err := d.createHTTPRequest(ctx, url)
	if err != nil {
		return "", false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: performing image request for %s: %v", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("%w: received status %d for image %s", ErrHttpStatus, resp.StatusCode, url)
	}

	base := filepath.Base(helpers.BaseWithoutExt(modelPath))
	tempFile, err := os.CreateTemp(targetDir, base+".*.tmp")
	if err != nil {
		return "", false, fmt.Errorf("%w: creating temporary file in %s: %w", ErrFileSystem, targetDir, err)
	}

	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	finalBase := helpers.BaseWithoutExt(modelPath) + previewInfix
	if err := downloadToTemp(resp, tempFile, finalBase); err != nil {
		return "", false, err
	}

	finalPath, err := detectMimeAndRename(tempFile.Name(), finalBase)
	if err != nil {
		return "", false, err
	}
	shouldCleanupTemp = false

	log.Infof("Saved preview %s", finalPath)
	return finalPath, true, nil
}

func (d *Downloader) createHTTPRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating image request for %s: %w", ErrHttpRequest, url, err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	return req, nil
}

// downloadToTemp downloads the response body to a temporary file
func downloadToTemp(resp *http.Response, tempFile *os.File, targetBase string) error {
	size, _ := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)

	counter := &helpers.CounterWriter{Writer: tempFile}
	log.Debugf("Downloading %s (Size: %s)...", targetBase, helpers.BytesToSize(size))

	if _, err := io.Copy(counter, resp.Body); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("writing to temporary file %s: %w", tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: closing temporary file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}
	log.Debugf("Wrote %s to %s", helpers.BytesToSize(counter.Total), tempFile.Name())
	return nil
}

// detectMimeAndRename sniffs the temp file and moves it to finalBase plus the
// extension of the detected image type.
func detectMimeAndRename(tempFilePath, finalBase string) (string, error) {
	f, err := os.Open(tempFilePath)
	if err != nil {
		return "", fmt.Errorf("%w: opening temp file for mime detection: %w", ErrFileSystem, err)
	}
	buffer := make([]byte, 512)
	n, err := f.Read(buffer)
	f.Close()
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("%w: reading temp file for mime detection: %w", ErrFileSystem, err)
	}

	mimeType := http.DetectContentType(buffer[:n])
	log.Debugf("Detected MIME type for %s: %s", tempFilePath, mimeType)

	ext, ok := helpers.GetExtensionFromMimeType(mimeType)
	if !ok || !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotImage, mimeType)
	}

	finalPath := finalBase + ext
	if err := os.Rename(tempFilePath, finalPath); err != nil {
		return "", fmt.Errorf("%w: renaming temporary file %s to %s: %w", ErrFileSystem, tempFilePath, finalPath, err)
	}
	return finalPath, nil
}
