package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-lora-helper/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

// Client struct for interacting with the Civitai API
type Client struct {
	ApiKey     string
	HttpClient *http.Client
	BaseURL    string

	maxRetries   int
	initialDelay time.Duration
}

// NewClient creates a new API client. Retry settings come from cfg.
func NewClient(apiKey string, httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		timeout := time.Duration(cfg.APIClientTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	delay := time.Duration(cfg.InitialRetryDelayMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	return &Client{
		ApiKey:       apiKey,
		HttpClient:   httpClient,
		BaseURL:      CivitaiApiBaseUrl,
		maxRetries:   maxRetries,
		initialDelay: delay,
	}
}

// GetModelVersionByHash looks up the model version a file belongs to.
// Civitai accepts SHA256, AutoV2, CRC32 and BLAKE3 digests here.
func (c *Client) GetModelVersionByHash(ctx context.Context, hash string) (models.ModelVersion, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return models.ModelVersion{}, fmt.Errorf("empty hash")
	}
	reqURL := fmt.Sprintf("%s/model-versions/by-hash/%s", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(hash))

	var version models.ModelVersion
	if err := c.getJSON(ctx, reqURL, &version); err != nil {
		return models.ModelVersion{}, fmt.Errorf("looking up hash %s: %w", hash, err)
	}
	return version, nil
}

// getJSON performs a GET with retries on rate limits, 5xx responses and
// transport errors, then decodes the body into out.
func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := c.initialDelay * time.Duration(1<<(attempt-1))
			if errors.Is(lastErr, ErrRateLimited) {
				sleep *= 2
			}
			log.WithError(lastErr).Warnf("Retrying %s (%d/%d) after %s...", reqURL, attempt+1, c.maxRetries, sleep)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}

		body, retryable, err := c.do(ctx, reqURL)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				log.Debugf("Response body causing unmarshal error: %s", string(body))
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}

	log.WithError(lastErr).Errorf("Request failed after %d attempts", c.maxRetries)
	return lastErr
}

// do sends one request. The bool reports whether the failure is worth retrying.
func (c *Client) do(ctx context.Context, reqURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("error reading response body: %w", err)
		}
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, false, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}
}
