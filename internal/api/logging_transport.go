package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	activeLoggingTransports []*LoggingTransport
	transportsMu            sync.Mutex
)

// LoggingTransport wraps an http.RoundTripper and appends every request and
// response to a log file. Authorization headers are redacted.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	writer    *bufio.Writer
	mu        sync.Mutex
}

// NewLoggingTransport opens logFilePath for appending and registers the
// transport so CloseAllLoggingTransports can flush it on exit.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	cleanPath := filepath.Clean(logFilePath)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create API log directory %s: %w", dir, err)
		}
	}
	// #nosec G304
	f, err := os.OpenFile(cleanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", cleanPath, err)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	lt := &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}

	transportsMu.Lock()
	activeLoggingTransports = append(activeLoggingTransports, lt)
	transportsMu.Unlock()
	log.Debugf("Logging API requests to %s", cleanPath)

	return lt, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	logged := req.Clone(req.Context())
	if logged.Header.Get("Authorization") != "" {
		logged.Header.Set("Authorization", "Bearer [REDACTED]")
	}
	if reqDump, err := httputil.DumpRequestOut(logged, false); err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
	} else {
		t.mu.Lock()
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), string(reqDump)))
		t.mu.Unlock()
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case err != nil:
		t.writeLog(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", time.Now().Format(time.RFC3339), duration, err.Error()))
	case strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"):
		bodyBytes, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			log.WithError(readErr).Error("Failed to read response body for logging")
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}
		resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		headers, _ := httputil.DumpResponse(resp, false)
		t.writeLog(fmt.Sprintf("--- Response (%s, Duration: %v) ---\n%s\n%s", time.Now().Format(time.RFC3339), duration, string(headers), string(bodyBytes)))
	default:
		headers, _ := httputil.DumpResponse(resp, false)
		t.writeLog(fmt.Sprintf("--- Response (%s, Duration: %v) ---\n%s\n(Body not logged)", time.Now().Format(time.RFC3339), duration, string(headers)))
	}

	if errFlush := t.writer.Flush(); errFlush != nil {
		log.WithError(errFlush).Error("Failed to flush API log writer")
	}
	return resp, err
}

func (t *LoggingTransport) writeLog(entry string) {
	if _, err := t.writer.WriteString(entry + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
	}
}

// Close flushes and closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports closes every transport created so far.
func CloseAllLoggingTransports() {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	for _, t := range activeLoggingTransports {
		if err := t.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing logging transport for %s: %v\n", t.logFile.Name(), err)
		}
	}
	activeLoggingTransports = nil
}
