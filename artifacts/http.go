package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const clientTimeout = 15 * time.Second

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, objectKey string) (bool, error)

// Scan implements Scanner.
func (f ScannerFunc) Scan(ctx context.Context, objectKey string) (bool, error) {
	return f(ctx, objectKey)
}

// DeleterFunc adapts a function to the Deleter interface.
type DeleterFunc func(ctx context.Context, objectKey string) error

// Delete implements Deleter.
func (f DeleterFunc) Delete(ctx context.Context, objectKey string) error {
	return f(ctx, objectKey)
}

// HTTPScanner calls an external content-scanning service. Transport failures
// surface as errors so the outbox retries the scan.
type HTTPScanner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPScanner constructs a scanner client for the service at baseURL.
func NewHTTPScanner(baseURL string) (*HTTPScanner, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("artifacts: scanner base url required")
	}
	return &HTTPScanner{
		baseURL: trimmed,
		client:  &http.Client{Timeout: clientTimeout},
	}, nil
}

type scanRequest struct {
	ObjectKey string `json:"objectKey"`
}

type scanResponse struct {
	Clean bool `json:"clean"`
}

// Scan submits the object key for scanning and reports the verdict.
func (s *HTTPScanner) Scan(ctx context.Context, objectKey string) (bool, error) {
	body, err := json.Marshal(scanRequest{ObjectKey: objectKey})
	if err != nil {
		return false, fmt.Errorf("encode scan request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/scan", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("scanner call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("scanner status %d", resp.StatusCode)
	}
	var result scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode scan result: %w", err)
	}
	return result.Clean, nil
}

// HTTPDeleter asks the object store facade to drop an object.
type HTTPDeleter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDeleter constructs a deleter client for the store facade at baseURL.
func NewHTTPDeleter(baseURL string) (*HTTPDeleter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("artifacts: deleter base url required")
	}
	return &HTTPDeleter{
		baseURL: trimmed,
		client:  &http.Client{Timeout: clientTimeout},
	}, nil
}

type deleteRequest struct {
	ObjectKey string `json:"objectKey"`
}

// Delete removes the object behind the key.
func (d *HTTPDeleter) Delete(ctx context.Context, objectKey string) error {
	body, err := json.Marshal(deleteRequest{ObjectKey: objectKey})
	if err != nil {
		return fmt.Errorf("encode delete request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleter call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("deleter status %d", resp.StatusCode)
	}
	return nil
}
