package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"
)

// HTTPClient is the subset of *http.Client adapters depend on.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	// DefaultHTTPTimeout bounds provider calls made with NewHTTPClient.
	DefaultHTTPTimeout = 30 * time.Second
	// MaxErrorBodyBytes caps how much of a provider error body is retained.
	MaxErrorBodyBytes = 64 << 10
	// MaxMediaBytes caps downloaded attachments.
	MaxMediaBytes = 64 << 20
)

// NewHTTPClient returns the client used by adapters when none is injected.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Request describes one JSON call to a provider API.
type Request struct {
	Channel   Type
	Operation string
	Method    string
	URL       string
	Headers   map[string]string
	Body      any
}

// DoJSON sends r, decodes a 2xx response into out (when non-nil) and turns
// any other status into an *APIError carrying the raw body.
func DoJSON(ctx context.Context, client HTTPClient, r Request, out any) error {
	var reader io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal %s request: %w", r.Channel, r.Operation, err)
		}
		reader = bytes.NewReader(data)
	}
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, reader)
	if err != nil {
		return fmt.Errorf("%s: failed to create %s request: %w", r.Channel, r.Operation, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s request failed: %w", r.Channel, r.Operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewAPIError(r.Channel, r.Operation, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s: failed to decode %s response: %w", r.Channel, r.Operation, err)
	}
	return nil
}

// NewAPIError reads a bounded copy of the response body into an *APIError.
func NewAPIError(ch Type, operation string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodyBytes))
	return &APIError{
		Channel:    ch,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}

// Fetch downloads a media URL with optional headers.
func Fetch(ctx context.Context, client HTTPClient, ch Type, rawURL string, headers map[string]string) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create download request: %w", ch, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: download failed: %w", ch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewAPIError(ch, "download_media", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read media: %w", ch, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, fmt.Errorf("%s: media exceeds %d bytes", ch, MaxMediaBytes)
	}

	media := &Media{Data: data, MimeType: resp.Header.Get("Content-Type")}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		media.Filename = params["filename"]
	}
	if media.Filename == "" {
		media.Filename = path.Base(req.URL.Path)
	}
	return media, nil
}

// Bearer formats an Authorization header map for a bearer token.
func Bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
