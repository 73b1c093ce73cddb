// Package extract is a client for a Tika-compatible text extraction
// service. Uploaded documents (PDF and friends) go in as raw bytes and
// come back as plain text.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds extraction service settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client extracts text from document bytes over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client. Timeout defaults to two minutes; large PDFs are slow.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Text extracts plain text from the document in r. contentType hints the
// input format (e.g. "application/pdf"); empty lets the service sniff it.
func (c *Client) Text(ctx context.Context, r io.Reader, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.BaseURL+"/tika", r)
	if err != nil {
		return "", fmt.Errorf("extract: build request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("extract: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("extract: read response: %w", err)
	}
	return string(text), nil
}
