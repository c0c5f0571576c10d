// Package detect talks to the object-detection service. Upstream failures
// are returned as values carrying a status discriminator, never as errors,
// so the caller can keep going with whatever already succeeded.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
)

// ClothingPrompt is the fixed prompt covering the clothing categories the
// detection model is asked for.
const ClothingPrompt = "Jeans,athletic skirt,bar,athletic set,two-piece athletic set, clothes, shirt, dress, top, bottom"

const (
	StatusFailed          = "failed"
	StatusConnectionError = "connection_error"
)

// Result is the detection payload. Status is empty on success; on failure it
// holds one of the Status* values and ErrorMessage explains what happened.
// Raw preserves the exact payload for persistence.
type Result struct {
	Phrases         []string        `json:"phrases"`
	Scores          []float64       `json:"scores"`
	Boxes           [][]float64     `json:"boxes"`
	MaskImageOutput []string        `json:"mask_image_output"`
	Status          string          `json:"status,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

func (r *Result) Failed() bool { return r.Status != "" }

type Client struct {
	baseURL string
	httpc   *http.Client
	log     *logger.Logger
}

// Detection is compute-heavy upstream, so the call gets a long timeout.
const requestTimeout = 120 * time.Second

func New(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

// DetectClothing runs detection with the fixed clothing prompt. Mask crops
// for each detected item are written by the service under maskDir, which is
// derived from the session token to keep concurrent sessions apart.
func (c *Client) DetectClothing(ctx context.Context, inputRef, maskDir string) *Result {
	return c.Predict(ctx, inputRef, ClothingPrompt, maskDir)
}

func (c *Client) Predict(ctx context.Context, inputRef, prompt, maskDir string) *Result {
	payload := map[string]string{
		"input_image":           inputRef,
		"prompt":                prompt,
		"output_mask_image_dir": maskDir,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errResult(StatusFailed, fmt.Sprintf("detection request encode: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return errResult(StatusFailed, fmt.Sprintf("detection request build: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.log.Error("detection API connection error", "error", err)
		return errResult(StatusConnectionError, fmt.Sprintf("detection API connection error: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errResult(StatusConnectionError, fmt.Sprintf("detection API read error: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		c.log.Error("detection API error", "status_code", resp.StatusCode, "body", string(raw))
		return errResult(StatusFailed, fmt.Sprintf("detection API returned status %d", resp.StatusCode))
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return errResult(StatusFailed, fmt.Sprintf("detection API decode error: %v", err))
	}
	result.Raw = raw
	return &result
}

// Health pings the service's health endpoint. Used by the diagnostic
// endpoints only, so plain error returns are fine here.
func (c *Client) Health(ctx context.Context) (string, error) {
	const op = "detect.Health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", op, resp.StatusCode)
	}
	return string(body), nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func errResult(status, msg string) *Result {
	r := &Result{Status: status, ErrorMessage: msg}
	raw, err := json.Marshal(map[string]string{"error_message": msg, "status": status})
	if err == nil {
		r.Raw = raw
	}
	return r
}
