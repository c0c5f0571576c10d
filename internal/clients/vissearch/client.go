// Package vissearch talks to the visual similarity search service. Same
// error-as-value contract as the detect client: a Result always comes back,
// its Status says whether the call worked.
package vissearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethxnwzng/ClothingImageSearch/internal/clients/objectstore"
	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
)

const (
	StatusError           = "error"
	StatusConnectionError = "connection_error"
	StatusUnauthorized    = "unauthorized"
)

const (
	requestTimeout = 30 * time.Second
	probeTimeout   = 10 * time.Second
)

// Context carries detection hints into a refined search call. Only non-empty
// fields become query parameters.
type Context struct {
	TargetItem      string    `json:"target_item,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	BoundingBox     []float64 `json:"bounding_box,omitempty"`
	DetectionMethod string    `json:"detection_method,omitempty"`
}

// Hit is one ranked similarity match as the provider returns it.
type Hit map[string]interface{}

func (h Hit) Score() float64 {
	if v, ok := h["score"].(float64); ok {
		return v
	}
	return 0
}

func (h Hit) S3URL() string {
	if v, ok := h["s3_url"].(string); ok {
		return v
	}
	return ""
}

type Result struct {
	Hits         []Hit
	Status       string
	ErrorMessage string
	Context      *Context
	Raw          json.RawMessage
}

func (r *Result) Failed() bool { return r.Status != "" }

type Client struct {
	baseURL string
	httpc   *http.Client
	probec  *http.Client
	log     *logger.Logger
}

func New(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
		probec:  &http.Client{Timeout: probeTimeout},
		log:     log,
	}
}

// Search runs a plain similarity query against the given index.
func (c *Client) Search(ctx context.Context, index, imageRef string, k, scale int) *Result {
	return c.search(ctx, index, imageRef, k, scale, nil)
}

// SearchWithContext appends detection hints as sparse query parameters:
// absent fields are omitted rather than sent empty.
func (c *Client) SearchWithContext(ctx context.Context, index, imageRef string, k, scale int, sc *Context) *Result {
	return c.search(ctx, index, imageRef, k, scale, sc)
}

func (c *Client) search(ctx context.Context, index, imageRef string, k, scale int, sc *Context) *Result {
	bucket, key, err := objectstore.ParseRef(imageRef)
	if err != nil {
		return errResult(StatusError, fmt.Sprintf("invalid image reference %q", imageRef), sc)
	}

	params := url.Values{}
	params.Set("s3_url", fmt.Sprintf("s3://%s/%s", bucket, key))
	params.Set("k", strconv.Itoa(k))
	params.Set("scale", strconv.Itoa(scale))
	if sc != nil {
		if sc.TargetItem != "" {
			params.Set("target_item", sc.TargetItem)
		}
		if sc.Confidence != 0 {
			params.Set("confidence", strconv.FormatFloat(sc.Confidence, 'f', -1, 64))
		}
		if sc.DetectionMethod != "" {
			params.Set("detection_method", sc.DetectionMethod)
		}
		if len(sc.BoundingBox) == 4 {
			coords := make([]string, len(sc.BoundingBox))
			for i, v := range sc.BoundingBox {
				coords[i] = strconv.FormatFloat(v, 'f', -1, 64)
			}
			params.Set("bounding_box", strings.Join(coords, ","))
		}
	}

	reqURL := fmt.Sprintf("%s/vis-search/search/%s?%s", c.baseURL, index, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return errResult(StatusError, fmt.Sprintf("search request build: %v", err), sc)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.log.Error("visual search API connection error", "error", err)
		return errResult(StatusConnectionError, fmt.Sprintf("visual search API connection error: %v", err), sc)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errResult(StatusConnectionError, fmt.Sprintf("visual search API read error: %v", err), sc)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errResult(StatusUnauthorized, fmt.Sprintf("visual search API returned status %d", resp.StatusCode), sc)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Error("visual search API error", "status_code", resp.StatusCode, "body", string(raw))
		return errResult(StatusError, fmt.Sprintf("visual search API returned status %d", resp.StatusCode), sc)
	}

	var body struct {
		ResultContent []Hit `json:"result_content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return errResult(StatusError, fmt.Sprintf("visual search API decode error: %v", err), sc)
	}

	return &Result{Hits: body.ResultContent, Context: sc, Raw: raw}
}

// TestConnection hits the provider's test endpoint with a sample reference.
func (c *Client) TestConnection(ctx context.Context, imageRef string) (json.RawMessage, error) {
	const op = "vissearch.TestConnection"

	reqURL := fmt.Sprintf("%s/vis-search/test?s3url=%s", c.baseURL, url.QueryEscape(imageRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c.probe(op, req)
}

// ListIndexes asks the provider for its available search indexes.
func (c *Client) ListIndexes(ctx context.Context) (json.RawMessage, error) {
	const op = "vissearch.ListIndexes"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vis-search/index/list", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.probe(op, req)
}

func (c *Client) probe(op string, req *http.Request) (json.RawMessage, error) {
	resp, err := c.probec.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", op, resp.StatusCode)
	}
	return body, nil
}

func errResult(status, msg string, sc *Context) *Result {
	return &Result{Status: status, ErrorMessage: msg, Context: sc}
}
