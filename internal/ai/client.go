// Package ai is the HTTP client for the AI processor collaborator. It
// wraps every endpoint the flows call: supplier parsing, draft
// generation, book research, vision captioning and markup config.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/common/tracing"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
)

const defaultTimeout = 60 * time.Second

var (
	// ErrQuotaExhausted marks failures the operator can only wait out.
	ErrQuotaExhausted = errors.New("ai processor quota exhausted")

	// ErrUnreachable marks connectivity failures (timeouts, refused
	// connections, hang-ups).
	ErrUnreachable = errors.New("ai processor unreachable")
)

// Client talks to the AI processor over HTTP JSON.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a client for the processor at baseURL. A zero timeout
// uses the 60 second default.
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  log.WithFields(zap.String("component", "ai-client")),
	}
}

// ParseRequest is the input to /parse.
type ParseRequest struct {
	Text       string      `json:"text"`
	MediaCount int         `json:"media_count"`
	Supplier   v1.Supplier `json:"supplier"`
}

// ParseResponse carries the parsed item or, when the parser could not
// complete, the list of missing fields for the operator to fill in.
type ParseResponse struct {
	Item          *v1.ParsedItem `json:"parsed_data,omitempty"`
	Incomplete    bool           `json:"incomplete,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
}

// Parse extracts a structured item from a supplier catalog message.
func (c *Client) Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error) {
	var resp ParseResponse
	if err := c.doJSON(ctx, "/parse", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateRequest is the input to /generate.
type GenerateRequest struct {
	ParsedData *v1.ParsedItem `json:"parsed_data"`
	Level      int            `json:"level"`
	UserEdit   string         `json:"user_edit,omitempty"`
}

// GenerateResponse carries the draft plus the (possibly adjusted) item.
type GenerateResponse struct {
	Draft      *v1.Draft      `json:"draft"`
	ParsedData *v1.ParsedItem `json:"parsed_data"`
}

// Generate produces a promotional draft for the parsed item. UserEdit is
// passed verbatim when the operator asked for a steered regeneration.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := c.doJSON(ctx, "/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResearchResponse is the /research result set.
type ResearchResponse struct {
	Query   string                `json:"query"`
	Results []v1.BookSearchResult `json:"results"`
	Count   int                   `json:"count"`
}

// Research searches for book candidates matching the query.
func (c *Client) Research(ctx context.Context, query string, maxResults int) (*ResearchResponse, error) {
	var resp ResearchResponse
	req := map[string]any{"query": query, "max_results": maxResults}
	if err := c.doJSON(ctx, "/research", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResearchGenerateRequest is the input to /research/generate.
type ResearchGenerateRequest struct {
	Book      *v1.BookSearchResult `json:"book"`
	PriceMain int                  `json:"price_main"`
	Format    string               `json:"format"`
	ETA       string               `json:"eta,omitempty"`
	CloseDate string               `json:"close_date,omitempty"`
	MinOrder  int                  `json:"min_order,omitempty"`
	Level     int                  `json:"level"`
	UserEdit  string               `json:"user_edit,omitempty"`
}

// ResearchGenerate produces a draft from a researched book plus the
// operator-supplied commercial details.
func (c *Client) ResearchGenerate(ctx context.Context, req ResearchGenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := c.doJSON(ctx, "/research/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enrich expands a thin book description from additional sources.
func (c *Client) Enrich(ctx context.Context, bookTitle, currentDescription string, maxSources int) (string, error) {
	q := url.Values{}
	q.Set("book_title", bookTitle)
	q.Set("current_description", currentDescription)
	q.Set("max_sources", fmt.Sprintf("%d", maxSources))

	var resp struct {
		EnrichedDescription string   `json:"enriched_description"`
		SourcesUsed         []string `json:"sources_used"`
	}
	if err := c.doJSON(ctx, "/research/enrich?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	return resp.EnrichedDescription, nil
}

// SearchImages returns candidate cover images for the title.
func (c *Client) SearchImages(ctx context.Context, bookTitle string, maxImages int) ([]v1.ImageResult, error) {
	q := url.Values{}
	q.Set("book_title", bookTitle)
	q.Set("max_images", fmt.Sprintf("%d", maxImages))

	var resp struct {
		Images []v1.ImageResult `json:"images"`
		Count  int              `json:"count"`
	}
	if err := c.doJSON(ctx, "/research/search-images?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// SearchLinks returns preview links for the title.
func (c *Client) SearchLinks(ctx context.Context, bookTitle string, maxLinks int) ([]string, error) {
	q := url.Values{}
	q.Set("book_title", bookTitle)
	q.Set("max_links", fmt.Sprintf("%d", maxLinks))

	var resp struct {
		Links []string `json:"links"`
		Count int      `json:"count"`
	}
	if err := c.doJSON(ctx, "/research/search-links?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Links, nil
}

// DisplayTitle resolves the customer-facing title for a research result.
func (c *Client) DisplayTitle(ctx context.Context, title, sourceURL, publisher string) (string, error) {
	q := url.Values{}
	q.Set("title", title)
	q.Set("source_url", sourceURL)
	q.Set("publisher", publisher)

	var resp struct {
		DisplayTitle string `json:"display_title"`
	}
	if err := c.doJSON(ctx, "/research/display-title?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	return resp.DisplayTitle, nil
}

// AnalyzeImage uploads the image at path for vision analysis.
func (c *Client) AnalyzeImage(ctx context.Context, path string) (*v1.CaptionAnalysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/caption/analyze", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var analysis v1.CaptionAnalysis
	if err := c.do(req, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// CaptionGenerateRequest is the input to /caption/generate.
type CaptionGenerateRequest struct {
	Analysis     *v1.CaptionAnalysis `json:"analysis"`
	Price        int                 `json:"price"`
	Format       string              `json:"format"`
	ETA          string              `json:"eta,omitempty"`
	CloseDate    string              `json:"close_date,omitempty"`
	Level        int                 `json:"level"`
	PreviewLinks []string            `json:"preview_links,omitempty"`
}

// CaptionGenerateResponse carries the draft and the analysis it was built
// from.
type CaptionGenerateResponse struct {
	Draft    *v1.Draft           `json:"draft"`
	Analysis *v1.CaptionAnalysis `json:"analysis"`
}

// CaptionGenerate produces a draft from a vision analysis plus details.
func (c *Client) CaptionGenerate(ctx context.Context, req CaptionGenerateRequest) (*CaptionGenerateResponse, error) {
	var resp CaptionGenerateResponse
	if err := c.doJSON(ctx, "/caption/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMarkup returns the processor's current price markup.
func (c *Client) GetMarkup(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		PriceMarkup int `json:"price_markup"`
	}
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.PriceMarkup, nil
}

// SetMarkup updates the processor's price markup.
func (c *Client) SetMarkup(ctx context.Context, markup int) error {
	return c.doJSON(ctx, "/config", map[string]any{"price_markup": markup}, nil)
}

// Health probes the processor.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// DownloadImage fetches an external image URL through the client's HTTP
// stack and returns the bytes. Used for research cover downloads.
func (c *Client) DownloadImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.categorize(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 20<<20))
}

func (c *Client) doJSON(ctx context.Context, path string, in, out any) error {
	ctx, span := tracing.Tracer("wartabot-ai").Start(ctx, "ai"+routeName(path))
	defer span.End()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ai processor call failed",
			zap.String("path", req.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return c.categorize(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return c.categorize(err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrQuotaExhausted
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if strings.Contains(strings.ToLower(apiErr.Error), "exhausted") {
			return ErrQuotaExhausted
		}
		if apiErr.Error != "" {
			return fmt.Errorf("ai processor returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("ai processor returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode ai processor response: %w", err)
	}
	return nil
}

// categorize folds transport-level failures into ErrUnreachable so callers
// can show the right operator message.
func (c *Client) categorize(err error) error {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "no such host") {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

func routeName(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.ReplaceAll(path, "/", ".")
}
