package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wartabot/wartabot/internal/common/logger"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, logger.Default())
}

func TestParse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/parse" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req ParseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if req.Supplier != v1.SupplierFGB || req.MediaCount != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(ParseResponse{
			Item: &v1.ParsedItem{Title: "The Gruffalo", PriceMain: 115000},
		})
	})

	resp, err := c.Parse(context.Background(), ParseRequest{
		Text:       "Remainder | ETA : Apr '26",
		MediaCount: 2,
		Supplier:   v1.SupplierFGB,
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if resp.Item == nil || resp.Item.Title != "The Gruffalo" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestParseIncomplete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ParseResponse{
			Incomplete:    true,
			MissingFields: []string{"price_main", "eta"},
		})
	})

	resp, err := c.Parse(context.Background(), ParseRequest{Text: "x"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !resp.Incomplete || len(resp.MissingFields) != 2 {
		t.Errorf("expected incomplete response, got %+v", resp)
	}
}

func TestGeneratePassesUserEditVerbatim(t *testing.T) {
	const hint = "lebih santai, singkat saja"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.UserEdit != hint {
			t.Errorf("user_edit altered: %q", req.UserEdit)
		}
		if req.Level != 2 {
			t.Errorf("unexpected level %d", req.Level)
		}
		_ = json.NewEncoder(w).Encode(GenerateResponse{
			Draft:      &v1.Draft{Body: "promo text", Level: 2},
			ParsedData: req.ParsedData,
		})
	})

	resp, err := c.Generate(context.Background(), GenerateRequest{
		ParsedData: &v1.ParsedItem{Title: "Stick Man"},
		Level:      2,
		UserEdit:   hint,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Draft == nil || resp.Draft.Body != "promo text" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestResearchQueryEndpoints(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/research":
			_ = json.NewEncoder(w).Encode(ResearchResponse{
				Query:   "gruffalo",
				Results: []v1.BookSearchResult{{Title: "The Gruffalo"}},
				Count:   1,
			})
		case "/research/enrich":
			if r.URL.Query().Get("book_title") != "The Gruffalo" {
				t.Errorf("missing book_title query param")
			}
			_, _ = w.Write([]byte(`{"enriched_description":"longer text","sources_used":["a"]}`))
		case "/research/search-images":
			_, _ = w.Write([]byte(`{"images":[{"url":"http://x/1.jpg","width":800,"height":1200}],"count":1}`))
		case "/research/search-links":
			_, _ = w.Write([]byte(`{"links":["http://x/preview"],"count":1}`))
		case "/research/display-title":
			_, _ = w.Write([]byte(`{"display_title":"The Gruffalo (Board Book)"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	res, err := c.Research(ctx, "gruffalo", 8)
	if err != nil || res.Count != 1 {
		t.Fatalf("Research failed: %v %+v", err, res)
	}

	desc, err := c.Enrich(ctx, "The Gruffalo", "short", 3)
	if err != nil || desc != "longer text" {
		t.Fatalf("Enrich failed: %v %q", err, desc)
	}

	imgs, err := c.SearchImages(ctx, "The Gruffalo", 5)
	if err != nil || len(imgs) != 1 || imgs[0].Width != 800 {
		t.Fatalf("SearchImages failed: %v %+v", err, imgs)
	}

	links, err := c.SearchLinks(ctx, "The Gruffalo", 3)
	if err != nil || len(links) != 1 {
		t.Fatalf("SearchLinks failed: %v %+v", err, links)
	}

	title, err := c.DisplayTitle(ctx, "The Gruffalo", "http://x", "Macmillan")
	if err != nil || title != "The Gruffalo (Board Book)" {
		t.Fatalf("DisplayTitle failed: %v %q", err, title)
	}
}

func TestAnalyzeImageMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("missing image part: %v", err)
		}
		defer func() { _ = f.Close() }()
		if hdr.Filename != "cover.jpg" {
			t.Errorf("unexpected filename %q", hdr.Filename)
		}
		_ = json.NewEncoder(w).Encode(v1.CaptionAnalysis{
			IsSeries:   true,
			SeriesName: "Peppa Pig",
			BookTitles: []string{"Goes Swimming"},
		})
	})

	path := filepath.Join(t.TempDir(), "cover.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	analysis, err := c.AnalyzeImage(context.Background(), path)
	if err != nil {
		t.Fatalf("AnalyzeImage failed: %v", err)
	}
	if !analysis.IsSeries || analysis.SeriesName != "Peppa Pig" {
		t.Errorf("unexpected analysis: %+v", analysis)
	}
}

func TestMarkupConfig(t *testing.T) {
	var gotMarkup int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method == http.MethodPost {
			var req struct {
				PriceMarkup int `json:"price_markup"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			gotMarkup = req.PriceMarkup
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte(`{"price_markup":2500}`))
	})
	ctx := context.Background()

	if err := c.SetMarkup(ctx, 3000); err != nil {
		t.Fatalf("SetMarkup failed: %v", err)
	}
	if gotMarkup != 3000 {
		t.Errorf("markup not delivered, got %d", gotMarkup)
	}
	markup, err := c.GetMarkup(ctx)
	if err != nil || markup != 2500 {
		t.Fatalf("GetMarkup failed: %v %d", err, markup)
	}
}

func TestQuotaErrorsAreCategorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.Parse(context.Background(), ParseRequest{Text: "x"})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("expected ErrQuotaExhausted, got %v", err)
	}
}

func TestExhaustedBodyIsQuota(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"resource exhausted, retry later"}`))
	})
	_, err := c.Parse(context.Background(), ParseRequest{Text: "x"})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Errorf("expected ErrQuotaExhausted, got %v", err)
	}
}

func TestConnectivityErrorsAreCategorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on
	c := NewClient(srv.URL, time.Second, logger.Default())

	_, err := c.Parse(context.Background(), ParseRequest{Text: "x"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}
