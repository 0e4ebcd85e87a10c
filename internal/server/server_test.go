package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/db"
	"github.com/wartabot/wartabot/internal/dispatch"
	"github.com/wartabot/wartabot/internal/state"
	"github.com/wartabot/wartabot/internal/transport"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

type nullMessenger struct{}

func (nullMessenger) SendText(ctx context.Context, target, text string) error { return nil }
func (nullMessenger) SendImage(ctx context.Context, target, path, caption string) error {
	return nil
}
func (nullMessenger) ListGroups(ctx context.Context) ([]wire.Group, error) { return nil, nil }
func (nullMessenger) DownloadMedia(ctx context.Context, messageRef string, index int) ([]byte, string, error) {
	return nil, "", nil
}
func (nullMessenger) Events() <-chan wire.IncomingMessage { return nil }

var _ transport.Messenger = nullMessenger{}

type fakeMarkup struct{ value int }

func (f *fakeMarkup) GetMarkup(ctx context.Context) (int, error) { return f.value, nil }

func (f *fakeMarkup) SetMarkup(ctx context.Context, markup int) error {
	f.value = markup
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *broadcast.Store, *fakeMarkup) {
	t.Helper()
	dir := t.TempDir()

	openPair := func(name string) (writer, reader *sqlx.DB) {
		t.Helper()
		path := filepath.Join(dir, name)
		w, err := db.OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		r, err := db.OpenSQLiteReader(path)
		if err != nil {
			t.Fatalf("OpenSQLiteReader failed: %v", err)
		}
		t.Cleanup(func() {
			_ = w.Close()
			_ = r.Close()
		})
		return w, r
	}

	bw, br := openPair("broadcast.db")
	store, err := broadcast.NewStore(bw, br, logger.Default())
	if err != nil {
		t.Fatalf("broadcast.NewStore failed: %v", err)
	}
	sw, sr := openPair("state.db")
	states, err := state.NewStore(sw, sr, logger.Default())
	if err != nil {
		t.Fatalf("state.NewStore failed: %v", err)
	}

	cfg := &config.Config{
		Server:     config.ServerConfig{Host: "127.0.0.1", Port: 8571, ReadTimeout: 30, WriteTimeout: 30},
		Dispatcher: config.DispatcherConfig{MinIntervalMinutes: 47, PollIntervalSeconds: 60},
		Operator:   config.OperatorConfig{IDs: []string{"op@s.whatsapp.net"}},
	}
	dispatcher := dispatch.NewDispatcher(cfg, store, nullMessenger{}, nil, logger.Default())
	markup := &fakeMarkup{value: 35000}

	s := NewServer(cfg, store, states, dispatcher, markup, logger.Default())
	ts := httptest.NewServer(s.buildRouter())
	t.Cleanup(ts.Close)
	return ts, store, markup
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body map[string]interface{}
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}

func TestStatusEndpointReportsQueueDepth(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()

	id, err := store.Save(ctx, &v1.Broadcast{
		Title: "Zog", PriceMain: 98000, Target: "production", Status: v1.BroadcastScheduled,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Enqueue(ctx, id, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var body struct {
		QueueDepth  int `json:"queue_depth"`
		ActiveFlows int `json:"active_flows"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.QueueDepth != 1 {
		t.Errorf("queue_depth = %d, want 1", body.QueueDepth)
	}
}

func TestQueueEndpoint(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()

	id, _ := store.Save(ctx, &v1.Broadcast{
		Title: "Stick Man", PriceMain: 98000, Target: "production", Status: v1.BroadcastScheduled,
	})
	if _, err := store.Enqueue(ctx, id, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var body struct {
		Count   int                   `json:"count"`
		Entries []dispatch.QueueEntry `json:"entries"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/queue", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 1 || len(body.Entries) != 1 {
		t.Fatalf("queue body = %+v", body)
	}
	if body.Entries[0].Title != "Stick Man" {
		t.Errorf("entry title = %q", body.Entries[0].Title)
	}
}

func TestHistoryEndpointLimit(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C"} {
		if _, err := store.Save(ctx, &v1.Broadcast{
			Title: title, PriceMain: 1000, Target: "production", Status: v1.BroadcastSent,
		}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	var body struct {
		Count int `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/history?limit=2", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 2 {
		t.Errorf("count = %d, want 2", body.Count)
	}

	if code := getJSON(t, ts.URL+"/api/v1/history?limit=0", nil); code != http.StatusBadRequest {
		t.Errorf("limit=0 should be rejected, got %d", code)
	}
}

func TestMarkupEndpoints(t *testing.T) {
	ts, store, markup := newTestServer(t)

	var body struct {
		PriceMarkup int `json:"price_markup"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/config/markup", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.PriceMarkup != 35000 {
		t.Errorf("markup = %d, want 35000", body.PriceMarkup)
	}

	resp, err := http.Post(ts.URL+"/api/v1/config/markup", "application/json",
		strings.NewReader(`{"price_markup": 42000}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	if markup.value != 42000 {
		t.Errorf("processor markup = %d, want 42000", markup.value)
	}
	persisted, err := store.GetSetting(context.Background(), broadcast.SettingPriceMarkup, "")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if persisted != "42000" {
		t.Errorf("persisted markup = %q, want 42000", persisted)
	}
}
