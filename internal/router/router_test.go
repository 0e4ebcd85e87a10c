package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wartabot/wartabot/internal/ai"
	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/db"
	"github.com/wartabot/wartabot/internal/dispatch"
	"github.com/wartabot/wartabot/internal/flow"
	"github.com/wartabot/wartabot/internal/media"
	"github.com/wartabot/wartabot/internal/replies"
	"github.com/wartabot/wartabot/internal/state"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

const operator = "628111@s.whatsapp.net"

const fgbText = `📚 Room on the Broom
Remainder | ETA Apr '26
NETT PRICE 98K`

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []string // "target|body"
	events chan wire.IncomingMessage
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{events: make(chan wire.IncomingMessage)}
}

func (f *fakeMessenger) SendText(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, target+"|"+text)
	return nil
}

func (f *fakeMessenger) SendImage(ctx context.Context, target, path, caption string) error {
	return f.SendText(ctx, target, caption)
}

func (f *fakeMessenger) ListGroups(ctx context.Context) ([]wire.Group, error) {
	return []wire.Group{{ID: "123@g.us", Subject: "Buku Import"}}, nil
}

func (f *fakeMessenger) DownloadMedia(ctx context.Context, messageRef string, index int) ([]byte, string, error) {
	return []byte("image-bytes"), "image/jpeg", nil
}

func (f *fakeMessenger) Events() <-chan wire.IncomingMessage { return f.events }

func (f *fakeMessenger) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeMessenger) repliesContaining(substr string) int {
	n := 0
	for _, s := range f.replies() {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

type fakeProcessor struct{}

func (fakeProcessor) Parse(ctx context.Context, req ai.ParseRequest) (*ai.ParseResponse, error) {
	title := strings.TrimSpace(strings.SplitN(req.Text, "\n", 2)[0])
	title = strings.TrimPrefix(title, "📚 ")
	return &ai.ParseResponse{
		Item: &v1.ParsedItem{Title: title, TitleClean: title, PriceMain: 98000},
	}, nil
}

func (fakeProcessor) Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResponse, error) {
	return &ai.GenerateResponse{
		Draft:      &v1.Draft{Body: "Promo " + req.ParsedData.Title, Level: req.Level},
		ParsedData: req.ParsedData,
	}, nil
}

func (fakeProcessor) Research(ctx context.Context, query string, maxResults int) (*ai.ResearchResponse, error) {
	return &ai.ResearchResponse{
		Query:   query,
		Results: []v1.BookSearchResult{{Title: "Brown Bear", Publisher: "Henry Holt"}},
		Count:   1,
	}, nil
}

func (fakeProcessor) ResearchGenerate(ctx context.Context, req ai.ResearchGenerateRequest) (*ai.GenerateResponse, error) {
	return &ai.GenerateResponse{
		Draft:      &v1.Draft{Body: "Promo " + req.Book.Title, Level: req.Level},
		ParsedData: &v1.ParsedItem{Title: req.Book.Title, PriceMain: req.PriceMain},
	}, nil
}

func (fakeProcessor) Enrich(ctx context.Context, bookTitle, currentDescription string, maxSources int) (string, error) {
	return currentDescription, nil
}

func (fakeProcessor) SearchImages(ctx context.Context, bookTitle string, maxImages int) ([]v1.ImageResult, error) {
	return nil, nil
}

func (fakeProcessor) SearchLinks(ctx context.Context, bookTitle string, maxLinks int) ([]string, error) {
	return nil, nil
}

func (fakeProcessor) DisplayTitle(ctx context.Context, title, sourceURL, publisher string) (string, error) {
	return title, nil
}

func (fakeProcessor) AnalyzeImage(ctx context.Context, path string) (*v1.CaptionAnalysis, error) {
	return &v1.CaptionAnalysis{BookTitles: []string{"Untitled"}, Description: "A picture book."}, nil
}

func (fakeProcessor) CaptionGenerate(ctx context.Context, req ai.CaptionGenerateRequest) (*ai.CaptionGenerateResponse, error) {
	return &ai.CaptionGenerateResponse{
		Draft:    &v1.Draft{Body: "Caption promo", Level: req.Level},
		Analysis: req.Analysis,
	}, nil
}

func (fakeProcessor) DownloadImage(ctx context.Context, imageURL string) ([]byte, error) {
	return []byte("cover-bytes"), nil
}

type fakeAIConfig struct {
	mu        sync.Mutex
	markup    int
	setCalls  []int
	healthErr error
}

func (f *fakeAIConfig) GetMarkup(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markup, nil
}

func (f *fakeAIConfig) SetMarkup(ctx context.Context, markup int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, markup)
	f.markup = markup
	return nil
}

func (f *fakeAIConfig) Health(ctx context.Context) error { return f.healthErr }

type fakeQueue struct {
	snapshot []dispatch.QueueEntry
	sent     int
	failed   int
	flushed  bool
}

func (f *fakeQueue) QueueSnapshot(ctx context.Context) ([]dispatch.QueueEntry, error) {
	return f.snapshot, nil
}

func (f *fakeQueue) Flush(ctx context.Context) (int, int, error) {
	f.flushed = true
	return f.sent, f.failed, nil
}

type testRig struct {
	router *Router
	states *state.Store
	store  *broadcast.Store
	msgr   *fakeMessenger
	aiCfg  *fakeAIConfig
	queue  *fakeQueue
}

func newTestRouter(t *testing.T) *testRig {
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

	sw, sr := openPair("state.db")
	states, err := state.NewStore(sw, sr, logger.Default())
	if err != nil {
		t.Fatalf("state.NewStore failed: %v", err)
	}
	bw, br := openPair("broadcast.db")
	store, err := broadcast.NewStore(bw, br, logger.Default())
	if err != nil {
		t.Fatalf("broadcast.NewStore failed: %v", err)
	}
	cache, err := media.NewCache(filepath.Join(dir, "media"), logger.Default())
	if err != nil {
		t.Fatalf("media.NewCache failed: %v", err)
	}
	replySet, err := replies.Load("")
	if err != nil {
		t.Fatalf("replies.Load failed: %v", err)
	}

	cfg := &config.Config{
		Dispatcher: config.DispatcherConfig{MinIntervalMinutes: 47, PollIntervalSeconds: 60},
		Flows:      config.FlowsConfig{StateTTLMinutes: 10, BulkInactivitySeconds: 120},
		Operator: config.OperatorConfig{
			IDs:            []string{operator},
			ProductionChat: "prod@chat",
			DevChat:        "dev@chat",
			PriceMarkup:    35000,
		},
	}

	msgr := newFakeMessenger()
	engine := flow.NewEngine(cfg, states, store, cache, fakeProcessor{}, msgr, nil, nil, replySet, logger.Default())
	aiCfg := &fakeAIConfig{markup: 35000}
	queue := &fakeQueue{}
	r := NewRouter(cfg, engine, states, store, msgr, queue, aiCfg, nil, replySet, logger.Default())
	return &testRig{router: r, states: states, store: store, msgr: msgr, aiCfg: aiCfg, queue: queue}
}

func message(sender, text string, imageRefs ...string) wire.IncomingMessage {
	return wire.IncomingMessage{
		MessageRef: "msg-1",
		Sender:     sender,
		Chat:       sender,
		Text:       text,
		ImageRefs:  imageRefs,
	}
}

func TestUnauthorizedSenderIsDroppedSilently(t *testing.T) {
	rig := newTestRouter(t)
	rig.router.Handle(context.Background(), message("stranger@s.whatsapp.net", fgbText, "img"))
	if len(rig.msgr.replies()) != 0 {
		t.Errorf("unauthorized sender must get no reply, got %v", rig.msgr.replies())
	}
	if st, _ := rig.states.Get(context.Background(), "stranger@s.whatsapp.net", state.KindForward); st != nil {
		t.Error("unauthorized sender must not create state")
	}
}

func TestLoneGreetingGetsHelp(t *testing.T) {
	rig := newTestRouter(t)
	for _, greeting := range []string{"halo", "Hallo", "HELLO", "hi", "hai", "hey"} {
		rig.router.Handle(context.Background(), message(operator, greeting))
	}
	if n := rig.msgr.repliesContaining("/bulk"); n != 6 {
		t.Errorf("expected 6 help replies, got %d", n)
	}
}

func TestRandomTextIsDroppedSilently(t *testing.T) {
	rig := newTestRouter(t)
	rig.router.Handle(context.Background(), message(operator, "besok jadi kirim ya"))
	if len(rig.msgr.replies()) != 0 {
		t.Errorf("plain chat must be dropped, got %v", rig.msgr.replies())
	}
}

func TestForwardDetectorStartsForwardFlow(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	rig.router.Handle(ctx, message(operator, fgbText, "img-0"))

	st, err := rig.states.Get(ctx, operator, state.KindForward)
	if err != nil || st == nil {
		t.Fatalf("forward state missing: %v", err)
	}
	if st.Step != state.StepAwaitingLevel {
		t.Errorf("FGB-confident forward should skip the supplier question, step = %s", st.Step)
	}
}

func TestUnaccompaniedImageStartsCaptionFlow(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	rig.router.Handle(ctx, message(operator, "", "img-0"))

	st, err := rig.states.Get(ctx, operator, state.KindCaption)
	if err != nil || st == nil {
		t.Fatalf("caption state missing: %v", err)
	}
	if st.Step != state.StepAwaitingDetails {
		t.Errorf("step = %s, want awaiting_details", st.Step)
	}
}

func TestBulkCollectAndDone(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()

	rig.router.Handle(ctx, message(operator, "/bulk 2"))
	st, _ := rig.states.Get(ctx, operator, state.KindBulk)
	if st == nil || st.Step != state.StepCollecting {
		t.Fatal("/bulk must open a collecting state")
	}

	// Forwards during collection go to the batch, not a new forward flow.
	rig.router.Handle(ctx, message(operator, fgbText, "img-0"))
	if st, _ := rig.states.Get(ctx, operator, state.KindForward); st != nil {
		t.Error("forward during bulk collection must not open a forward flow")
	}
	st, _ = rig.states.Get(ctx, operator, state.KindBulk)
	if len(st.Bulk.Items) != 1 {
		t.Fatalf("collected %d items, want 1", len(st.Bulk.Items))
	}

	rig.router.Handle(ctx, message(operator, "/done"))
	st, _ = rig.states.Get(ctx, operator, state.KindBulk)
	if st == nil || st.Step != state.StepAwaitingBatchAction {
		t.Fatal("/done must process the batch")
	}
}

func TestNewStartsResearchFlow(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	rig.router.Handle(ctx, message(operator, "/new brown bear"))

	st, err := rig.states.Get(ctx, operator, state.KindResearch)
	if err != nil || st == nil {
		t.Fatalf("research state missing: %v", err)
	}
	if st.Step != state.StepAwaitingSelection {
		t.Errorf("step = %s, want awaiting_selection", st.Step)
	}
}

func TestFlowPriorityBulkConsumesNumericFirst(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()

	// Live forward flow, then bulk takes over the session.
	rig.router.Handle(ctx, message(operator, fgbText, "img-0"))
	rig.router.Handle(ctx, message(operator, "/bulk 2"))

	if st, _ := rig.states.Get(ctx, operator, state.KindForward); st != nil {
		t.Error("starting bulk must clear the competing forward flow")
	}
}

func TestQueueCommandListsSnapshot(t *testing.T) {
	rig := newTestRouter(t)
	rig.queue.snapshot = []dispatch.QueueEntry{
		{Title: "Stick Man", FireAt: time.Now().Add(time.Hour), Kind: "queue"},
		{Title: "Zog", FireAt: time.Now().Add(2 * time.Hour), Kind: "burst"},
	}
	rig.router.Handle(context.Background(), message(operator, "/queue"))

	if rig.msgr.repliesContaining("Stick Man") != 1 || rig.msgr.repliesContaining("Zog") != 1 {
		t.Errorf("queue listing missing entries: %v", rig.msgr.replies())
	}
}

func TestFlushReportsCounts(t *testing.T) {
	rig := newTestRouter(t)
	rig.queue.snapshot = []dispatch.QueueEntry{{Title: "Stick Man"}}
	rig.queue.sent = 1
	rig.router.Handle(context.Background(), message(operator, "/flush"))

	if !rig.queue.flushed {
		t.Fatal("flush not invoked")
	}
	if rig.msgr.repliesContaining("1 terkirim") != 1 {
		t.Errorf("flush result not reported: %v", rig.msgr.replies())
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	rig := newTestRouter(t)
	rig.router.Handle(context.Background(), message(operator, "/flush"))
	if rig.queue.flushed {
		t.Error("empty queue must not flush")
	}
	if rig.msgr.repliesContaining("kosong") == 0 && rig.msgr.repliesContaining("flush") == 0 {
		t.Errorf("operator got no empty-queue reply: %v", rig.msgr.replies())
	}
}

func TestHistoryListsRecentBroadcasts(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	for _, title := range []string{"The Gruffalo", "Stick Man"} {
		_, err := rig.store.Save(ctx, &v1.Broadcast{
			Title: title, PriceMain: 98000, Target: "production", Status: v1.BroadcastSent,
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	rig.router.Handle(ctx, message(operator, "/history"))
	if rig.msgr.repliesContaining("The Gruffalo") != 1 {
		t.Errorf("history missing entries: %v", rig.msgr.replies())
	}
}

func TestSearchUsesTitleIndex(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	_, err := rig.store.Save(ctx, &v1.Broadcast{
		Title: "The Gruffalo", PriceMain: 98000, Target: "production", Status: v1.BroadcastSent,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rig.router.Handle(ctx, message(operator, "/search gruff"))
	if rig.msgr.repliesContaining("The Gruffalo") != 1 {
		t.Errorf("search found nothing: %v", rig.msgr.replies())
	}

	rig.router.Handle(ctx, message(operator, "/search nothingmatches"))
	if rig.msgr.repliesContaining("Tidak ada hasil") != 1 {
		t.Errorf("empty search not reported: %v", rig.msgr.replies())
	}
}

func TestSetGroupPersistsOverride(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	rig.router.Handle(ctx, message(operator, "/setgroup dev 999@g.us"))

	got, err := rig.store.GetSetting(ctx, broadcast.SettingDevChat, "")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if got != "999@g.us" {
		t.Errorf("dev chat = %q, want 999@g.us", got)
	}

	rig.router.Handle(ctx, message(operator, "/setgroup nonsense"))
	if rig.msgr.repliesContaining("Pakai: /setgroup") != 1 {
		t.Errorf("bad usage not explained: %v", rig.msgr.replies())
	}
}

func TestSetMarkupPushesToProcessor(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	rig.router.Handle(ctx, message(operator, "/setmarkup 40000"))

	rig.aiCfg.mu.Lock()
	calls := append([]int(nil), rig.aiCfg.setCalls...)
	rig.aiCfg.mu.Unlock()
	if len(calls) != 1 || calls[0] != 40000 {
		t.Fatalf("SetMarkup calls = %v, want [40000]", calls)
	}
	got, err := rig.store.GetSetting(ctx, broadcast.SettingPriceMarkup, "")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if got != "40000" {
		t.Errorf("persisted markup = %q, want 40000", got)
	}

	rig.router.Handle(ctx, message(operator, "/getmarkup"))
	if rig.msgr.repliesContaining("40000") == 0 {
		t.Errorf("getmarkup did not report the value: %v", rig.msgr.replies())
	}
}

func TestStatusReportsQueueAndAI(t *testing.T) {
	rig := newTestRouter(t)
	rig.aiCfg.healthErr = errors.New("down")
	rig.router.Handle(context.Background(), message(operator, "/status"))
	if rig.msgr.repliesContaining("tidak terhubung") != 1 {
		t.Errorf("status must reflect AI health: %v", rig.msgr.replies())
	}
}

func TestGroupsListing(t *testing.T) {
	rig := newTestRouter(t)
	rig.router.Handle(context.Background(), message(operator, "/groups"))
	if rig.msgr.repliesContaining("Buku Import") != 1 {
		t.Errorf("groups listing missing: %v", rig.msgr.replies())
	}
}

func TestCancelEndsPriorityFlow(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()
	rig.router.Handle(ctx, message(operator, fgbText, "img-0"))
	rig.router.Handle(ctx, message(operator, "/cancel"))

	if st, _ := rig.states.Get(ctx, operator, state.KindForward); st != nil {
		t.Error("/cancel must end the live flow")
	}
	if rig.msgr.repliesContaining("Dibatalkan") != 1 {
		t.Errorf("cancel not confirmed: %v", rig.msgr.replies())
	}
}

func TestSupplierOverridesLiveForwardFlow(t *testing.T) {
	rig := newTestRouter(t)
	ctx := context.Background()

	// A non-confident forward stops at the supplier question.
	text := "Judul baru!\n🌲🌳🦊\nMin. 6 pcs"
	rig.router.Handle(ctx, message(operator, text, "img-0"))
	st, _ := rig.states.Get(ctx, operator, state.KindForward)
	if st == nil || st.Step != state.StepAwaitingSupplierChoice {
		t.Fatalf("expected supplier question, got %+v", st)
	}

	rig.router.Handle(ctx, message(operator, "/supplier littlerazy"))
	st, _ = rig.states.Get(ctx, operator, state.KindForward)
	if st == nil {
		t.Fatal("forward state lost")
	}
	if st.Forward.Supplier != v1.SupplierLittlerazy {
		t.Errorf("supplier = %s, want littlerazy", st.Forward.Supplier)
	}
	if st.Step != state.StepAwaitingLevel {
		t.Errorf("step = %s, want awaiting_level", st.Step)
	}
}
