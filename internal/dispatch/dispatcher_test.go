package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/db"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

type sentMessage struct {
	target  string
	body    string
	isImage bool
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sentMessage
	failNext bool
	events   chan wire.IncomingMessage
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{events: make(chan wire.IncomingMessage)}
}

func (f *fakeMessenger) SendText(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("bridge unavailable")
	}
	f.sent = append(f.sent, sentMessage{target: target, body: text})
	return nil
}

func (f *fakeMessenger) SendImage(ctx context.Context, target, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("bridge unavailable")
	}
	f.sent = append(f.sent, sentMessage{target: target, body: caption, isImage: true})
	return nil
}

func (f *fakeMessenger) ListGroups(ctx context.Context) ([]wire.Group, error) {
	return nil, nil
}

func (f *fakeMessenger) DownloadMedia(ctx context.Context, messageRef string, index int) ([]byte, string, error) {
	return nil, "", errors.New("not implemented")
}

func (f *fakeMessenger) Events() <-chan wire.IncomingMessage { return f.events }

func (f *fakeMessenger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMessenger) lastSent() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestStore(t *testing.T) *broadcast.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.db")
	writer, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		t.Fatalf("OpenSQLiteReader failed: %v", err)
	}
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
	})
	s, err := broadcast.NewStore(writer, reader, logger.Default())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *broadcast.Store, *fakeMessenger) {
	t.Helper()
	store := newTestStore(t)
	msgr := newFakeMessenger()
	cfg := &config.Config{
		Dispatcher: config.DispatcherConfig{
			MinIntervalMinutes:  47,
			PollIntervalSeconds: 60,
		},
		Operator: config.OperatorConfig{
			ProductionChat: "prod@chat",
			DevChat:        "dev@chat",
		},
	}
	d := NewDispatcher(cfg, store, msgr, nil, logger.Default())
	d.sleep = func(time.Duration) {}
	return d, store, msgr
}

func saveScheduled(t *testing.T, store *broadcast.Store, title string, at time.Time) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	rec := &v1.Broadcast{
		Title:          title,
		PriceMain:      98000,
		Target:         "production",
		DescriptionGen: "Promo " + title,
		Status:         v1.BroadcastScheduled,
	}
	id, err := store.Save(ctx, rec)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	qid, err := store.Enqueue(ctx, id, at)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id, qid
}

func TestProcessDueSendsDueItem(t *testing.T) {
	d, store, msgr := newTestDispatcher(t)
	ctx := context.Background()

	id, _ := saveScheduled(t, store, "Stick Man", time.Now().UTC().Add(-time.Minute))
	d.processDue()

	if got := msgr.sentCount(); got != 1 {
		t.Fatalf("expected 1 send, got %d", got)
	}
	if msg := msgr.lastSent(); msg.target != "prod@chat" {
		t.Errorf("sent to %q, want prod@chat", msg.target)
	}
	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != v1.BroadcastSent {
		t.Errorf("status = %s, want sent", rec.Status)
	}
	if d.LastSentAt().IsZero() {
		t.Error("pacing clock not advanced after send")
	}
	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected empty queue, got %d pending", len(pending))
	}
}

func TestProcessDueRespectsMinInterval(t *testing.T) {
	d, store, msgr := newTestDispatcher(t)

	saveScheduled(t, store, "The Gruffalo", time.Now().UTC().Add(-time.Minute))
	d.mu.Lock()
	d.lastSentAt = time.Now().UTC().Add(-10 * time.Minute)
	d.mu.Unlock()

	d.processDue()

	if got := msgr.sentCount(); got != 0 {
		t.Fatalf("pacing clock should block the send, got %d sends", got)
	}
	pending, err := store.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("item must stay pending, got %d", len(pending))
	}
}

func TestProcessDueDeliveryFailureKeepsItemPending(t *testing.T) {
	d, store, msgr := newTestDispatcher(t)
	ctx := context.Background()

	saveScheduled(t, store, "Room on the Broom", time.Now().UTC().Add(-time.Minute))
	msgr.mu.Lock()
	msgr.failNext = true
	msgr.mu.Unlock()

	d.processDue()

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", pending[0].RetryCount)
	}
	if !d.LastSentAt().IsZero() {
		t.Error("pacing clock must not advance on failure")
	}
}

func TestProcessDueDrainsAllDueItemsInOrder(t *testing.T) {
	d, store, msgr := newTestDispatcher(t)

	// Pacing disabled so both due items go out in one pass.
	d.cfg.Dispatcher.MinIntervalMinutes = 0
	saveScheduled(t, store, "First", time.Now().UTC().Add(-2*time.Hour))
	saveScheduled(t, store, "Second", time.Now().UTC().Add(-time.Hour))

	d.processDue()

	msgr.mu.Lock()
	defer msgr.mu.Unlock()
	if len(msgr.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(msgr.sent))
	}
	if msgr.sent[0].body != "Promo First" || msgr.sent[1].body != "Promo Second" {
		t.Errorf("sends out of order: %q then %q", msgr.sent[0].body, msgr.sent[1].body)
	}
}

func TestBurstFiresWithoutPacingGate(t *testing.T) {
	d, store, msgr := newTestDispatcher(t)
	ctx := context.Background()

	// Pacing clock just advanced; a burst must still fire.
	d.mu.Lock()
	d.lastSentAt = time.Now().UTC()
	d.mu.Unlock()

	rec := &v1.Broadcast{
		Title:          "Zog",
		Target:         "production",
		DescriptionGen: "Promo Zog",
		Status:         v1.BroadcastScheduled,
	}
	id, err := store.Save(ctx, rec)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	d.ScheduleBurst("Zog", "production", "Promo Zog", nil, time.Now().Add(10*time.Millisecond), id)

	deadline := time.Now().Add(2 * time.Second)
	for msgr.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if msgr.sentCount() != 1 {
		t.Fatal("burst did not fire")
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != v1.BroadcastSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
	if d.bursts.size() != 0 {
		t.Errorf("fired burst still registered")
	}
}

func TestCancelBurst(t *testing.T) {
	d, _, msgr := newTestDispatcher(t)

	burstID := d.ScheduleBurst("Tabby McTat", "production", "Promo", nil, time.Now().Add(time.Hour), 0)
	if !d.CancelBurst(burstID) {
		t.Fatal("CancelBurst returned false for a live entry")
	}
	if d.CancelBurst(burstID) {
		t.Error("CancelBurst must be false for an already-cancelled entry")
	}
	if d.bursts.size() != 0 {
		t.Errorf("registry not empty after cancel")
	}
	if msgr.sentCount() != 0 {
		t.Errorf("cancelled burst must not send")
	}
}

func TestBurstRegistryDrainSortsByFireTime(t *testing.T) {
	r := newBurstRegistry()
	base := time.Now().Add(time.Hour)
	noop := func(*BurstEntry) {}

	r.add(&BurstEntry{Title: "late", FireAt: base.Add(20 * time.Minute)}, noop)
	r.add(&BurstEntry{Title: "early", FireAt: base}, noop)
	r.add(&BurstEntry{Title: "mid", FireAt: base.Add(10 * time.Minute)}, noop)

	drained := r.drain()
	if len(drained) != 3 {
		t.Fatalf("drained %d entries, want 3", len(drained))
	}
	titles := []string{drained[0].Title, drained[1].Title, drained[2].Title}
	if titles[0] != "early" || titles[1] != "mid" || titles[2] != "late" {
		t.Errorf("drain order = %v", titles)
	}
	if r.size() != 0 {
		t.Errorf("registry not empty after drain")
	}
}

func TestFlushSendsQueueAndBursts(t *testing.T) {
	d, store, msgr := newTestDispatcher(t)
	ctx := context.Background()

	id1, _ := saveScheduled(t, store, "Queued A", time.Now().UTC().Add(3*time.Hour))
	id2, _ := saveScheduled(t, store, "Queued B", time.Now().UTC().Add(5*time.Hour))
	d.ScheduleBurst("Bursty", "production", "Promo Bursty", nil, time.Now().Add(time.Hour), 0)

	sent, failed, err := d.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 3 || failed != 0 {
		t.Fatalf("sent=%d failed=%d, want 3/0", sent, failed)
	}
	if msgr.sentCount() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", msgr.sentCount())
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("queue not drained: %d pending", len(pending))
	}
	if d.bursts.size() != 0 {
		t.Errorf("bursts not drained")
	}
	for _, id := range []int64{id1, id2} {
		rec, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Status != v1.BroadcastSent {
			t.Errorf("broadcast %d status = %s, want sent", id, rec.Status)
		}
	}
}

func TestFlushDeliveryFailureFinalizesRowAsFailed(t *testing.T) {
	d, store, msgr := newTestDispatcher(t)
	ctx := context.Background()

	id, qid := saveScheduled(t, store, "Unlucky", time.Now().UTC().Add(time.Hour))
	msgr.mu.Lock()
	msgr.failNext = true
	msgr.mu.Unlock()

	sent, failed, err := d.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 0 || failed != 1 {
		t.Fatalf("sent=%d failed=%d, want 0/1", sent, failed)
	}

	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != v1.BroadcastFailed {
		t.Errorf("broadcast status = %s, want failed", rec.Status)
	}

	// The queue row was finalized with the real outcome: it is neither
	// pending nor still waiting on a flush verdict.
	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("failed flush row must not return to the queue, got %d pending", len(pending))
	}
	if err := store.FinalizeFlushed(ctx, qid, true, ""); !errors.Is(err, broadcast.ErrNotFound) {
		t.Errorf("row must already be terminal, got %v", err)
	}
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	d, _, msgr := newTestDispatcher(t)

	sent, failed, err := d.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sent != 0 || failed != 0 {
		t.Errorf("sent=%d failed=%d, want 0/0", sent, failed)
	}
	if msgr.sentCount() != 0 {
		t.Errorf("no sends expected")
	}
}

func TestQueueSnapshotMergesByFireTime(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	now := time.Now().UTC()
	saveScheduled(t, store, "Queued", now.Add(2*time.Hour))
	d.ScheduleBurst("Burst Early", "production", "Promo", nil, now.Add(time.Hour), 0)
	d.ScheduleBurst("Burst Late", "production", "Promo", nil, now.Add(3*time.Hour), 0)

	snap, err := d.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("QueueSnapshot failed: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d entries, want 3", len(snap))
	}
	want := []string{"Burst Early", "Queued", "Burst Late"}
	for i, title := range want {
		if snap[i].Title != title {
			t.Errorf("snap[%d].Title = %q, want %q", i, snap[i].Title, title)
		}
	}
	if snap[0].Kind != "burst" || snap[1].Kind != "queue" {
		t.Errorf("entry kinds wrong: %s, %s", snap[0].Kind, snap[1].Kind)
	}
}
