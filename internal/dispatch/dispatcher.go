// Package dispatch runs the broadcast delivery side: the persistent queue
// poller with its global pacing clock, and the transient burst registry
// for fine-grained schedules and /flush.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/command"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/common/tracing"
	"github.com/wartabot/wartabot/internal/events"
	"github.com/wartabot/wartabot/internal/events/bus"
	"github.com/wartabot/wartabot/internal/transport"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
)

// QueueEntry is one row of the /queue view: the union of persistent
// pending items and active burst entries, sorted by fire time.
type QueueEntry struct {
	Title   string    `json:"title"`
	FireAt  time.Time `json:"fire_at"`
	Kind    string    `json:"kind"` // "queue" or "burst"
	Target  string    `json:"target"`
	QueueID int64     `json:"queue_id,omitempty"`
	BurstID string    `json:"burst_id,omitempty"`
}

// Dispatcher owns the minimum-interval clock, the queue polling loop and
// the burst registry.
type Dispatcher struct {
	cfg    *config.Config
	store  *broadcast.Store
	msgr   transport.Messenger
	bus    bus.EventBus
	logger *logger.Logger

	bursts *burstRegistry

	stopCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup
	sub    bus.Subscription

	mu         sync.Mutex
	lastSentAt time.Time

	// sleep and now are swapped out in tests.
	sleep func(time.Duration)
	now   func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewDispatcher wires the dispatcher. Call Start to begin polling.
func NewDispatcher(
	cfg *config.Config,
	store *broadcast.Store,
	msgr transport.Messenger,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		msgr:   msgr,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "dispatcher")),
		bursts: newBurstRegistry(),
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
		sleep:  time.Sleep,
		now:    func() time.Time { return time.Now().UTC() },
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the polling loop and subscribes to enqueue events so a
// fresh item is considered without waiting out the poll period.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.bus != nil {
		sub, err := d.bus.Subscribe(events.BroadcastEnqueued, func(ctx context.Context, ev *bus.Event) error {
			d.Wake()
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to enqueue events: %w", err)
		}
		d.sub = sub
	}

	d.wg.Add(1)
	go d.processLoop()
	d.logger.Info("queue dispatcher started",
		zap.Duration("poll_interval", d.cfg.Dispatcher.PollInterval()),
		zap.Duration("min_interval", d.cfg.Dispatcher.MinInterval()))
	return nil
}

// Stop halts the loop and cancels all burst timers. Persistent queue
// items are untouched and resume on restart.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	d.wg.Wait()
	dropped := d.bursts.drain()
	if len(dropped) > 0 {
		d.logger.Warn("dropping in-memory burst entries on shutdown",
			zap.Int("count", len(dropped)))
	}
	d.logger.Info("queue dispatcher stopped")
}

// Wake nudges the loop outside its poll period.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) processLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Dispatcher.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.processDue()
		case <-d.wakeCh:
			d.processDue()
		}
	}
}

// processDue sends every due queue item the pacing clock allows.
func (d *Dispatcher) processDue() {
	ctx, span := tracing.Tracer("wartabot-dispatch").Start(context.Background(), "dispatch.processDue")
	defer span.End()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		now := d.now()
		item, err := d.store.NextDue(ctx, now)
		if err != nil {
			d.logger.Error("failed to read queue", zap.Error(err))
			return
		}
		if item == nil {
			return
		}

		// Global pacing: never send more often than the configured
		// minimum interval, regardless of how the items were spaced.
		d.mu.Lock()
		readyAt := d.lastSentAt.Add(d.cfg.Dispatcher.MinInterval())
		d.mu.Unlock()
		if now.Before(readyAt) {
			wait := readyAt.Sub(now)
			d.logger.Debug("pacing clock not ready",
				zap.Int64("queue_id", item.ID), zap.Duration("wait", wait))
			time.AfterFunc(wait, d.Wake)
			return
		}

		if d.sendQueueItem(ctx, item) {
			d.mu.Lock()
			d.lastSentAt = d.now()
			d.mu.Unlock()
		} else {
			// The item stays pending; let the next poll retry so one
			// broken item cannot spin the loop.
			return
		}
	}
}

// sendQueueItem delivers one due item. Failures are logged but never
// surfaced to the operator.
func (d *Dispatcher) sendQueueItem(ctx context.Context, item *v1.QueueItem) bool {
	rec, err := d.store.Get(ctx, item.BroadcastID)
	if err != nil {
		d.logger.Error("queue item has no broadcast",
			zap.Int64("queue_id", item.ID), zap.Error(err))
		_ = d.store.MarkFailed(ctx, item.ID, "broadcast missing: "+err.Error())
		return false
	}

	chat, err := d.resolveTarget(ctx, rec.Target)
	if err != nil || chat == "" {
		d.logger.Error("no chat configured for target",
			zap.String("target", rec.Target), zap.Error(err))
		_ = d.store.MarkFailed(ctx, item.ID, "target chat not configured")
		return false
	}

	if err := d.deliver(ctx, chat, rec.DescriptionGen, rec.MediaPaths); err != nil {
		d.logger.Error("queue delivery failed",
			zap.Int64("queue_id", item.ID),
			zap.Int64("broadcast_id", rec.ID),
			zap.Int("retry_count", item.RetryCount),
			zap.Error(err))
		_ = d.store.MarkFailed(ctx, item.ID, err.Error())
		if item.RetryCount+1 >= broadcast.MaxQueueRetries {
			_ = d.store.UpdateStatus(ctx, rec.ID, v1.BroadcastFailed)
			d.publish(ctx, events.BroadcastFailed, map[string]interface{}{
				"broadcast_id": rec.ID, "reason": err.Error(),
			})
		}
		return false
	}

	if err := d.store.MarkSent(ctx, item.ID); err != nil {
		d.logger.Error("failed to finalize queue item", zap.Error(err))
	}
	if err := d.store.UpdateStatus(ctx, rec.ID, v1.BroadcastSent); err != nil {
		d.logger.Error("failed to update broadcast status", zap.Error(err))
	}
	d.publish(ctx, events.BroadcastSent, map[string]interface{}{"broadcast_id": rec.ID})
	d.logger.Info("queued broadcast sent",
		zap.Int64("queue_id", item.ID),
		zap.Int64("broadcast_id", rec.ID),
		zap.String("title", rec.Title))
	return true
}

func (d *Dispatcher) resolveTarget(ctx context.Context, target string) (string, error) {
	if target == string(command.TargetDev) {
		return d.store.GetSetting(ctx, broadcast.SettingDevChat, d.cfg.Operator.DevChat)
	}
	return d.store.GetSetting(ctx, broadcast.SettingProductionChat, d.cfg.Operator.ProductionChat)
}

func (d *Dispatcher) deliver(ctx context.Context, chat, body string, mediaPaths []string) error {
	if len(mediaPaths) > 0 {
		return d.msgr.SendImage(ctx, chat, mediaPaths[0], body)
	}
	return d.msgr.SendText(ctx, chat, body)
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "dispatcher", data)); err != nil {
		d.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// ScheduleBurst arms a transient in-memory send. Used for schedules finer
// than the dispatcher's global pacing; bursts do not survive restart.
func (d *Dispatcher) ScheduleBurst(title, target, body string, mediaPaths []string, fireAt time.Time, broadcastID int64) string {
	entry := &BurstEntry{
		BroadcastID: broadcastID,
		Title:       title,
		Target:      target,
		Body:        body,
		MediaPaths:  mediaPaths,
		FireAt:      fireAt,
	}
	id := d.bursts.add(entry, d.fireBurst)
	d.logger.Info("burst scheduled",
		zap.String("burst_id", id),
		zap.String("title", title),
		zap.Time("fire_at", fireAt))
	return id
}

// CancelBurst stops one burst entry.
func (d *Dispatcher) CancelBurst(id string) bool {
	return d.bursts.cancel(id)
}

func (d *Dispatcher) fireBurst(e *BurstEntry) {
	ctx, span := tracing.Tracer("wartabot-dispatch").Start(context.Background(), "dispatch.fireBurst")
	defer span.End()
	d.sendBurstEntry(ctx, e)
}

func (d *Dispatcher) sendBurstEntry(ctx context.Context, e *BurstEntry) bool {
	chat, err := d.resolveTarget(ctx, e.Target)
	if err != nil || chat == "" {
		d.logger.Error("burst target not configured", zap.String("burst_id", e.ID))
		return false
	}
	if err := d.deliver(ctx, chat, e.Body, e.MediaPaths); err != nil {
		d.logger.Error("burst delivery failed",
			zap.String("burst_id", e.ID), zap.Error(err))
		if e.BroadcastID != 0 {
			_ = d.store.UpdateStatus(ctx, e.BroadcastID, v1.BroadcastFailed)
			d.publish(ctx, events.BroadcastFailed, map[string]interface{}{
				"broadcast_id": e.BroadcastID, "reason": err.Error(),
			})
		}
		return false
	}
	if e.BroadcastID != 0 {
		if err := d.store.UpdateStatus(ctx, e.BroadcastID, v1.BroadcastSent); err != nil {
			d.logger.Error("failed to update broadcast status", zap.Error(err))
		}
		d.publish(ctx, events.BroadcastSent, map[string]interface{}{"broadcast_id": e.BroadcastID})
	}
	d.logger.Info("burst sent", zap.String("burst_id", e.ID), zap.String("title", e.Title))
	return true
}

// QueueSnapshot is the /queue view: persistent pending items plus active
// burst entries, sorted by fire time.
func (d *Dispatcher) QueueSnapshot(ctx context.Context) ([]QueueEntry, error) {
	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]QueueEntry, 0, len(pending)+d.bursts.size())
	for _, item := range pending {
		title := fmt.Sprintf("broadcast %d", item.BroadcastID)
		target := ""
		if rec, err := d.store.Get(ctx, item.BroadcastID); err == nil {
			title = rec.Title
			target = rec.Target
		}
		out = append(out, QueueEntry{
			Title:   title,
			FireAt:  item.ScheduledTime,
			Kind:    "queue",
			Target:  target,
			QueueID: item.ID,
		})
	}
	for _, e := range d.bursts.list() {
		out = append(out, QueueEntry{
			Title:   e.Title,
			FireAt:  e.FireAt,
			Kind:    "burst",
			Target:  e.Target,
			BurstID: e.ID,
		})
	}

	// Stable merge by fire time.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].FireAt.Before(out[j-1].FireAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Flush drains the persistent queue and every burst entry, then sends the
// union sequentially with a uniform random 10 to 15 second gap between
// sends. Returns sent and failed counts.
func (d *Dispatcher) Flush(ctx context.Context) (sent, failed int, err error) {
	drainedQueue, err := d.store.ClearPending(ctx)
	if err != nil {
		return 0, 0, err
	}
	drainedBursts := d.bursts.drain()
	total := len(drainedQueue) + len(drainedBursts)
	if total == 0 {
		return 0, 0, nil
	}

	d.logger.Info("flushing queue",
		zap.Int("queue_items", len(drainedQueue)),
		zap.Int("burst_items", len(drainedBursts)))

	first := true
	gap := func() {
		if !first {
			d.sleep(d.randDelay(10*time.Second, 15*time.Second))
		}
		first = false
	}

	for _, item := range drainedQueue {
		gap()
		rec, err := d.store.Get(ctx, item.BroadcastID)
		if err != nil {
			_ = d.store.FinalizeFlushed(ctx, item.ID, false, "broadcast missing: "+err.Error())
			failed++
			continue
		}
		chat, err := d.resolveTarget(ctx, rec.Target)
		if err != nil || chat == "" {
			_ = d.store.FinalizeFlushed(ctx, item.ID, false, "target chat not configured")
			failed++
			continue
		}
		if err := d.deliver(ctx, chat, rec.DescriptionGen, rec.MediaPaths); err != nil {
			d.logger.Error("flush delivery failed", zap.Int64("broadcast_id", rec.ID), zap.Error(err))
			_ = d.store.FinalizeFlushed(ctx, item.ID, false, err.Error())
			_ = d.store.UpdateStatus(ctx, rec.ID, v1.BroadcastFailed)
			d.publish(ctx, events.BroadcastFailed, map[string]interface{}{
				"broadcast_id": rec.ID, "reason": err.Error(),
			})
			failed++
			continue
		}
		_ = d.store.FinalizeFlushed(ctx, item.ID, true, "")
		_ = d.store.UpdateStatus(ctx, rec.ID, v1.BroadcastSent)
		d.publish(ctx, events.BroadcastSent, map[string]interface{}{"broadcast_id": rec.ID})
		sent++
	}
	for _, e := range drainedBursts {
		gap()
		if d.sendBurstEntry(ctx, e) {
			sent++
		} else {
			failed++
		}
	}

	d.publish(ctx, events.QueueFlushed, map[string]interface{}{
		"sent": sent, "failed": failed,
	})
	return sent, failed, nil
}

func (d *Dispatcher) randDelay(min, max time.Duration) time.Duration {
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return min + time.Duration(d.rand.Int63n(int64(max-min)+1))
}

// LastSentAt exposes the pacing clock for /status.
func (d *Dispatcher) LastSentAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSentAt
}
