package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wartabot/wartabot/internal/ai"
	"github.com/wartabot/wartabot/internal/command"
	"github.com/wartabot/wartabot/internal/events"
	"github.com/wartabot/wartabot/internal/media"
	"github.com/wartabot/wartabot/internal/state"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

// bulkParseWorkers bounds concurrent AI calls while processing a batch.
const bulkParseWorkers = 3

// StartBulk begins a bulk collection at the given level (default 2).
// Starting bulk takes over the session: competing flows are cleared.
func (e *Engine) StartBulk(ctx context.Context, operator string, level int) {
	if level < 1 || level > 3 {
		level = 2
	}
	e.ClearCompeting(ctx, operator)

	st := state.New(state.KindBulk, state.StepCollecting)
	st.Bulk.Level = level
	if err := e.states.Put(ctx, operator, st, e.cfg.Flows.StateTTL()); err != nil {
		e.logger.Error("failed to create bulk state", zap.Error(err))
		return
	}
	e.publish(ctx, events.FlowStarted, map[string]interface{}{
		"operator": operator, "kind": string(state.KindBulk),
	})
	e.replyTemplate(ctx, operator, "bulk_started", map[string]string{
		"level": fmt.Sprintf("%d", level),
	})
}

// CollectBulk appends one forwarded supplier message to the batch.
func (e *Engine) CollectBulk(ctx context.Context, operator string, st *state.FlowState, in wire.IncomingMessage) {
	handles, err := e.downloadMedia(ctx, operator, state.KindBulk, in)
	if err != nil {
		e.logger.Error("failed to download bulk media", zap.Error(err))
		e.reply(ctx, operator, "Gagal mengunduh media: "+err.Error())
		return
	}

	st.Bulk.Items = append(st.Bulk.Items, state.BulkItem{
		RawText:   in.Text,
		MediaRefs: handles,
	})
	st.Bulk.LastActivity = time.Now().UTC()
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "bulk_collected", map[string]string{
		"count": fmt.Sprintf("%d", len(st.Bulk.Items)),
	})
}

// FinishBulk closes collection (via /done or the inactivity timer) and
// processes every collected item. Failures are marked per item and do not
// stop the batch.
func (e *Engine) FinishBulk(ctx context.Context, operator string, st *state.FlowState) {
	if len(st.Bulk.Items) == 0 {
		e.replyTemplate(ctx, operator, "bulk_empty", nil)
		e.endFlow(ctx, operator, st, false)
		return
	}

	st.Advance(state.StepProcessing)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "bulk_processing", map[string]string{
		"count": fmt.Sprintf("%d", len(st.Bulk.Items)),
	})

	var g errgroup.Group
	g.SetLimit(bulkParseWorkers)
	for i := range st.Bulk.Items {
		item := &st.Bulk.Items[i]
		g.Go(func() error {
			e.processBulkItem(ctx, st.Bulk.Level, item)
			return nil
		})
	}
	_ = g.Wait()

	st.Advance(state.StepAwaitingBatchAction)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.sendBulkPreview(ctx, operator, st)
}

func (e *Engine) processBulkItem(ctx context.Context, level int, item *state.BulkItem) {
	det := DetectForward(item.RawText, len(item.MediaRefs) > 0)
	supplier := v1.SupplierLittlerazy
	if det.FGBConfident {
		supplier = v1.SupplierFGB
	}

	resp, err := e.ai.Parse(ctx, ai.ParseRequest{
		Text:       item.RawText,
		MediaCount: len(item.MediaRefs),
		Supplier:   supplier,
	})
	if err != nil {
		item.Error = err.Error()
		return
	}
	if resp.Incomplete || resp.Item == nil {
		item.Error = "parse incomplete: " + strings.Join(resp.MissingFields, ", ")
		return
	}
	item.Item = resp.Item
	item.Item.MediaRefs = item.MediaRefs

	gen, err := e.ai.Generate(ctx, ai.GenerateRequest{ParsedData: item.Item, Level: level})
	if err != nil {
		item.Error = err.Error()
		return
	}
	item.Draft = gen.Draft
	if item.Draft.CoverRef == "" && len(item.MediaRefs) > 0 {
		item.Draft.CoverRef = item.MediaRefs[0]
	}
}

func (e *Engine) sendBulkPreview(ctx context.Context, operator string, st *state.FlowState) {
	ok := 0
	var b strings.Builder
	for i, item := range st.Bulk.Items {
		if item.Error != "" {
			b.WriteString(e.replies.Render("bulk_item_failed", map[string]string{
				"index": fmt.Sprintf("%d", i+1),
				"error": item.Error,
			}))
		} else {
			ok++
			b.WriteString(e.replies.Render("bulk_item_ok", map[string]string{
				"index":   fmt.Sprintf("%d", i+1),
				"title":   item.Item.Title,
				"preview": previewText(item.Draft.Body, 200),
			}))
		}
		b.WriteString("\n")
	}

	header := e.replies.Render("bulk_preview_header", map[string]string{
		"ok":    fmt.Sprintf("%d", ok),
		"total": fmt.Sprintf("%d", len(st.Bulk.Items)),
	})
	e.reply(ctx, operator, header+"\n"+strings.TrimRight(b.String(), "\n"))
	e.replyTemplate(ctx, operator, "bulk_menu", map[string]string{
		"default": fmt.Sprintf("%d", command.DefaultBulkScheduleMinutes),
	})
}

func previewText(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n]) + "..."
	}
	return s
}

// HandleBulk advances the bulk flow by one operator input.
func (e *Engine) HandleBulk(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbCancel {
		e.Cancel(ctx, operator, st)
		return
	}
	if st.Step != state.StepAwaitingBatchAction {
		return
	}

	switch input.Kind {
	case command.KindInvalid:
		e.replyTemplate(ctx, operator, "parse_error", map[string]string{"reason": input.Reason})
	case command.KindNumeric:
		e.bulkSelect(ctx, operator, st, input.Numbers)
	case command.KindAction:
		act := input.Action
		switch act.Verb {
		case command.VerbSelect:
			if act.SelectAll {
				st.Bulk.Selected = nil
				if err := e.save(ctx, operator, st); err != nil {
					return
				}
				e.replyTemplate(ctx, operator, "bulk_selected", map[string]string{"indices": "semua"})
			}
		case command.VerbSend:
			e.bulkSend(ctx, operator, st, act.Target)
		case command.VerbSchedule:
			minutes := act.IntervalMinutes
			if !act.IntervalSet {
				minutes = command.DefaultBulkScheduleMinutes
			}
			e.bulkSchedule(ctx, operator, st, act.Target, minutes)
		default:
			e.replyTemplate(ctx, operator, "bulk_menu", map[string]string{
				"default": fmt.Sprintf("%d", command.DefaultBulkScheduleMinutes),
			})
		}
	}
}

// bulkSelect restricts the batch to the listed 1-based indices.
func (e *Engine) bulkSelect(ctx context.Context, operator string, st *state.FlowState, numbers []int) {
	var valid []int
	for _, n := range numbers {
		if n >= 1 && n <= len(st.Bulk.Items) {
			valid = append(valid, n)
		}
	}
	if len(valid) == 0 {
		e.replyTemplate(ctx, operator, "invalid_selection", nil)
		return
	}
	st.Bulk.Selected = valid
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	parts := make([]string, len(valid))
	for i, n := range valid {
		parts[i] = fmt.Sprintf("%d", n)
	}
	e.replyTemplate(ctx, operator, "bulk_selected", map[string]string{
		"indices": strings.Join(parts, ","),
	})
}

// selectedItems returns the live subset in batch order.
func selectedItems(b *state.BulkData) []*state.BulkItem {
	if len(b.Selected) == 0 {
		out := make([]*state.BulkItem, 0, len(b.Items))
		for i := range b.Items {
			out = append(out, &b.Items[i])
		}
		return out
	}
	out := make([]*state.BulkItem, 0, len(b.Selected))
	for _, n := range b.Selected {
		out = append(out, &b.Items[n-1])
	}
	return out
}

// bulkSend fires the successful drafts sequentially with a uniform random
// 15 to 30 second gap between sends.
func (e *Engine) bulkSend(ctx context.Context, operator string, st *state.FlowState, target command.Target) {
	chat, err := e.resolveTarget(ctx, target)
	if err != nil || chat == "" {
		e.reply(ctx, operator, "Grup target belum diatur. Pakai /setgroup dulu.")
		return
	}

	items := selectedItems(st.Bulk)
	e.replyTemplate(ctx, operator, "bulk_sending", map[string]string{
		"count": fmt.Sprintf("%d", len(items)),
	})

	sent, failed := 0, 0
	first := true
	for _, item := range items {
		if item.Error != "" || item.Draft == nil {
			failed++
			continue
		}
		if !first {
			e.sleep(e.randDelay(15*time.Second, 30*time.Second))
		}
		first = false

		dc := &state.DraftContext{Level: st.Bulk.Level, Item: item.Item, Draft: item.Draft}
		rec := e.buildRecord(dc, string(target), item.MediaRefs)
		rec.Status = v1.BroadcastApproved
		id, err := e.store.Save(ctx, rec)
		if err != nil {
			e.logger.Error("failed to persist bulk broadcast", zap.Error(err))
			failed++
			continue
		}
		if err := e.deliver(ctx, chat, rec.DescriptionGen, rec.MediaPaths); err != nil {
			_ = e.store.UpdateStatus(ctx, id, v1.BroadcastFailed)
			e.logger.Error("bulk delivery failed", zap.Int64("broadcast_id", id), zap.Error(err))
			failed++
			continue
		}
		_ = e.store.UpdateStatus(ctx, id, v1.BroadcastSent)
		e.publish(ctx, events.BroadcastSent, map[string]interface{}{"broadcast_id": id})
		e.markItemPersisted(item)
		sent++
	}

	e.endFlow(ctx, operator, st, false)
	e.publish(ctx, events.FlowCompleted, map[string]interface{}{
		"operator": operator, "kind": string(state.KindBulk),
	})
	e.replyTemplate(ctx, operator, "bulk_done", map[string]string{
		"ok":     fmt.Sprintf("%d", sent),
		"failed": fmt.Sprintf("%d", failed),
	})
}

// bulkSchedule creates one persistent QueueItem per successful draft,
// spaced exactly minutes apart starting now.
func (e *Engine) bulkSchedule(ctx context.Context, operator string, st *state.FlowState, target command.Target, minutes int) {
	items := selectedItems(st.Bulk)
	at := time.Now().UTC()
	scheduled, failed := 0, 0

	for _, item := range items {
		if item.Error != "" || item.Draft == nil {
			failed++
			continue
		}
		dc := &state.DraftContext{Level: st.Bulk.Level, Item: item.Item, Draft: item.Draft}
		rec := e.buildRecord(dc, string(target), item.MediaRefs)
		rec.Status = v1.BroadcastScheduled
		id, err := e.store.Save(ctx, rec)
		if err != nil {
			failed++
			continue
		}
		if _, err := e.store.Enqueue(ctx, id, at); err != nil {
			failed++
			continue
		}
		e.publish(ctx, events.BroadcastEnqueued, map[string]interface{}{"broadcast_id": id})
		e.markItemPersisted(item)
		scheduled++
		at = at.Add(time.Duration(minutes) * time.Minute)
	}

	e.endFlow(ctx, operator, st, false)
	e.publish(ctx, events.FlowCompleted, map[string]interface{}{
		"operator": operator, "kind": string(state.KindBulk),
	})
	e.replyTemplate(ctx, operator, "bulk_done", map[string]string{
		"ok":     fmt.Sprintf("%d", scheduled),
		"failed": fmt.Sprintf("%d", failed),
	})
}

// markItemPersisted forgets an item's media handles once a saved record
// references their files, so the closing blanket detach cannot unlink
// them. Items that never reach a record keep their handles and are
// cleaned up by endFlow.
func (e *Engine) markItemPersisted(item *state.BulkItem) {
	for _, ref := range item.MediaRefs {
		e.media.Release(media.Handle(ref))
	}
}

// SweepIdleBulk closes bulk collections idle past the inactivity window.
// Called periodically from the main loop.
func (e *Engine) SweepIdleBulk(ctx context.Context, operators []string) {
	cutoff := time.Now().UTC().Add(-e.cfg.Flows.BulkInactivity())
	for _, op := range operators {
		st, err := e.states.Get(ctx, op, state.KindBulk)
		if err != nil || st == nil || st.Step != state.StepCollecting {
			continue
		}
		if st.Bulk.LastActivity.After(cutoff) {
			continue
		}
		e.logger.Info("closing idle bulk collection", zap.String("operator", op))
		e.FinishBulk(ctx, op, st)
	}
}
