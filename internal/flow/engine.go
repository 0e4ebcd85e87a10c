// Package flow implements the four conversational state machines:
// forward, bulk, research and caption. Each inbound operator message is
// one step: read the state, do the network work, write the state back
// with stale-write detection so a concurrent step loses cleanly.
package flow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/ai"
	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/command"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/events"
	"github.com/wartabot/wartabot/internal/events/bus"
	"github.com/wartabot/wartabot/internal/media"
	"github.com/wartabot/wartabot/internal/replies"
	"github.com/wartabot/wartabot/internal/state"
	"github.com/wartabot/wartabot/internal/transport"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

// Processor is the slice of the AI client the flows depend on.
type Processor interface {
	Parse(ctx context.Context, req ai.ParseRequest) (*ai.ParseResponse, error)
	Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResponse, error)
	Research(ctx context.Context, query string, maxResults int) (*ai.ResearchResponse, error)
	ResearchGenerate(ctx context.Context, req ai.ResearchGenerateRequest) (*ai.GenerateResponse, error)
	Enrich(ctx context.Context, bookTitle, currentDescription string, maxSources int) (string, error)
	SearchImages(ctx context.Context, bookTitle string, maxImages int) ([]v1.ImageResult, error)
	SearchLinks(ctx context.Context, bookTitle string, maxLinks int) ([]string, error)
	DisplayTitle(ctx context.Context, title, sourceURL, publisher string) (string, error)
	AnalyzeImage(ctx context.Context, path string) (*v1.CaptionAnalysis, error)
	CaptionGenerate(ctx context.Context, req ai.CaptionGenerateRequest) (*ai.CaptionGenerateResponse, error)
	DownloadImage(ctx context.Context, imageURL string) ([]byte, error)
}

// Burster arms transient in-memory scheduled sends, used when the
// requested interval is finer than the dispatcher's global pacing.
type Burster interface {
	ScheduleBurst(title, target, body string, mediaPaths []string, fireAt time.Time, broadcastID int64) string
}

// Engine drives the flow state machines.
type Engine struct {
	cfg     *config.Config
	states  *state.Store
	store   *broadcast.Store
	media   *media.Cache
	ai      Processor
	msgr    transport.Messenger
	bus     bus.EventBus
	bursts  Burster
	replies *replies.Set
	logger  *logger.Logger

	// sleep is swapped out in tests so batch delays don't slow the suite.
	sleep func(time.Duration)

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewEngine wires the flow engine.
func NewEngine(
	cfg *config.Config,
	states *state.Store,
	store *broadcast.Store,
	cache *media.Cache,
	processor Processor,
	msgr transport.Messenger,
	eventBus bus.EventBus,
	burster Burster,
	replySet *replies.Set,
	log *logger.Logger,
) *Engine {
	return &Engine{
		cfg:     cfg,
		states:  states,
		store:   store,
		media:   cache,
		ai:      processor,
		msgr:    msgr,
		bus:     eventBus,
		bursts:  burster,
		replies: replySet,
		logger:  log.WithFields(zap.String("component", "flow-engine")),
		sleep:   time.Sleep,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) randDelay(min, max time.Duration) time.Duration {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return min + time.Duration(e.rand.Int63n(int64(max-min)+1))
}

// reply sends text to the operator's direct chat. Send failures are logged
// but never fail the flow step; the state write already happened or will
// happen regardless.
func (e *Engine) reply(ctx context.Context, operator, text string) {
	if err := e.msgr.SendText(ctx, operator, text); err != nil {
		e.logger.Error("failed to reply to operator",
			zap.String("operator", operator), zap.Error(err))
	}
}

func (e *Engine) replyTemplate(ctx context.Context, operator, key string, args map[string]string) {
	e.reply(ctx, operator, e.replies.Render(key, args))
}

// replyAIError translates AI client failures into the operator wording.
func (e *Engine) replyAIError(ctx context.Context, operator string, err error) {
	switch {
	case errors.Is(err, ai.ErrQuotaExhausted):
		e.replyTemplate(ctx, operator, "ai_quota", nil)
	case errors.Is(err, ai.ErrUnreachable):
		e.replyTemplate(ctx, operator, "ai_unreachable", nil)
	default:
		e.reply(ctx, operator, "Ada error: "+err.Error())
	}
}

// save writes the state back with stale-write detection and TTL renewal.
// A stale write means a concurrent step already advanced the flow; this
// step's work is discarded.
func (e *Engine) save(ctx context.Context, operator string, st *state.FlowState) error {
	err := e.states.PutIfVersion(ctx, operator, st, e.cfg.Flows.StateTTL(), st.Version)
	if errors.Is(err, state.ErrStaleState) {
		e.logger.Warn("discarding stale flow step",
			zap.String("operator", operator),
			zap.String("kind", string(st.Kind)),
			zap.String("step", string(st.Step)))
		return err
	}
	return err
}

func (e *Engine) owner(kind state.Kind, operator string) string {
	return fmt.Sprintf("flow:%s:%s", kind, operator)
}

// endFlow clears the state and detaches its media. persisted marks media
// that moved into a saved broadcast; those files must survive.
func (e *Engine) endFlow(ctx context.Context, operator string, st *state.FlowState, persisted bool) {
	owner := e.owner(st.Kind, operator)
	for _, ref := range st.MediaRefs() {
		e.media.Detach(media.Handle(ref), owner, persisted)
	}
	if err := e.states.Clear(ctx, operator, st.Kind); err != nil {
		e.logger.Error("failed to clear flow state",
			zap.String("operator", operator), zap.Error(err))
	}
}

// ClearCompeting removes every live flow for the operator, releasing
// media. Used when starting bulk or research, which take over the session.
func (e *Engine) ClearCompeting(ctx context.Context, operator string) {
	states, err := e.states.GetAll(ctx, operator)
	if err != nil {
		e.logger.Error("failed to read competing flows", zap.Error(err))
		return
	}
	for _, st := range states {
		e.endFlow(ctx, operator, st, false)
	}
}

// SweepExpired removes expired flow states and detaches the media they
// still owned, so an abandoned session's files are unlinked while the
// process runs instead of waiting for the next startup reconcile.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	expired, err := e.states.TakeExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, ex := range expired {
		owner := e.owner(ex.State.Kind, ex.Operator)
		for _, ref := range ex.State.MediaRefs() {
			e.media.Detach(media.Handle(ref), owner, false)
		}
		e.publish(ctx, events.FlowExpired, map[string]interface{}{
			"operator": ex.Operator, "kind": string(ex.State.Kind),
		})
	}
	return int64(len(expired)), nil
}

// Cancel ends the given flow on operator request.
func (e *Engine) Cancel(ctx context.Context, operator string, st *state.FlowState) {
	e.endFlow(ctx, operator, st, false)
	e.publish(ctx, events.FlowCancelled, map[string]interface{}{
		"operator": operator,
		"kind":     string(st.Kind),
	})
	e.replyTemplate(ctx, operator, "cancelled", nil)
}

func (e *Engine) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "flow-engine", data)); err != nil {
		e.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// downloadMedia pulls every attachment of the message into the cache and
// attaches them to the flow's owner tag.
func (e *Engine) downloadMedia(ctx context.Context, operator string, kind state.Kind, in wire.IncomingMessage) ([]string, error) {
	refs := append(append([]string{}, in.ImageRefs...), in.VideoRefs...)
	var handles []string
	owner := e.owner(kind, operator)
	for i := range refs {
		data, mime, err := e.msgr.DownloadMedia(ctx, in.MessageRef, i)
		if err != nil {
			return handles, fmt.Errorf("failed to download media %d: %w", i, err)
		}
		h, _, err := e.media.Acquire(data, extFromMime(mime))
		if err != nil {
			return handles, err
		}
		if err := e.media.Attach(h, owner); err != nil {
			return handles, err
		}
		handles = append(handles, string(h))
	}
	return handles, nil
}

func extFromMime(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return "png"
	case strings.Contains(mime, "webp"):
		return "webp"
	case strings.Contains(mime, "video"):
		return "mp4"
	default:
		return "jpg"
	}
}

// resolveTarget maps a command target to the configured chat id. Falls
// back to settings overrides written by /setgroup.
func (e *Engine) resolveTarget(ctx context.Context, target command.Target) (string, error) {
	switch target {
	case command.TargetDev:
		return e.store.GetSetting(ctx, broadcast.SettingDevChat, e.cfg.Operator.DevChat)
	default:
		return e.store.GetSetting(ctx, broadcast.SettingProductionChat, e.cfg.Operator.ProductionChat)
	}
}

// sendDraft delivers the draft to the operator for review: body as the
// caption of the cover media when present, as text otherwise, followed by
// the action menu.
func (e *Engine) sendDraft(ctx context.Context, operator string, dc *state.DraftContext) {
	body := dc.Draft.Body
	if path, ok := e.coverPath(dc); ok {
		if err := e.msgr.SendImage(ctx, operator, path, body); err != nil {
			e.logger.Error("failed to send draft image", zap.Error(err))
			e.reply(ctx, operator, body)
		}
	} else {
		e.reply(ctx, operator, body)
	}
	e.replyTemplate(ctx, operator, "draft_menu", nil)
}

func (e *Engine) coverPath(dc *state.DraftContext) (string, bool) {
	if dc.Draft == nil || dc.Draft.CoverRef == "" {
		return "", false
	}
	return e.media.Path(media.Handle(dc.Draft.CoverRef))
}

// deliver sends one finished broadcast body to the target chat: image with
// caption when a media path exists, text otherwise.
func (e *Engine) deliver(ctx context.Context, target, body string, mediaPaths []string) error {
	if len(mediaPaths) > 0 {
		return e.msgr.SendImage(ctx, target, mediaPaths[0], body)
	}
	return e.msgr.SendText(ctx, target, body)
}

// buildRecord assembles the persistent broadcast from the draft context.
func (e *Engine) buildRecord(dc *state.DraftContext, target string, extraMedia []string) *v1.Broadcast {
	body := dc.Draft.Body
	if dc.POPrefix != "" {
		body = dc.POPrefix + "\n\n" + body
	}

	rec := &v1.Broadcast{
		Level:          dc.Draft.Level,
		Target:         target,
		PreviewLinks:   dc.Draft.PreviewLinks,
		DescriptionGen: body,
	}
	if dc.Item != nil {
		rec.Title = dc.Item.Title
		rec.PriceMain = dc.Item.PriceMain
		rec.PriceSecondary = dc.Item.PriceSecondary
		rec.Format = dc.Item.Format
		rec.ETA = dc.Item.ETA
		rec.CloseDate = dc.Item.CloseDate
		rec.SupplierType = dc.Item.Type
		rec.DescriptionSrc = dc.Item.DescriptionSource
		rec.Tags = dc.Item.Tags
	}
	if rec.Title == "" {
		rec.Title = firstLine(body)
	}

	var paths []string
	if dc.Draft.CoverRef != "" {
		if p, ok := e.media.Path(media.Handle(dc.Draft.CoverRef)); ok {
			paths = append(paths, p)
		}
	}
	for _, ref := range extraMedia {
		if ref == dc.Draft.CoverRef {
			continue
		}
		if p, ok := e.media.Path(media.Handle(ref)); ok {
			paths = append(paths, p)
		}
	}
	rec.MediaPaths = paths
	return rec
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}

// approveAndSend persists the draft and delivers it immediately. The
// record passes approved before sent so the history reflects both.
func (e *Engine) approveAndSend(ctx context.Context, operator string, st *state.FlowState, dc *state.DraftContext, target command.Target) {
	chat, err := e.resolveTarget(ctx, target)
	if err != nil || chat == "" {
		e.reply(ctx, operator, "Grup target belum diatur. Pakai /setgroup dulu.")
		return
	}

	rec := e.buildRecord(dc, string(target), st.MediaRefs())
	rec.Status = v1.BroadcastApproved
	id, err := e.store.Save(ctx, rec)
	if err != nil {
		e.logger.Error("failed to persist broadcast", zap.Error(err))
		e.reply(ctx, operator, "Gagal menyimpan broadcast: "+err.Error())
		return
	}
	e.publish(ctx, events.BroadcastApproved, map[string]interface{}{"broadcast_id": id})

	body := rec.DescriptionGen
	if err := e.deliver(ctx, chat, body, rec.MediaPaths); err != nil {
		_ = e.store.UpdateStatus(ctx, id, v1.BroadcastFailed)
		e.logger.Error("broadcast delivery failed", zap.Int64("broadcast_id", id), zap.Error(err))
		e.reply(ctx, operator, "Gagal mengirim: "+err.Error())
		return
	}
	if err := e.store.UpdateStatus(ctx, id, v1.BroadcastSent); err != nil {
		e.logger.Error("failed to update broadcast status", zap.Error(err))
	}
	e.publish(ctx, events.BroadcastSent, map[string]interface{}{"broadcast_id": id})

	e.endFlow(ctx, operator, st, true)
	e.publish(ctx, events.FlowCompleted, map[string]interface{}{
		"operator": operator, "kind": string(st.Kind),
	})
	e.replyTemplate(ctx, operator, "sent", map[string]string{"target": string(target)})
}

// scheduleOne persists the draft as scheduled and arms its delivery.
// Intervals finer than the dispatcher's global pacing go to a transient
// burst timer; everything else goes through the persistent queue.
func (e *Engine) scheduleOne(ctx context.Context, operator string, st *state.FlowState, dc *state.DraftContext, act command.Action) {
	rec := e.buildRecord(dc, string(act.Target), st.MediaRefs())
	rec.Status = v1.BroadcastScheduled
	id, err := e.store.Save(ctx, rec)
	if err != nil {
		e.reply(ctx, operator, "Gagal menyimpan broadcast: "+err.Error())
		return
	}

	at := time.Now().UTC().Add(time.Duration(act.IntervalMinutes) * time.Minute)
	if e.bursts != nil && act.IntervalMinutes < e.cfg.Dispatcher.MinIntervalMinutes {
		e.bursts.ScheduleBurst(rec.Title, rec.Target, rec.DescriptionGen, rec.MediaPaths, at, id)
	} else {
		if _, err := e.store.Enqueue(ctx, id, at); err != nil {
			e.reply(ctx, operator, "Gagal mengantri broadcast: "+err.Error())
			return
		}
		e.publish(ctx, events.BroadcastEnqueued, map[string]interface{}{"broadcast_id": id})
	}

	e.endFlow(ctx, operator, st, true)
	e.publish(ctx, events.FlowCompleted, map[string]interface{}{
		"operator": operator, "kind": string(st.Kind),
	})
	e.replyTemplate(ctx, operator, "scheduled", map[string]string{
		"time": at.Local().Format("15:04"),
	})
}

// HandleDraftAction is the shared awaiting_draft_action step. It consumes
// the uniform vocabulary; regeneration is delegated back to the owning
// flow through regen.
func (e *Engine) handleDraftAction(
	ctx context.Context,
	operator string,
	st *state.FlowState,
	input command.Input,
	regen func(ctx context.Context, hint string) (*v1.Draft, error),
) {
	dc := st.Draft()
	if dc == nil || dc.Draft == nil {
		e.replyTemplate(ctx, operator, "expired", nil)
		e.endFlow(ctx, operator, st, false)
		return
	}

	switch input.Kind {
	case command.KindInvalid:
		e.replyTemplate(ctx, operator, "parse_error", map[string]string{"reason": input.Reason})
		return
	case command.KindFree:
		if strings.EqualFold(strings.TrimSpace(input.Free), "po") {
			e.promptPO(ctx, operator, st)
			return
		}
		e.replyTemplate(ctx, operator, "draft_menu", nil)
		return
	case command.KindNumeric:
		e.replyTemplate(ctx, operator, "draft_menu", nil)
		return
	case command.KindAction:
	default:
		return
	}

	act := input.Action
	switch act.Verb {
	case command.VerbSend:
		e.approveAndSend(ctx, operator, st, dc, act.Target)

	case command.VerbSchedule:
		e.scheduleOne(ctx, operator, st, dc, act)

	case command.VerbRegen:
		draft, err := regen(ctx, act.Hint)
		if err != nil {
			e.replyAIError(ctx, operator, err)
			return
		}
		e.replaceDraft(dc, draft)
		if err := e.save(ctx, operator, st); err != nil {
			return
		}
		e.sendDraft(ctx, operator, dc)

	case command.VerbCover:
		e.startCoverSearch(ctx, operator, st, dc)

	case command.VerbLinks:
		e.spliceLinks(ctx, operator, st, dc)

	case command.VerbEdit:
		dc.EditTarget = string(command.TargetProduction)
		st.Advance(state.StepAwaitingEditedText)
		if err := e.save(ctx, operator, st); err != nil {
			return
		}
		e.replyTemplate(ctx, operator, "edit_prompt", map[string]string{"target": dc.EditTarget})

	case command.VerbCancel:
		e.Cancel(ctx, operator, st)

	case command.VerbBack:
		if !st.Back() {
			e.replyTemplate(ctx, operator, "first_step", nil)
			return
		}
		if err := e.save(ctx, operator, st); err != nil {
			return
		}
		e.promptStep(ctx, operator, st)

	case command.VerbRestart:
		st.Restart(firstStep(st.Kind))
		if err := e.save(ctx, operator, st); err != nil {
			return
		}
		e.replyTemplate(ctx, operator, "restarted", nil)
		e.promptStep(ctx, operator, st)
	}
}

// replaceDraft swaps the body but keeps the cover the operator may have
// already picked.
func (e *Engine) replaceDraft(dc *state.DraftContext, draft *v1.Draft) {
	if draft == nil {
		return
	}
	cover := dc.Draft.CoverRef
	links := dc.Draft.PreviewLinks
	dc.Draft = draft
	if dc.Draft.CoverRef == "" {
		dc.Draft.CoverRef = cover
	}
	if len(dc.Draft.PreviewLinks) == 0 {
		dc.Draft.PreviewLinks = links
	}
}

// startCoverSearch shows up to 5 candidate covers and moves to the image
// choice side step.
func (e *Engine) startCoverSearch(ctx context.Context, operator string, st *state.FlowState, dc *state.DraftContext) {
	title := draftTitle(dc)
	images, err := e.ai.SearchImages(ctx, title, 5)
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}
	if len(images) == 0 {
		e.replyTemplate(ctx, operator, "cover_none", nil)
		return
	}
	if len(images) > 5 {
		images = images[:5]
	}
	dc.CoverOptions = images
	st.Advance(state.StepAwaitingImageChoice)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}

	var b strings.Builder
	b.WriteString(e.replies.Render("cover_options", nil))
	for i, img := range images {
		fmt.Fprintf(&b, "\n%d. %s (%dx%d)", i+1, img.URL, img.Width, img.Height)
	}
	e.reply(ctx, operator, b.String())
}

// handleImageChoice consumes the numeric pick in awaiting_image_choice.
func (e *Engine) handleImageChoice(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	dc := st.Draft()
	if dc == nil {
		e.endFlow(ctx, operator, st, false)
		return
	}

	if input.Kind == command.KindAction {
		switch input.Action.Verb {
		case command.VerbBack:
			st.Back()
			dc.CoverOptions = nil
			if err := e.save(ctx, operator, st); err != nil {
				return
			}
			e.sendDraft(ctx, operator, dc)
			return
		case command.VerbCancel:
			e.Cancel(ctx, operator, st)
			return
		}
	}
	if input.Kind != command.KindNumeric || len(input.Numbers) != 1 {
		e.replyTemplate(ctx, operator, "invalid_selection", nil)
		return
	}
	pick := input.Numbers[0]
	if pick < 1 || pick > len(dc.CoverOptions) {
		e.replyTemplate(ctx, operator, "invalid_selection", nil)
		return
	}

	img := dc.CoverOptions[pick-1]
	data, err := e.ai.DownloadImage(ctx, img.URL)
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}
	h, _, err := e.media.Acquire(data, "jpg")
	if err != nil {
		e.reply(ctx, operator, "Gagal menyimpan gambar: "+err.Error())
		return
	}
	owner := e.owner(st.Kind, operator)
	if err := e.media.Attach(h, owner); err != nil {
		e.reply(ctx, operator, "Gagal menyimpan gambar: "+err.Error())
		return
	}
	if old := dc.Draft.CoverRef; old != "" {
		e.media.Detach(media.Handle(old), owner, false)
	}
	dc.Draft.CoverRef = string(h)
	dc.CoverOptions = nil
	st.Back()
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "cover_set", nil)
	e.sendDraft(ctx, operator, dc)
}

// spliceLinks replaces the draft's Preview: block with fresh links.
func (e *Engine) spliceLinks(ctx context.Context, operator string, st *state.FlowState, dc *state.DraftContext) {
	links, err := e.ai.SearchLinks(ctx, draftTitle(dc), 2)
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}
	if len(links) == 0 {
		e.replyTemplate(ctx, operator, "links_none", nil)
		return
	}
	if len(links) > 2 {
		links = links[:2]
	}
	dc.Draft.Body = spliceLinkBlock(dc.Draft.Body, links)
	dc.Draft.PreviewLinks = links
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "links_set", nil)
	e.sendDraft(ctx, operator, dc)
}

// spliceLinkBlock removes an existing "Preview:" block (the header line
// and following non-blank lines) and appends a fresh one.
func spliceLinkBlock(body string, links []string) string {
	lines := strings.Split(body, "\n")
	var kept []string
	skipping := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "Preview:") {
			skipping = true
			continue
		}
		if skipping {
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimRight(strings.Join(kept, "\n"), "\n")
	out += "\n\nPreview:\n" + strings.Join(links, "\n")
	return out
}

// handleEditedText consumes the full substitute body and sends it
// immediately; the send after edit is implicit.
func (e *Engine) handleEditedText(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	dc := st.Draft()
	if dc == nil || dc.Draft == nil {
		e.endFlow(ctx, operator, st, false)
		return
	}
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbCancel {
		e.Cancel(ctx, operator, st)
		return
	}
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbBack {
		st.Back()
		if err := e.save(ctx, operator, st); err != nil {
			return
		}
		e.sendDraft(ctx, operator, dc)
		return
	}
	if input.Kind != command.KindFree {
		e.replyTemplate(ctx, operator, "edit_prompt", map[string]string{"target": dc.EditTarget})
		return
	}

	dc.Draft.Body = input.Free
	target := command.Target(dc.EditTarget)
	if target == "" {
		target = command.TargetProduction
	}
	e.approveAndSend(ctx, operator, st, dc, target)
}

// promptPO shows the pre-order prefix choices.
func (e *Engine) promptPO(ctx context.Context, operator string, st *state.FlowState) {
	phrases := e.replies.POPhrases()
	if len(phrases) == 0 {
		e.replyTemplate(ctx, operator, "draft_menu", nil)
		return
	}
	st.Advance(state.StepAwaitingPOChoice)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	var b strings.Builder
	b.WriteString(e.replies.Render("po_choice", nil))
	for i, p := range phrases {
		fmt.Fprintf(&b, "\n%d. %s", i+1, p)
	}
	b.WriteString("\n0. Kembali")
	e.reply(ctx, operator, b.String())
}

func (e *Engine) handlePOChoice(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	dc := st.Draft()
	if dc == nil {
		e.endFlow(ctx, operator, st, false)
		return
	}
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbBack {
		st.Back()
		if err := e.save(ctx, operator, st); err != nil {
			return
		}
		e.sendDraft(ctx, operator, dc)
		return
	}
	phrases := e.replies.POPhrases()
	if input.Kind != command.KindNumeric || len(input.Numbers) != 1 ||
		input.Numbers[0] < 1 || input.Numbers[0] > len(phrases) {
		e.replyTemplate(ctx, operator, "invalid_selection", nil)
		return
	}
	dc.POPrefix = phrases[input.Numbers[0]-1]
	st.Back()
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.sendDraft(ctx, operator, dc)
}

// handleNavAction consumes back and restart at the free-input steps so
// every step of a flow honors the navigation vocabulary. Reports whether
// the input was handled.
func (e *Engine) handleNavAction(ctx context.Context, operator string, st *state.FlowState, input command.Input) bool {
	if input.Kind != command.KindAction {
		return false
	}
	switch input.Action.Verb {
	case command.VerbBack:
		if !st.Back() {
			e.replyTemplate(ctx, operator, "first_step", nil)
			return true
		}
		if err := e.save(ctx, operator, st); err != nil {
			return true
		}
		e.promptStep(ctx, operator, st)
		return true
	case command.VerbRestart:
		st.Restart(firstStep(st.Kind))
		if err := e.save(ctx, operator, st); err != nil {
			return true
		}
		e.replyTemplate(ctx, operator, "restarted", nil)
		e.promptStep(ctx, operator, st)
		return true
	}
	return false
}

// promptStep re-sends the prompt appropriate for the state's current
// step after back or restart.
func (e *Engine) promptStep(ctx context.Context, operator string, st *state.FlowState) {
	switch st.Step {
	case state.StepAwaitingSupplierChoice:
		e.replyTemplate(ctx, operator, "supplier_choice", nil)
	case state.StepAwaitingLevel:
		e.replyTemplate(ctx, operator, "level_choice", nil)
	case state.StepAwaitingDraftAction:
		if dc := st.Draft(); dc != nil && dc.Draft != nil {
			e.sendDraft(ctx, operator, dc)
		}
	case state.StepAwaitingSelection:
		e.replyTemplate(ctx, operator, "research_choose", nil)
	case state.StepAwaitingDetails:
		e.replyTemplate(ctx, operator, "research_details", map[string]string{
			"title":       draftTitle(st.Draft()),
			"description": "",
		})
	case state.StepCollecting:
		e.replyTemplate(ctx, operator, "bulk_started", map[string]string{"level": "2"})
	}
}

func firstStep(kind state.Kind) state.Step {
	switch kind {
	case state.KindForward:
		return state.StepAwaitingSupplierChoice
	case state.KindBulk:
		return state.StepCollecting
	case state.KindResearch:
		return state.StepAwaitingSelection
	case state.KindCaption:
		return state.StepAwaitingDetails
	}
	return state.StepAwaitingSupplierChoice
}

func draftTitle(dc *state.DraftContext) string {
	if dc == nil {
		return ""
	}
	if dc.Item != nil && dc.Item.Title != "" {
		return dc.Item.Title
	}
	if dc.Draft != nil {
		return firstLine(dc.Draft.Body)
	}
	return ""
}
