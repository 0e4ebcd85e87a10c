// Package router is the single ingress for operator messages: it
// authorizes the sender, dispatches slash commands, and fans the message
// into the live conversational flows.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/command"
	"github.com/wartabot/wartabot/internal/common/config"
	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/dispatch"
	"github.com/wartabot/wartabot/internal/events"
	"github.com/wartabot/wartabot/internal/events/bus"
	"github.com/wartabot/wartabot/internal/flow"
	"github.com/wartabot/wartabot/internal/replies"
	"github.com/wartabot/wartabot/internal/state"
	"github.com/wartabot/wartabot/internal/transport"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

// greetings trigger the help reply when sent alone, without touching any
// flow state.
var greetings = map[string]bool{
	"halo": true, "hallo": true, "hello": true,
	"hi": true, "hai": true, "hey": true,
}

// Queue is the dispatcher surface the router needs for /queue and /flush.
type Queue interface {
	QueueSnapshot(ctx context.Context) ([]dispatch.QueueEntry, error)
	Flush(ctx context.Context) (sent, failed int, err error)
}

// AIConfig is the AI processor surface for the markup commands and
// /status.
type AIConfig interface {
	GetMarkup(ctx context.Context) (int, error)
	SetMarkup(ctx context.Context, markup int) error
	Health(ctx context.Context) error
}

// Router routes every inbound message to a handler or drops it.
type Router struct {
	cfg     *config.Config
	engine  *flow.Engine
	states  *state.Store
	store   *broadcast.Store
	msgr    transport.Messenger
	queue   Queue
	ai      AIConfig
	bus     bus.EventBus
	replies *replies.Set
	logger  *logger.Logger

	historyDefault int
}

// NewRouter wires the router.
func NewRouter(
	cfg *config.Config,
	engine *flow.Engine,
	states *state.Store,
	store *broadcast.Store,
	msgr transport.Messenger,
	queue Queue,
	aiCfg AIConfig,
	eventBus bus.EventBus,
	replySet *replies.Set,
	log *logger.Logger,
) *Router {
	return &Router{
		cfg:            cfg,
		engine:         engine,
		states:         states,
		store:          store,
		msgr:           msgr,
		queue:          queue,
		ai:             aiCfg,
		bus:            eventBus,
		replies:        replySet,
		logger:         log.WithFields(zap.String("component", "router")),
		historyDefault: 10,
	}
}

// Run consumes the transport's inbound stream until the context ends or
// the stream closes. Messages are handled sequentially; per-operator
// ordering is the point of a single-operator workstation.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-r.msgr.Events():
			if !ok {
				return
			}
			r.Handle(ctx, in)
		}
	}
}

// Handle routes one inbound message.
func (r *Router) Handle(ctx context.Context, in wire.IncomingMessage) {
	if !r.cfg.Operator.IsAuthorized(in.Sender) {
		r.logger.Debug("dropping message from unauthorized sender",
			zap.String("sender", in.Sender))
		return
	}
	operator := in.Sender
	text := strings.TrimSpace(in.Text)
	hasMedia := len(in.ImageRefs)+len(in.VideoRefs) > 0

	input := command.Parse(text)
	if input.Kind == command.KindSlash {
		if r.handleSlash(ctx, operator, input.Slash) {
			return
		}
		// Unknown or flow-scoped slash words fall through to the flows.
	}

	// Flow fan-in, priority bulk, research, caption, forward. The first
	// live flow consumes the message.
	live, err := r.states.GetAll(ctx, operator)
	if err != nil {
		r.logger.Error("failed to read flow states", zap.Error(err))
		return
	}

	if st := live[state.KindBulk]; st != nil {
		if st.Step == state.StepCollecting {
			if det := flow.DetectForward(text, hasMedia); det.IsForward {
				r.engine.CollectBulk(ctx, operator, st, in)
				return
			}
		}
		r.engine.HandleBulk(ctx, operator, st, input)
		return
	}
	if st := live[state.KindResearch]; st != nil {
		r.engine.HandleResearch(ctx, operator, st, input)
		return
	}
	if st := live[state.KindCaption]; st != nil {
		r.engine.HandleCaption(ctx, operator, st, input)
		return
	}
	if st := live[state.KindForward]; st != nil {
		r.engine.HandleForward(ctx, operator, st, input)
		return
	}

	// No live flow: detector, caption auto-start, greeting, silent drop.
	if det := flow.DetectForward(text, hasMedia); det.IsForward {
		r.engine.StartForward(ctx, operator, in, det)
		return
	}
	if len(in.ImageRefs) > 0 && text == "" {
		r.engine.StartCaption(ctx, operator, in)
		return
	}
	if greetings[strings.ToLower(text)] {
		r.reply(ctx, operator, r.replies.Render("help", nil))
		return
	}
	r.logger.Debug("dropping unroutable message", zap.String("text", text))
}

func (r *Router) reply(ctx context.Context, operator, text string) {
	if err := r.msgr.SendText(ctx, operator, text); err != nil {
		r.logger.Error("failed to reply to operator", zap.Error(err))
	}
}

func (r *Router) replyTemplate(ctx context.Context, operator, key string, args map[string]string) {
	r.reply(ctx, operator, r.replies.Render(key, args))
}

// handleSlash dispatches a slash command. Returns false for words the
// flows own (/skip) or nobody owns, letting the message fall through.
func (r *Router) handleSlash(ctx context.Context, operator string, cmd command.Slash) bool {
	switch cmd.Name {
	case "help":
		r.replyTemplate(ctx, operator, "help", nil)
	case "status":
		r.sendStatus(ctx, operator)
	case "groups":
		r.sendGroups(ctx, operator)
	case "setgroup":
		r.setGroup(ctx, operator, cmd.Args)
	case "setmarkup":
		r.setMarkup(ctx, operator, cmd.Args)
	case "getmarkup":
		r.getMarkup(ctx, operator)
	case "cancel":
		r.cancelActive(ctx, operator)
	case "bulk":
		level := 2
		if n, err := strconv.Atoi(strings.TrimSpace(cmd.Args)); err == nil {
			level = n
		}
		r.engine.StartBulk(ctx, operator, level)
	case "done":
		st, err := r.states.Get(ctx, operator, state.KindBulk)
		if err != nil || st == nil {
			return true
		}
		r.engine.FinishBulk(ctx, operator, st)
	case "new":
		r.engine.StartResearch(ctx, operator, strings.TrimSpace(cmd.Args))
	case "queue":
		r.sendQueue(ctx, operator)
	case "flush":
		r.flush(ctx, operator)
	case "history":
		limit := r.historyDefault
		if n, err := strconv.Atoi(strings.TrimSpace(cmd.Args)); err == nil && n > 0 {
			limit = n
		}
		r.sendHistory(ctx, operator, limit)
	case "search":
		r.search(ctx, operator, strings.TrimSpace(cmd.Args))
	case "supplier":
		r.setSupplier(ctx, operator, strings.TrimSpace(cmd.Args))
	default:
		return false
	}
	return true
}

func (r *Router) sendStatus(ctx context.Context, operator string) {
	pending, err := r.store.ListPending(ctx)
	if err != nil {
		r.logger.Error("failed to read queue for status", zap.Error(err))
	}

	markup := r.cfg.Operator.PriceMarkup
	if m, err := r.ai.GetMarkup(ctx); err == nil {
		markup = m
	}

	health := "ok"
	if err := r.ai.Health(ctx); err != nil {
		health = "tidak terhubung"
	}

	r.replyTemplate(ctx, operator, "status", map[string]string{
		"pending": fmt.Sprintf("%d", len(pending)),
		"markup":  fmt.Sprintf("%d", markup),
		"ai":      health,
	})
}

func (r *Router) sendGroups(ctx context.Context, operator string) {
	groups, err := r.msgr.ListGroups(ctx)
	if err != nil {
		r.reply(ctx, operator, "Gagal mengambil daftar grup: "+err.Error())
		return
	}
	if len(groups) == 0 {
		r.reply(ctx, operator, "Tidak ada grup.")
		return
	}
	var b strings.Builder
	for i, g := range groups {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(r.replies.Render("groups_item", map[string]string{
			"index":   fmt.Sprintf("%d", i+1),
			"subject": g.Subject,
			"id":      g.ID,
		}))
	}
	r.reply(ctx, operator, b.String())
}

func (r *Router) setGroup(ctx context.Context, operator, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		r.replyTemplate(ctx, operator, "setgroup_usage", nil)
		return
	}
	var key, kind string
	switch strings.ToLower(fields[0]) {
	case "prod", "production":
		key, kind = broadcast.SettingProductionChat, "production"
	case "dev":
		key, kind = broadcast.SettingDevChat, "dev"
	default:
		r.replyTemplate(ctx, operator, "setgroup_usage", nil)
		return
	}
	if err := r.store.SetSetting(ctx, key, fields[1]); err != nil {
		r.reply(ctx, operator, "Gagal menyimpan: "+err.Error())
		return
	}
	r.publish(ctx, events.SettingsChatChanged, map[string]interface{}{
		"kind": kind, "chat": fields[1],
	})
	r.replyTemplate(ctx, operator, "setgroup_ok", map[string]string{
		"kind": kind, "id": fields[1],
	})
}

func (r *Router) setMarkup(ctx context.Context, operator, args string) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || n < 0 {
		r.replyTemplate(ctx, operator, "setmarkup_usage", nil)
		return
	}
	if err := r.ai.SetMarkup(ctx, n); err != nil {
		r.logger.Warn("failed to push markup to AI processor", zap.Error(err))
	}
	if err := r.store.SetSetting(ctx, broadcast.SettingPriceMarkup, strconv.Itoa(n)); err != nil {
		r.reply(ctx, operator, "Gagal menyimpan: "+err.Error())
		return
	}
	r.publish(ctx, events.SettingsMarkupChanged, map[string]interface{}{"markup": n})
	r.replyTemplate(ctx, operator, "setmarkup_ok", map[string]string{
		"markup": strconv.Itoa(n),
	})
}

func (r *Router) getMarkup(ctx context.Context, operator string) {
	if m, err := r.ai.GetMarkup(ctx); err == nil {
		r.replyTemplate(ctx, operator, "getmarkup", map[string]string{
			"markup": strconv.Itoa(m),
		})
		return
	}
	fallback := strconv.Itoa(r.cfg.Operator.PriceMarkup)
	if v, err := r.store.GetSetting(ctx, broadcast.SettingPriceMarkup, fallback); err == nil {
		fallback = v
	}
	r.replyTemplate(ctx, operator, "getmarkup", map[string]string{"markup": fallback})
}

// cancelActive cancels the highest-priority live flow, if any.
func (r *Router) cancelActive(ctx context.Context, operator string) {
	live, err := r.states.GetAll(ctx, operator)
	if err != nil {
		return
	}
	for _, kind := range []state.Kind{state.KindBulk, state.KindResearch, state.KindCaption, state.KindForward} {
		if st := live[kind]; st != nil {
			r.engine.Cancel(ctx, operator, st)
			return
		}
	}
	r.replyTemplate(ctx, operator, "cancelled", nil)
}

func (r *Router) sendQueue(ctx context.Context, operator string) {
	snap, err := r.queue.QueueSnapshot(ctx)
	if err != nil {
		r.reply(ctx, operator, "Gagal membaca antrian: "+err.Error())
		return
	}
	if len(snap) == 0 {
		r.replyTemplate(ctx, operator, "queue_empty", nil)
		return
	}
	var b strings.Builder
	b.WriteString(r.replies.Render("queue_header", map[string]string{
		"count": fmt.Sprintf("%d", len(snap)),
	}))
	for i, entry := range snap {
		b.WriteString("\n")
		b.WriteString(r.replies.Render("queue_item", map[string]string{
			"index": fmt.Sprintf("%d", i+1),
			"title": entry.Title,
			"time":  entry.FireAt.Local().Format("15:04"),
			"kind":  entry.Kind,
		}))
	}
	r.reply(ctx, operator, b.String())
}

func (r *Router) flush(ctx context.Context, operator string) {
	snap, err := r.queue.QueueSnapshot(ctx)
	if err != nil {
		r.reply(ctx, operator, "Gagal membaca antrian: "+err.Error())
		return
	}
	if len(snap) == 0 {
		r.replyTemplate(ctx, operator, "flush_empty", nil)
		return
	}
	r.replyTemplate(ctx, operator, "flush_started", map[string]string{
		"count": fmt.Sprintf("%d", len(snap)),
	})
	sent, failed, err := r.queue.Flush(ctx)
	if err != nil {
		r.reply(ctx, operator, "Flush gagal: "+err.Error())
		return
	}
	r.replyTemplate(ctx, operator, "flush_done", map[string]string{
		"ok":     fmt.Sprintf("%d", sent),
		"failed": fmt.Sprintf("%d", failed),
	})
}

func (r *Router) sendHistory(ctx context.Context, operator string, limit int) {
	recent, err := r.store.Recent(ctx, limit)
	if err != nil {
		r.reply(ctx, operator, "Gagal membaca riwayat: "+err.Error())
		return
	}
	if len(recent) == 0 {
		r.replyTemplate(ctx, operator, "history_empty", nil)
		return
	}
	r.reply(ctx, operator, r.formatBroadcastList(recent))
}

func (r *Router) search(ctx context.Context, operator, query string) {
	if query == "" {
		r.replyTemplate(ctx, operator, "search_empty", map[string]string{"query": query})
		return
	}
	results, err := r.store.Search(ctx, query)
	if err != nil {
		r.reply(ctx, operator, "Pencarian gagal: "+err.Error())
		return
	}
	if len(results) == 0 {
		r.replyTemplate(ctx, operator, "search_empty", map[string]string{"query": query})
		return
	}
	r.reply(ctx, operator, r.formatBroadcastList(results))
}

func (r *Router) formatBroadcastList(list []*v1.Broadcast) string {
	var b strings.Builder
	for i, rec := range list {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(r.replies.Render("history_item", map[string]string{
			"index":  fmt.Sprintf("%d", i+1),
			"status": string(rec.Status),
			"title":  rec.Title,
			"date":   rec.CreatedAt.Local().Format("2 Jan 15:04"),
		}))
	}
	return b.String()
}

// setSupplier overrides the supplier of the live forward flow. Without a
// live forward flow there is nothing to apply it to.
func (r *Router) setSupplier(ctx context.Context, operator, args string) {
	var supplier v1.Supplier
	switch strings.ToLower(args) {
	case "fgb":
		supplier = v1.SupplierFGB
	case "littlerazy":
		supplier = v1.SupplierLittlerazy
	default:
		r.replyTemplate(ctx, operator, "supplier_usage", nil)
		return
	}

	st, err := r.states.Get(ctx, operator, state.KindForward)
	if err != nil || st == nil {
		r.replyTemplate(ctx, operator, "supplier_usage", nil)
		return
	}
	st.Forward.Supplier = supplier
	if st.Step == state.StepAwaitingSupplierChoice {
		st.Advance(state.StepAwaitingLevel)
	}
	if err := r.states.PutIfVersion(ctx, operator, st, r.cfg.Flows.StateTTL(), st.Version); err != nil {
		return
	}
	r.replyTemplate(ctx, operator, "supplier_set", map[string]string{
		"supplier": string(supplier),
	})
	if st.Step == state.StepAwaitingLevel {
		r.replyTemplate(ctx, operator, "level_choice", nil)
	}
}

func (r *Router) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "router", data)); err != nil {
		r.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// SweepLoop runs the periodic state and bulk-inactivity sweeps until the
// context ends.
func (r *Router) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.engine.SweepExpired(ctx); err != nil {
				r.logger.Error("state sweep failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("swept expired flow states", zap.Int64("count", n))
			}
			r.engine.SweepIdleBulk(ctx, r.cfg.Operator.IDs)
		}
	}
}
