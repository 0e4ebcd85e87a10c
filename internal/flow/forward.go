package flow

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/ai"
	"github.com/wartabot/wartabot/internal/broadcast"
	"github.com/wartabot/wartabot/internal/command"
	"github.com/wartabot/wartabot/internal/events"
	"github.com/wartabot/wartabot/internal/state"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

// StartForward begins a forward flow from a detected supplier message.
// Parsing is deferred until the operator picks a level, so a cancel at the
// supplier step costs no AI call.
func (e *Engine) StartForward(ctx context.Context, operator string, in wire.IncomingMessage, det Detection) {
	handles, err := e.downloadMedia(ctx, operator, state.KindForward, in)
	if err != nil {
		e.logger.Error("failed to download forward media", zap.Error(err))
		e.reply(ctx, operator, "Gagal mengunduh media: "+err.Error())
		return
	}

	st := state.New(state.KindForward, state.StepAwaitingSupplierChoice)
	st.Forward.RawText = in.Text
	st.Forward.MediaRefs = handles

	if det.FGBConfident {
		st.Forward.Supplier = v1.SupplierFGB
		st.Step = state.StepAwaitingLevel
	}

	if err := e.states.Put(ctx, operator, st, e.cfg.Flows.StateTTL()); err != nil {
		e.logger.Error("failed to create forward state", zap.Error(err))
		return
	}
	e.publish(ctx, events.FlowStarted, map[string]interface{}{
		"operator": operator, "kind": string(state.KindForward),
	})

	if det.FGBConfident {
		e.replyTemplate(ctx, operator, "level_choice", nil)
	} else {
		e.replyTemplate(ctx, operator, "supplier_choice", nil)
	}
}

// HandleForward advances the forward flow by one operator input.
func (e *Engine) HandleForward(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbCancel {
		e.Cancel(ctx, operator, st)
		return
	}

	switch st.Step {
	case state.StepAwaitingSupplierChoice:
		e.forwardSupplierChoice(ctx, operator, st, input)
	case state.StepAwaitingLevel:
		e.forwardLevelChoice(ctx, operator, st, input)
	case state.StepAwaitingMissingField:
		e.forwardMissingField(ctx, operator, st, input)
	case state.StepAwaitingDraftAction:
		e.handleDraftAction(ctx, operator, st, input, e.forwardRegen(operator, st))
	case state.StepAwaitingEditedText:
		e.handleEditedText(ctx, operator, st, input)
	case state.StepAwaitingImageChoice:
		e.handleImageChoice(ctx, operator, st, input)
	case state.StepAwaitingPOChoice:
		e.handlePOChoice(ctx, operator, st, input)
	}
}

func (e *Engine) forwardSupplierChoice(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbBack {
		e.replyTemplate(ctx, operator, "first_step", nil)
		return
	}
	if input.Kind != command.KindNumeric || len(input.Numbers) != 1 {
		e.replyTemplate(ctx, operator, "supplier_choice", nil)
		return
	}
	switch input.Numbers[0] {
	case 1:
		st.Forward.Supplier = v1.SupplierFGB
	case 2:
		st.Forward.Supplier = v1.SupplierLittlerazy
	default:
		e.replyTemplate(ctx, operator, "invalid_selection", nil)
		return
	}
	st.Advance(state.StepAwaitingLevel)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "level_choice", nil)
}

// forwardLevelChoice is where the deferred parse happens: level pick
// triggers the parse call, then (unless fields are missing) the generate
// call.
func (e *Engine) forwardLevelChoice(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbBack {
		if !st.Back() {
			e.replyTemplate(ctx, operator, "first_step", nil)
			return
		}
		if err := e.save(ctx, operator, st); err != nil {
			return
		}
		e.promptStep(ctx, operator, st)
		return
	}

	level, ok := command.AsLevel(input.Numbers)
	if input.Kind != command.KindNumeric || !ok {
		e.replyTemplate(ctx, operator, "invalid_level", nil)
		return
	}
	st.Forward.Level = level

	resp, err := e.ai.Parse(ctx, ai.ParseRequest{
		Text:       st.Forward.RawText,
		MediaCount: len(st.Forward.MediaRefs),
		Supplier:   st.Forward.Supplier,
	})
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}

	if resp.Incomplete {
		st.Forward.MissingFields = resp.MissingFields
		if resp.Item != nil {
			st.Forward.Item = resp.Item
		} else {
			st.Forward.Item = &v1.ParsedItem{DescriptionSource: st.Forward.RawText}
		}
		e.askNextMissingField(ctx, operator, st)
		return
	}

	st.Forward.Item = resp.Item
	e.forwardGenerate(ctx, operator, st)
}

// askNextMissingField prompts for the first outstanding field, or moves on
// to generation when none remain.
func (e *Engine) askNextMissingField(ctx context.Context, operator string, st *state.FlowState) {
	if len(st.Forward.MissingFields) == 0 {
		e.forwardGenerate(ctx, operator, st)
		return
	}
	st.Forward.PendingField = st.Forward.MissingFields[0]
	st.Forward.MissingFields = st.Forward.MissingFields[1:]
	if st.Step != state.StepAwaitingMissingField {
		st.Advance(state.StepAwaitingMissingField)
	}
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "missing_field", map[string]string{
		"field": st.Forward.PendingField,
	})
}

func (e *Engine) forwardMissingField(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	field := st.Forward.PendingField
	switch input.Kind {
	case command.KindSlash:
		if input.Slash.Name == "skip" {
			// Field stays absent.
			st.Forward.PendingField = ""
			e.askNextMissingField(ctx, operator, st)
			return
		}
		e.replyTemplate(ctx, operator, "missing_field", map[string]string{"field": field})
	case command.KindFree, command.KindNumeric:
		value := input.Free
		if input.Kind == command.KindNumeric {
			value = strings.TrimSpace(strconv.Itoa(input.Numbers[0]))
		}
		applyItemField(st.Forward.Item, field, value)
		st.Forward.PendingField = ""
		e.askNextMissingField(ctx, operator, st)
	default:
		e.replyTemplate(ctx, operator, "missing_field", map[string]string{"field": field})
	}
}

// applyItemField writes an operator-supplied value into the named parsed
// item field. Unknown names land in tags so nothing is silently lost.
func applyItemField(item *v1.ParsedItem, field, value string) {
	switch field {
	case "title":
		item.Title = value
		item.TitleClean = value
	case "price_main":
		if n, err := strconv.Atoi(stripNonDigits(value)); err == nil {
			item.PriceMain = n
		}
	case "price_secondary":
		if n, err := strconv.Atoi(stripNonDigits(value)); err == nil {
			item.PriceSecondary = n
		}
	case "format":
		item.Format = strings.ToUpper(value)
	case "eta":
		item.ETA = value
	case "close_date":
		item.CloseDate = value
	case "publisher":
		item.Publisher = value
	case "min_order":
		if n, err := strconv.Atoi(stripNonDigits(value)); err == nil {
			item.MinOrder = n
		}
	default:
		item.Tags = append(item.Tags, field+": "+value)
	}
}

func stripNonDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// forwardGenerate requests the draft and enters the shared draft-action
// step.
func (e *Engine) forwardGenerate(ctx context.Context, operator string, st *state.FlowState) {
	if st.Forward.Item == nil || st.Forward.Item.Title == "" || st.Forward.Item.PriceMain == 0 {
		e.reply(ctx, operator, "Pesan tidak bisa diparse: judul atau harga tidak ditemukan.")
		e.endFlow(ctx, operator, st, false)
		return
	}
	st.Forward.Item.MediaRefs = st.Forward.MediaRefs

	resp, err := e.ai.Generate(ctx, ai.GenerateRequest{
		ParsedData: st.Forward.Item,
		Level:      st.Forward.Level,
	})
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}

	st.Forward.Item = resp.ParsedData
	st.Forward.Draft = resp.Draft
	if st.Forward.Draft.CoverRef == "" && len(st.Forward.MediaRefs) > 0 {
		st.Forward.Draft.CoverRef = st.Forward.MediaRefs[0]
	}
	st.Advance(state.StepAwaitingDraftAction)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.warnDuplicate(ctx, operator, st.Forward.Item.Title)
	e.sendDraft(ctx, operator, &st.Forward.DraftContext)
}

// warnDuplicate tells the operator when the same normalized title was
// broadcast before. Advisory only.
func (e *Engine) warnDuplicate(ctx context.Context, operator, title string) {
	matches, err := e.store.FindByNormalizedTitle(ctx, broadcast.NormalizeTitle(title))
	if err != nil || len(matches) == 0 {
		return
	}
	e.replyTemplate(ctx, operator, "duplicate_warning", map[string]string{
		"date": matches[0].CreatedAt.Local().Format("2 Jan 2006"),
	})
}

func (e *Engine) forwardRegen(operator string, st *state.FlowState) func(ctx context.Context, hint string) (*v1.Draft, error) {
	return func(ctx context.Context, hint string) (*v1.Draft, error) {
		resp, err := e.ai.Generate(ctx, ai.GenerateRequest{
			ParsedData: st.Forward.Item,
			Level:      st.Forward.Level,
			UserEdit:   hint,
		})
		if err != nil {
			return nil, err
		}
		st.Forward.Item = resp.ParsedData
		return resp.Draft, nil
	}
}
