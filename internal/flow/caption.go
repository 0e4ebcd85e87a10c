package flow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/ai"
	"github.com/wartabot/wartabot/internal/command"
	"github.com/wartabot/wartabot/internal/events"
	"github.com/wartabot/wartabot/internal/media"
	"github.com/wartabot/wartabot/internal/state"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
	"github.com/wartabot/wartabot/pkg/wire"
)

// StartCaption begins a caption flow from an uncaptioned inbound image.
// The vision analysis runs immediately on the first image.
func (e *Engine) StartCaption(ctx context.Context, operator string, in wire.IncomingMessage) {
	handles, err := e.downloadMedia(ctx, operator, state.KindCaption, in)
	if err != nil || len(handles) == 0 {
		e.logger.Error("failed to download caption media", zap.Error(err))
		return
	}

	path, ok := e.media.Path(media.Handle(handles[0]))
	if !ok {
		return
	}
	analysis, err := e.ai.AnalyzeImage(ctx, path)
	if err != nil {
		e.replyAIError(ctx, operator, err)
		owner := e.owner(state.KindCaption, operator)
		for _, h := range handles {
			e.media.Detach(media.Handle(h), owner, false)
		}
		return
	}

	st := state.New(state.KindCaption, state.StepAwaitingDetails)
	st.Caption.MediaRefs = handles
	st.Caption.Analysis = analysis
	if err := e.states.Put(ctx, operator, st, e.cfg.Flows.StateTTL()); err != nil {
		e.logger.Error("failed to create caption state", zap.Error(err))
		return
	}
	e.publish(ctx, events.FlowStarted, map[string]interface{}{
		"operator": operator, "kind": string(state.KindCaption),
	})
	e.replyTemplate(ctx, operator, "caption_analysis", map[string]string{
		"summary": summarizeAnalysis(analysis),
	})
}

func summarizeAnalysis(a *v1.CaptionAnalysis) string {
	var b strings.Builder
	if a.IsSeries && a.SeriesName != "" {
		fmt.Fprintf(&b, "Seri: %s\n", a.SeriesName)
	}
	if a.Publisher != "" {
		fmt.Fprintf(&b, "Penerbit: %s\n", a.Publisher)
	}
	for i, t := range a.BookTitles {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	if a.Description != "" {
		b.WriteString(previewText(a.Description, 300))
	}
	return strings.TrimRight(b.String(), "\n")
}

// HandleCaption advances the caption flow by one operator input.
func (e *Engine) HandleCaption(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbCancel {
		e.Cancel(ctx, operator, st)
		return
	}

	switch st.Step {
	case state.StepAwaitingDetails:
		e.captionDetails(ctx, operator, st, input)
	case state.StepAwaitingLevel:
		e.captionLevelChoice(ctx, operator, st, input)
	case state.StepAwaitingDraftAction:
		e.handleDraftAction(ctx, operator, st, input, e.captionRegen(st))
	case state.StepAwaitingEditedText:
		e.handleEditedText(ctx, operator, st, input)
	case state.StepAwaitingImageChoice:
		e.handleImageChoice(ctx, operator, st, input)
	case state.StepAwaitingPOChoice:
		e.handlePOChoice(ctx, operator, st, input)
	}
}

func (e *Engine) captionDetails(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if e.handleNavAction(ctx, operator, st, input) {
		return
	}
	text := input.Free
	if input.Kind == command.KindNumeric {
		parts := make([]string, len(input.Numbers))
		for i, n := range input.Numbers {
			parts[i] = fmt.Sprintf("%d", n)
		}
		text = strings.Join(parts, " ")
	}
	if text == "" {
		e.replyTemplate(ctx, operator, "parse_error", map[string]string{
			"reason": "Balas dengan detail, minimal harga.",
		})
		return
	}

	details, err := command.ParseDetails(text)
	if err != nil {
		e.replyTemplate(ctx, operator, "parse_error", map[string]string{"reason": err.Error()})
		return
	}
	st.Caption.Price = details.Price
	st.Caption.Format = details.Format
	st.Caption.ETA = details.ETA
	st.Caption.CloseDate = details.CloseDate

	st.Advance(state.StepAwaitingLevel)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "level_choice", nil)
}

func (e *Engine) captionLevelChoice(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbBack {
		st.Back()
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
	st.Caption.Level = level

	resp, err := e.ai.CaptionGenerate(ctx, e.captionGenerateRequest(st))
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}
	st.Caption.Analysis = resp.Analysis
	st.Caption.Draft = resp.Draft
	if st.Caption.Draft.CoverRef == "" && len(st.Caption.MediaRefs) > 0 {
		st.Caption.Draft.CoverRef = st.Caption.MediaRefs[0]
	}
	st.Caption.Item = captionItem(st.Caption)

	st.Advance(state.StepAwaitingDraftAction)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.sendDraft(ctx, operator, &st.Caption.DraftContext)
}

func (e *Engine) captionGenerateRequest(st *state.FlowState) ai.CaptionGenerateRequest {
	return ai.CaptionGenerateRequest{
		Analysis:  st.Caption.Analysis,
		Price:     st.Caption.Price,
		Format:    st.Caption.Format,
		ETA:       st.Caption.ETA,
		CloseDate: st.Caption.CloseDate,
		Level:     st.Caption.Level,
	}
}

// captionItem synthesizes the parsed-item view of a caption flow so the
// shared persistence path has title and price fields to store.
func captionItem(c *state.CaptionData) *v1.ParsedItem {
	title := ""
	if c.Analysis != nil {
		if c.Analysis.IsSeries && c.Analysis.SeriesName != "" {
			title = c.Analysis.SeriesName
		} else if len(c.Analysis.BookTitles) > 0 {
			title = c.Analysis.BookTitles[0]
		}
	}
	item := &v1.ParsedItem{
		Title:      title,
		TitleClean: title,
		PriceMain:  c.Price,
		Format:     c.Format,
		ETA:        c.ETA,
		CloseDate:  c.CloseDate,
	}
	if c.Analysis != nil {
		item.Publisher = c.Analysis.Publisher
		item.DescriptionSource = c.Analysis.Description
	}
	return item
}

func (e *Engine) captionRegen(st *state.FlowState) func(ctx context.Context, hint string) (*v1.Draft, error) {
	return func(ctx context.Context, hint string) (*v1.Draft, error) {
		// The caption endpoint has no user_edit parameter; fold the hint
		// into the analysis description like the processor expects.
		req := e.captionGenerateRequest(st)
		if hint != "" && req.Analysis != nil {
			a := *req.Analysis
			a.Description = strings.TrimSpace(a.Description + "\n\nOperator: " + hint)
			req.Analysis = &a
		}
		resp, err := e.ai.CaptionGenerate(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.Draft, nil
	}
}
