package flow

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/ai"
	"github.com/wartabot/wartabot/internal/command"
	"github.com/wartabot/wartabot/internal/events"
	"github.com/wartabot/wartabot/internal/state"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
)

const (
	researchMaxCandidates = 8
	researchKeptCount     = 5
)

// StartResearch begins a research flow from /new <query>. Takes over the
// session like bulk does.
func (e *Engine) StartResearch(ctx context.Context, operator, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		e.reply(ctx, operator, "Pakai: /new <judul buku>")
		return
	}
	e.ClearCompeting(ctx, operator)
	e.replyTemplate(ctx, operator, "research_searching", map[string]string{"query": query})

	resp, err := e.ai.Research(ctx, query, researchMaxCandidates)
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}
	candidates := dedupCandidates(resp.Results, researchKeptCount)
	if len(candidates) == 0 {
		e.replyTemplate(ctx, operator, "research_none", map[string]string{"query": query})
		return
	}

	st := state.New(state.KindResearch, state.StepAwaitingSelection)
	st.Research.Query = query
	st.Research.Candidates = candidates
	if err := e.states.Put(ctx, operator, st, e.cfg.Flows.StateTTL()); err != nil {
		e.logger.Error("failed to create research state", zap.Error(err))
		return
	}
	e.publish(ctx, events.FlowStarted, map[string]interface{}{
		"operator": operator, "kind": string(state.KindResearch),
	})

	for i, c := range candidates {
		e.sendCandidate(ctx, operator, i+1, c)
	}
	e.replyTemplate(ctx, operator, "research_choose", nil)
}

// sendCandidate shows one candidate, with its cover when downloadable.
// Cover bytes are transient here; only the chosen candidate's cover enters
// the media cache.
func (e *Engine) sendCandidate(ctx context.Context, operator string, index int, c v1.BookSearchResult) {
	caption := e.replies.Render("research_candidate", map[string]string{
		"index":     fmt.Sprintf("%d", index),
		"title":     c.Title,
		"publisher": c.Publisher,
	})
	if c.CoverURL != "" {
		if data, err := e.ai.DownloadImage(ctx, c.CoverURL); err == nil {
			if h, path, err := e.media.Acquire(data, "jpg"); err == nil {
				if err := e.msgr.SendImage(ctx, operator, path, caption); err == nil {
					e.media.Release(h)
					return
				}
				e.media.Release(h)
			}
		}
	}
	e.reply(ctx, operator, caption)
}

// dedupCandidates removes duplicates by a case-folded alphanumeric title
// key, preserving order, and keeps the first limit entries.
func dedupCandidates(results []v1.BookSearchResult, limit int) []v1.BookSearchResult {
	seen := make(map[string]bool)
	var out []v1.BookSearchResult
	for _, r := range results {
		key := alnumKey(r.Title)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

func alnumKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HandleResearch advances the research flow by one operator input.
func (e *Engine) HandleResearch(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind == command.KindAction && input.Action.Verb == command.VerbCancel {
		e.Cancel(ctx, operator, st)
		return
	}

	switch st.Step {
	case state.StepAwaitingSelection:
		e.researchSelection(ctx, operator, st, input)
	case state.StepAwaitingDetails:
		e.researchDetails(ctx, operator, st, input)
	case state.StepAwaitingLevel:
		e.researchLevelChoice(ctx, operator, st, input)
	case state.StepAwaitingDraftAction:
		e.handleDraftAction(ctx, operator, st, input, e.researchRegen(st))
	case state.StepAwaitingEditedText:
		e.handleEditedText(ctx, operator, st, input)
	case state.StepAwaitingImageChoice:
		e.handleImageChoice(ctx, operator, st, input)
	case state.StepAwaitingPOChoice:
		e.handlePOChoice(ctx, operator, st, input)
	}
}

// researchSelection resolves the picked candidate: display title, enriched
// description, cover download.
func (e *Engine) researchSelection(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if input.Kind != command.KindNumeric || len(input.Numbers) != 1 {
		e.replyTemplate(ctx, operator, "research_choose", nil)
		return
	}
	pick := input.Numbers[0]
	if pick < 1 || pick > len(st.Research.Candidates) {
		e.replyTemplate(ctx, operator, "invalid_selection", nil)
		return
	}
	chosen := st.Research.Candidates[pick-1]
	st.Research.Chosen = pick

	if title, err := e.ai.DisplayTitle(ctx, chosen.Title, chosen.SourceURL, chosen.Publisher); err == nil && title != "" {
		chosen.Title = title
		st.Research.Candidates[pick-1] = chosen
	}
	if desc, err := e.ai.Enrich(ctx, chosen.Title, chosen.Description, 3); err == nil && desc != "" {
		st.Research.Description = desc
	} else {
		st.Research.Description = chosen.Description
	}
	if chosen.CoverURL != "" {
		if data, err := e.ai.DownloadImage(ctx, chosen.CoverURL); err == nil {
			if h, _, err := e.media.Acquire(data, "jpg"); err == nil {
				if err := e.media.Attach(h, e.owner(state.KindResearch, operator)); err == nil {
					st.Research.CoverRef = string(h)
				}
			}
		}
	}

	st.Advance(state.StepAwaitingDetails)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "research_details", map[string]string{
		"title":       chosen.Title,
		"description": previewText(st.Research.Description, 400),
	})
}

// researchDetails parses the price/format/eta/close reply.
func (e *Engine) researchDetails(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
	if e.handleNavAction(ctx, operator, st, input) {
		return
	}
	text := input.Free
	if input.Kind == command.KindNumeric {
		// A bare price is numeric to the command parser.
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
	st.Research.Price = details.Price
	st.Research.Format = details.Format
	st.Research.ETA = details.ETA
	st.Research.CloseDate = details.CloseDate

	st.Advance(state.StepAwaitingLevel)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.replyTemplate(ctx, operator, "level_choice", nil)
}

func (e *Engine) researchLevelChoice(ctx context.Context, operator string, st *state.FlowState, input command.Input) {
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
	st.Research.Level = level

	resp, err := e.ai.ResearchGenerate(ctx, e.researchGenerateRequest(st, ""))
	if err != nil {
		e.replyAIError(ctx, operator, err)
		return
	}
	e.applyResearchDraft(st, resp)
	st.Advance(state.StepAwaitingDraftAction)
	if err := e.save(ctx, operator, st); err != nil {
		return
	}
	e.sendDraft(ctx, operator, &st.Research.DraftContext)
}

func (e *Engine) researchGenerateRequest(st *state.FlowState, hint string) ai.ResearchGenerateRequest {
	chosen := st.Research.Candidates[st.Research.Chosen-1]
	chosen.Description = st.Research.Description
	return ai.ResearchGenerateRequest{
		Book:      &chosen,
		PriceMain: st.Research.Price,
		Format:    st.Research.Format,
		ETA:       st.Research.ETA,
		CloseDate: st.Research.CloseDate,
		Level:     st.Research.Level,
		UserEdit:  hint,
	}
}

func (e *Engine) applyResearchDraft(st *state.FlowState, resp *ai.GenerateResponse) {
	st.Research.Item = resp.ParsedData
	st.Research.Draft = resp.Draft
	if st.Research.Draft.CoverRef == "" && st.Research.CoverRef != "" {
		st.Research.Draft.CoverRef = st.Research.CoverRef
	}
}

func (e *Engine) researchRegen(st *state.FlowState) func(ctx context.Context, hint string) (*v1.Draft, error) {
	return func(ctx context.Context, hint string) (*v1.Draft, error) {
		resp, err := e.ai.ResearchGenerate(ctx, e.researchGenerateRequest(st, hint))
		if err != nil {
			return nil, err
		}
		st.Research.Item = resp.ParsedData
		return resp.Draft, nil
	}
}
