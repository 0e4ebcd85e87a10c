// Package state persists per-operator conversational flow states with
// absolute expiry. At most one state exists per (operator, flow kind).
package state

import (
	"time"

	v1 "github.com/wartabot/wartabot/pkg/api/v1"
)

// Kind identifies a flow slot. Kinds are independent per operator except
// where the router clears competitors on start.
type Kind string

const (
	KindForward  Kind = "forward"
	KindBulk     Kind = "bulk"
	KindResearch Kind = "research"
	KindCaption  Kind = "caption"
)

// Step names a position inside a flow.
type Step string

const (
	// Forward flow
	StepAwaitingSupplierChoice Step = "awaiting_supplier_choice"
	StepAwaitingLevel          Step = "awaiting_level"
	StepAwaitingDraftAction    Step = "awaiting_draft_action"
	StepAwaitingEditedText     Step = "awaiting_edited_text"
	StepAwaitingMissingField   Step = "awaiting_missing_field"
	StepAwaitingImageChoice    Step = "awaiting_image_choice"
	StepAwaitingPOChoice       Step = "awaiting_po_choice"

	// Bulk flow
	StepCollecting          Step = "collecting"
	StepProcessing          Step = "processing"
	StepAwaitingBatchAction Step = "awaiting_batch_action"

	// Research flow
	StepAwaitingSelection Step = "awaiting_selection"
	StepAwaitingDetails   Step = "awaiting_details"

	// Caption flow
	StepAwaitingImage Step = "awaiting_image"
)

// FlowState is the tagged union persisted per (operator, kind). Exactly
// one of Forward/Bulk/Research/Caption is non-nil, matching Kind.
type FlowState struct {
	Kind      Kind      `json:"kind"`
	Step      Step      `json:"step"`
	History   []Step    `json:"history,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version supports stale-write detection: the engine reads a state,
	// performs network I/O without holding the operator lock, then writes
	// back only if the version is unchanged.
	Version int64 `json:"version"`

	Forward  *ForwardData  `json:"forward,omitempty"`
	Bulk     *BulkData     `json:"bulk,omitempty"`
	Research *ResearchData `json:"research,omitempty"`
	Caption  *CaptionData  `json:"caption,omitempty"`
}

// DraftContext carries the fields every flow's draft-action step shares.
type DraftContext struct {
	Level        int              `json:"level,omitempty"`
	Item         *v1.ParsedItem   `json:"item,omitempty"`
	Draft        *v1.Draft        `json:"draft,omitempty"`
	CoverOptions []v1.ImageResult `json:"cover_options,omitempty"`
	EditTarget   string           `json:"edit_target,omitempty"` // chat target for the implicit send after edit
	POPrefix     string           `json:"po_prefix,omitempty"`
}

// ForwardData is the forward flow payload.
type ForwardData struct {
	DraftContext
	RawText       string      `json:"raw_text"`
	Supplier      v1.Supplier `json:"supplier,omitempty"`
	MediaRefs     []string    `json:"media_refs,omitempty"`
	MissingFields []string    `json:"missing_fields,omitempty"`
	PendingField  string      `json:"pending_field,omitempty"`
}

// BulkItem is one collected forward inside a bulk batch.
type BulkItem struct {
	RawText   string         `json:"raw_text"`
	MediaRefs []string       `json:"media_refs,omitempty"`
	Item      *v1.ParsedItem `json:"item,omitempty"`
	Draft     *v1.Draft      `json:"draft,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// BulkData is the bulk flow payload.
type BulkData struct {
	Level        int        `json:"level"`
	Items        []BulkItem `json:"items,omitempty"`
	Selected     []int      `json:"selected,omitempty"` // 1-based indices; empty means all
	LastActivity time.Time  `json:"last_activity"`
}

// ResearchData is the research flow payload.
type ResearchData struct {
	DraftContext
	Query       string                `json:"query"`
	Candidates  []v1.BookSearchResult `json:"candidates,omitempty"`
	Chosen      int                   `json:"chosen,omitempty"` // 1-based index into Candidates
	Description string                `json:"description,omitempty"`
	CoverRef    string                `json:"cover_ref,omitempty"`
	Price       int                   `json:"price,omitempty"`
	Format      string                `json:"format,omitempty"`
	ETA         string                `json:"eta,omitempty"`
	CloseDate   string                `json:"close_date,omitempty"`
}

// CaptionData is the caption flow payload.
type CaptionData struct {
	DraftContext
	Analysis  *v1.CaptionAnalysis `json:"analysis,omitempty"`
	MediaRefs []string            `json:"media_refs,omitempty"`
	Price     int                 `json:"price,omitempty"`
	Format    string              `json:"format,omitempty"`
	ETA       string              `json:"eta,omitempty"`
	CloseDate string              `json:"close_date,omitempty"`
}

// New creates a fresh state for the kind at the given first step.
func New(kind Kind, step Step) *FlowState {
	now := time.Now().UTC()
	st := &FlowState{
		Kind:      kind,
		Step:      step,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch kind {
	case KindForward:
		st.Forward = &ForwardData{}
	case KindBulk:
		st.Bulk = &BulkData{LastActivity: now}
	case KindResearch:
		st.Research = &ResearchData{}
	case KindCaption:
		st.Caption = &CaptionData{}
	}
	return st
}

// Advance pushes the current step onto the history and moves to next.
func (s *FlowState) Advance(next Step) {
	s.History = append(s.History, s.Step)
	s.Step = next
}

// Back pops the history. Returns false at the first step; the flow stays
// in place in that case.
func (s *FlowState) Back() bool {
	if len(s.History) == 0 {
		return false
	}
	s.Step = s.History[len(s.History)-1]
	s.History = s.History[:len(s.History)-1]
	return true
}

// Restart clears the history and returns to the given first step.
func (s *FlowState) Restart(first Step) {
	s.History = nil
	s.Step = first
}

// MediaRefs returns every media handle the state owns.
func (s *FlowState) MediaRefs() []string {
	var refs []string
	add := func(list []string) { refs = append(refs, list...) }

	switch {
	case s.Forward != nil:
		add(s.Forward.MediaRefs)
		if s.Forward.Draft != nil && s.Forward.Draft.CoverRef != "" {
			add([]string{s.Forward.Draft.CoverRef})
		}
	case s.Bulk != nil:
		for _, it := range s.Bulk.Items {
			add(it.MediaRefs)
		}
	case s.Research != nil:
		if s.Research.CoverRef != "" {
			add([]string{s.Research.CoverRef})
		}
		if s.Research.Draft != nil && s.Research.Draft.CoverRef != "" {
			add([]string{s.Research.Draft.CoverRef})
		}
	case s.Caption != nil:
		add(s.Caption.MediaRefs)
	}
	return refs
}

// Draft returns the current draft context regardless of kind, or nil for
// the bulk flow which carries per-item drafts.
func (s *FlowState) Draft() *DraftContext {
	switch {
	case s.Forward != nil:
		return &s.Forward.DraftContext
	case s.Research != nil:
		return &s.Research.DraftContext
	case s.Caption != nil:
		return &s.Caption.DraftContext
	}
	return nil
}
