// Package v1 defines the shared domain types exchanged between the flow
// engine, the stores, the dispatcher, and the AI processor client.
package v1

import "time"

// Supplier identifies a recognized supplier message format.
type Supplier string

const (
	SupplierFGB        Supplier = "fgb"
	SupplierLittlerazy Supplier = "littlerazy"
)

// ParsedItem is the supplier-independent parse of one catalog message.
type ParsedItem struct {
	Title             string   `json:"title"`
	TitleClean        string   `json:"title_clean"`
	Publisher         string   `json:"publisher,omitempty"`
	Format            string   `json:"format,omitempty"` // HB, PB, BB, HC
	PriceMain         int      `json:"price_main"`
	PriceSecondary    int      `json:"price_secondary,omitempty"`
	CurrencyMarkup    int      `json:"currency_markup"`
	ETA               string   `json:"eta,omitempty"`
	CloseDate         string   `json:"close_date,omitempty"`
	MinOrder          int      `json:"min_order,omitempty"`
	Stock             int      `json:"stock,omitempty"`
	Pages             int      `json:"pages,omitempty"`
	Type              string   `json:"type,omitempty"` // supplier-specific category
	DescriptionSource string   `json:"description_source,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	PreviewLinks      []string `json:"preview_links,omitempty"`
	SeparatorMark     string   `json:"separator_mark,omitempty"`
	MediaRefs         []string `json:"media_refs,omitempty"` // media cache handles

	// AIFallback is true iff rule-based parsing was incomplete and an AI
	// parse was used.
	AIFallback bool `json:"ai_fallback"`
}

// Draft is the generated promotional text awaiting operator approval.
type Draft struct {
	Body         string   `json:"body"`
	Level        int      `json:"level"` // 1 informative, 2 persuasive, 3 urgent
	PreviewLinks []string `json:"preview_links,omitempty"`
	CoverRef     string   `json:"cover_ref,omitempty"` // media cache handle
}

// BookSearchResult is one research candidate from the AI collaborator.
type BookSearchResult struct {
	Title       string `json:"title"`
	Publisher   string `json:"publisher,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	CoverURL    string `json:"cover_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// CaptionAnalysis is the vision analysis of an uncaptioned image.
type CaptionAnalysis struct {
	IsSeries    bool     `json:"is_series"`
	SeriesName  string   `json:"series_name,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	BookTitles  []string `json:"book_titles,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ImageResult is one candidate cover image.
type ImageResult struct {
	URL       string `json:"url"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Source    string `json:"source,omitempty"`
}

// BroadcastStatus is the lifecycle state of a persisted broadcast.
// Transitions are monotonic along draft → approved → (scheduled | sent);
// a scheduled broadcast may become sent or failed.
type BroadcastStatus string

const (
	BroadcastDraft     BroadcastStatus = "draft"
	BroadcastApproved  BroadcastStatus = "approved"
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastSent      BroadcastStatus = "sent"
	BroadcastFailed    BroadcastStatus = "failed"
)

// Broadcast is a persisted approved/sent/scheduled broadcast.
type Broadcast struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	TitleNormalized string          `json:"title_normalized"`
	PriceMain       int             `json:"price_main"`
	PriceSecondary  int             `json:"price_secondary,omitempty"`
	Format          string          `json:"format,omitempty"`
	ETA             string          `json:"eta,omitempty"`
	CloseDate       string          `json:"close_date,omitempty"`
	SupplierType    string          `json:"supplier_type,omitempty"`
	DescriptionSrc  string          `json:"description_source,omitempty"`
	DescriptionGen  string          `json:"description_generated,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	PreviewLinks    []string        `json:"preview_links,omitempty"`
	MediaPaths      []string        `json:"media_paths,omitempty"`
	Target          string          `json:"target"` // production or dev chat key
	Level           int             `json:"level,omitempty"`
	Status          BroadcastStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
}

// QueueStatus is the state of a queued delivery.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	// QueueFlushing marks an item drained by /flush whose delivery
	// outcome has not been recorded yet.
	QueueFlushing QueueStatus = "flushing"
	QueueSent     QueueStatus = "sent"
	QueueFailed   QueueStatus = "failed"
)

// Terminal reports whether the queue status is final.
func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueFailed
}

// QueueItem is a pending scheduled delivery of a broadcast.
type QueueItem struct {
	ID            int64       `json:"id"`
	BroadcastID   int64       `json:"broadcast_id"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	Status        QueueStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
