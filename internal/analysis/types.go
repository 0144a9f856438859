package analysis

import (
	"fmt"

	"github.com/kalambet/feedbackd/internal/feedback"
)

// Item is one (id, content) pair submitted for analysis.
type Item struct {
	ID      string
	Content string
}

// ItemsFromRecords extracts analysis input from records, preserving order.
func ItemsFromRecords(records []feedback.Record) []Item {
	items := make([]Item, len(records))
	for i, r := range records {
		items[i] = Item{ID: r.ID, Content: r.Content}
	}
	return items
}

// Result is the AI-derived enrichment for one content string.
type Result struct {
	Sentiment feedback.Sentiment `json:"sentiment"`
	Category  feedback.Category  `json:"category"`
	Tags      []string           `json:"tags"`
	Summary   string             `json:"summary"`
}

// MinTags is the fewest tags a usable provider result carries.
const MinTags = 2

// Default is the placeholder for content that could not be analyzed.
func Default() Result {
	return Result{Sentiment: feedback.Pending, Category: feedback.Unclassified, Tags: []string{}}
}

// IsDefault reports whether r carries no analysis.
func (r Result) IsDefault() bool {
	return r.Sentiment == feedback.Pending || r.Sentiment == ""
}

// ApplyTo overwrites the enrichment fields of rec with r. Applying Default
// resets the record to Pending, Unclassified and no tags.
func (r Result) ApplyTo(rec *feedback.Record) {
	rec.Sentiment = r.Sentiment
	if rec.Sentiment == "" {
		rec.Sentiment = feedback.Pending
	}
	rec.AISummary = r.Summary
	if rec.Sentiment == feedback.Pending {
		rec.AISummary = ""
	}
	rec.Category = r.Category
	if rec.Category == "" {
		rec.Category = feedback.Unclassified
	}
	rec.Tags = append(make([]string, 0, len(r.Tags)), r.Tags...)
}

// ProviderError reports a failed, unparsable, or unusable provider response
// for one chunk. It never aborts the whole analysis.
type ProviderError struct {
	Chunk int
	Size  int
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("AI provider chunk %d (%d items): %v", e.Chunk, e.Size, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
