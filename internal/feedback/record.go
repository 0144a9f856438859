// Package feedback defines the canonical feedback record and the mapping
// from upstream rows into it.
package feedback

import (
	"slices"
	"strings"
	"time"
)

type Sentiment string

const (
	Positive Sentiment = "Positive"
	Negative Sentiment = "Negative"
	Neutral  Sentiment = "Neutral"
	// Pending marks a record that has not been analyzed, or whose analysis failed.
	Pending Sentiment = "Pending"
)

// Valid reports whether s is one of the three analyzed values.
func (s Sentiment) Valid() bool {
	return s == Positive || s == Negative || s == Neutral
}

type Category string

const (
	Bug            Category = "Bug"
	FeatureRequest Category = "Feature Request"
	UX             Category = "UX"
	Performance    Category = "Performance"
	Other          Category = "Other"
	Unclassified   Category = "Unclassified"
)

// Categories lists the values an analysis may assign. Unclassified is
// reserved for records nobody has categorized.
var Categories = []Category{Bug, FeatureRequest, UX, Performance, Other}

// Valid reports whether c is an assignable category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

type Status string

const (
	StatusNew        Status = "New"
	StatusInProgress Status = "In Progress"
	StatusResolved   Status = "Resolved"
)

// DefaultRating applies when upstream provides none.
const DefaultRating = 3

// MaxTags bounds Record.Tags.
const MaxTags = 5

// Record is the canonical feedback shape served to callers.
type Record struct {
	ID          string    `json:"id"`
	UpstreamID  int64     `json:"upstream_id"`
	Date        time.Time `json:"date"`
	Content     string    `json:"content"`
	Rating      int       `json:"rating"`
	Category    Category  `json:"category"`
	Sentiment   Sentiment `json:"sentiment"`
	Tags        []string  `json:"tags"`
	Status      Status    `json:"status"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	AISummary   string    `json:"ai_summary,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	UserName    string    `json:"user_name,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	ContentType int       `json:"content_type,omitempty"`
	AppVersion  string    `json:"app_version,omitempty"`
}

// NeedsAnalysis reports whether the record has not been enriched yet.
func (r Record) NeedsAnalysis() bool {
	return r.Sentiment == Pending || r.Sentiment == ""
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Tags = slices.Clone(r.Tags)
	return r
}

// CloneAll deep-copies a slice of records.
func CloneAll(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// AnyNeedsAnalysis reports whether any record is still Pending.
func AnyNeedsAnalysis(records []Record) bool {
	return slices.ContainsFunc(records, Record.NeedsAnalysis)
}

// SortByDateDesc orders records newest first; ties break on ID for stability.
func SortByDateDesc(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
