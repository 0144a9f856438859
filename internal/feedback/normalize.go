package feedback

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/feedbackd/internal/upstream"
)

// idNamespace seeds the UUIDv5 derivation so the same upstream id always maps
// to the same record id.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/kalambet/feedbackd/feedback"))

var categoryByType = map[string]Category{
	"bug":             Bug,
	"crash":           Bug,
	"error":           Bug,
	"defect":          Bug,
	"feature":         FeatureRequest,
	"feature request": FeatureRequest,
	"suggestion":      FeatureRequest,
	"request":         FeatureRequest,
	"idea":            FeatureRequest,
	"ui":              UX,
	"ux":              UX,
	"design":          UX,
	"usability":       UX,
	"performance":     Performance,
	"speed":           Performance,
	"lag":             Performance,
	"other":           Other,
	"general":         Other,
	"question":        Other,
}

var statusByCode = map[int]Status{
	1: StatusNew,
	2: StatusInProgress,
	3: StatusResolved,
}

// tagKeywords are matched against lowercased content, in this order.
var tagKeywords = []string{
	"crash",
	"bug",
	"slow",
	"login",
	"payment",
	"battery",
	"notification",
	"update",
	"sync",
	"ads",
	"price",
	"design",
}

const defaultTypeTag = "General"

// RecordID derives the stable record id for an upstream id.
func RecordID(upstreamID int64) string {
	return uuid.NewSHA1(idNamespace, []byte(strconv.FormatInt(upstreamID, 10))).String()
}

// Normalize maps one upstream row to a Record. The result is always Pending;
// enrichment happens later.
func Normalize(it upstream.Item) Record {
	rating := DefaultRating
	if it.Rating != nil && *it.Rating > 0 {
		rating = *it.Rating
	}

	content := it.Text()
	return Record{
		ID:          RecordID(it.ID),
		UpstreamID:  it.ID,
		Date:        it.CreateTime.Time,
		Content:     content,
		Rating:      rating,
		Category:    CategoryForType(it.Type),
		Sentiment:   Pending,
		Tags:        ExtractTags(it.Type, content),
		Status:      StatusForCode(it.Status),
		UserID:      string(it.UserID),
		UserName:    it.NickName,
		Avatar:      it.AvatarURL(),
		ImageURL:    it.ImageURL,
		ContentType: it.ContentType,
		AppVersion:  it.AppVersion,
	}
}

// NormalizeAll maps every row.
func NormalizeAll(items []upstream.Item) []Record {
	out := make([]Record, len(items))
	for i, it := range items {
		out[i] = Normalize(it)
	}
	return out
}

// CategoryForType looks up the upstream free-text type, case-insensitively.
func CategoryForType(typ string) Category {
	if c, ok := categoryByType[strings.ToLower(strings.TrimSpace(typ))]; ok {
		return c
	}
	return Unclassified
}

// StatusForCode maps 1/2/3 to New/In Progress/Resolved; anything else is New.
func StatusForCode(code int) Status {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return StatusNew
}

// ExtractTags returns the capitalized type followed by every keyword found in
// content, truncated to MaxTags. Duplicates are not removed.
func ExtractTags(typ, content string) []string {
	first := capitalize(strings.TrimSpace(typ))
	if first == "" {
		first = defaultTypeTag
	}
	tags := []string{first}

	lower := strings.ToLower(content)
	for _, kw := range tagKeywords {
		if len(tags) == MaxTags {
			break
		}
		if strings.Contains(lower, kw) {
			tags = append(tags, capitalize(kw))
		}
	}
	return tags
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
