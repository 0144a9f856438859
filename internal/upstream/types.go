package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Item is one raw feedback row as returned by the upstream API.
type Item struct {
	ID          int64      `json:"id"`
	UserID      FlexString `json:"user_id"`
	NickName    string     `json:"nickName"`
	Avatar      string     `json:"avatar"`
	UserImg     string     `json:"userImg"`
	CreateTime  Timestamp  `json:"createTime"`
	Content     string     `json:"content"`
	MomentsText string     `json:"momentsText"`
	Type        string     `json:"type"`
	Status      int        `json:"status"`
	ImageURL    string     `json:"imageUrl"`
	ContentType int        `json:"contentType"`
	AppVersion  string     `json:"app_version"`
	Rating      *int       `json:"rating,omitempty"`
}

// Text returns the feedback body, falling back to momentsText.
func (it Item) Text() string {
	if it.Content != "" {
		return it.Content
	}
	return it.MomentsText
}

// AvatarURL returns the first entry of the comma-separated avatar field,
// falling back to userImg.
func (it Item) AvatarURL() string {
	raw := it.Avatar
	if raw == "" {
		raw = it.UserImg
	}
	first, _, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(first)
}

// envelope is the response wrapper: code 0 means success.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Timestamp accepts epoch seconds, epoch milliseconds, or a date-time string.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// epochMillisThreshold separates seconds from milliseconds; 1e11 seconds is
// far in the future while 1e11 milliseconds is 1973.
const epochMillisThreshold = 1e11

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			ts.Time = fromEpoch(n)
			return nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				ts.Time = t.UTC()
				return nil
			}
		}
		return fmt.Errorf("unrecognized timestamp %q", s)
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %s", data)
	}
	ts.Time = fromEpoch(int64(f))
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339))
}

// FlexString accepts a JSON string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(data)
	return nil
}

func fromEpoch(n int64) time.Time {
	if n >= epochMillisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
