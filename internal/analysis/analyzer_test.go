package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kalambet/feedbackd/internal/cache"
	"github.com/kalambet/feedbackd/internal/engine"
	"github.com/kalambet/feedbackd/internal/feedback"
)

// mockChatter implements Chatter with a function field.
type mockChatter struct {
	calls  atomic.Int32
	mu     sync.Mutex
	seen   []string
	chatFn func(entries []string) (string, error)
}

var entryRe = regexp.MustCompile(`(?m)^\[(\d+)\] (.*)$`)

func (m *mockChatter) Chat(_ context.Context, _ string, messages []engine.Message, schema any) (string, error) {
	m.calls.Add(1)
	if schema == nil {
		return "", errors.New("schema missing")
	}
	var entries []string
	for _, match := range entryRe.FindAllStringSubmatch(messages[len(messages)-1].Content, -1) {
		entries = append(entries, match[2])
	}
	m.mu.Lock()
	m.seen = append(m.seen, entries...)
	m.mu.Unlock()
	return m.chatFn(entries)
}

// echoResponse answers every entry as Negative Bug with the entry as summary.
func echoResponse(entries []string) (string, error) {
	items := make([]responseItem, len(entries))
	for i, e := range entries {
		items[i] = responseItem{Sentiment: "Negative", Category: "Bug", Tags: []string{"Crash", "Android"}, Summary: "about " + e}
	}
	b, _ := json.Marshal(response{Results: items})
	return string(b), nil
}

func newTestAnalyzer(chat Chatter, mirror Mirror, chunkSize int) *Analyzer {
	c := cache.NewContentCache[Result]("test")
	return New(chat, c, mirror, Config{Model: "test-model", ChunkSize: chunkSize, Concurrency: 2})
}

func makeItems(n int, content func(i int) string) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{ID: fmt.Sprintf("id-%d", i), Content: content(i)}
	}
	return items
}

func TestAnalyze_ResolvesAll(t *testing.T) {
	m := &mockChatter{chatFn: echoResponse}
	a := newTestAnalyzer(m, nil, 30)

	items := makeItems(65, func(i int) string { return fmt.Sprintf("text %d", i) })
	got := a.Analyze(context.Background(), items, nil)

	if len(got) != 65 {
		t.Fatalf("resolved %d items, want 65", len(got))
	}
	if m.calls.Load() != 3 {
		t.Errorf("provider called %d times, want 3 (chunks of 30)", m.calls.Load())
	}
	r := got["id-7"]
	if r.Sentiment != feedback.Negative || r.Category != feedback.Bug || r.Summary != "about text 7" {
		t.Errorf("id-7 = %+v", r)
	}
}

func TestAnalyze_IdempotentOnWarmCache(t *testing.T) {
	m := &mockChatter{chatFn: echoResponse}
	a := newTestAnalyzer(m, nil, 30)
	items := makeItems(40, func(i int) string { return fmt.Sprintf("text %d", i) })

	first := a.Analyze(context.Background(), items, nil)
	callsAfterFirst := m.calls.Load()

	second := a.Analyze(context.Background(), items, nil)
	if m.calls.Load() != callsAfterFirst {
		t.Errorf("second run made %d provider calls, want 0", m.calls.Load()-callsAfterFirst)
	}
	for id, r := range first {
		if second[id].Summary != r.Summary {
			t.Errorf("%s: second run = %+v, first = %+v", id, second[id], r)
		}
	}
}

func TestAnalyze_DistinctContentSentOnce(t *testing.T) {
	m := &mockChatter{chatFn: echoResponse}
	a := newTestAnalyzer(m, nil, 30)

	// 40 items drawn from 10 distinct strings.
	items := makeItems(40, func(i int) string { return fmt.Sprintf("dup %d", i%10) })
	got := a.Analyze(context.Background(), items, nil)

	if len(got) != 40 {
		t.Fatalf("resolved %d items, want 40", len(got))
	}
	if len(m.seen) != 10 {
		t.Errorf("provider saw %d entries, want 10", len(m.seen))
	}
	if got["id-13"].Summary != "about dup 3" {
		t.Errorf("id-13 = %+v", got["id-13"])
	}
}

func TestAnalyze_PartialFailure(t *testing.T) {
	m := &mockChatter{chatFn: func(entries []string) (string, error) {
		if slices.Contains(entries, "text 30") {
			return "", errors.New("provider unavailable")
		}
		return echoResponse(entries)
	}}
	a := newTestAnalyzer(m, nil, 30)

	items := makeItems(90, func(i int) string { return fmt.Sprintf("text %d", i) })
	got := a.Analyze(context.Background(), items, nil)

	if len(got) != 60 {
		t.Fatalf("resolved %d items, want 60", len(got))
	}
	for i := range 90 {
		_, ok := got[fmt.Sprintf("id-%d", i)]
		inFailed := i >= 30 && i < 60
		if ok == inFailed {
			t.Errorf("id-%d resolved=%v, want %v", i, ok, !inFailed)
		}
	}
}

func TestAnalyze_UnparsableResponse(t *testing.T) {
	m := &mockChatter{chatFn: func([]string) (string, error) { return "sorry, I cannot", nil }}
	a := newTestAnalyzer(m, nil, 30)

	got := a.Analyze(context.Background(), makeItems(5, func(i int) string { return fmt.Sprint(i) }), nil)
	if len(got) != 0 {
		t.Errorf("resolved %d items from garbage, want 0", len(got))
	}
	if a.Cache().Len() != 0 {
		t.Error("failed results were cached")
	}
}

func TestAnalyze_ShortArrayTolerated(t *testing.T) {
	m := &mockChatter{chatFn: func(entries []string) (string, error) {
		return echoResponse(entries[:len(entries)-2])
	}}
	a := newTestAnalyzer(m, nil, 30)

	got := a.Analyze(context.Background(), makeItems(10, func(i int) string { return fmt.Sprintf("t%d", i) }), nil)
	if len(got) != 8 {
		t.Fatalf("resolved %d items, want 8", len(got))
	}
	if _, ok := got["id-9"]; ok {
		t.Error("trailing item resolved despite short response")
	}
}

func TestAnalyze_InvalidEntriesSkipped(t *testing.T) {
	m := &mockChatter{chatFn: func(entries []string) (string, error) {
		return "```json\n" + `{"results":[
			{"sentiment":"positive","category":"ux","tags":["Layout","Colors"],"summary":"nice"},
			{"sentiment":"ecstatic","category":"Bug","tags":[],"summary":"x"},
			{"sentiment":"Neutral","category":"Billing","tags":["A","B","C","D","E","F"],"summary":"meh"},
			{"sentiment":"Neutral","category":"Bug","tags":["A","B"],"summary":""},
			{"sentiment":"Negative","category":"Bug","tags":["Crash"],"summary":"one tag"}
		]}` + "\n```", nil
	}}
	a := newTestAnalyzer(m, nil, 30)

	got := a.Analyze(context.Background(), makeItems(5, func(i int) string { return fmt.Sprintf("t%d", i) }), nil)

	if r := got["id-0"]; r.Sentiment != feedback.Positive || r.Category != feedback.UX {
		t.Errorf("id-0 = %+v, want case-insensitive match", r)
	}
	if _, ok := got["id-1"]; ok {
		t.Error("unknown sentiment accepted")
	}
	if r := got["id-2"]; r.Category != feedback.Other || len(r.Tags) != feedback.MaxTags {
		t.Errorf("id-2 = %+v, want Other with 5 tags", r)
	}
	if _, ok := got["id-3"]; ok {
		t.Error("empty summary accepted")
	}
	if _, ok := got["id-4"]; ok {
		t.Error("result with a single tag accepted")
	}
}

func TestAnalyze_Progress(t *testing.T) {
	m := &mockChatter{chatFn: echoResponse}
	a := New(m, nil, nil, Config{ChunkSize: 10, Concurrency: 2})

	var calls [][2]int
	a.Analyze(context.Background(), makeItems(50, func(i int) string { return fmt.Sprint(i) }), func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})

	want := [][2]int{{20, 50}, {40, 50}, {50, 50}}
	if !slices.Equal(calls, want) {
		t.Errorf("progress = %v, want %v", calls, want)
	}
}

func TestAnalyze_Empty(t *testing.T) {
	m := &mockChatter{chatFn: echoResponse}
	a := newTestAnalyzer(m, nil, 30)
	if got := a.Analyze(context.Background(), nil, nil); len(got) != 0 {
		t.Errorf("got %d results for no items", len(got))
	}
	if m.calls.Load() != 0 {
		t.Error("provider called for no items")
	}
}

func TestAnalyze_EmptyContentIsAnalyzed(t *testing.T) {
	m := &mockChatter{chatFn: echoResponse}
	a := newTestAnalyzer(m, nil, 30)
	got := a.Analyze(context.Background(), []Item{{ID: "a", Content: ""}, {ID: "b", Content: ""}}, nil)
	if len(got) != 2 || m.calls.Load() != 1 {
		t.Errorf("resolved=%d calls=%d, want 2 and 1", len(got), m.calls.Load())
	}
}

// mockMirror is an in-memory Mirror.
type mockMirror struct {
	mu      sync.Mutex
	data    map[string]Result
	loadErr error
	saved   int
}

func (m *mockMirror) LoadAnalyses(_ context.Context, hashes []string) (map[string]Result, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]Result{}
	for _, h := range hashes {
		if r, ok := m.data[h]; ok {
			out[h] = r
		}
	}
	return out, nil
}

func (m *mockMirror) SaveAnalyses(_ context.Context, results map[string]Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]Result{}
	}
	for h, r := range results {
		m.data[h] = r
	}
	m.saved += len(results)
	return nil
}

func TestAnalyze_MirrorWarmStart(t *testing.T) {
	mirror := &mockMirror{}
	m1 := &mockChatter{chatFn: echoResponse}
	items := makeItems(12, func(i int) string { return fmt.Sprintf("text %d", i) })

	newTestAnalyzer(m1, mirror, 30).Analyze(context.Background(), items, nil)
	if mirror.saved != 12 {
		t.Fatalf("mirror saved %d, want 12", mirror.saved)
	}

	// A fresh analyzer with an empty in-memory cache resolves from the mirror.
	m2 := &mockChatter{chatFn: echoResponse}
	a2 := newTestAnalyzer(m2, mirror, 30)
	got := a2.Analyze(context.Background(), items, nil)
	if len(got) != 12 {
		t.Fatalf("resolved %d, want 12", len(got))
	}
	if m2.calls.Load() != 0 {
		t.Errorf("provider called %d times despite warm mirror", m2.calls.Load())
	}
	if a2.Cache().Len() != 12 {
		t.Errorf("mirror hits not copied to memory cache: Len = %d", a2.Cache().Len())
	}
}

func TestAnalyze_MirrorFailureFallsThrough(t *testing.T) {
	mirror := &mockMirror{loadErr: errors.New("db down")}
	m := &mockChatter{chatFn: echoResponse}
	got := newTestAnalyzer(m, mirror, 30).Analyze(context.Background(), makeItems(3, func(i int) string { return fmt.Sprint(i) }), nil)
	if len(got) != 3 {
		t.Errorf("resolved %d, want 3", len(got))
	}
}

func TestAnalyzeText(t *testing.T) {
	m := &mockChatter{chatFn: echoResponse}
	a := newTestAnalyzer(m, nil, 30)
	r, err := a.AnalyzeText(context.Background(), "the app keeps crashing")
	if err != nil {
		t.Fatalf("AnalyzeText: %v", err)
	}
	if r.Sentiment != feedback.Negative {
		t.Errorf("Sentiment = %q", r.Sentiment)
	}

	bad := newTestAnalyzer(&mockChatter{chatFn: func([]string) (string, error) { return "", errors.New("down") }}, nil, 30)
	r, err = bad.AnalyzeText(context.Background(), "x")
	if err == nil || !r.IsDefault() {
		t.Errorf("AnalyzeText on failure = (%+v, %v), want default and error", r, err)
	}
}

func TestBuildPrompt_Truncates(t *testing.T) {
	long := strings.Repeat("é", 800)
	msgs := BuildPrompt([]string{long, "short\nwith newline"})
	if len(msgs) != 2 || msgs[0].Role != "system" {
		t.Fatalf("messages = %+v", msgs)
	}
	user := msgs[1].Content
	if strings.Count(user, "é") != maxContentRunes {
		t.Errorf("content not truncated to %d runes", maxContentRunes)
	}
	if !strings.Contains(user, "[2] short with newline") {
		t.Errorf("entries not flattened: %q", user)
	}
}

func TestResponseSchema(t *testing.T) {
	b, err := json.Marshal(responseSchema())
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"results"`, `"Feature Request"`, `"Neutral"`, `"additionalProperties":false`} {
		if !strings.Contains(s, want) {
			t.Errorf("schema missing %s: %s", want, s)
		}
	}
}

func TestApplyTo(t *testing.T) {
	base := feedback.Record{Category: feedback.Bug, Tags: []string{"Bug", "Crash"}, Sentiment: feedback.Pending}

	rec := base.Clone()
	Result{Sentiment: feedback.Positive, Category: feedback.UX, Tags: []string{"Layout", "Dark Mode"}, Summary: "likes it"}.ApplyTo(&rec)
	if rec.Sentiment != feedback.Positive || rec.Category != feedback.UX || rec.AISummary != "likes it" || rec.Tags[0] != "Layout" {
		t.Errorf("full result not applied: %+v", rec)
	}

	rec = base.Clone()
	Default().ApplyTo(&rec)
	if rec.Sentiment != feedback.Pending || rec.AISummary != "" {
		t.Errorf("default broke Pending invariant: %+v", rec)
	}
	if rec.Category != feedback.Unclassified || rec.Tags == nil || len(rec.Tags) != 0 {
		t.Errorf("default kept normalized fields: category=%s tags=%v", rec.Category, rec.Tags)
	}
	if !slices.Equal(base.Tags, []string{"Bug", "Crash"}) {
		t.Errorf("ApplyTo mutated the source record: %v", base.Tags)
	}
}
