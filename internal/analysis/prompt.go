package analysis

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/invopop/jsonschema"

	"github.com/kalambet/feedbackd/internal/engine"
)

// maxContentRunes truncates each feedback body in the prompt.
const maxContentRunes = 500

const systemPrompt = `You are a product feedback analyst. You receive a numbered list of user feedback entries. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Return exactly one element in "results" per entry, in the same order as the input.

For each entry:
- sentiment: "Positive", "Negative" or "Neutral".
- category: "Bug", "Feature Request", "UX", "Performance" or "Other".
- tags: 2 to 5 short topic keywords in Title Case.
- summary: one sentence describing the user's point.

Empty entries are Neutral with category "Other".`

// response is the structured output requested from the provider.
type response struct {
	Results []responseItem `json:"results" jsonschema:"description=One element per input entry in input order"`
}

type responseItem struct {
	Sentiment string   `json:"sentiment" jsonschema:"enum=Positive,enum=Negative,enum=Neutral"`
	Category  string   `json:"category" jsonschema:"enum=Bug,enum=Feature Request,enum=UX,enum=Performance,enum=Other"`
	Tags      []string `json:"tags" jsonschema:"description=Two to five topic keywords"`
	Summary   string   `json:"summary" jsonschema:"description=One sentence summary"`
}

var responseSchema = sync.OnceValue(func() any {
	return GenerateSchema[response]()
})

// GenerateSchema reflects T into a closed JSON schema with every field required.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// BuildPrompt constructs the chat messages for one chunk of contents.
func BuildPrompt(contents []string) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze these %d feedback entries:\n", len(contents))
	for i, c := range contents {
		fmt.Fprintf(&sb, "\n[%d] %s", i+1, oneLine(truncate(c, maxContentRunes)))
	}

	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripFences removes a surrounding markdown code fence some models emit
// despite the schema.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
