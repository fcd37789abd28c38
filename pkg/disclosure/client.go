// Package disclosure detects sponsorship disclosure markers in transcripts
// and on-screen text. A regex pass catches the common hashtag and phrase
// forms; when an Anthropic key is configured, a Claude pass catches softer
// phrasings the patterns miss.
package disclosure

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the disclosure detector operations.
type Client interface {
	// Detect scans the transcript and optional on-screen text for
	// disclosure markers.
	Detect(ctx context.Context, req DetectRequest) (*DetectResponse, error)
}

// DetectRequest carries the text inputs for one detection call.
type DetectRequest struct {
	Transcript   string `json:"transcript"`
	OnScreenText string `json:"on_screen_text,omitempty"`
}

// DetectResponse is the detector output.
type DetectResponse struct {
	Markers []Marker `json:"markers"`
}

// Marker is one detected disclosure phrase or tag.
type Marker struct {
	Marker     string  `json:"marker"`
	Confidence float64 `json:"confidence"`
	Excerpt    string  `json:"excerpt,omitempty"`
}

// pattern pairs a compiled disclosure regex with the confidence assigned
// to its matches.
type pattern struct {
	re         *regexp.Regexp
	name       string
	confidence float64
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)#ad\b`), "#ad", 0.95},
	{regexp.MustCompile(`(?i)#sponsored\b`), "#sponsored", 0.95},
	{regexp.MustCompile(`(?i)#gifted\b`), "#gifted", 0.85},
	{regexp.MustCompile(`(?i)paid partnership`), "paid partnership", 0.95},
	{regexp.MustCompile(`(?i)sponsored by`), "sponsored by", 0.9},
	{regexp.MustCompile(`(?i)this video is sponsored`), "this video is sponsored", 0.95},
	{regexp.MustCompile(`(?i)brought to you by`), "brought to you by", 0.8},
	{regexp.MustCompile(`(?i)in partnership with`), "in partnership with", 0.85},
	{regexp.MustCompile(`(?i)use (?:my |the )?code\b`), "use code", 0.7},
	{regexp.MustCompile(`(?i)discount code`), "discount code", 0.7},
	{regexp.MustCompile(`(?i)affiliate link`), "affiliate link", 0.8},
	{regexp.MustCompile(`(?i)link in (?:my )?(?:bio|description)`), "link in bio", 0.4},
}

// Option configures the detector.
type Option func(*detector)

// WithModel overrides the Claude model used for the LLM pass.
func WithModel(model string) Option {
	return func(d *detector) {
		d.model = model
	}
}

// WithMaxTokens overrides the response token budget for the LLM pass.
func WithMaxTokens(n int64) Option {
	return func(d *detector) {
		d.maxTokens = n
	}
}

type detector struct {
	llm       sdk.Client
	llmReady  bool
	model     string
	maxTokens int64
}

// NewClient creates a disclosure detector. With an empty API key the
// detector runs pattern-only.
func NewClient(apiKey string, opts ...Option) Client {
	d := &detector{
		model:     "claude-haiku-4-5-20251001",
		maxTokens: 1024,
	}
	if apiKey != "" {
		d.llm = sdk.NewClient(option.WithAPIKey(apiKey))
		d.llmReady = true
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *detector) Detect(ctx context.Context, req DetectRequest) (*DetectResponse, error) {
	text := req.Transcript
	if req.OnScreenText != "" {
		text += "\n" + req.OnScreenText
	}

	markers := matchPatterns(text)

	if d.llmReady && strings.TrimSpace(req.Transcript) != "" {
		llmMarkers, err := d.detectLLM(ctx, req.Transcript)
		if err != nil {
			// Pattern results are still a usable signal; keep them.
			zap.L().Warn("disclosure: llm pass failed, using pattern results only", zap.Error(err))
		} else {
			markers = mergeMarkers(markers, llmMarkers)
		}
	}

	return &DetectResponse{Markers: markers}, nil
}

// matchPatterns runs the regex pass and returns one marker per matched
// pattern with a short excerpt around the first match.
func matchPatterns(text string) []Marker {
	var markers []Marker
	for _, p := range patterns {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		markers = append(markers, Marker{
			Marker:     p.name,
			Confidence: p.confidence,
			Excerpt:    excerpt(text, loc[0], loc[1]),
		})
	}
	return markers
}

// excerpt returns the match with up to 40 runes of context on each side.
func excerpt(text string, start, end int) string {
	const pad = 40
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(text) {
		hi = len(text)
	}
	return strings.TrimSpace(text[lo:hi])
}

const llmSystemPrompt = `You identify advertising disclosure statements in video transcripts.
Return a JSON array of objects with keys "marker" (short label), "confidence"
(0 to 1), and "excerpt" (the sentence containing the disclosure). Return []
if the transcript contains no disclosure. Return only JSON.`

func (d *detector) detectLLM(ctx context.Context, transcript string) ([]Marker, error) {
	msg, err := d.llm.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(d.model),
		MaxTokens: d.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: llmSystemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(transcript)),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "disclosure: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	raw := extractJSONArray(text.String())
	if raw == "" {
		return nil, eris.New("disclosure: no JSON array in model response")
	}

	var markers []Marker
	if err := json.Unmarshal([]byte(raw), &markers); err != nil {
		return nil, eris.Wrap(err, "disclosure: unmarshal model response")
	}
	return markers, nil
}

// extractJSONArray pulls the first top-level JSON array out of model
// output that may carry prose around it.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// mergeMarkers combines two marker sets, deduplicating by lowercased
// marker label and keeping the higher confidence.
func mergeMarkers(a, b []Marker) []Marker {
	byLabel := make(map[string]Marker)
	for _, m := range append(a, b...) {
		key := strings.ToLower(strings.TrimSpace(m.Marker))
		if existing, ok := byLabel[key]; !ok || m.Confidence > existing.Confidence {
			byLabel[key] = m
		}
	}
	merged := make([]Marker, 0, len(byLabel))
	for _, m := range byLabel {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Confidence != merged[j].Confidence {
			return merged[i].Confidence > merged[j].Confidence
		}
		return merged[i].Marker < merged[j].Marker
	})
	return merged
}
