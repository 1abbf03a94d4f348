package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nonprofitsuite/storagecore/internal/llm"
	"github.com/nonprofitsuite/storagecore/internal/models"
)

// Chatter is the slice of the LLM gateway the classifier needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// LLMClassifier asks a chat model for a strict JSON analysis of a document.
type LLMClassifier struct {
	chat  Chatter
	model string
}

func NewLLMClassifier(chat Chatter, model string) *LLMClassifier {
	return &LLMClassifier{chat: chat, model: model}
}

const systemPrompt = `You are a records clerk for a nonprofit organization. You classify documents
and extract structured facts from them. Reply with one JSON object and nothing else.`

func userPrompt(doc Document) string {
	cats := models.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Filename: %s\n", doc.Filename)
	if doc.MimeType != "" {
		fmt.Fprintf(&b, "Type: %s\n", doc.MimeType)
	}
	b.WriteString("\nReturn JSON with these keys:\n")
	fmt.Fprintf(&b, `- "category": one of %s
- "subcategory": short free text, may be empty
- "tags": up to 8 lowercase keywords
- "people", "organizations", "locations", "amounts", "dates": arrays of strings found in the text
- "key_points": up to 5 short sentences
- "summary": two or three sentences
- "document_date": the date the document was written as YYYY-MM-DD, or null
- "confidence": number between 0 and 1 for how sure you are about the category
`, strings.Join(names, ", "))

	if doc.Text == "" {
		b.WriteString("\nNo text could be extracted; judge from the filename and type and keep confidence low.\n")
		return b.String()
	}
	b.WriteString("\nDocument text")
	if doc.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString(":\n---\n")
	b.WriteString(doc.Text)
	b.WriteString("\n---\n")
	return b.String()
}

type analysisJSON struct {
	Category      string   `json:"category"`
	Subcategory   string   `json:"subcategory"`
	Tags          []string `json:"tags"`
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	Locations     []string `json:"locations"`
	Amounts       []string `json:"amounts"`
	Dates         []string `json:"dates"`
	KeyPoints     []string `json:"key_points"`
	Summary       string   `json:"summary"`
	DocumentDate  *string  `json:"document_date"`
	Confidence    float64  `json:"confidence"`
}

func (c *LLMClassifier) Classify(ctx context.Context, doc Document) (*Analysis, error) {
	resp, err := c.chat.Chat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(doc)},
		},
		Temperature: 0.1,
		MaxTokens:   1024,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	a, err := ParseAnalysis(resp.Content)
	if err != nil {
		return nil, err
	}
	a.Provider = resp.Provider
	return a, nil
}

// ParseAnalysis decodes a model reply, tolerating markdown fences and text
// around the JSON object.
func ParseAnalysis(content string) (*Analysis, error) {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("parse analysis: no JSON object in reply")
	}

	var out analysisJSON
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, fmt.Errorf("parse analysis: confidence %v outside 0..1", out.Confidence)
	}

	a := &Analysis{
		Category:    out.Category,
		Subcategory: out.Subcategory,
		Tags:        out.Tags,
		Entities: models.KeyEntities{
			People:        out.People,
			Organizations: out.Organizations,
			Locations:     out.Locations,
			Amounts:       out.Amounts,
			Dates:         out.Dates,
		},
		KeyPoints:  out.KeyPoints,
		Summary:    out.Summary,
		Confidence: out.Confidence,
	}
	if out.DocumentDate != nil {
		if d, err := time.Parse(time.DateOnly, strings.TrimSpace(*out.DocumentDate)); err == nil {
			a.DocumentDate = &d
		}
	}
	return a, nil
}
