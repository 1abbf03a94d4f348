package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonprofitsuite/storagecore/internal/llm"
)

type fakeChatter struct {
	req   llm.ChatRequest
	reply string
}

func (c *fakeChatter) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.req = req
	return &llm.ChatResponse{Provider: "fake", Content: c.reply}, nil
}

func TestParseAnalysisStripsFences(t *testing.T) {
	reply := "```json\n" + `{
  "category": "financial",
  "subcategory": "budget",
  "tags": ["budget", "fy2026"],
  "people": ["Ann Lee"],
  "organizations": ["Food Bank"],
  "amounts": ["$12,000"],
  "key_points": ["Budget grows 4%"],
  "summary": "Annual budget.",
  "document_date": "2026-01-15",
  "confidence": 0.42
}` + "\n```"

	a, err := ParseAnalysis(reply)
	require.NoError(t, err)
	assert.Equal(t, "financial", a.Category)
	assert.Equal(t, []string{"Ann Lee"}, a.Entities.People)
	assert.Equal(t, []string{"$12,000"}, a.Entities.Amounts)
	assert.InDelta(t, 0.42, a.Confidence, 1e-9)
	require.NotNil(t, a.DocumentDate)
	assert.Equal(t, "2026-01-15", a.DocumentDate.Format("2006-01-02"))
}

func TestParseAnalysisRejectsGarbage(t *testing.T) {
	_, err := ParseAnalysis("I cannot classify this document.")
	assert.Error(t, err)

	_, err = ParseAnalysis(`{"category": "legal", "confidence": 7}`)
	assert.Error(t, err)

	a, err := ParseAnalysis(`Sure! {"category": "legal", "confidence": 0.8, "document_date": "sometime"}`)
	require.NoError(t, err)
	assert.Nil(t, a.DocumentDate)
}

func TestLLMClassifierRequestsJSON(t *testing.T) {
	chat := &fakeChatter{reply: `{"category": "policy", "confidence": 0.7}`}
	c := NewLLMClassifier(chat, "gpt-4o-mini")

	a, err := c.Classify(context.Background(), Document{Filename: "handbook.txt", Text: "Volunteer policy", Truncated: true})
	require.NoError(t, err)

	assert.Equal(t, "policy", a.Category)
	assert.Equal(t, "fake", a.Provider)
	assert.True(t, chat.req.JSON)
	assert.Equal(t, "gpt-4o-mini", chat.req.Model)
	require.Len(t, chat.req.Messages, 2)
	assert.Contains(t, chat.req.Messages[1].Content, "Volunteer policy")
	assert.Contains(t, chat.req.Messages[1].Content, "(truncated)")
	assert.Contains(t, chat.req.Messages[1].Content, "meeting-minutes")
}
