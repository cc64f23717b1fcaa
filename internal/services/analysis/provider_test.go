package analysis

import (
	"testing"

	"github.com/vibebetter/vibebetter-api/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestParseReplyStructured(t *testing.T) {
	improved, explanation := parseReply(`{"improved_prompt": "Write a Go function that...", "explanation": "Added specifics."}`)

	assert.Equal(t, "Write a Go function that...", improved)
	assert.Equal(t, "Added specifics.", explanation)
}

func TestParseReplyStripsFences(t *testing.T) {
	reply := "```json\n{\"improved_prompt\": \"better\", \"explanation\": \"why\"}\n```"

	improved, explanation := parseReply(reply)
	assert.Equal(t, "better", improved)
	assert.Equal(t, "why", explanation)
}

func TestParseReplyPlainTextFallback(t *testing.T) {
	improved, explanation := parseReply("Just use a clearer prompt.")

	assert.Equal(t, "Just use a clearer prompt.", improved)
	assert.Empty(t, explanation)
}

func TestBuildUserMessage(t *testing.T) {
	msg := buildUserMessage(&models.AnalysisRequest{
		Prompt:   "fix my code",
		Language: "go",
		Goal:     "debugging",
	})

	assert.Contains(t, msg, "Target language: go")
	assert.Contains(t, msg, "Goal: debugging")
	assert.Contains(t, msg, "fix my code")

	// Optional fields are omitted entirely when empty.
	msg = buildUserMessage(&models.AnalysisRequest{Prompt: "fix my code"})
	assert.NotContains(t, msg, "Target language")
	assert.NotContains(t, msg, "Goal:")
}
