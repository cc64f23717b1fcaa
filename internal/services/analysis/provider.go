package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vibebetter/vibebetter-api/internal/models"
)

// Provider is one LLM backend capable of analyzing and improving a prompt.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResult, error)
}

const systemPrompt = `You are a prompt engineering assistant. The user gives you a prompt they ` +
	`intend to send to an AI coding tool. Rewrite it to be clearer, more specific, and more ` +
	`likely to produce good results. Respond with a JSON object with exactly two string fields: ` +
	`"improved_prompt" and "explanation". Do not wrap the JSON in markdown fences.`

// buildUserMessage renders the analysis request into the user turn.
func buildUserMessage(req *models.AnalysisRequest) string {
	var b strings.Builder
	if req.Language != "" {
		fmt.Fprintf(&b, "Target language: %s\n", req.Language)
	}
	if req.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	}
	fmt.Fprintf(&b, "Prompt to improve:\n%s", req.Prompt)
	return b.String()
}

// parseReply extracts the structured answer from a provider reply. Models
// occasionally ignore the no-fences instruction or answer in plain text, so
// both cases degrade gracefully instead of failing the request.
func parseReply(reply string) (improvedPrompt, explanation string) {
	trimmed := strings.TrimSpace(reply)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed struct {
		ImprovedPrompt string `json:"improved_prompt"`
		Explanation    string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.ImprovedPrompt != "" {
		return parsed.ImprovedPrompt, parsed.Explanation
	}

	return trimmed, ""
}
