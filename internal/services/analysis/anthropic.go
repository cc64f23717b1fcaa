package analysis

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/utils/clientcache"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

const anthropicMaxTokens = 1024

// AnthropicProvider runs prompt analysis against the Anthropic Messages API.
type AnthropicProvider struct {
	clientCache *clientcache.Cache[*anthropic.Client]
	apiKey      string
	model       string
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_0)
	}
	return &AnthropicProvider{
		clientCache: clientcache.NewCache[*anthropic.Client](),
		apiKey:      apiKey,
		model:       model,
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) client() (*anthropic.Client, error) {
	keyHash := sha256.Sum256([]byte(p.apiKey))
	cacheKey := fmt.Sprintf("%x", keyHash[:8])

	return p.clientCache.GetOrCreate(cacheKey, func() (*anthropic.Client, error) {
		fiberlog.Debugf("Creating new Anthropic client (key hash: %s)", cacheKey)
		client := anthropic.NewClient(option.WithAPIKey(p.apiKey))
		return &client, nil
	})
}

func (p *AnthropicProvider) Analyze(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResult, error) {
	client, err := p.client()
	if err != nil {
		return nil, models.NewProviderError(p.Name(), "failed to create client", err)
	}

	params := anthropic.MessageNewParams{
		MaxTokens: anthropicMaxTokens,
		Model:     anthropic.Model(p.model),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserMessage(req))),
		},
	}

	startTime := time.Now()
	message, err := client.Messages.New(ctx, params)
	duration := time.Since(startTime)

	if err != nil {
		fiberlog.Errorf("Anthropic analysis request failed after %v: %v", duration, err)
		return nil, models.NewProviderError(p.Name(), "analysis request failed", err)
	}

	fiberlog.Infof("Anthropic analysis completed in %v - usage: input:%d, output:%d",
		duration, message.Usage.InputTokens, message.Usage.OutputTokens)

	var reply strings.Builder
	for _, block := range message.Content {
		reply.WriteString(block.Text)
	}

	improved, explanation := parseReply(reply.String())
	return &models.AnalysisResult{
		ImprovedPrompt: improved,
		Explanation:    explanation,
		Provider:       p.Name(),
		Model:          p.model,
	}, nil
}
