package analysis

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/vibebetter/vibebetter-api/internal/models"
	"github.com/vibebetter/vibebetter-api/internal/utils/clientcache"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/openai/openai-go/v2"
	openaiOption "github.com/openai/openai-go/v2/option"
)

// OpenAIProvider runs prompt analysis against the OpenAI Chat Completions API.
type OpenAIProvider struct {
	clientCache *clientcache.Cache[*openai.Client]
	apiKey      string
	model       string
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = openai.ChatModelGPT4o
	}
	return &OpenAIProvider{
		clientCache: clientcache.NewCache[*openai.Client](),
		apiKey:      apiKey,
		model:       model,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) client() (*openai.Client, error) {
	keyHash := sha256.Sum256([]byte(p.apiKey))
	cacheKey := fmt.Sprintf("%x", keyHash[:8])

	return p.clientCache.GetOrCreate(cacheKey, func() (*openai.Client, error) {
		fiberlog.Debugf("Creating new OpenAI client (key hash: %s)", cacheKey)
		client := openai.NewClient(openaiOption.WithAPIKey(p.apiKey))
		return &client, nil
	})
}

func (p *OpenAIProvider) Analyze(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResult, error) {
	client, err := p.client()
	if err != nil {
		return nil, models.NewProviderError(p.Name(), "failed to create client", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserMessage(req)),
		},
	}

	startTime := time.Now()
	resp, err := client.Chat.Completions.New(ctx, params)
	duration := time.Since(startTime)

	if err != nil {
		fiberlog.Errorf("OpenAI analysis request failed after %v: %v", duration, err)
		return nil, models.NewProviderError(p.Name(), "analysis request failed", err)
	}

	if len(resp.Choices) == 0 {
		return nil, models.NewProviderError(p.Name(), "empty completion response", nil)
	}

	fiberlog.Infof("OpenAI analysis completed in %v - usage: prompt:%d, completion:%d",
		duration, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	improved, explanation := parseReply(resp.Choices[0].Message.Content)
	return &models.AnalysisResult{
		ImprovedPrompt: improved,
		Explanation:    explanation,
		Provider:       p.Name(),
		Model:          p.model,
	}, nil
}
