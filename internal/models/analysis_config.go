package models

// AnalysisConfig selects and configures the prompt-analysis provider.
type AnalysisConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model,omitzero" yaml:"model"`

	AnthropicAPIKey string `json:"anthropic_api_key,omitzero" yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key,omitzero" yaml:"openai_api_key"`

	// CreditsPerAnalysis is the consumption charged per successful analysis.
	CreditsPerAnalysis int64 `json:"credits_per_analysis,omitzero" yaml:"credits_per_analysis"`

	// TimeoutSeconds bounds the upstream provider call.
	TimeoutSeconds int `json:"timeout_seconds,omitzero" yaml:"timeout_seconds"`
}
