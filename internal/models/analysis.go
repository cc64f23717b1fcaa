package models

import "time"

// AnalysisRequest is one prompt-improvement request.
type AnalysisRequest struct {
	Prompt   string `json:"prompt"`
	Language string `json:"language,omitzero"`
	Goal     string `json:"goal,omitzero"`
}

// AnalysisResult is the provider's structured answer.
type AnalysisResult struct {
	ImprovedPrompt string `json:"improved_prompt"`
	Explanation    string `json:"explanation"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Cached         bool   `json:"cached"`
}

// AnalysisRecord persists a completed analysis for later retrieval.
type AnalysisRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         string    `gorm:"index;not null" json:"user_id"`
	Prompt         string    `gorm:"not null" json:"prompt"`
	Language       string    `json:"language,omitzero"`
	ImprovedPrompt string    `json:"improved_prompt"`
	Explanation    string    `json:"explanation"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	CreditsSpent   int64     `json:"credits_spent"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime;index" json:"created_at"`
}
