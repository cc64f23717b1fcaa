package models

import "time"

type FeedbackCategory string

const (
	FeedbackCategoryBug     FeedbackCategory = "bug"
	FeedbackCategoryFeature FeedbackCategory = "feature"
	FeedbackCategoryGeneral FeedbackCategory = "general"
	FeedbackCategoryPraise  FeedbackCategory = "praise"
)

// FeedbackCategories lists the accepted category values.
var FeedbackCategories = []FeedbackCategory{
	FeedbackCategoryBug,
	FeedbackCategoryFeature,
	FeedbackCategoryGeneral,
	FeedbackCategoryPraise,
}

func (c FeedbackCategory) Valid() bool {
	for _, known := range FeedbackCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Feedback is a user-submitted rating. Anonymous submissions get a generated
// surrogate UserID so the row always has an owner.
type Feedback struct {
	ID          uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      string           `gorm:"index;not null" json:"user_id"`
	Rating      int              `gorm:"not null" json:"rating"`
	Category    FeedbackCategory `gorm:"not null" json:"category"`
	Message     string           `gorm:"not null" json:"message"`
	Name        string           `json:"name,omitzero"`
	Email       string           `json:"email,omitzero"`
	AllowPublic bool             `gorm:"index" json:"allow_public"`
	CreatedAt   time.Time        `gorm:"not null;autoCreateTime;index" json:"created_at"`
}
