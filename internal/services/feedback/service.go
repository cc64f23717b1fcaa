package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibebetter/vibebetter-api/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const surrogatePrefix = "anon_"

// Service stores user feedback and serves the public wall.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate runs database migrations for the feedback table
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&models.Feedback{})
}

// CreateParams describes one feedback submission. UserID is empty for
// anonymous submissions.
type CreateParams struct {
	UserID      string
	Rating      int
	Category    models.FeedbackCategory
	Message     string
	Name        string
	Email       string
	AllowPublic bool
}

// Create validates and stores a feedback record. Anonymous submissions get a
// generated surrogate user ID so every row has an owner.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Feedback, error) {
	if params.Rating < 1 || params.Rating > 5 {
		return nil, models.NewValidationError("rating must be between 1 and 5", nil)
	}
	if !params.Category.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("unknown category %q", params.Category), nil)
	}
	if strings.TrimSpace(params.Message) == "" {
		return nil, models.NewValidationError("message is required", nil)
	}

	userID := params.UserID
	if userID == "" {
		userID = surrogatePrefix + uuid.New().String()
	}

	record := models.Feedback{
		UserID:      userID,
		Rating:      params.Rating,
		Category:    params.Category,
		Message:     strings.TrimSpace(params.Message),
		Name:        params.Name,
		Email:       params.Email,
		AllowPublic: params.AllowPublic,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to create feedback: %w", err)
	}

	return &record, nil
}

// ListPublic returns feedback whose authors opted into public display,
// newest first.
func (s *Service) ListPublic(ctx context.Context, limit, offset int) ([]models.Feedback, error) {
	var records []models.Feedback

	query := s.db.WithContext(ctx).
		Where("allow_public = ?", true).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list public feedback: %w", err)
	}

	return records, nil
}

// ListByUser returns a user's own feedback, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]models.Feedback, error) {
	var records []models.Feedback

	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}

	return records, nil
}
