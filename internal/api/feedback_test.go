package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vibebetter/vibebetter-api/internal/services/feedback"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newFeedbackApp(t *testing.T) *fiber.App {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	svc := feedback.NewService(db)
	require.NoError(t, svc.AutoMigrate())

	handler := NewFeedbackHandler(svc)

	app := fiber.New()
	app.Post("/feedback", handler.SubmitFeedback)
	app.Get("/feedback", handler.ListFeedback)
	return app
}

func TestSubmitFeedbackAnonymous(t *testing.T) {
	app := newFeedbackApp(t)

	body := `{"rating": 4, "category": "general", "message": "pretty good", "allow_public": true}`
	req := httptest.NewRequest("POST", "/feedback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created struct {
		UserID string `json:"user_id"`
		Rating int    `json:"rating"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, 4, created.Rating)
	assert.True(t, strings.HasPrefix(created.UserID, "anon_"))
}

func TestSubmitFeedbackRejectsBadRating(t *testing.T) {
	app := newFeedbackApp(t)

	body := `{"rating": 9, "category": "general", "message": "nope"}`
	req := httptest.NewRequest("POST", "/feedback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestListFeedbackOnlyPublic(t *testing.T) {
	app := newFeedbackApp(t)

	for _, body := range []string{
		`{"rating": 5, "category": "praise", "message": "public note", "name": "Sam", "email": "sam@example.com", "allow_public": true}`,
		`{"rating": 2, "category": "bug", "message": "private note"}`,
	} {
		req := httptest.NewRequest("POST", "/feedback", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/feedback", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var listed struct {
		Feedback []map[string]any `json:"feedback"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Feedback, 1)

	entry := listed.Feedback[0]
	assert.Equal(t, "public note", entry["message"])
	assert.Equal(t, "Sam", entry["name"])

	// The wall is unauthenticated; submitter identity must never leak.
	assert.NotContains(t, entry, "user_id")
	assert.NotContains(t, entry, "email")
	assert.NotContains(t, entry, "allow_public")
}
