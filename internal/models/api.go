package models

import "time"

type LeadPayload struct {
	ID           string    `json:"id" binding:"required"`
	Title        string    `json:"title" binding:"required"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	LocationName string    `json:"location_name"`
	Price        float64   `json:"price"`
	Email        string    `json:"email"`
	PostedAt     time.Time `json:"posted_at"`
}

func (p *LeadPayload) ToLead() *Lead {
	return &Lead{
		ID:           p.ID,
		Title:        p.Title,
		Description:  p.Description,
		Category:     p.Category,
		LocationName: p.LocationName,
		Price:        p.Price,
		Email:        p.Email,
		PostedAt:     p.PostedAt,
	}
}

type BatchScoreRequest struct {
	Leads []LeadPayload `json:"leads" binding:"required"`
}

type FeedbackRequest struct {
	LeadID              string   `json:"lead_id" binding:"required"`
	ActionType          string   `json:"action_type" binding:"required"`
	UserRating          *float64 `json:"user_rating"`
	InteractionDuration *int     `json:"interaction_duration"`
	ContactSuccessful   *bool    `json:"contact_successful"`
	ConversionValue     *float64 `json:"conversion_value"`
	SessionID           string   `json:"session_id"`
}

type RetrainRequest struct {
	Force           bool               `json:"force"`
	ValidationSplit float64            `json:"validation_split"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
}

type PruneRequest struct {
	KeepCount int `json:"keep_count"`
}

type VariantConfig struct {
	VariantName  string  `json:"variant_name" binding:"required"`
	ModelVersion string  `json:"model_version" binding:"required"`
	TrafficPct   float64 `json:"traffic_pct" binding:"required"`
	IsControl    bool    `json:"is_control"`
}

type CreateTestRequest struct {
	Name     string          `json:"name" binding:"required"`
	Variants []VariantConfig `json:"variants" binding:"required"`
}

type ABScoreRequest struct {
	Lead      LeadPayload `json:"lead" binding:"required"`
	StableKey string      `json:"stable_key" binding:"required"`
}

type OutcomeRequest struct {
	VariantName string   `json:"variant_name" binding:"required"`
	Converted   bool     `json:"converted"`
	Score       *float64 `json:"score"`
}

type StopTestRequest struct {
	Winner *string `json:"winner"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}
