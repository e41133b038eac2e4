package models

// GORM models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JSONMap stores hyperparameters and other small maps as a JSON column
type JSONMap map[string]float64

func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	switch v := value.(type) {
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
}

// Base model with common fields
type BaseModel struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lead is an immutable snapshot of a lead's raw attributes. Owned by the
// ingestion system; this service only reads it.
type Lead struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	Title        string    `json:"title" gorm:"not null"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	LocationName string    `json:"location_name"`
	Price        float64   `json:"price"`
	Email        string    `json:"email"`
	PostedAt     time.Time `json:"posted_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Feedback action types
const (
	ActionConversion   = "conversion"
	ActionRating       = "rating"
	ActionContact      = "contact"
	ActionExtendedView = "extended_view"
	ActionView         = "view"
	ActionQuickDismiss = "quick_dismiss"
)

// FeedbackEvent is an append-only record of a user interaction, with the
// derived training target and confidence weight.
type FeedbackEvent struct {
	ID                  uint      `json:"id" gorm:"primaryKey"`
	LeadID              string    `json:"lead_id" gorm:"not null;index"`
	ActionType          string    `json:"action_type" gorm:"not null"`
	UserRating          *float64  `json:"user_rating"`
	InteractionDuration *int      `json:"interaction_duration"`
	ContactSuccessful   *bool     `json:"contact_successful"`
	ConversionValue     *float64  `json:"conversion_value"`
	SessionID           string    `json:"session_id" gorm:"index"`
	TargetScore         float64   `json:"target_score" gorm:"not null"`
	Confidence          float64   `json:"confidence" gorm:"not null"`
	ModelVersion        string    `json:"model_version"`
	CreatedAt           time.Time `json:"created_at" gorm:"index"`
}

// ModelVersion holds the metadata and serialized artifact of one trained
// classifier. Exactly one row has is_active = true at any time.
type ModelVersion struct {
	BaseModel
	Version           string  `json:"version" gorm:"unique;not null"`
	Hyperparameters   JSONMap `json:"hyperparameters" gorm:"type:jsonb"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1                float64 `json:"f1"`
	AUC               float64 `json:"auc"`
	ConversionRate    float64 `json:"conversion_rate"`
	TrainingSamples   int     `json:"training_samples"`
	ValidationSamples int     `json:"validation_samples"`
	SchemaVersion     string  `json:"schema_version" gorm:"not null"`
	IsActive          bool    `json:"is_active" gorm:"default:false;index"`
	Artifact          []byte  `json:"-" gorm:"type:bytea"`
}

// ABTest represents one experiment comparing model versions
type ABTest struct {
	BaseModel
	Name      string          `json:"name" gorm:"unique;not null"`
	Active    bool            `json:"active" gorm:"default:true"`
	StoppedAt *time.Time      `json:"stopped_at"`
	Winner    *string         `json:"winner"`
	Variants  []ABTestVariant `json:"variants" gorm:"foreignKey:TestID"`
}

// ABTestVariant binds a model version to a slice of experiment traffic and
// accumulates its outcome aggregates.
type ABTestVariant struct {
	BaseModel
	TestID       uint    `json:"test_id" gorm:"not null;index"`
	Name         string  `json:"name" gorm:"not null"`
	ModelVersion string  `json:"model_version" gorm:"not null"`
	TrafficPct   float64 `json:"traffic_pct" gorm:"not null"`
	IsControl    bool    `json:"is_control" gorm:"default:false"`
	Samples      int64   `json:"samples" gorm:"default:0"`
	Conversions  int64   `json:"conversions" gorm:"default:0"`
	ScoreSum     float64 `json:"score_sum" gorm:"default:0"`
}

// ABAssignment links a scored key to the variant that served it
type ABAssignment struct {
	BaseModel
	TestName    string `json:"test_name" gorm:"not null;index:idx_assignment,unique"`
	StableKey   string `json:"stable_key" gorm:"not null;index:idx_assignment,unique"`
	VariantName string `json:"variant_name" gorm:"not null"`
	LeadID      string `json:"lead_id"`
	Score       int    `json:"score"`
}

// Historical aggregate rows read by the feature extractor

type LocationStat struct {
	BaseModel
	Name      string `json:"name" gorm:"unique;not null"`
	Samples   int64  `json:"samples" gorm:"default:0"`
	Successes int64  `json:"successes" gorm:"default:0"`
}

type CategoryStat struct {
	BaseModel
	Name      string `json:"name" gorm:"unique;not null"`
	Samples   int64  `json:"samples" gorm:"default:0"`
	Successes int64  `json:"successes" gorm:"default:0"`
}

// SegmentStat buckets historical outcomes by (category, location)
type SegmentStat struct {
	BaseModel
	Category  string `json:"category" gorm:"not null;index:idx_segment,unique"`
	Location  string `json:"location" gorm:"not null;index:idx_segment,unique"`
	Samples   int64  `json:"samples" gorm:"default:0"`
	Successes int64  `json:"successes" gorm:"default:0"`
}

func rate(successes, samples int64) float64 {
	if samples == 0 {
		return 0
	}
	return float64(successes) / float64(samples)
}

func (s *LocationStat) SuccessRate() float64 { return rate(s.Successes, s.Samples) }
func (s *CategoryStat) SuccessRate() float64 { return rate(s.Successes, s.Samples) }
func (s *SegmentStat) SuccessRate() float64  { return rate(s.Successes, s.Samples) }

// Database interfaces for repository pattern

type LeadRepository interface {
	Create(lead *Lead) error
	Upsert(lead *Lead) error
	GetByID(id string) (*Lead, error)
	GetByIDs(ids []string) ([]Lead, error)
	GetRecent(limit int) ([]Lead, error)
}

type FeedbackRepository interface {
	Create(event *FeedbackEvent) error
	GetByLead(leadID string) ([]FeedbackEvent, error)
	GetSince(since time.Time) ([]FeedbackEvent, error)
	CountSince(since time.Time) (int64, error)
	ActionDistribution(from, to time.Time) (map[string]int64, error)
	AverageConfidence(from, to time.Time) (float64, error)
	DailyCounts(from, to time.Time) (map[string]int64, error)
}

type ModelVersionRepository interface {
	Create(version *ModelVersion) error
	GetActive() (*ModelVersion, error)
	GetByVersion(version string) (*ModelVersion, error)
	List(limit int) ([]ModelVersion, error)
	Activate(version string) error
	BestF1() (float64, error)
	Prune(keepCount int) (int, error)
}

type ABTestRepository interface {
	CreateWithVariants(test *ABTest) error
	GetByName(name string) (*ABTest, error)
	ListActive() ([]ABTest, error)
	IncrementOutcome(testID uint, variantName string, converted bool, score float64) error
	RecordAssignment(assignment *ABAssignment) error
	GetAssignment(testName, stableKey string) (*ABAssignment, error)
	Stop(name string, winner *string) error
}

type StatsRepository interface {
	RecordOutcome(location, category string, success bool) error
	LocationRate(name string) (float64, bool, error)
	CategoryRate(name string) (float64, bool, error)
	SegmentRate(category, location string) (float64, bool, error)
	GlobalRate() (float64, error)
}

// TableName methods for custom table names
func (Lead) TableName() string          { return "leads" }
func (FeedbackEvent) TableName() string { return "feedback_events" }
func (ModelVersion) TableName() string  { return "model_versions" }
func (ABTest) TableName() string        { return "ab_tests" }
func (ABTestVariant) TableName() string { return "ab_test_variants" }
func (ABAssignment) TableName() string  { return "ab_assignments" }
func (LocationStat) TableName() string  { return "location_stats" }
func (CategoryStat) TableName() string  { return "category_stats" }
func (SegmentStat) TableName() string   { return "segment_stats" }

// Model validation methods

func (l *Lead) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("lead id is required")
	}
	if l.Title == "" {
		return fmt.Errorf("lead title is required")
	}
	return nil
}

func (e *FeedbackEvent) Validate() error {
	if e.LeadID == "" {
		return fmt.Errorf("lead ID is required")
	}
	validActions := map[string]bool{
		ActionConversion:   true,
		ActionRating:       true,
		ActionContact:      true,
		ActionExtendedView: true,
		ActionView:         true,
		ActionQuickDismiss: true,
	}
	if !validActions[e.ActionType] {
		return fmt.Errorf("invalid action type: %s", e.ActionType)
	}
	if e.TargetScore < 0 || e.TargetScore > 1 {
		return fmt.Errorf("target score out of range: %f", e.TargetScore)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %f", e.Confidence)
	}
	return nil
}

func (v *ModelVersion) Validate() error {
	if v.Version == "" {
		return fmt.Errorf("model version identifier is required")
	}
	if v.SchemaVersion == "" {
		return fmt.Errorf("feature schema version is required")
	}
	return nil
}

// GORM hooks
func (l *Lead) BeforeCreate(tx *gorm.DB) error {
	return l.Validate()
}

func (e *FeedbackEvent) BeforeCreate(tx *gorm.DB) error {
	return e.Validate()
}

func (v *ModelVersion) BeforeCreate(tx *gorm.DB) error {
	return v.Validate()
}
