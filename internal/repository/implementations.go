package repository

import (
	"fmt"
	"time"

	"github.com/tmarsden/leadpulse/internal/models"
	"gorm.io/gorm"
)

// LeadRepositoryImpl implements LeadRepository
type LeadRepositoryImpl struct {
	db *gorm.DB
}

func NewLeadRepository(db *gorm.DB) models.LeadRepository {
	return &LeadRepositoryImpl{db: db}
}

func (r *LeadRepositoryImpl) Create(lead *models.Lead) error {
	return r.db.Create(lead).Error
}

func (r *LeadRepositoryImpl) Upsert(lead *models.Lead) error {
	return r.db.Exec(`
		INSERT INTO leads (id, title, description, category, location_name, price, email, posted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW())
		ON CONFLICT (id) DO NOTHING
	`, lead.ID, lead.Title, lead.Description, lead.Category, lead.LocationName, lead.Price, lead.Email, lead.PostedAt).Error
}

func (r *LeadRepositoryImpl) GetByID(id string) (*models.Lead, error) {
	var lead models.Lead
	err := r.db.First(&lead, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (r *LeadRepositoryImpl) GetByIDs(ids []string) ([]models.Lead, error) {
	var leads []models.Lead
	err := r.db.Where("id IN ?", ids).Find(&leads).Error
	return leads, err
}

func (r *LeadRepositoryImpl) GetRecent(limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := r.db.Order("posted_at DESC").
		Limit(limit).
		Find(&leads).Error
	return leads, err
}

// FeedbackRepositoryImpl implements FeedbackRepository
type FeedbackRepositoryImpl struct {
	db *gorm.DB
}

func NewFeedbackRepository(db *gorm.DB) models.FeedbackRepository {
	return &FeedbackRepositoryImpl{db: db}
}

func (r *FeedbackRepositoryImpl) Create(event *models.FeedbackEvent) error {
	return r.db.Create(event).Error
}

func (r *FeedbackRepositoryImpl) GetByLead(leadID string) ([]models.FeedbackEvent, error) {
	var events []models.FeedbackEvent
	err := r.db.Where("lead_id = ?", leadID).
		Order("created_at DESC").
		Find(&events).Error
	return events, err
}

func (r *FeedbackRepositoryImpl) GetSince(since time.Time) ([]models.FeedbackEvent, error) {
	var events []models.FeedbackEvent
	err := r.db.Where("created_at > ?", since).
		Order("created_at").
		Find(&events).Error
	return events, err
}

func (r *FeedbackRepositoryImpl) CountSince(since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.FeedbackEvent{}).
		Where("created_at > ?", since).
		Count(&count).Error
	return count, err
}

func (r *FeedbackRepositoryImpl) ActionDistribution(from, to time.Time) (map[string]int64, error) {
	rows := []struct {
		ActionType string
		Count      int64
	}{}
	err := r.db.Model(&models.FeedbackEvent{}).
		Select("action_type, COUNT(*) as count").
		Where("created_at BETWEEN ? AND ?", from, to).
		Group("action_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	distribution := make(map[string]int64, len(rows))
	for _, row := range rows {
		distribution[row.ActionType] = row.Count
	}
	return distribution, nil
}

func (r *FeedbackRepositoryImpl) AverageConfidence(from, to time.Time) (float64, error) {
	var avg *float64
	err := r.db.Model(&models.FeedbackEvent{}).
		Select("AVG(confidence)").
		Where("created_at BETWEEN ? AND ?", from, to).
		Scan(&avg).Error
	if err != nil || avg == nil {
		return 0, err
	}
	return *avg, nil
}

func (r *FeedbackRepositoryImpl) DailyCounts(from, to time.Time) (map[string]int64, error) {
	rows := []struct {
		Day   time.Time
		Count int64
	}{}
	err := r.db.Raw(`
		SELECT DATE_TRUNC('day', created_at) AS day, COUNT(*) AS count
		FROM feedback_events
		WHERE created_at BETWEEN ? AND ?
		GROUP BY day
		ORDER BY day
	`, from, to).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Day.Format("2006-01-02")] = row.Count
	}
	return counts, nil
}

// ModelVersionRepositoryImpl implements ModelVersionRepository
type ModelVersionRepositoryImpl struct {
	db *gorm.DB
}

func NewModelVersionRepository(db *gorm.DB) models.ModelVersionRepository {
	return &ModelVersionRepositoryImpl{db: db}
}

func (r *ModelVersionRepositoryImpl) Create(version *models.ModelVersion) error {
	return r.db.Create(version).Error
}

func (r *ModelVersionRepositoryImpl) GetActive() (*models.ModelVersion, error) {
	var version models.ModelVersion
	err := r.db.Where("is_active = ?", true).First(&version).Error
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func (r *ModelVersionRepositoryImpl) GetByVersion(version string) (*models.ModelVersion, error) {
	var mv models.ModelVersion
	err := r.db.Where("version = ?", version).First(&mv).Error
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func (r *ModelVersionRepositoryImpl) List(limit int) ([]models.ModelVersion, error) {
	var versions []models.ModelVersion
	err := r.db.Omit("artifact").
		Order("created_at DESC").
		Limit(limit).
		Find(&versions).Error
	return versions, err
}

// Activate flips the active flag to the given version in one transaction, so
// the exactly-one-active invariant holds at every commit point.
func (r *ModelVersionRepositoryImpl) Activate(version string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var mv models.ModelVersion
		if err := tx.Where("version = ?", version).First(&mv).Error; err != nil {
			return fmt.Errorf("model version %s not found: %w", version, err)
		}

		if err := tx.Model(&models.ModelVersion{}).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}

		return tx.Model(&models.ModelVersion{}).
			Where("version = ?", version).
			Update("is_active", true).Error
	})
}

func (r *ModelVersionRepositoryImpl) BestF1() (float64, error) {
	var best *float64
	err := r.db.Model(&models.ModelVersion{}).
		Select("MAX(f1)").
		Scan(&best).Error
	if err != nil || best == nil {
		return 0, err
	}
	return *best, nil
}

// Prune deletes all but the keepCount most recent versions; the active
// version is always kept regardless of age.
func (r *ModelVersionRepositoryImpl) Prune(keepCount int) (int, error) {
	result := r.db.Exec(`
		DELETE FROM model_versions
		WHERE is_active = false
		AND id NOT IN (
			SELECT id FROM model_versions ORDER BY created_at DESC LIMIT ?
		)
	`, keepCount)
	return int(result.RowsAffected), result.Error
}

// ABTestRepositoryImpl implements ABTestRepository
type ABTestRepositoryImpl struct {
	db *gorm.DB
}

func NewABTestRepository(db *gorm.DB) models.ABTestRepository {
	return &ABTestRepositoryImpl{db: db}
}

func (r *ABTestRepositoryImpl) CreateWithVariants(test *models.ABTest) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(test).Error
	})
}

func (r *ABTestRepositoryImpl) GetByName(name string) (*models.ABTest, error) {
	var test models.ABTest
	err := r.db.Preload("Variants").
		Where("name = ?", name).
		First(&test).Error
	if err != nil {
		return nil, err
	}
	return &test, nil
}

func (r *ABTestRepositoryImpl) ListActive() ([]models.ABTest, error) {
	var tests []models.ABTest
	err := r.db.Preload("Variants").
		Where("active = ?", true).
		Find(&tests).Error
	return tests, err
}

// IncrementOutcome updates variant aggregates with single-statement atomic
// increments, so concurrent outcome writes never lose counts.
func (r *ABTestRepositoryImpl) IncrementOutcome(testID uint, variantName string, converted bool, score float64) error {
	conversion := 0
	if converted {
		conversion = 1
	}
	result := r.db.Exec(`
		UPDATE ab_test_variants
		SET samples = samples + 1,
			conversions = conversions + ?,
			score_sum = score_sum + ?,
			updated_at = NOW()
		WHERE test_id = ? AND name = ?
	`, conversion, score, testID, variantName)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("variant %s not found for test %d", variantName, testID)
	}
	return nil
}

func (r *ABTestRepositoryImpl) RecordAssignment(assignment *models.ABAssignment) error {
	return r.db.Exec(`
		INSERT INTO ab_assignments (test_name, stable_key, variant_name, lead_id, score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NOW(), NOW())
		ON CONFLICT (test_name, stable_key)
		DO UPDATE SET lead_id = EXCLUDED.lead_id, score = EXCLUDED.score, updated_at = NOW()
	`, assignment.TestName, assignment.StableKey, assignment.VariantName, assignment.LeadID, assignment.Score).Error
}

func (r *ABTestRepositoryImpl) GetAssignment(testName, stableKey string) (*models.ABAssignment, error) {
	var assignment models.ABAssignment
	err := r.db.Where("test_name = ? AND stable_key = ?", testName, stableKey).
		First(&assignment).Error
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

func (r *ABTestRepositoryImpl) Stop(name string, winner *string) error {
	return r.db.Model(&models.ABTest{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"active":     false,
			"stopped_at": time.Now(),
			"winner":     winner,
		}).Error
}

// StatsRepositoryImpl implements StatsRepository
type StatsRepositoryImpl struct {
	db *gorm.DB
}

func NewStatsRepository(db *gorm.DB) models.StatsRepository {
	return &StatsRepositoryImpl{db: db}
}

// RecordOutcome folds one observed outcome into the location, category and
// segment aggregates the feature extractor reads.
func (r *StatsRepositoryImpl) RecordOutcome(location, category string, success bool) error {
	win := 0
	if success {
		win = 1
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if location != "" {
			if err := tx.Exec(`
				INSERT INTO location_stats (name, samples, successes, created_at, updated_at)
				VALUES (?, 1, ?, NOW(), NOW())
				ON CONFLICT (name)
				DO UPDATE SET
					samples = location_stats.samples + 1,
					successes = location_stats.successes + ?,
					updated_at = NOW()
			`, location, win, win).Error; err != nil {
				return err
			}
		}

		if category != "" {
			if err := tx.Exec(`
				INSERT INTO category_stats (name, samples, successes, created_at, updated_at)
				VALUES (?, 1, ?, NOW(), NOW())
				ON CONFLICT (name)
				DO UPDATE SET
					samples = category_stats.samples + 1,
					successes = category_stats.successes + ?,
					updated_at = NOW()
			`, category, win, win).Error; err != nil {
				return err
			}
		}

		if location != "" && category != "" {
			return tx.Exec(`
				INSERT INTO segment_stats (category, location, samples, successes, created_at, updated_at)
				VALUES (?, ?, 1, ?, NOW(), NOW())
				ON CONFLICT (category, location)
				DO UPDATE SET
					samples = segment_stats.samples + 1,
					successes = segment_stats.successes + ?,
					updated_at = NOW()
			`, category, location, win, win).Error
		}
		return nil
	})
}

func (r *StatsRepositoryImpl) LocationRate(name string) (float64, bool, error) {
	var stat models.LocationStat
	err := r.db.Where("name = ?", name).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return stat.SuccessRate(), stat.Samples > 0, nil
}

func (r *StatsRepositoryImpl) CategoryRate(name string) (float64, bool, error) {
	var stat models.CategoryStat
	err := r.db.Where("name = ?", name).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return stat.SuccessRate(), stat.Samples > 0, nil
}

func (r *StatsRepositoryImpl) SegmentRate(category, location string) (float64, bool, error) {
	var stat models.SegmentStat
	err := r.db.Where("category = ? AND location = ?", category, location).First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return stat.SuccessRate(), stat.Samples > 0, nil
}

func (r *StatsRepositoryImpl) GlobalRate() (float64, error) {
	var row struct {
		Samples   int64
		Successes int64
	}
	err := r.db.Raw(`
		SELECT COALESCE(SUM(samples), 0) AS samples, COALESCE(SUM(successes), 0) AS successes
		FROM category_stats
	`).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.Samples == 0 {
		return 0.5, nil
	}
	return float64(row.Successes) / float64(row.Samples), nil
}

// RepositoryManager bundles all repositories
type RepositoryManager struct {
	Lead         models.LeadRepository
	Feedback     models.FeedbackRepository
	ModelVersion models.ModelVersionRepository
	ABTest       models.ABTestRepository
	Stats        models.StatsRepository
}

func NewRepositoryManager(db *gorm.DB) *RepositoryManager {
	return &RepositoryManager{
		Lead:         NewLeadRepository(db),
		Feedback:     NewFeedbackRepository(db),
		ModelVersion: NewModelVersionRepository(db),
		ABTest:       NewABTestRepository(db),
		Stats:        NewStatsRepository(db),
	}
}
