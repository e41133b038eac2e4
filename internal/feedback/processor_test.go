package feedback

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmarsden/leadpulse/internal/models"
	"gorm.io/gorm"
)

type fakeFeedbackRepo struct {
	events []models.FeedbackEvent
}

func (f *fakeFeedbackRepo) Create(event *models.FeedbackEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeFeedbackRepo) GetByLead(leadID string) ([]models.FeedbackEvent, error) {
	var out []models.FeedbackEvent
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].LeadID == leadID {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeFeedbackRepo) GetSince(since time.Time) ([]models.FeedbackEvent, error) {
	return f.events, nil
}

func (f *fakeFeedbackRepo) CountSince(since time.Time) (int64, error) {
	return int64(len(f.events)), nil
}

func (f *fakeFeedbackRepo) ActionDistribution(from, to time.Time) (map[string]int64, error) {
	dist := map[string]int64{}
	for _, e := range f.events {
		dist[e.ActionType]++
	}
	return dist, nil
}

func (f *fakeFeedbackRepo) AverageConfidence(from, to time.Time) (float64, error) {
	if len(f.events) == 0 {
		return 0, nil
	}
	var sum float64
	for _, e := range f.events {
		sum += e.Confidence
	}
	return sum / float64(len(f.events)), nil
}

func (f *fakeFeedbackRepo) DailyCounts(from, to time.Time) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type fakeLeadRepo struct {
	leads map[string]*models.Lead
}

func (f *fakeLeadRepo) Create(lead *models.Lead) error { return f.Upsert(lead) }

func (f *fakeLeadRepo) Upsert(lead *models.Lead) error {
	f.leads[lead.ID] = lead
	return nil
}

func (f *fakeLeadRepo) GetByID(id string) (*models.Lead, error) {
	lead, ok := f.leads[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return lead, nil
}

func (f *fakeLeadRepo) GetByIDs(ids []string) ([]models.Lead, error) {
	var out []models.Lead
	for _, id := range ids {
		if lead, ok := f.leads[id]; ok {
			out = append(out, *lead)
		}
	}
	return out, nil
}

func (f *fakeLeadRepo) GetRecent(limit int) ([]models.Lead, error) { return nil, nil }

type recordingStats struct {
	outcomes []struct {
		location string
		category string
		success  bool
	}
}

func (r *recordingStats) RecordOutcome(location, category string, success bool) error {
	r.outcomes = append(r.outcomes, struct {
		location string
		category string
		success  bool
	}{location, category, success})
	return nil
}

func (r *recordingStats) LocationRate(name string) (float64, bool, error) { return 0, false, nil }
func (r *recordingStats) CategoryRate(name string) (float64, bool, error) { return 0, false, nil }
func (r *recordingStats) SegmentRate(category, location string) (float64, bool, error) {
	return 0, false, nil
}
func (r *recordingStats) GlobalRate() (float64, error) { return 0.5, nil }

func newTestProcessor() (*Processor, *fakeFeedbackRepo, *fakeLeadRepo, *recordingStats) {
	feedbackRepo := &fakeFeedbackRepo{}
	leadRepo := &fakeLeadRepo{leads: map[string]*models.Lead{}}
	stats := &recordingStats{}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewProcessor(feedbackRepo, leadRepo, stats, logger), feedbackRepo, leadRepo, stats
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }

func TestDerive_ActionMapping(t *testing.T) {
	tests := []struct {
		name       string
		req        models.FeedbackRequest
		target     float64
		confidence float64
	}{
		{
			name:       "conversion",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionConversion},
			target:     1.0,
			confidence: 1.0,
		},
		{
			name:       "rating maps to fraction",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionRating, UserRating: floatPtr(80)},
			target:     0.8,
			confidence: 1.0,
		},
		{
			name:       "successful contact",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionContact, ContactSuccessful: boolPtr(true)},
			target:     0.9,
			confidence: 0.85,
		},
		{
			name:       "failed contact",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionContact, ContactSuccessful: boolPtr(false)},
			target:     0.6,
			confidence: 0.6,
		},
		{
			name:       "contact with unknown outcome",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionContact},
			target:     0.7,
			confidence: 0.6,
		},
		{
			name:       "extended view",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionExtendedView},
			target:     0.7,
			confidence: 0.6,
		},
		{
			name:       "long view counts as extended",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionView, InteractionDuration: intPtr(400)},
			target:     0.7,
			confidence: 0.6,
		},
		{
			name:       "short view",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionView, InteractionDuration: intPtr(30)},
			target:     0.5,
			confidence: 0.45,
		},
		{
			name:       "instant dismiss",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionQuickDismiss, InteractionDuration: intPtr(5)},
			target:     0.1,
			confidence: 0.2,
		},
		{
			name:       "quick dismiss",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionQuickDismiss, InteractionDuration: intPtr(20)},
			target:     0.2,
			confidence: 0.2,
		},
		{
			name:       "slow dismiss",
			req:        models.FeedbackRequest{LeadID: "l", ActionType: models.ActionQuickDismiss, InteractionDuration: intPtr(45)},
			target:     0.3,
			confidence: 0.2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, confidence, err := Derive(&tt.req)
			require.NoError(t, err)
			assert.InDelta(t, tt.target, target, 1e-9)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
		})
	}
}

func TestDerive_InvalidFeedback(t *testing.T) {
	var invalid *InvalidFeedbackError

	_, _, err := Derive(&models.FeedbackRequest{LeadID: "l", ActionType: "teleport"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &invalid)

	_, _, err = Derive(&models.FeedbackRequest{LeadID: "l", ActionType: models.ActionRating})
	require.Error(t, err)
	assert.ErrorAs(t, err, &invalid)

	_, _, err = Derive(&models.FeedbackRequest{LeadID: "l", ActionType: models.ActionRating, UserRating: floatPtr(150)})
	require.Error(t, err)
	assert.ErrorAs(t, err, &invalid)
}

func TestProcessor_PersistsDerivedEvent(t *testing.T) {
	processor, repo, leadRepo, stats := newTestProcessor()

	leadRepo.leads["lead-1"] = &models.Lead{
		ID:           "lead-1",
		Title:        "Posting",
		Category:     "Software",
		LocationName: " San Francisco ",
	}

	event, err := processor.Process(&models.FeedbackRequest{
		LeadID:     "lead-1",
		ActionType: models.ActionConversion,
	}, "model-a")
	require.NoError(t, err)

	assert.Equal(t, 1.0, event.TargetScore)
	assert.Equal(t, 1.0, event.Confidence)
	assert.Equal(t, "model-a", event.ModelVersion)
	require.Len(t, repo.events, 1)

	// Conversions fold into the normalized aggregates
	require.Len(t, stats.outcomes, 1)
	assert.Equal(t, "san francisco", stats.outcomes[0].location)
	assert.Equal(t, "software", stats.outcomes[0].category)
	assert.True(t, stats.outcomes[0].success)
}

func TestProcessor_RejectsInvalidWithoutPersisting(t *testing.T) {
	processor, repo, _, _ := newTestProcessor()

	_, err := processor.Process(&models.FeedbackRequest{
		LeadID:     "lead-1",
		ActionType: "nonsense",
	}, "model-a")
	require.Error(t, err)
	assert.Empty(t, repo.events)
}

func TestProcessor_WeakSignalsSkipAggregates(t *testing.T) {
	processor, _, leadRepo, stats := newTestProcessor()
	leadRepo.leads["lead-1"] = &models.Lead{ID: "lead-1", Title: "Posting", Category: "software"}

	_, err := processor.Process(&models.FeedbackRequest{
		LeadID:     "lead-1",
		ActionType: models.ActionView,
	}, "model-a")
	require.NoError(t, err)
	assert.Empty(t, stats.outcomes)
}

func TestProcessor_QuickDismissCountsAsFailure(t *testing.T) {
	processor, _, leadRepo, stats := newTestProcessor()
	leadRepo.leads["lead-1"] = &models.Lead{ID: "lead-1", Title: "Posting", Category: "software", LocationName: "Austin"}

	_, err := processor.Process(&models.FeedbackRequest{
		LeadID:              "lead-1",
		ActionType:          models.ActionQuickDismiss,
		InteractionDuration: intPtr(5),
	}, "model-a")
	require.NoError(t, err)

	require.Len(t, stats.outcomes, 1)
	assert.False(t, stats.outcomes[0].success)
}

func TestProcessor_SessionKeepsStrongestSignalPerLead(t *testing.T) {
	processor, repo, _, _ := newTestProcessor()

	reqs := []models.FeedbackRequest{
		{LeadID: "lead-1", ActionType: models.ActionView, InteractionDuration: intPtr(20)},
		{LeadID: "lead-1", ActionType: models.ActionConversion},
		{LeadID: "lead-2", ActionType: models.ActionQuickDismiss, InteractionDuration: intPtr(5)},
	}

	events, err := processor.ProcessSession(reqs, "model-a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Len(t, repo.events, 2)

	// The conversion wins over the weak view for lead-1
	assert.Equal(t, "lead-1", events[0].LeadID)
	assert.Equal(t, models.ActionConversion, events[0].ActionType)
	assert.Equal(t, 1.0, events[0].TargetScore)

	assert.Equal(t, "lead-2", events[1].LeadID)
	assert.Equal(t, 0.1, events[1].TargetScore)
}

func TestProcessor_SessionTieBreaksOnTarget(t *testing.T) {
	processor, _, _, _ := newTestProcessor()

	// Same confidence (medium); extended view target 0.7 beats contact-failed 0.6
	reqs := []models.FeedbackRequest{
		{LeadID: "lead-1", ActionType: models.ActionContact, ContactSuccessful: boolPtr(false)},
		{LeadID: "lead-1", ActionType: models.ActionExtendedView},
	}

	events, err := processor.ProcessSession(reqs, "model-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0.7, events[0].TargetScore)
}

func TestProcessor_SessionRejectsBatchWithInvalidEntry(t *testing.T) {
	processor, repo, _, _ := newTestProcessor()

	reqs := []models.FeedbackRequest{
		{LeadID: "lead-1", ActionType: models.ActionConversion},
		{LeadID: "lead-2", ActionType: "nonsense"},
	}

	_, err := processor.ProcessSession(reqs, "model-a")
	require.Error(t, err)
	assert.Empty(t, repo.events)
}

func TestProcessor_Analytics(t *testing.T) {
	processor, _, _, _ := newTestProcessor()

	_, err := processor.Process(&models.FeedbackRequest{LeadID: "l1", ActionType: models.ActionConversion}, "m")
	require.NoError(t, err)
	_, err = processor.Process(&models.FeedbackRequest{LeadID: "l2", ActionType: models.ActionExtendedView}, "m")
	require.NoError(t, err)

	analytics, err := processor.Analytics(time.Now().AddDate(0, 0, -1), time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(2), analytics.Total)
	assert.Equal(t, int64(1), analytics.ActionDistribution[models.ActionConversion])
	assert.InDelta(t, 0.8, analytics.AverageConfidence, 1e-9)
}
