package feedback

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/models"
	"gorm.io/gorm"
)

// InvalidFeedbackError rejects malformed feedback at the boundary; nothing
// invalid is ever persisted.
type InvalidFeedbackError struct {
	Reason string
}

func (e *InvalidFeedbackError) Error() string {
	return fmt.Sprintf("invalid feedback: %s", e.Reason)
}

// Confidence weights by signal strength
const (
	confidenceCertain   = 1.0
	confidenceHigh      = 0.85
	confidenceMedium    = 0.6
	confidenceLowMedium = 0.45
	confidenceLow       = 0.2
)

const (
	extendedViewSeconds = 300
	normalViewSeconds   = 120
)

// Processor converts discrete user interactions into continuous training
// targets with confidence weights and persists them as feedback events.
type Processor struct {
	feedback models.FeedbackRepository
	leads    models.LeadRepository
	stats    models.StatsRepository
	logger   *logrus.Logger
}

func NewProcessor(feedback models.FeedbackRepository, leads models.LeadRepository, stats models.StatsRepository, logger *logrus.Logger) *Processor {
	return &Processor{
		feedback: feedback,
		leads:    leads,
		stats:    stats,
		logger:   logger,
	}
}

// Derive maps an interaction to its (target, confidence) pair without
// persisting anything. The mapping is deterministic.
func Derive(req *models.FeedbackRequest) (target, confidence float64, err error) {
	switch req.ActionType {
	case models.ActionConversion:
		return 1.0, confidenceCertain, nil

	case models.ActionRating:
		if req.UserRating == nil {
			return 0, 0, &InvalidFeedbackError{Reason: "rating action requires user_rating"}
		}
		if *req.UserRating < 0 || *req.UserRating > 100 {
			return 0, 0, &InvalidFeedbackError{Reason: fmt.Sprintf("user_rating %.1f out of range [0,100]", *req.UserRating)}
		}
		return *req.UserRating / 100, confidenceCertain, nil

	case models.ActionContact:
		if req.ContactSuccessful != nil {
			if *req.ContactSuccessful {
				return 0.9, confidenceHigh, nil
			}
			return 0.6, confidenceMedium, nil
		}
		// Attempt with unknown outcome
		return 0.7, confidenceMedium, nil

	case models.ActionExtendedView:
		return 0.7, confidenceMedium, nil

	case models.ActionView:
		if req.InteractionDuration != nil && *req.InteractionDuration >= extendedViewSeconds {
			return 0.7, confidenceMedium, nil
		}
		return 0.5, confidenceLowMedium, nil

	case models.ActionQuickDismiss:
		// Faster dismissals are stronger negative signals
		target := 0.3
		if req.InteractionDuration != nil {
			switch {
			case *req.InteractionDuration < 10:
				target = 0.1
			case *req.InteractionDuration < 30:
				target = 0.2
			}
		}
		return target, confidenceLow, nil

	default:
		return 0, 0, &InvalidFeedbackError{Reason: fmt.Sprintf("unknown action type %q", req.ActionType)}
	}
}

// Process validates, derives and persists one feedback event. modelVersion
// records which model produced the score the user reacted to.
func (p *Processor) Process(req *models.FeedbackRequest, modelVersion string) (*models.FeedbackEvent, error) {
	target, confidence, err := Derive(req)
	if err != nil {
		return nil, err
	}

	event := &models.FeedbackEvent{
		LeadID:              req.LeadID,
		ActionType:          req.ActionType,
		UserRating:          req.UserRating,
		InteractionDuration: req.InteractionDuration,
		ContactSuccessful:   req.ContactSuccessful,
		ConversionValue:     req.ConversionValue,
		SessionID:           req.SessionID,
		TargetScore:         target,
		Confidence:          confidence,
		ModelVersion:        modelVersion,
	}

	if err := p.feedback.Create(event); err != nil {
		return nil, fmt.Errorf("failed to persist feedback event: %w", err)
	}

	p.foldIntoAggregates(event)

	p.logger.WithFields(logrus.Fields{
		"lead_id":     event.LeadID,
		"action_type": event.ActionType,
		"target":      event.TargetScore,
		"confidence":  event.Confidence,
	}).Debug("Feedback event recorded")

	return event, nil
}

// ProcessSession aggregates a batch of interactions from one session. For
// each lead only the strongest signal is persisted: highest confidence,
// ties broken by highest target. Strong signals are never diluted by
// averaging with weak ones.
func (p *Processor) ProcessSession(reqs []models.FeedbackRequest, modelVersion string) ([]models.FeedbackEvent, error) {
	type derived struct {
		req        models.FeedbackRequest
		target     float64
		confidence float64
	}

	strongest := make(map[string]derived)
	var order []string

	for i := range reqs {
		target, confidence, err := Derive(&reqs[i])
		if err != nil {
			return nil, err
		}

		cur, seen := strongest[reqs[i].LeadID]
		if !seen {
			order = append(order, reqs[i].LeadID)
		}
		if !seen || confidence > cur.confidence ||
			(confidence == cur.confidence && target > cur.target) {
			strongest[reqs[i].LeadID] = derived{req: reqs[i], target: target, confidence: confidence}
		}
	}

	events := make([]models.FeedbackEvent, 0, len(order))
	for _, leadID := range order {
		d := strongest[leadID]
		event, err := p.Process(&d.req, modelVersion)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, nil
}

// foldIntoAggregates updates the historical success-rate tables the feature
// extractor reads. Only decisive outcomes move the aggregates.
func (p *Processor) foldIntoAggregates(event *models.FeedbackEvent) {
	var success bool
	switch {
	case event.ActionType == models.ActionConversion:
		success = true
	case event.ActionType == models.ActionContact && event.ContactSuccessful != nil && *event.ContactSuccessful:
		success = true
	case event.ActionType == models.ActionQuickDismiss:
		success = false
	default:
		return
	}

	lead, err := p.leads.GetByID(event.LeadID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p.logger.WithField("lead_id", event.LeadID).Debug("Lead not stored, skipping aggregate update")
		return
	}
	if err != nil {
		p.logger.WithError(err).Warn("Failed to load lead for aggregate update")
		return
	}

	location := strings.ToLower(strings.TrimSpace(lead.LocationName))
	category := strings.ToLower(strings.TrimSpace(lead.Category))
	if err := p.stats.RecordOutcome(location, category, success); err != nil {
		p.logger.WithError(err).Warn("Failed to update historical aggregates")
	}
}

// History returns all feedback recorded for a lead, newest first
func (p *Processor) History(leadID string) ([]models.FeedbackEvent, error) {
	return p.feedback.GetByLead(leadID)
}

// Analytics aggregates feedback over a date range
type Analytics struct {
	From               time.Time        `json:"from"`
	To                 time.Time        `json:"to"`
	Total              int64            `json:"total"`
	ActionDistribution map[string]int64 `json:"action_distribution"`
	AverageConfidence  float64          `json:"average_confidence"`
	DailyTrend         map[string]int64 `json:"daily_trend"`
}

func (p *Processor) Analytics(from, to time.Time) (*Analytics, error) {
	distribution, err := p.feedback.ActionDistribution(from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate action distribution: %w", err)
	}

	avgConfidence, err := p.feedback.AverageConfidence(from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to compute average confidence: %w", err)
	}

	trend, err := p.feedback.DailyCounts(from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to compute daily trend: %w", err)
	}

	var total int64
	for _, count := range distribution {
		total += count
	}

	return &Analytics{
		From:               from,
		To:                 to,
		Total:              total,
		ActionDistribution: distribution,
		AverageConfidence:  avgConfidence,
		DailyTrend:         trend,
	}, nil
}
