package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/database"
	"github.com/tmarsden/leadpulse/internal/feedback"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"github.com/tmarsden/leadpulse/pkg/utils"
)

type FeedbackHandler struct {
	processor *feedback.Processor
	scorer    *scoring.Scorer
	cache     *database.Cache
	logger    *logrus.Logger
}

func NewFeedbackHandler(
	processor *feedback.Processor,
	scorer *scoring.Scorer,
	cache *database.Cache,
	logger *logrus.Logger,
) *FeedbackHandler {
	return &FeedbackHandler{
		processor: processor,
		scorer:    scorer,
		cache:     cache,
		logger:    logger,
	}
}

// modelVersion tags feedback with the model that produced the score the
// user reacted to
func (h *FeedbackHandler) modelVersion() string {
	version, err := h.scorer.ActiveVersion()
	if err != nil {
		return scoring.FallbackVersion
	}
	return version
}

// HandleFeedback records one user interaction
func (h *FeedbackHandler) HandleFeedback(c *gin.Context) {
	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid feedback format", err)
		return
	}

	event, err := h.processor.Process(&req, h.modelVersion())
	if err != nil {
		var invalid *feedback.InvalidFeedbackError
		if errors.As(err, &invalid) {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid feedback", err)
			return
		}
		h.logger.WithError(err).Error("Failed to record feedback")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to record feedback", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Feedback recorded", event)
}

// HandleSessionFeedback records a batch of interactions from one session,
// keeping only the strongest signal per lead
func (h *FeedbackHandler) HandleSessionFeedback(c *gin.Context) {
	var reqs []models.FeedbackRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid feedback format", err)
		return
	}
	if len(reqs) == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Session batch cannot be empty", nil)
		return
	}

	// Entries without a session id get one derived from the client so the
	// batch stays linked in history
	fallbackSession := utils.GenerateSessionID(c.ClientIP())
	for i := range reqs {
		if reqs[i].SessionID == "" {
			reqs[i].SessionID = fallbackSession
		}
	}

	events, err := h.processor.ProcessSession(reqs, h.modelVersion())
	if err != nil {
		var invalid *feedback.InvalidFeedbackError
		if errors.As(err, &invalid) {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid feedback", err)
			return
		}
		h.logger.WithError(err).Error("Failed to record session feedback")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to record session feedback", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Session feedback recorded", events)
}

// HandleFeedbackHistory returns all feedback for a lead, newest first
func (h *FeedbackHandler) HandleFeedbackHistory(c *gin.Context) {
	leadID := c.Param("lead_id")
	if leadID == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "lead_id is required", nil)
		return
	}

	events, err := h.processor.History(leadID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load feedback history")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to load feedback history", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Feedback history retrieved", events)
}

// HandleAnalytics aggregates feedback over a date range, cache-first
func (h *FeedbackHandler) HandleAnalytics(c *gin.Context) {
	from, to, err := parseDateRange(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid date range", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	fromKey := from.Format("2006-01-02")
	toKey := to.Format("2006-01-02")

	cached := &feedback.Analytics{}
	if err := h.cache.GetCachedFeedbackAnalytics(ctx, fromKey, toKey, cached); err == nil {
		h.logger.Debug("Feedback analytics served from cache")
		utils.SuccessResponse(c, http.StatusOK, "Analytics retrieved", cached)
		return
	}

	analytics, err := h.processor.Analytics(from, to)
	if err != nil {
		h.logger.WithError(err).Error("Failed to aggregate feedback analytics")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to aggregate analytics", err)
		return
	}

	if err := h.cache.CacheFeedbackAnalytics(ctx, fromKey, toKey, analytics, 5*time.Minute); err != nil {
		h.logger.WithError(err).Warn("Failed to cache feedback analytics")
	}

	utils.SuccessResponse(c, http.StatusOK, "Analytics retrieved", analytics)
}

func parseDateRange(c *gin.Context) (time.Time, time.Time, error) {
	const layout = "2006-01-02"

	to := time.Now()
	from := to.AddDate(0, 0, -30)

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		// Include the whole end day
		to = parsed.AddDate(0, 0, 1).Add(-time.Second)
	}
	return from, to, nil
}
