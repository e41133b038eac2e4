package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/database"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/repository"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"github.com/tmarsden/leadpulse/pkg/utils"
)

const maxBatchSize = 500

type ScoringHandler struct {
	scorer      *scoring.Scorer
	repoManager *repository.RepositoryManager
	cache       *database.Cache
	cacheTTL    time.Duration
	logger      *logrus.Logger
}

func NewScoringHandler(
	scorer *scoring.Scorer,
	repoManager *repository.RepositoryManager,
	cache *database.Cache,
	cacheTTL time.Duration,
	logger *logrus.Logger,
) *ScoringHandler {
	return &ScoringHandler{
		scorer:      scorer,
		repoManager: repoManager,
		cache:       cache,
		cacheTTL:    cacheTTL,
		logger:      logger,
	}
}

// HandleScore scores a single lead
func (h *ScoringHandler) HandleScore(c *gin.Context) {
	startTime := time.Now()

	var payload models.LeadPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.WithError(err).Error("Invalid score request")
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	lead := payload.ToLead()

	// Cache hit only counts against the version that produced it, so a
	// model swap naturally misses.
	if version, err := h.scorer.ActiveVersion(); err == nil {
		cached := &scoring.Result{}
		if err := h.cache.GetCachedScoreResult(ctx, version, lead.ID, cached); err == nil {
			h.logger.WithField("lead_id", lead.ID).Debug("Score served from cache")
			utils.SuccessResponse(c, http.StatusOK, "Lead scored", cached)
			return
		}
	}

	// Keep the lead snapshot so training can re-extract features later
	if err := h.repoManager.Lead.Upsert(lead); err != nil {
		h.logger.WithError(err).Warn("Failed to store lead snapshot")
	}

	result := h.scorer.Score(lead, time.Now())

	if !result.Degraded {
		if err := h.cache.CacheScoreResult(ctx, result.ModelVersion, lead.ID, result, h.cacheTTL); err != nil {
			h.logger.WithError(err).Warn("Failed to cache score result")
		}
	}

	h.logger.WithFields(logrus.Fields{
		"lead_id":       lead.ID,
		"score":         result.Score,
		"model_version": result.ModelVersion,
		"response_time": time.Since(startTime).Milliseconds(),
	}).Info("Lead scored")

	utils.SuccessResponse(c, http.StatusOK, "Lead scored", result)
}

// HandleScoreBatch scores a batch of leads, preserving input order
func (h *ScoringHandler) HandleScoreBatch(c *gin.Context) {
	startTime := time.Now()

	var req models.BatchScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if len(req.Leads) == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Batch cannot be empty", nil)
		return
	}
	if len(req.Leads) > maxBatchSize {
		utils.ErrorResponse(c, http.StatusBadRequest, "Batch too large (max 500 leads)", nil)
		return
	}

	leads := make([]models.Lead, len(req.Leads))
	for i := range req.Leads {
		leads[i] = *req.Leads[i].ToLead()
		if err := h.repoManager.Lead.Upsert(&leads[i]); err != nil {
			h.logger.WithError(err).WithField("lead_id", leads[i].ID).Warn("Failed to store lead snapshot")
		}
	}

	results := h.scorer.ScoreBatch(leads, time.Now())

	h.logger.WithFields(logrus.Fields{
		"batch_size":    len(leads),
		"response_time": time.Since(startTime).Milliseconds(),
	}).Info("Batch scored")

	utils.SuccessResponse(c, http.StatusOK, "Batch scored", results)
}
