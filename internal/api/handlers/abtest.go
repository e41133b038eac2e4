package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/abtest"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/repository"
	"github.com/tmarsden/leadpulse/pkg/utils"
)

type ABTestHandler struct {
	manager     *abtest.Manager
	repoManager *repository.RepositoryManager
	logger      *logrus.Logger
}

func NewABTestHandler(manager *abtest.Manager, repoManager *repository.RepositoryManager, logger *logrus.Logger) *ABTestHandler {
	return &ABTestHandler{
		manager:     manager,
		repoManager: repoManager,
		logger:      logger,
	}
}

// HandleCreateTest defines a new experiment
func (h *ABTestHandler) HandleCreateTest(c *gin.Context) {
	var req models.CreateTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	test, err := h.manager.CreateTest(req.Name, req.Variants)
	if err != nil {
		var duplicate *abtest.DuplicateTestNameError
		var invalid *abtest.InvalidTrafficAllocationError
		switch {
		case errors.As(err, &duplicate):
			utils.ErrorResponse(c, http.StatusConflict, "Test name already in use", err)
		case errors.As(err, &invalid):
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid test configuration", err)
		default:
			h.logger.WithError(err).Error("Failed to create A/B test")
			utils.ErrorResponse(c, http.StatusBadRequest, "Failed to create test", err)
		}
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Test created", test)
}

// HandleABScore scores a lead through the experiment's assigned variant
func (h *ABTestHandler) HandleABScore(c *gin.Context) {
	testName := c.Param("name")

	var req models.ABScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	lead := req.Lead.ToLead()
	if err := h.repoManager.Lead.Upsert(lead); err != nil {
		h.logger.WithError(err).Warn("Failed to store lead snapshot")
	}

	result, variant, err := h.manager.ScoreWithABTest(ctx, testName, lead, req.StableKey)
	if err != nil {
		h.respondTestError(c, err, "Failed to score through test")
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Lead scored", gin.H{
		"result":  result,
		"variant": variant,
	})
}

// HandleOutcome records a conversion outcome against a variant
func (h *ABTestHandler) HandleOutcome(c *gin.Context) {
	testName := c.Param("name")

	var req models.OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	score := 0.0
	if req.Score != nil {
		score = *req.Score
	}

	if err := h.manager.RecordOutcome(testName, req.VariantName, req.Converted, score); err != nil {
		h.respondTestError(c, err, "Failed to record outcome")
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Outcome recorded", nil)
}

// HandleResults returns the statistical analysis of an experiment
func (h *ABTestHandler) HandleResults(c *gin.Context) {
	testName := c.Param("name")

	result, err := h.manager.AnalyzeTest(testName)
	if err != nil {
		h.respondTestError(c, err, "Failed to analyze test")
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Test analyzed", result)
}

// HandleStopTest deactivates an experiment, optionally promoting a winner
func (h *ABTestHandler) HandleStopTest(c *gin.Context) {
	testName := c.Param("name")

	var req models.StopTestRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := h.manager.StopTest(ctx, testName, req.Winner); err != nil {
		h.respondTestError(c, err, "Failed to stop test")
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Test stopped", nil)
}

func (h *ABTestHandler) respondTestError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, abtest.ErrTestNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "Test not found", err)
	case errors.Is(err, abtest.ErrTestInactive):
		utils.ErrorResponse(c, http.StatusConflict, "Test is not active", err)
	default:
		h.logger.WithError(err).Error(message)
		utils.ErrorResponse(c, http.StatusInternalServerError, message, err)
	}
}
