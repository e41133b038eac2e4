package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/database"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"github.com/tmarsden/leadpulse/internal/training"
	"github.com/tmarsden/leadpulse/pkg/utils"
)

type TrainingHandler struct {
	trainer     *training.Trainer
	scorer      *scoring.Scorer
	cache       *database.Cache
	defaultKeep int
	logger      *logrus.Logger
}

func NewTrainingHandler(
	trainer *training.Trainer,
	scorer *scoring.Scorer,
	cache *database.Cache,
	defaultKeep int,
	logger *logrus.Logger,
) *TrainingHandler {
	if defaultKeep < 1 {
		defaultKeep = 5
	}
	return &TrainingHandler{
		trainer:     trainer,
		scorer:      scorer,
		cache:       cache,
		defaultKeep: defaultKeep,
		logger:      logger,
	}
}

// HandleRetrain runs one training pass synchronously
func (h *TrainingHandler) HandleRetrain(c *gin.Context) {
	var req models.RetrainRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()

	previousVersion, _ := h.scorer.ActiveVersion()

	result, err := h.trainer.TrainNewModel(ctx, training.Options{
		Force:           req.Force,
		ValidationSplit: req.ValidationSplit,
		Hyperparameters: req.Hyperparameters,
	})
	if err != nil {
		var insufficient *training.InsufficientDataError
		switch {
		case errors.As(err, &insufficient):
			utils.ErrorResponse(c, http.StatusUnprocessableEntity, "Not enough training data", err)
		case errors.Is(err, training.ErrTrainingInProgress):
			utils.ErrorResponse(c, http.StatusConflict, "Training already in progress", err)
		case errors.Is(err, training.ErrTrainingCancelled):
			utils.ErrorResponse(c, http.StatusRequestTimeout, "Training cancelled", err)
		default:
			h.logger.WithError(err).Error("Training run failed")
			utils.ErrorResponse(c, http.StatusInternalServerError, "Training failed", err)
		}
		return
	}

	if result.Promoted && previousVersion != "" {
		// Drop scores the replaced model produced
		if err := h.cache.InvalidateScores(ctx, previousVersion); err != nil {
			h.logger.WithError(err).Warn("Failed to invalidate score cache")
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Training completed", result)
}

// HandleRetrainingCheck reports whether any retraining trigger fires
func (h *TrainingHandler) HandleRetrainingCheck(c *gin.Context) {
	decision, err := h.trainer.CheckRetrainingNeeded()
	if err != nil {
		h.logger.WithError(err).Error("Retraining check failed")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Retraining check failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Retraining check completed", decision)
}

// HandleListModels returns recent model version metadata
func (h *TrainingHandler) HandleListModels(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit > 100 {
		limit = 100
	}

	versions, err := h.scorer.ListVersions(limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list model versions")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list models", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Models retrieved", versions)
}

// HandleActivateModel promotes a specific version to active
func (h *TrainingHandler) HandleActivateModel(c *gin.Context) {
	version := c.Param("version")
	if version == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "version is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := h.trainer.Promote(ctx, version); err != nil {
		var incompatible *scoring.SchemaIncompatibleError
		if errors.As(err, &incompatible) {
			utils.ErrorResponse(c, http.StatusConflict, "Model schema incompatible", err)
			return
		}
		h.logger.WithError(err).Error("Manual model promotion failed")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to activate model", err)
		return
	}

	h.logger.WithField("model_version", version).Info("Model manually promoted")
	utils.SuccessResponse(c, http.StatusOK, "Model activated", gin.H{"model_version": version})
}

// HandlePrune deletes old inactive model versions. Without an explicit
// keep_count the configured retention applies.
func (h *TrainingHandler) HandlePrune(c *gin.Context) {
	var req models.PruneRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if req.KeepCount == 0 {
		req.KeepCount = h.defaultKeep
	}
	if req.KeepCount < 1 {
		utils.ErrorResponse(c, http.StatusBadRequest, "keep_count must be at least 1", nil)
		return
	}

	deleted, err := h.scorer.Prune(req.KeepCount)
	if err != nil {
		h.logger.WithError(err).Error("Model pruning failed")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to prune models", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Models pruned", gin.H{
		"deleted": deleted,
		"kept":    req.KeepCount,
	})
}
