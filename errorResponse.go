package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/models"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

// errorBody maps a command error to its HTTP status and JSON payload.
func errorBody(err error) (int, gin.H) {
	var (
		ve  *models.ValidationError
		ite *models.InvalidTransitionError
		ibe *models.InsufficientBudgetError
		icb *models.InsufficientCommitmentBalanceError
		ile *models.InconsistentLedgerError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, gin.H{"error": ve.Error(), "code": ve.Code(), "field": ve.Field}
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound, gin.H{"error": "record not found", "code": "NOT_FOUND"}
	case errors.As(err, &ite):
		return http.StatusConflict, gin.H{"error": ite.Error(), "code": ite.Code(), "from": ite.From, "action": ite.Action}
	case errors.As(err, &ibe):
		return http.StatusUnprocessableEntity, gin.H{
			"error":          ibe.Error(),
			"code":           ibe.Code(),
			"budget_line_id": ibe.BudgetLineId,
			"requested":      ibe.Requested,
			"available":      ibe.Available,
		}
	case errors.As(err, &icb):
		return http.StatusUnprocessableEntity, gin.H{
			"error":         icb.Error(),
			"code":          icb.Code(),
			"commitment_id": icb.CommitmentId,
			"requested":     icb.Requested,
			"remaining":     icb.Remaining,
		}
	case errors.As(err, &ile):
		return http.StatusInternalServerError, gin.H{"error": "ledger inconsistency detected", "code": ile.Code()}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal error"}
}

func respondError(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		ctx := c.Request.Context()
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		userId, _ := utils.GetUserIdFromContext(ctx)
		userName, _ := utils.GetUserNameFromContext(ctx)
		config.GetLogger().WithFields(logrus.Fields{
			"field":          "http",
			"path":           c.FullPath(),
			"correlation_id": cid,
			"user_id":        userId,
			"user_name":      userName,
		}).Error(err.Error())
		body["correlation_id"] = cid
	}
	c.AbortWithStatusJSON(status, body)
}

func idParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer", "code": models.ErrorCodeValidation, "field": name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

// bindJSON rejects malformed bodies with the same shape as a validation error.
func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "code": models.ErrorCodeValidation})
		return false
	}
	return true
}

func actorFrom(c *gin.Context) models.Actor {
	actor, _ := models.ActorFromContext(c.Request.Context())
	return actor
}
