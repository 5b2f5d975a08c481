package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/models"
	"bitbucket.org/mmdatafocus/ge_backend/workflow"
)

// reconcileHandler runs one ledger sweep on demand and returns what it found.
func reconcileHandler(c *gin.Context) {
	result, err := workflow.RunLedgerReconciliation(c.Request.Context(), config.GetDB(), config.GetLogger())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"correlation_id": result.CorrelationId,
		"drift_count":    len(result.Drifts),
		"drifts":         result.Drifts,
	})
}

func reconciliationReportsHandler(c *gin.Context) {
	reports, err := models.ListReconciliationReports(c.Request.Context(), c.Query("correlation_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

// outboxReplayHandler moves DEAD notification records back to PENDING.
func outboxReplayHandler(c *gin.Context) {
	var body struct {
		Limit int `json:"limit"`
	}
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	if body.Limit <= 0 || body.Limit > 1000 {
		body.Limit = 100
	}
	replayed, err := models.ReplayDeadNotifications(c.Request.Context(), body.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	actor := actorFrom(c)
	config.GetLogger().WithFields(logrus.Fields{
		"field":    "ops",
		"actor_id": actor.Id,
		"replayed": replayed,
	}).Info("dead notifications replayed")
	c.JSON(http.StatusOK, gin.H{"replayed": replayed})
}
