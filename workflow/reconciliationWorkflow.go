package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/models"
)

const ledgerSweepLock = "ge:ledger-reconcile"

type ReconciliationResult struct {
	CorrelationId string               `json:"correlation_id"`
	Drifts        []models.LedgerDrift `json:"drifts"`
}

// RunLedgerReconciliation re-derives every budget line and commitment and stores a report row
// per mismatch. Only one sweep runs at a time across instances.
func RunLedgerReconciliation(ctx context.Context, db *gorm.DB, logger *logrus.Logger) (*ReconciliationResult, error) {
	result := &ReconciliationResult{CorrelationId: uuid.NewString()}
	err := withNamedLock(ctx, db, ledgerSweepLock, func() error {
		drifts, err := models.CollectLedgerDrifts(ctx)
		if err != nil {
			return err
		}
		result.Drifts = drifts
		return models.SaveLedgerDrifts(ctx, result.CorrelationId, drifts)
	})
	if err != nil {
		return nil, err
	}

	if logger != nil {
		entry := logger.WithFields(logrus.Fields{
			"field":          "ReconciliationWorkflow",
			"correlation_id": result.CorrelationId,
			"drifts":         len(result.Drifts),
		})
		if len(result.Drifts) > 0 {
			entry.WithField("alert", "inconsistent_ledger").Error("ledger reconciliation found drift")
		} else {
			entry.Info("ledger reconciliation completed")
		}
	}
	return result, nil
}
