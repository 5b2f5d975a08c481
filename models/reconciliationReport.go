package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

// ReconciliationReport records ledger drift found inline or by the sweep.
type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"`
	EntityId      int       `gorm:"index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func ListReconciliationReports(ctx context.Context, correlationId string) ([]*ReconciliationReport, error) {
	var results []*ReconciliationReport
	dbCtx := config.GetDB().WithContext(ctx)
	if correlationId != "" {
		dbCtx = dbCtx.Where("correlation_id = ?", correlationId)
	}
	if err := dbCtx.Order("id DESC").Limit(config.SearchLimit * 10).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// SaveLedgerDrifts stores one report row per drift under a shared correlation id.
func SaveLedgerDrifts(ctx context.Context, correlationId string, drifts []LedgerDrift) error {
	if len(drifts) == 0 {
		return nil
	}
	rows := make([]ReconciliationReport, 0, len(drifts))
	for _, d := range drifts {
		rows = append(rows, ReconciliationReport{
			CheckType:     d.CheckType,
			EntityType:    d.EntityType,
			EntityId:      d.EntityId,
			Details:       d.Details,
			CorrelationId: correlationId,
		})
	}
	return config.GetDB().WithContext(ctx).CreateInBatches(&rows, 100).Error
}
