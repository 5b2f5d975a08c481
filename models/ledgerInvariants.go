package models

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

const (
	CheckTypeLedgerInvariant   = "LEDGER_INVARIANT"
	CheckTypeBudgetLineSum     = "BUDGET_LINE_SUM"
	CheckTypeBudgetLineRollup  = "BUDGET_LINE_ROLLUP"
	CheckTypeCommitmentBalance = "COMMITMENT_BALANCE"
)

// LedgerDrift is one mismatch found by the reconciliation sweep.
type LedgerDrift struct {
	CheckType  string `json:"check_type"`
	EntityType string `json:"entity_type"`
	EntityId   int    `json:"entity_id"`
	Details    string `json:"details"`
}

func budgetLineDrift(line BudgetLine) string {
	if line.AvailableAmount.IsNegative() || line.CommittedAmount.IsNegative() || line.ExpendedAmount.IsNegative() {
		return fmt.Sprintf("negative figure: committed=%s expended=%s available=%s",
			line.CommittedAmount, line.ExpendedAmount, line.AvailableAmount)
	}
	sum := line.CommittedAmount.Add(line.ExpendedAmount).Add(line.AvailableAmount)
	if !sum.Equal(line.OriginalAmount) {
		return fmt.Sprintf("original %s != committed %s + expended %s + available %s",
			line.OriginalAmount, line.CommittedAmount, line.ExpendedAmount, line.AvailableAmount)
	}
	return ""
}

func commitmentDrift(c Commitment, paid decimal.Decimal) string {
	if c.RemainingAmount.IsNegative() {
		return "remaining " + c.RemainingAmount.String() + " is negative"
	}
	if paid.GreaterThan(c.Amount) {
		return fmt.Sprintf("paid vouchers %s exceed commitment amount %s", paid, c.Amount)
	}
	if !c.RemainingAmount.Equal(c.Amount.Sub(paid)) {
		return fmt.Sprintf("remaining %s != amount %s - paid %s", c.RemainingAmount, c.Amount, paid)
	}
	return ""
}

func checkBudgetLineInvariant(tx *gorm.DB, budgetLineId int) error {
	var line BudgetLine
	if err := tx.First(&line, budgetLineId).Error; err != nil {
		return err
	}
	if details := budgetLineDrift(line); details != "" {
		return &InconsistentLedgerError{Entity: "BudgetLine", EntityId: budgetLineId, Details: details}
	}
	return nil
}

func checkCommitmentInvariant(tx *gorm.DB, commitmentId int) error {
	var c Commitment
	if err := tx.First(&c, commitmentId).Error; err != nil {
		return err
	}
	paid, err := sumPaidVouchers(tx, commitmentId)
	if err != nil {
		return err
	}
	if details := commitmentDrift(c, paid); details != "" {
		return &InconsistentLedgerError{Entity: "Commitment", EntityId: commitmentId, Details: details}
	}
	return nil
}

func sumPaidVouchers(tx *gorm.DB, commitmentId int) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	if err := tx.Model(&PaymentVoucher{}).
		Where("commitment_id = ? AND status = ?", commitmentId, VoucherStatusPaid).
		Pluck("amount", &amounts).Error; err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

// reportInconsistentLedger runs after the failing transaction rolled back, on its own connection.
func reportInconsistentLedger(ctx context.Context, ile *InconsistentLedgerError) {
	logger := config.GetLogger()
	cid := correlationIdFromContextOrNew(ctx)
	logger.WithFields(logrus.Fields{
		"alert":          "inconsistent_ledger",
		"entity":         ile.Entity,
		"entity_id":      ile.EntityId,
		"correlation_id": cid,
	}).Error(ile.Details)

	db := config.GetDB()
	if db == nil {
		return
	}
	if err := db.WithContext(context.WithoutCancel(ctx)).Create(&ReconciliationReport{
		CheckType:     CheckTypeLedgerInvariant,
		EntityType:    ile.Entity,
		EntityId:      ile.EntityId,
		Details:       ile.Details,
		CorrelationId: cid,
	}).Error; err != nil {
		config.LogError(logger, "LedgerInvariants", "reportInconsistentLedger", "saving reconciliation report", ile, err)
	}
}

// CollectLedgerDrifts re-derives every budget line and commitment from its parts.
func CollectLedgerDrifts(ctx context.Context) ([]LedgerDrift, error) {
	db := config.GetDB().WithContext(ctx)
	var drifts []LedgerDrift

	var lines []BudgetLine
	if err := db.Order("id").Find(&lines).Error; err != nil {
		return nil, err
	}

	committedByLine := make(map[int]decimal.Decimal, len(lines))
	expendedByLine := make(map[int]decimal.Decimal, len(lines))

	var commitments []Commitment
	err := db.Order("id").FindInBatches(&commitments, 500, func(batch *gorm.DB, _ int) error {
		for _, c := range commitments {
			paid, err := sumPaidVouchers(db, c.ID)
			if err != nil {
				return err
			}
			if details := commitmentDrift(c, paid); details != "" {
				drifts = append(drifts, LedgerDrift{CheckType: CheckTypeCommitmentBalance, EntityType: "Commitment", EntityId: c.ID, Details: details})
			}
			if c.CancelledAt == nil {
				committedByLine[c.BudgetLineId] = committedByLine[c.BudgetLineId].Add(c.RemainingAmount)
			}
			expendedByLine[c.BudgetLineId] = expendedByLine[c.BudgetLineId].Add(paid)
		}
		return nil
	}).Error
	if err != nil {
		return nil, err
	}

	for _, line := range lines {
		if details := budgetLineDrift(line); details != "" {
			drifts = append(drifts, LedgerDrift{CheckType: CheckTypeBudgetLineSum, EntityType: "BudgetLine", EntityId: line.ID, Details: details})
		}
		committed := committedByLine[line.ID]
		expended := expendedByLine[line.ID]
		if !committed.Equal(line.CommittedAmount) || !expended.Equal(line.ExpendedAmount) {
			drifts = append(drifts, LedgerDrift{
				CheckType:  CheckTypeBudgetLineRollup,
				EntityType: "BudgetLine",
				EntityId:   line.ID,
				Details: fmt.Sprintf("row committed=%s expended=%s; commitments say committed=%s expended=%s",
					line.CommittedAmount, line.ExpendedAmount, committed, expended),
			})
		}
	}
	return drifts, nil
}
