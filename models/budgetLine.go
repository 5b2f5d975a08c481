package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

// BudgetLine is the single authoritative row for one cost centre × fiscal year × line item.
// original = committed + expended + available at all times.
type BudgetLine struct {
	ID              int             `gorm:"primary_key" json:"id"`
	CostCentreId    string          `gorm:"size:50;not null;index:uniq_budget_line_code,unique" json:"cost_centre_id"`
	FiscalYear      int             `gorm:"not null;index:uniq_budget_line_code,unique" json:"fiscal_year"`
	LineCode        string          `gorm:"size:50;not null;index:uniq_budget_line_code,unique" json:"line_code"`
	Description     string          `gorm:"size:255" json:"description"`
	OriginalAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"original_amount"`
	CommittedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"committed_amount"`
	ExpendedAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"expended_amount"`
	AvailableAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"available_amount"`
	Version         int             `gorm:"not null;default:1" json:"version"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBudgetLine struct {
	CostCentreId   string          `json:"cost_centre_id" validate:"required,max=50"`
	FiscalYear     int             `json:"fiscal_year" validate:"required,gte=2000,lte=2100"`
	LineCode       string          `json:"line_code" validate:"required,max=50"`
	Description    string          `json:"description" validate:"max=255"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
}

type BudgetLineFilter struct {
	CostCentreId string
	FiscalYear   int
}

func (input *NewBudgetLine) validate() error {
	input.CostCentreId = strings.TrimSpace(input.CostCentreId)
	input.LineCode = strings.TrimSpace(input.LineCode)
	if err := utils.ValidateStruct(input); err != nil {
		return toValidationError(err)
	}
	if input.OriginalAmount.IsNegative() {
		return newValidationError("original_amount", "must not be negative")
	}
	return nil
}

// CreateBudgetLine sets up a line with everything available. Budget setup happens once per
// fiscal year; after that the row is mutated only by reserve, release and realize.
func CreateBudgetLine(ctx context.Context, actor Actor, input *NewBudgetLine) (*BudgetLine, error) {
	if !actor.HasAnyRole(budgetAdminRoles...) {
		return nil, &InvalidTransitionError{Entity: "BudgetLine", Action: "Create", From: "None", Reason: "role not permitted"}
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	line := BudgetLine{
		CostCentreId:    input.CostCentreId,
		FiscalYear:      input.FiscalYear,
		LineCode:        input.LineCode,
		Description:     input.Description,
		OriginalAmount:  input.OriginalAmount,
		CommittedAmount: decimal.Zero,
		ExpendedAmount:  decimal.Zero,
		AvailableAmount: input.OriginalAmount,
		Version:         1,
	}
	err := runCommand(ctx, "BudgetLine.Create", actor, func(tx *gorm.DB) error {
		if err := tx.Create(&line).Error; err != nil {
			if utils.IsDuplicateKey(err) {
				return newValidationError("line_code", "budget line already exists for this cost centre and fiscal year")
			}
			return err
		}
		return createHistory(tx, actor, HistoryActionCreate, "BudgetLine", line.ID, nil, &line, "Budget line created")
	})
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func GetBudgetLine(ctx context.Context, id int) (*BudgetLine, error) {
	var line BudgetLine
	if err := config.GetDB().WithContext(ctx).First(&line, id).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &line, nil
}

func ListBudgetLines(ctx context.Context, filter BudgetLineFilter) ([]*BudgetLine, error) {
	var results []*BudgetLine
	dbCtx := config.GetDB().WithContext(ctx)
	if filter.CostCentreId != "" {
		dbCtx = dbCtx.Where("cost_centre_id = ?", filter.CostCentreId)
	}
	if filter.FiscalYear > 0 {
		dbCtx = dbCtx.Where("fiscal_year = ?", filter.FiscalYear)
	}
	if err := dbCtx.Order("fiscal_year DESC, cost_centre_id, line_code").Limit(config.SearchLimit * 10).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func lockBudgetLine(tx *gorm.DB, id int) (*BudgetLine, error) {
	var line BudgetLine
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&line, id).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &line, nil
}

func requirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return newValidationError(field, "must be greater than zero")
	}
	return nil
}

// ReserveBudget moves amount from available to committed.
func ReserveBudget(tx *gorm.DB, budgetLineId int, amount decimal.Decimal) error {
	if err := requirePositive("amount", amount); err != nil {
		return err
	}
	line, err := lockBudgetLine(tx, budgetLineId)
	if err != nil {
		return err
	}
	if line.AvailableAmount.LessThan(amount) {
		return &InsufficientBudgetError{BudgetLineId: budgetLineId, Requested: amount, Available: line.AvailableAmount}
	}

	res := tx.Model(&BudgetLine{}).
		Where("id = ? AND available_amount >= ?", budgetLineId, amount).
		Updates(map[string]interface{}{
			"available_amount": gorm.Expr("available_amount - ?", amount),
			"committed_amount": gorm.Expr("committed_amount + ?", amount),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// precondition no longer holds at write time
		fresh, err := lockBudgetLine(tx, budgetLineId)
		if err != nil {
			return err
		}
		return &InsufficientBudgetError{BudgetLineId: budgetLineId, Requested: amount, Available: fresh.AvailableAmount}
	}
	return checkBudgetLineInvariant(tx, budgetLineId)
}

// ReleaseBudget reverses a reservation. Releasing more than is committed is a ledger fault.
func ReleaseBudget(tx *gorm.DB, budgetLineId int, amount decimal.Decimal) error {
	if err := requirePositive("amount", amount); err != nil {
		return err
	}
	line, err := lockBudgetLine(tx, budgetLineId)
	if err != nil {
		return err
	}
	if line.CommittedAmount.LessThan(amount) {
		return &InconsistentLedgerError{
			Entity:   "BudgetLine",
			EntityId: budgetLineId,
			Details:  "release " + amount.String() + " exceeds committed " + line.CommittedAmount.String(),
		}
	}

	res := tx.Model(&BudgetLine{}).
		Where("id = ? AND committed_amount >= ?", budgetLineId, amount).
		Updates(map[string]interface{}{
			"committed_amount": gorm.Expr("committed_amount - ?", amount),
			"available_amount": gorm.Expr("available_amount + ?", amount),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &InconsistentLedgerError{Entity: "BudgetLine", EntityId: budgetLineId, Details: "committed amount changed under release"}
	}
	return checkBudgetLineInvariant(tx, budgetLineId)
}

// RealizeBudget moves a paid amount from committed to expended.
func RealizeBudget(tx *gorm.DB, budgetLineId int, amount decimal.Decimal) error {
	if err := requirePositive("amount", amount); err != nil {
		return err
	}
	line, err := lockBudgetLine(tx, budgetLineId)
	if err != nil {
		return err
	}
	if line.CommittedAmount.LessThan(amount) {
		return &InconsistentLedgerError{
			Entity:   "BudgetLine",
			EntityId: budgetLineId,
			Details:  "realize " + amount.String() + " exceeds committed " + line.CommittedAmount.String(),
		}
	}

	res := tx.Model(&BudgetLine{}).
		Where("id = ? AND committed_amount >= ?", budgetLineId, amount).
		Updates(map[string]interface{}{
			"committed_amount": gorm.Expr("committed_amount - ?", amount),
			"expended_amount":  gorm.Expr("expended_amount + ?", amount),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &InconsistentLedgerError{Entity: "BudgetLine", EntityId: budgetLineId, Details: "committed amount changed under realize"}
	}
	return checkBudgetLineInvariant(tx, budgetLineId)
}

func toValidationError(err error) error {
	var fe *utils.FieldError
	if errors.As(err, &fe) {
		return newValidationError(fe.Field, "failed "+fe.Tag)
	}
	return newValidationError("", err.Error())
}
