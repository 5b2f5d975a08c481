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

type CommitmentStatus string

const (
	CommitmentStatusOpen      CommitmentStatus = "Open"
	CommitmentStatusPartial   CommitmentStatus = "Partial"
	CommitmentStatusClosed    CommitmentStatus = "Closed"
	CommitmentStatusCancelled CommitmentStatus = "Cancelled"
)

// Commitment reserves budget for one approved GE request. Status is derived from the amounts
// and never stored.
type Commitment struct {
	ID               int              `gorm:"primary_key" json:"id"`
	CommitmentNumber string           `gorm:"size:30;not null;uniqueIndex" json:"commitment_number"`
	GERequestId      int              `gorm:"not null;uniqueIndex" json:"ge_request_id"`
	BudgetLineId     int              `gorm:"index;not null" json:"budget_line_id"`
	FiscalYear       int              `gorm:"not null" json:"fiscal_year"`
	Amount           decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount"`
	RemainingAmount  decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"remaining_amount"`
	CreatedBy        int              `gorm:"not null" json:"created_by"`
	CancelledAt      *time.Time       `json:"cancelled_at"`
	CancelledBy      *int             `json:"cancelled_by"`
	CancelReason     string           `gorm:"type:text" json:"cancel_reason"`
	Version          int              `gorm:"not null;default:1" json:"version"`
	Status           CommitmentStatus `gorm:"-" json:"status"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type CommitmentFilter struct {
	BudgetLineId int
	FiscalYear   int
}

// DeriveStatus: Open when nothing is paid, Closed when nothing remains, Partial in between.
func (c Commitment) DeriveStatus() CommitmentStatus {
	switch {
	case c.CancelledAt != nil:
		return CommitmentStatusCancelled
	case c.RemainingAmount.IsZero():
		return CommitmentStatusClosed
	case c.RemainingAmount.Equal(c.Amount):
		return CommitmentStatusOpen
	default:
		return CommitmentStatusPartial
	}
}

func (c *Commitment) AfterFind(tx *gorm.DB) error {
	c.Status = c.DeriveStatus()
	return nil
}

func lockCommitment(tx *gorm.DB, id int) (*Commitment, error) {
	var c Commitment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, id).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &c, nil
}

func commitmentEvent(c *Commitment) map[string]interface{} {
	return map[string]interface{}{
		"commitment_number": c.CommitmentNumber,
		"ge_request_id":     c.GERequestId,
		"amount":            c.Amount.String(),
		"remaining_amount":  c.RemainingAmount.String(),
		"status":            c.DeriveStatus(),
	}
}

// createCommitment reserves the request amount and opens the commitment. Callers hold the
// request row lock; the unique index on ge_request_id backs up the existence check.
func createCommitment(tx *gorm.DB, req *GERequest, actor Actor) (*Commitment, error) {
	if req.Status != GERequestStatusApproved {
		return nil, &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: "CreateCommitment", Reason: "request is not approved"}
	}
	var existing int64
	if err := tx.Model(&Commitment{}).Where("ge_request_id = ?", req.ID).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: "CreateCommitment", Reason: "commitment already exists"}
	}

	if err := ReserveBudget(tx, req.BudgetLineId, req.Amount); err != nil {
		return nil, err
	}
	var line BudgetLine
	if err := tx.First(&line, req.BudgetLineId).Error; err != nil {
		return nil, err
	}
	number, err := nextDocumentNumber(tx, NumberSeriesCommitment, line.FiscalYear)
	if err != nil {
		return nil, err
	}

	c := Commitment{
		CommitmentNumber: number,
		GERequestId:      req.ID,
		BudgetLineId:     req.BudgetLineId,
		FiscalYear:       line.FiscalYear,
		Amount:           req.Amount,
		RemainingAmount:  req.Amount,
		CreatedBy:        actor.Id,
		Version:          1,
	}
	if err := tx.Create(&c).Error; err != nil {
		if utils.IsDuplicateKey(err) {
			return nil, &InvalidTransitionError{Entity: "GERequest", Id: req.ID, From: string(req.Status), Action: "CreateCommitment", Reason: "commitment already exists"}
		}
		return nil, err
	}
	c.Status = c.DeriveStatus()

	if err := createHistory(tx, actor, HistoryActionCreate, "Commitment", c.ID, nil, &c, "Commitment "+c.CommitmentNumber+" opened for "+req.RequestNumber); err != nil {
		return nil, err
	}
	if err := enqueueNotification(tx, EventCommitmentCreated, "Commitment", c.ID, []string{roleRecipient(RoleFinanceClerk)}, commitmentEvent(&c)); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCommitmentFromApprovedRequest opens the commitment for an approved request that has none.
// A second call fails with InvalidTransitionError and creates nothing.
func CreateCommitmentFromApprovedRequest(ctx context.Context, requestId int, actor Actor) (*Commitment, error) {
	if !actor.HasAnyRole(RoleBudgetOfficer, RoleFinanceApprover, RoleAdmin) {
		return nil, &InvalidTransitionError{Entity: "GERequest", Id: requestId, Action: "CreateCommitment", From: "Approved", Reason: "role not permitted"}
	}

	var out *Commitment
	var budgetErr *InsufficientBudgetError
	err := runCommand(ctx, "Commitment.CreateFromApprovedRequest", actor, func(tx *gorm.DB) error {
		req, err := lockGERequest(tx, requestId)
		if err != nil {
			return err
		}
		c, err := createCommitment(tx, req, actor)
		if errors.As(err, &budgetErr) {
			return autoDenyGERequest(tx, req, budgetErr)
		}
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if budgetErr != nil {
		return nil, budgetErr
	}
	return out, nil
}

// applyPayment draws a paid voucher amount from the commitment and realizes it on the budget line.
// An amount above the remaining balance is rejected, never clamped.
func applyPayment(tx *gorm.DB, commitment *Commitment, amount decimal.Decimal) error {
	if err := requirePositive("amount", amount); err != nil {
		return err
	}
	res := tx.Model(&Commitment{}).
		Where("id = ? AND cancelled_at IS NULL AND remaining_amount >= ?", commitment.ID, amount).
		Updates(map[string]interface{}{
			"remaining_amount": gorm.Expr("remaining_amount - ?", amount),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		fresh, err := lockCommitment(tx, commitment.ID)
		if err != nil {
			return err
		}
		*commitment = *fresh
		if fresh.CancelledAt != nil {
			return &InvalidTransitionError{Entity: "Commitment", Id: fresh.ID, From: string(fresh.Status), Action: "ApplyPayment", Reason: "commitment is cancelled"}
		}
		return &InsufficientCommitmentBalanceError{CommitmentId: fresh.ID, Requested: amount, Remaining: fresh.RemainingAmount}
	}
	if err := RealizeBudget(tx, commitment.BudgetLineId, amount); err != nil {
		return err
	}
	var fresh Commitment
	if err := tx.First(&fresh, commitment.ID).Error; err != nil {
		return err
	}
	*commitment = fresh
	return nil
}

type CancelCommitmentInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// CancelCommitment gives the whole reservation back to the budget line. Only commitments with no
// payments and no live vouchers can be cancelled.
func CancelCommitment(ctx context.Context, id int, actor Actor, input *CancelCommitmentInput) (*Commitment, error) {
	input.Reason = strings.TrimSpace(input.Reason)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, toValidationError(err)
	}
	if !actor.HasAnyRole(commitmentCancelRoles...) {
		return nil, &InvalidTransitionError{Entity: "Commitment", Id: id, Action: "Cancel", From: "Unknown", Reason: "role not permitted"}
	}

	err := runCommand(ctx, "Commitment.Cancel", actor, func(tx *gorm.DB) error {
		c, err := lockCommitment(tx, id)
		if err != nil {
			return err
		}
		if c.Status != CommitmentStatusOpen {
			return &InvalidTransitionError{Entity: "Commitment", Id: c.ID, From: string(c.Status), Action: "Cancel", Reason: "only open commitments can be cancelled"}
		}
		var live int64
		if err := tx.Model(&PaymentVoucher{}).
			Where("commitment_id = ? AND status IN ?", c.ID, []PaymentVoucherStatus{VoucherStatusPending, VoucherStatusApproved, VoucherStatusPaid}).
			Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return &InvalidTransitionError{Entity: "Commitment", Id: c.ID, From: string(c.Status), Action: "Cancel", Reason: "commitment has vouchers in progress"}
		}

		before := *c
		now := time.Now().UTC()
		res := tx.Model(&Commitment{}).
			Where("id = ? AND version = ? AND cancelled_at IS NULL", c.ID, c.Version).
			Updates(map[string]interface{}{
				"cancelled_at":  now,
				"cancelled_by":  actor.Id,
				"cancel_reason": input.Reason,
				"version":       gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &InvalidTransitionError{Entity: "Commitment", Id: c.ID, From: string(c.Status), Action: "Cancel", Reason: "commitment was changed concurrently"}
		}
		if err := ReleaseBudget(tx, c.BudgetLineId, c.Amount); err != nil {
			return err
		}
		if err := tx.First(c, c.ID).Error; err != nil {
			return err
		}
		if err := createHistory(tx, actor, HistoryActionUpdate, "Commitment", c.ID, &before, c, "Commitment cancelled: "+input.Reason); err != nil {
			return err
		}
		return enqueueNotification(tx, EventCommitmentCancelled, "Commitment", c.ID,
			[]string{roleRecipient(RoleFinanceClerk), roleRecipient(RoleBudgetOfficer)}, commitmentEvent(c))
	})
	if err != nil {
		return nil, err
	}
	return GetCommitment(ctx, id)
}

func GetCommitment(ctx context.Context, id int) (*Commitment, error) {
	var c Commitment
	if err := config.GetDB().WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &c, nil
}

func GetCommitmentByRequest(ctx context.Context, requestId int) (*Commitment, error) {
	var c Commitment
	if err := config.GetDB().WithContext(ctx).Where("ge_request_id = ?", requestId).Take(&c).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &c, nil
}

func ListCommitments(ctx context.Context, filter CommitmentFilter) ([]*Commitment, error) {
	var results []*Commitment
	dbCtx := config.GetDB().WithContext(ctx)
	if filter.BudgetLineId > 0 {
		dbCtx = dbCtx.Where("budget_line_id = ?", filter.BudgetLineId)
	}
	if filter.FiscalYear > 0 {
		dbCtx = dbCtx.Where("fiscal_year = ?", filter.FiscalYear)
	}
	if err := dbCtx.Order("id DESC").Limit(config.SearchLimit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
