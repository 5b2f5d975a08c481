package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

type PaymentVoucherStatus string

const (
	VoucherStatusPending   PaymentVoucherStatus = "Pending"
	VoucherStatusApproved  PaymentVoucherStatus = "Approved"
	VoucherStatusPaid      PaymentVoucherStatus = "Paid"
	VoucherStatusCancelled PaymentVoucherStatus = "Cancelled"
)

type PaymentMethod string

const (
	PaymentMethodEFT    PaymentMethod = "EFT"
	PaymentMethodCheque PaymentMethod = "Cheque"
	PaymentMethodCash   PaymentMethod = "Cash"
)

// PaymentVoucher is one disbursement against a commitment. Creating it does not hold any
// balance; the commitment is only drawn down when the voucher is paid.
type PaymentVoucher struct {
	ID            int                  `gorm:"primary_key" json:"id"`
	VoucherNumber string               `gorm:"size:30;not null;uniqueIndex" json:"voucher_number"`
	CommitmentId  int                  `gorm:"index;not null" json:"commitment_id"`
	Payee         string               `gorm:"size:200;not null" json:"payee"`
	PayeePhone    string               `gorm:"size:20" json:"payee_phone"`
	Amount        decimal.Decimal      `gorm:"type:decimal(20,4);not null" json:"amount"`
	PaymentMethod PaymentMethod        `gorm:"size:10;not null" json:"payment_method"`
	BankName      string               `gorm:"size:100" json:"bank_name"`
	AccountNumber string               `gorm:"size:50" json:"account_number"`
	ChequeNumber  string               `gorm:"size:50" json:"cheque_number"`
	BankReference string               `gorm:"size:100" json:"bank_reference"`
	Status        PaymentVoucherStatus `gorm:"size:20;index;not null" json:"status"`
	CreatedBy     int                  `gorm:"not null" json:"created_by"`
	ApprovedBy    *int                 `json:"approved_by"`
	ProcessedBy   *int                 `json:"processed_by"`
	CancelledBy   *int                 `json:"cancelled_by"`
	CancelReason  string               `gorm:"type:text" json:"cancel_reason"`
	ApprovedAt    *time.Time           `json:"approved_at"`
	PaidAt        *time.Time           `json:"paid_at"`
	CancelledAt   *time.Time           `json:"cancelled_at"`
	Version       int                  `gorm:"not null;default:1" json:"version"`
	CreatedAt     time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPaymentVoucher struct {
	Payee         string          `json:"payee" validate:"required,max=200"`
	PayeePhone    string          `json:"payee_phone" validate:"max=30"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required,oneof=EFT Cheque Cash"`
	BankName      string          `json:"bank_name" validate:"max=100"`
	AccountNumber string          `json:"account_number" validate:"max=50"`
	ChequeNumber  string          `json:"cheque_number" validate:"max=50"`
}

type ProcessPaymentVoucherInput struct {
	BankReference string `json:"bank_reference" validate:"max=100"`
	ChequeNumber  string `json:"cheque_number" validate:"max=50"`
}

type CancelPaymentVoucherInput struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type PaymentVoucherFilter struct {
	CommitmentId int
	Status       PaymentVoucherStatus
}

func (input *NewPaymentVoucher) validate() error {
	input.Payee = strings.TrimSpace(input.Payee)
	input.BankName = strings.TrimSpace(input.BankName)
	input.AccountNumber = strings.TrimSpace(input.AccountNumber)
	input.ChequeNumber = strings.TrimSpace(input.ChequeNumber)
	if err := utils.ValidateStruct(input); err != nil {
		return toValidationError(err)
	}
	if err := requirePositive("amount", input.Amount); err != nil {
		return err
	}
	if input.PaymentMethod == PaymentMethodEFT {
		if input.BankName == "" {
			return newValidationError("bank_name", "is required for EFT")
		}
		if input.AccountNumber == "" {
			return newValidationError("account_number", "is required for EFT")
		}
	}
	phone, err := utils.NormalizePhone(input.PayeePhone, config.DefaultPhoneRegion())
	if err != nil {
		return newValidationError("payee_phone", err.Error())
	}
	input.PayeePhone = phone
	return nil
}

func voucherEvent(v *PaymentVoucher) map[string]interface{} {
	return map[string]interface{}{
		"voucher_number": v.VoucherNumber,
		"commitment_id":  v.CommitmentId,
		"payee":          v.Payee,
		"amount":         v.Amount.String(),
		"payment_method": v.PaymentMethod,
		"status":         v.Status,
	}
}

func lockPaymentVoucher(tx *gorm.DB, id int) (*PaymentVoucher, error) {
	var v PaymentVoucher
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&v, id).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &v, nil
}

func voucherTransitionError(v *PaymentVoucher, action string, reason string) error {
	return &InvalidTransitionError{Entity: "PaymentVoucher", Id: v.ID, From: string(v.Status), Action: action, Reason: reason}
}

// updateVoucherGuarded writes fields only if the voucher is still in the status it was read in.
func updateVoucherGuarded(tx *gorm.DB, v *PaymentVoucher, action string, fields map[string]interface{}) error {
	fields["version"] = gorm.Expr("version + 1")
	res := tx.Model(&PaymentVoucher{}).
		Where("id = ? AND version = ? AND status = ?", v.ID, v.Version, v.Status).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return voucherTransitionError(v, action, "voucher was changed concurrently")
	}
	var fresh PaymentVoucher
	if err := tx.First(&fresh, v.ID).Error; err != nil {
		return err
	}
	*v = fresh
	return nil
}

// CreatePaymentVoucher drafts a disbursement. The amount is checked against the live remaining
// balance under the commitment row lock. A repeated idempotencyKey returns the first voucher.
func CreatePaymentVoucher(ctx context.Context, commitmentId int, actor Actor, input *NewPaymentVoucher, idempotencyKey string) (*PaymentVoucher, error) {
	if !actor.HasAnyRole(voucherCreatorRoles...) {
		return nil, &InvalidTransitionError{Entity: "PaymentVoucher", Action: "Create", From: "None", Reason: "requires role FinanceClerk"}
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	call, err := newIdempotentCall(IdempotencyScopeVoucherCreate, actor.Id, idempotencyKey, commitmentId, input)
	if err != nil {
		return nil, err
	}

	var voucherId int
	err = runCommand(ctx, "PaymentVoucher.Create", actor, func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			existing, err := lookupIdempotentResource(tx, call)
			if err != nil {
				return err
			}
			if existing > 0 {
				voucherId = existing
				return nil
			}
		}

		c, err := lockCommitment(tx, commitmentId)
		if err != nil {
			return err
		}
		if c.Status == CommitmentStatusClosed || c.Status == CommitmentStatusCancelled {
			return &InvalidTransitionError{Entity: "Commitment", Id: c.ID, From: string(c.Status), Action: "CreateVoucher", Reason: "commitment is not open for payment"}
		}
		if input.Amount.GreaterThan(c.RemainingAmount) {
			return &InsufficientCommitmentBalanceError{CommitmentId: c.ID, Requested: input.Amount, Remaining: c.RemainingAmount}
		}

		number, err := nextDocumentNumber(tx, NumberSeriesPaymentVoucher, c.FiscalYear)
		if err != nil {
			return err
		}
		v := PaymentVoucher{
			VoucherNumber: number,
			CommitmentId:  c.ID,
			Payee:         input.Payee,
			PayeePhone:    input.PayeePhone,
			Amount:        input.Amount,
			PaymentMethod: input.PaymentMethod,
			BankName:      input.BankName,
			AccountNumber: input.AccountNumber,
			ChequeNumber:  input.ChequeNumber,
			Status:        VoucherStatusPending,
			CreatedBy:     actor.Id,
			Version:       1,
		}
		if err := tx.Create(&v).Error; err != nil {
			return err
		}
		if idempotencyKey != "" {
			if err := saveIdempotentResource(tx, call, v.ID); err != nil {
				return err
			}
		}
		if err := createHistory(tx, actor, HistoryActionCreate, "PaymentVoucher", v.ID, nil, &v,
			fmt.Sprintf("Voucher %s drafted against %s", v.VoucherNumber, c.CommitmentNumber)); err != nil {
			return err
		}
		voucherId = v.ID
		return enqueueNotification(tx, EventVoucherCreated, "PaymentVoucher", v.ID, []string{roleRecipient(RoleFinanceApprover)}, voucherEvent(&v))
	})
	if errors.Is(err, errIdempotencyKeyTaken) {
		// the voucher drafted here was rolled back with the transaction
		voucherId, err = resolveIdempotentRace(ctx, call)
	}
	if err != nil {
		return nil, err
	}
	return GetPaymentVoucher(ctx, voucherId)
}

// ApprovePaymentVoucher is the checker step; the voucher's creator cannot approve it.
func ApprovePaymentVoucher(ctx context.Context, id int, actor Actor) (*PaymentVoucher, error) {
	err := runCommand(ctx, "PaymentVoucher.Approve", actor, func(tx *gorm.DB) error {
		v, err := lockPaymentVoucher(tx, id)
		if err != nil {
			return err
		}
		if v.Status != VoucherStatusPending {
			return voucherTransitionError(v, "Approve", "only pending vouchers can be approved")
		}
		if !actor.HasAnyRole(voucherApproverRoles...) {
			return voucherTransitionError(v, "Approve", "requires role FinanceApprover or SeniorApprover")
		}
		if actor.Id == v.CreatedBy {
			return voucherTransitionError(v, "Approve", "creator cannot approve own voucher")
		}

		before := *v
		now := time.Now().UTC()
		if err := updateVoucherGuarded(tx, v, "Approve", map[string]interface{}{
			"status":      VoucherStatusApproved,
			"approved_by": actor.Id,
			"approved_at": now,
		}); err != nil {
			return err
		}
		if err := createHistory(tx, actor, HistoryActionUpdate, "PaymentVoucher", v.ID, &before, v, "Voucher approved"); err != nil {
			return err
		}
		return enqueueNotification(tx, EventVoucherApproved, "PaymentVoucher", v.ID, []string{roleRecipient(RolePaymentProcessor)}, voucherEvent(v))
	})
	if err != nil {
		return nil, err
	}
	return GetPaymentVoucher(ctx, id)
}

// ProcessPaymentVoucher marks the voucher paid and draws the commitment down in one transaction.
// Locks are taken voucher, then commitment, then budget line.
func ProcessPaymentVoucher(ctx context.Context, id int, actor Actor, input *ProcessPaymentVoucherInput) (*PaymentVoucher, error) {
	input.BankReference = strings.TrimSpace(input.BankReference)
	input.ChequeNumber = strings.TrimSpace(input.ChequeNumber)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, toValidationError(err)
	}

	err := runCommand(ctx, "PaymentVoucher.Process", actor, func(tx *gorm.DB) error {
		v, err := lockPaymentVoucher(tx, id)
		if err != nil {
			return err
		}
		if v.Status != VoucherStatusApproved {
			return voucherTransitionError(v, "Process", "only approved vouchers can be processed")
		}
		if !actor.HasAnyRole(voucherProcessorRoles...) {
			return voucherTransitionError(v, "Process", "requires role PaymentProcessor")
		}
		if v.ApprovedBy != nil && actor.Id == *v.ApprovedBy {
			return voucherTransitionError(v, "Process", "approver cannot process the same voucher")
		}

		chequeNumber := v.ChequeNumber
		if input.ChequeNumber != "" {
			chequeNumber = input.ChequeNumber
		}
		if v.PaymentMethod == PaymentMethodCheque && chequeNumber == "" {
			return newValidationError("cheque_number", "is required to pay by cheque")
		}

		c, err := lockCommitment(tx, v.CommitmentId)
		if err != nil {
			return err
		}

		before := *v
		fields := map[string]interface{}{
			"status":        VoucherStatusPaid,
			"processed_by":  actor.Id,
			"paid_at":       time.Now().UTC(),
			"cheque_number": chequeNumber,
		}
		if input.BankReference != "" {
			fields["bank_reference"] = input.BankReference
		}
		if err := updateVoucherGuarded(tx, v, "Process", fields); err != nil {
			return err
		}
		if err := applyPayment(tx, c, v.Amount); err != nil {
			return err
		}
		if err := checkCommitmentInvariant(tx, c.ID); err != nil {
			return err
		}
		if err := createHistory(tx, actor, HistoryActionUpdate, "PaymentVoucher", v.ID, &before, v,
			fmt.Sprintf("Voucher paid; commitment %s remaining %s", c.CommitmentNumber, c.RemainingAmount.String())); err != nil {
			return err
		}
		return enqueueNotification(tx, EventVoucherPaid, "PaymentVoucher", v.ID,
			[]string{roleRecipient(RoleFinanceClerk), userRecipient(v.CreatedBy)}, voucherEvent(v))
	})
	if err != nil {
		return nil, err
	}
	return GetPaymentVoucher(ctx, id)
}

// CancelPaymentVoucher stops a voucher before payment. Nothing was drawn from the commitment,
// so nothing is given back.
func CancelPaymentVoucher(ctx context.Context, id int, actor Actor, input *CancelPaymentVoucherInput) (*PaymentVoucher, error) {
	input.Reason = strings.TrimSpace(input.Reason)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, toValidationError(err)
	}

	err := runCommand(ctx, "PaymentVoucher.Cancel", actor, func(tx *gorm.DB) error {
		v, err := lockPaymentVoucher(tx, id)
		if err != nil {
			return err
		}
		if v.Status != VoucherStatusPending && v.Status != VoucherStatusApproved {
			return voucherTransitionError(v, "Cancel", "only pending or approved vouchers can be cancelled")
		}
		if !actor.HasAnyRole(voucherCancelRoles...) {
			return voucherTransitionError(v, "Cancel", "role not permitted")
		}

		before := *v
		if err := updateVoucherGuarded(tx, v, "Cancel", map[string]interface{}{
			"status":        VoucherStatusCancelled,
			"cancelled_by":  actor.Id,
			"cancelled_at":  time.Now().UTC(),
			"cancel_reason": input.Reason,
		}); err != nil {
			return err
		}
		if err := createHistory(tx, actor, HistoryActionUpdate, "PaymentVoucher", v.ID, &before, v, "Voucher cancelled: "+input.Reason); err != nil {
			return err
		}
		return enqueueNotification(tx, EventVoucherCancelled, "PaymentVoucher", v.ID, []string{userRecipient(v.CreatedBy)}, voucherEvent(v))
	})
	if err != nil {
		return nil, err
	}
	return GetPaymentVoucher(ctx, id)
}

func GetPaymentVoucher(ctx context.Context, id int) (*PaymentVoucher, error) {
	var v PaymentVoucher
	if err := config.GetDB().WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, utils.NotFoundOr(err)
	}
	return &v, nil
}

func ListPaymentVouchers(ctx context.Context, filter PaymentVoucherFilter) ([]*PaymentVoucher, error) {
	var results []*PaymentVoucher
	dbCtx := config.GetDB().WithContext(ctx)
	if filter.CommitmentId > 0 {
		dbCtx = dbCtx.Where("commitment_id = ?", filter.CommitmentId)
	}
	if filter.Status != "" {
		dbCtx = dbCtx.Where("status = ?", filter.Status)
	}
	if err := dbCtx.Order("id DESC").Limit(config.SearchLimit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
