package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation                    = errors.New("validation failed")
	ErrInvalidTransition             = errors.New("invalid transition")
	ErrInsufficientBudget            = errors.New("insufficient budget")
	ErrInsufficientCommitmentBalance = errors.New("insufficient commitment balance")
	ErrInconsistentLedger            = errors.New("inconsistent ledger")
)

const (
	ErrorCodeValidation                    = "VALIDATION_ERROR"
	ErrorCodeInvalidTransition             = "INVALID_TRANSITION"
	ErrorCodeInsufficientBudget            = "INSUFFICIENT_BUDGET"
	ErrorCodeInsufficientCommitmentBalance = "INSUFFICIENT_COMMITMENT_BALANCE"
	ErrorCodeInconsistentLedger            = "INCONSISTENT_LEDGER"
)

// ValidationError is malformed input rejected before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) Code() string         { return ErrorCodeValidation }

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InvalidTransitionError is a wrong current state or a wrong actor for the attempted action.
type InvalidTransitionError struct {
	Entity string
	Id     int
	From   string
	Action string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("%s %d: cannot %s from %s", e.Entity, e.Id, e.Action, e.From)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
func (e *InvalidTransitionError) Code() string         { return ErrorCodeInvalidTransition }

type InsufficientBudgetError struct {
	BudgetLineId int
	Requested    decimal.Decimal
	Available    decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("budget line %d: requested %s, available %s", e.BudgetLineId, e.Requested.String(), e.Available.String())
}

func (e *InsufficientBudgetError) Is(target error) bool { return target == ErrInsufficientBudget }
func (e *InsufficientBudgetError) Code() string         { return ErrorCodeInsufficientBudget }

type InsufficientCommitmentBalanceError struct {
	CommitmentId int
	Requested    decimal.Decimal
	Remaining    decimal.Decimal
}

func (e *InsufficientCommitmentBalanceError) Error() string {
	return fmt.Sprintf("commitment %d: requested %s, remaining %s", e.CommitmentId, e.Requested.String(), e.Remaining.String())
}

func (e *InsufficientCommitmentBalanceError) Is(target error) bool {
	return target == ErrInsufficientCommitmentBalance
}
func (e *InsufficientCommitmentBalanceError) Code() string {
	return ErrorCodeInsufficientCommitmentBalance
}

// InconsistentLedgerError means a ledger invariant that correct callers cannot break was broken.
// It is never retried and never repaired automatically.
type InconsistentLedgerError struct {
	Entity   string
	EntityId int
	Details  string
}

func (e *InconsistentLedgerError) Error() string {
	return fmt.Sprintf("inconsistent ledger on %s %d: %s", e.Entity, e.EntityId, e.Details)
}

func (e *InconsistentLedgerError) Is(target error) bool { return target == ErrInconsistentLedger }
func (e *InconsistentLedgerError) Code() string         { return ErrorCodeInconsistentLedger }
