package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

const (
	NumberSeriesGERequest      = "GE"
	NumberSeriesCommitment     = "CMT"
	NumberSeriesPaymentVoucher = "PV"
)

// DocumentNumberSeries hands out gap-free numbers per module and fiscal year.
// The counter row is locked for the rest of the caller's transaction.
type DocumentNumberSeries struct {
	ID         int       `gorm:"primary_key" json:"id"`
	Module     string    `gorm:"size:20;not null;index:uniq_document_number_series,unique" json:"module"`
	FiscalYear int       `gorm:"not null;index:uniq_document_number_series,unique" json:"fiscal_year"`
	Prefix     string    `gorm:"size:10;not null" json:"prefix"`
	LastNumber int       `gorm:"not null;default:0" json:"last_number"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func lockNumberSeries(tx *gorm.DB, module string, fiscalYear int) (*DocumentNumberSeries, error) {
	var series DocumentNumberSeries
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("module = ? AND fiscal_year = ?", module, fiscalYear).
		Take(&series).Error
	if err == nil {
		return &series, nil
	}
	if utils.NotFoundOr(err) != utils.ErrorRecordNotFound {
		return nil, err
	}

	series = DocumentNumberSeries{Module: module, FiscalYear: fiscalYear, Prefix: module}
	if err := tx.Create(&series).Error; err != nil {
		if !utils.IsDuplicateKey(err) {
			return nil, err
		}
		// another transaction created the row first
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("module = ? AND fiscal_year = ?", module, fiscalYear).
			Take(&series).Error; err != nil {
			return nil, err
		}
	}
	return &series, nil
}

// nextDocumentNumber returns e.g. "CMT-2026-000001".
func nextDocumentNumber(tx *gorm.DB, module string, fiscalYear int) (string, error) {
	series, err := lockNumberSeries(tx, module, fiscalYear)
	if err != nil {
		return "", err
	}
	next := series.LastNumber + 1
	res := tx.Model(&DocumentNumberSeries{}).
		Where("id = ? AND last_number = ?", series.ID, series.LastNumber).
		Update("last_number", next)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", fmt.Errorf("number series %s/%d changed concurrently", module, fiscalYear)
	}
	return fmt.Sprintf("%s-%d-%06d", series.Prefix, fiscalYear, next), nil
}
