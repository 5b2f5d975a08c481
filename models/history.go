package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

const (
	HistoryActionCreate = "CREATE"
	HistoryActionUpdate = "UPDATE"
)

// History is the generic before/after audit row written in the same transaction as the command.
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ActionType    string    `gorm:"size:20;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index:idx_history_reference,priority:2" json:"reference_id"`
	ReferenceType string    `gorm:"size:50;index:idx_history_reference,priority:1" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func createHistory(tx *gorm.DB,
	actor Actor,
	actionType string,
	referenceType string,
	referenceId int,
	before interface{},
	after interface{},
	description string) error {

	history := History{
		ActionType:    actionType,
		Description:   description,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserId:        actor.Id,
		UserName:      actor.Name,
		CorrelationId: correlationIdFromContextOrNew(tx.Statement.Context),
	}
	if before != nil {
		b, _ := json.Marshal(before)
		history.Before = string(b)
	}
	if after != nil {
		a, _ := json.Marshal(after)
		history.After = string(a)
	}
	return tx.Create(&history).Error
}

func GetHistories(ctx context.Context, referenceType string, referenceId int) ([]*History, error) {
	var results []*History
	err := config.GetDB().WithContext(ctx).
		Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).
		Order("id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
