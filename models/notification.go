package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

// NotificationRecord is the transactional outbox row. It is written with the transition and
// published after commit by the dispatcher, so a publish failure never undoes a transition.
type NotificationRecord struct {
	ID               int        `gorm:"primary_key;index:idx_notification_dispatch,priority:3" json:"id"`
	EventType        string     `gorm:"size:50;index;not null" json:"event_type"`
	ReferenceType    string     `gorm:"size:50;not null" json:"reference_type"`
	ReferenceId      int        `gorm:"index;not null" json:"reference_id"`
	Recipients       string     `gorm:"type:text" json:"recipients"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_notification_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_notification_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func roleRecipient(role Role) string { return "role:" + string(role) }
func userRecipient(id int) string    { return fmt.Sprintf("user:%d", id) }

func enqueueNotification(tx *gorm.DB, eventType string, referenceType string, referenceId int, recipients []string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	to, err := json.Marshal(recipients)
	if err != nil {
		return err
	}
	record := NotificationRecord{
		EventType:     eventType,
		ReferenceType: referenceType,
		ReferenceId:   referenceId,
		Recipients:    string(to),
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(tx.Statement.Context),
	}
	return tx.Create(&record).Error
}

func ConvertToNotificationMessage(record NotificationRecord) config.NotificationMessage {
	var recipients []string
	_ = json.Unmarshal([]byte(record.Recipients), &recipients)
	return config.NotificationMessage{
		ID:            record.ID,
		EventType:     record.EventType,
		ReferenceType: record.ReferenceType,
		ReferenceId:   record.ReferenceId,
		Recipients:    recipients,
		Payload:       json.RawMessage(record.Payload),
		OccurredAt:    record.CreatedAt,
		CorrelationId: record.CorrelationId,
	}
}

func ListNotifications(ctx context.Context, referenceType string, referenceId int) ([]*NotificationRecord, error) {
	var results []*NotificationRecord
	if err := config.GetDB().WithContext(ctx).
		Where("reference_type = ? AND reference_id = ?", referenceType, referenceId).
		Order("id").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ReplayDeadNotifications resets DEAD rows to PENDING so the dispatcher retries them.
func ReplayDeadNotifications(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	db := config.GetDB().WithContext(ctx)
	var ids []int
	if err := db.Model(&NotificationRecord{}).
		Where("publish_status = ?", OutboxPublishStatusDead).
		Order("id").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.Model(&NotificationRecord{}).
		Where("id IN ? AND publish_status = ?", ids, OutboxPublishStatusDead).
		Updates(map[string]interface{}{
			"publish_status":   OutboxPublishStatusPending,
			"publish_attempts": 0,
			"next_attempt_at":  nil,
			"locked_at":        nil,
			"locked_by":        nil,
		})
	return res.RowsAffected, res.Error
}
