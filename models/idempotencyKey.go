package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/utils"
)

const IdempotencyScopeVoucherCreate = "payment_voucher.create"

// errIdempotencyKeyTaken means another transaction stored the same key first.
var errIdempotencyKeyTaken = errors.New("idempotency key claimed concurrently")

// IdempotencyKey remembers which resource a client-supplied key produced, and for what.
// Unique constraint: (scope, actor_id, idempotency_key).
type IdempotencyKey struct {
	ID             int       `gorm:"primary_key" json:"id"`
	Scope          string    `gorm:"size:100;not null;index:uniq_idempotency_key,unique" json:"scope"`
	ActorId        int       `gorm:"not null;index:uniq_idempotency_key,unique" json:"actor_id"`
	IdempotencyKey string    `gorm:"size:255;not null;index:uniq_idempotency_key,unique" json:"idempotency_key"`
	TargetId       int       `gorm:"not null;default:0" json:"target_id"`
	RequestHash    string    `gorm:"size:64;not null;default:''" json:"request_hash"`
	ResourceId     int       `gorm:"not null" json:"resource_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// idempotentCall identifies one keyed command: the parent it acts on and a digest of its payload.
type idempotentCall struct {
	Scope    string
	ActorId  int
	Key      string
	TargetId int
	Hash     string
}

func newIdempotentCall(scope string, actorId int, key string, targetId int, payload interface{}) (idempotentCall, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return idempotentCall{}, err
	}
	sum := sha256.Sum256(body)
	return idempotentCall{
		Scope:    scope,
		ActorId:  actorId,
		Key:      key,
		TargetId: targetId,
		Hash:     hex.EncodeToString(sum[:]),
	}, nil
}

// lookupIdempotentResource returns the resource id recorded for the key, or 0.
// A key that was first used against another target or with another payload is rejected.
func lookupIdempotentResource(tx *gorm.DB, call idempotentCall) (int, error) {
	var rec IdempotencyKey
	err := tx.Where("scope = ? AND actor_id = ? AND idempotency_key = ?", call.Scope, call.ActorId, call.Key).Take(&rec).Error
	if err != nil {
		if utils.NotFoundOr(err) == utils.ErrorRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	if rec.TargetId != call.TargetId || rec.RequestHash != call.Hash {
		return 0, newValidationError("idempotency_key", fmt.Sprintf("was already used for a different request (resource %d)", rec.ResourceId))
	}
	return rec.ResourceId, nil
}

func saveIdempotentResource(tx *gorm.DB, call idempotentCall, resourceId int) error {
	err := tx.Create(&IdempotencyKey{
		Scope:          call.Scope,
		ActorId:        call.ActorId,
		IdempotencyKey: call.Key,
		TargetId:       call.TargetId,
		RequestHash:    call.Hash,
		ResourceId:     resourceId,
	}).Error
	if utils.IsDuplicateKey(err) {
		return errIdempotencyKeyTaken
	}
	return err
}

// resolveIdempotentRace runs after the losing transaction rolled back and returns whatever the
// winner recorded for the key.
func resolveIdempotentRace(ctx context.Context, call idempotentCall) (int, error) {
	id, err := lookupIdempotentResource(config.GetDB().WithContext(ctx), call)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errIdempotencyKeyTaken
	}
	return id, nil
}
