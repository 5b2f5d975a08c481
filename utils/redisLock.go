package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

const advisoryLockTTL = 30 * time.Second

// WithAdvisoryLock runs fn while holding a Redis lock on lockType:id when one can be obtained.
// The lock only reduces contention on hot rows; database guards stay authoritative, so a
// missing Redis or a lock that cannot be obtained never blocks fn.
func WithAdvisoryLock(ctx context.Context, lockType string, id int, fn func() error) error {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return fn()
	}

	lockKey := fmt.Sprintf("%s:%d", lockType, id)
	lock, err := locker.Obtain(ctx, lockKey, advisoryLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if err != nil {
		if !errors.Is(err, redislock.ErrNotObtained) {
			config.LogError(logger, "Utils", "WithAdvisoryLock", "obtain lock", lockKey, err)
		} else {
			logger.WithFields(logrus.Fields{"lock_key": lockKey}).Warn("advisory lock busy; continuing on database guards")
		}
		return fn()
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	return fn()
}
