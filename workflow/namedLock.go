package workflow

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// AcquireNamedLock takes a MySQL advisory lock, waiting up to 30 seconds.
// GET_LOCK is connection-scoped, so release on the same connection.
func AcquireNamedLock(conn *gorm.DB, name string) error {
	var ok int
	if err := conn.Raw("SELECT GET_LOCK(?, 30)", name).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire lock %s", name)
	}
	return nil
}

func ReleaseNamedLock(conn *gorm.DB, name string) {
	var ok int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&ok).Error
}

// withNamedLock runs fn while holding the advisory lock on a pinned connection.
// Other dialects have no GET_LOCK and run fn directly.
func withNamedLock(ctx context.Context, db *gorm.DB, name string, fn func() error) error {
	if db.Dialector.Name() != "mysql" {
		return fn()
	}
	return db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireNamedLock(conn, name); err != nil {
			return err
		}
		defer ReleaseNamedLock(conn, name)
		return fn()
	})
}
