// Package dbtest opens isolated in-memory SQLite databases carrying the full
// schema, for repository and integration tests.
package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/engagement-dispatch/pkg/db/models"
)

// Models lists every persisted model in dependency order.
func Models() []any {
	return []any{
		&models.JobClaim{},
		&models.Campaign{},
		&models.CampaignRun{},
		&models.Recipient{},
		&models.RecipientCounter{},
		&models.DeliveryLog{},
		&models.InteractionEvent{},
		&models.FeedbackEvent{},
		&models.ScheduledTask{},
	}
}

// Open returns a fresh database named after the test. The pool is capped at a
// single connection so concurrent goroutines serialize instead of tripping
// SQLite's shared-cache table locks.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:dbtest_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return conn
}
