package store

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// liveAppIndex allows at most one live sandbox row per app
const liveAppIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_user_sandboxes_live_app
ON user_sandboxes (app_id) WHERE sandbox_status NOT IN ('deleted', 'error')`

// Migrations returns the ordered schema migrations
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20250301_create_user_apps",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&UserApp{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("user_apps")
			},
		},
		{
			ID: "20250301_create_user_sandboxes",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&UserSandbox{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("user_sandboxes")
			},
		},
		{
			ID: "20250301_create_chat_history",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ChatMessage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("chat_history")
			},
		},
		{
			ID: "20250412_user_sandboxes_live_app_unique",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(liveAppIndex).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_user_sandboxes_live_app").Error
			},
		},
	}
}

// Migrate applies all pending migrations
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, Migrations())
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}
