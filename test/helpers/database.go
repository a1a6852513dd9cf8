package helpers

import (
	"testing"

	"gorm.io/gorm"

	"github.com/syncdplatform/syncd/internal/infrastructure/database"
)

// NewTestDB creates a migrated in-memory SQLite database for a test,
// closing it automatically via t.Cleanup.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewTestConnection()
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close(db)
	})
	return db
}
