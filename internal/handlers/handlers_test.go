package handlers

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/servoxhq/servox/internal/auth"
	"github.com/servoxhq/servox/internal/database"
)

// setupTestDB wires the global DB to an in-memory SQLite database and
// resets the session store.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(
		&database.User{}, &database.Plan{}, &database.Order{}, &database.InstanceMetric{},
		&database.Payment{}, &database.ReferralTransaction{}, &database.ResetToken{}, &database.Setting{},
	); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	database.DB = db
	Sessions = auth.NewSessionStore()
}

func createTestUser(t *testing.T, email, role, referralCode string) *database.User {
	t.Helper()
	hash, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &database.User{
		Name:         "Test User",
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		ReferralCode: referralCode,
	}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}
