package referral

import (
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/servoxhq/servox/internal/database"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.User{}, &database.ReferralTransaction{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	database.DB = db
}

func TestGenerateCode(t *testing.T) {
	setupTestDB(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate code: %v", err)
		}
		if len(code) != codeLength {
			t.Fatalf("code %q has length %d, want %d", code, len(code), codeLength)
		}
		for _, c := range code {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("code %q contains %q outside alphabet", code, c)
			}
		}
		if seen[code] {
			t.Fatalf("duplicate code %q after %d draws", code, i)
		}
		seen[code] = true
	}
}

func TestValidate(t *testing.T) {
	setupTestDB(t)

	user := &database.User{Name: "Ref", Email: "ref@example.com", PasswordHash: "x", ReferralCode: "GOODCODE"}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if got := Validate("GOODCODE"); got != user.ID {
		t.Errorf("Validate(known) = %d, want %d", got, user.ID)
	}
	if got := Validate("NOPE1234"); got != 0 {
		t.Errorf("Validate(unknown) = %d, want 0", got)
	}
	if got := Validate(""); got != 0 {
		t.Errorf("Validate(empty) = %d, want 0", got)
	}
}

func TestProcessCommission(t *testing.T) {
	setupTestDB(t)

	referrer := &database.User{Name: "R", Email: "r@example.com", PasswordHash: "x", ReferralCode: "RCODE123"}
	if err := database.CreateUser(referrer); err != nil {
		t.Fatalf("create referrer: %v", err)
	}
	payer := &database.User{Name: "P", Email: "p@example.com", PasswordHash: "x", ReferralCode: "PCODE123", ReferredBy: referrer.ID}
	if err := database.CreateUser(payer); err != nil {
		t.Fatalf("create payer: %v", err)
	}

	ProcessCommission("VPS-REF1", payer.ID, 20.0)

	var txn database.ReferralTransaction
	if err := database.DB.Where("order_id = ?", "VPS-REF1").First(&txn).Error; err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.ReferrerID != referrer.ID || txn.ReferredUserID != payer.ID {
		t.Errorf("transaction parties = (%d, %d), want (%d, %d)", txn.ReferrerID, txn.ReferredUserID, referrer.ID, payer.ID)
	}
	if txn.Amount != 2.0 {
		t.Errorf("commission = %v, want 2.0", txn.Amount)
	}
	if txn.Status != "completed" {
		t.Errorf("status = %q, want completed", txn.Status)
	}

	updated, err := database.GetUserByID(referrer.ID)
	if err != nil {
		t.Fatalf("reload referrer: %v", err)
	}
	if updated.ReferralEarnings != 2.0 {
		t.Errorf("earnings = %v, want 2.0", updated.ReferralEarnings)
	}
}

func TestProcessCommissionWithoutReferrer(t *testing.T) {
	setupTestDB(t)

	payer := &database.User{Name: "Solo", Email: "solo@example.com", PasswordHash: "x", ReferralCode: "SOLO1234"}
	if err := database.CreateUser(payer); err != nil {
		t.Fatalf("create payer: %v", err)
	}

	ProcessCommission("VPS-REF2", payer.ID, 20.0)

	var count int64
	database.DB.Model(&database.ReferralTransaction{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no transactions, found %d", count)
	}
}

func TestStatsFor(t *testing.T) {
	setupTestDB(t)

	referrer := &database.User{Name: "R", Email: "r@example.com", PasswordHash: "x", ReferralCode: "RCODE123"}
	if err := database.CreateUser(referrer); err != nil {
		t.Fatalf("create referrer: %v", err)
	}
	for i, email := range []string{"a@example.com", "b@example.com"} {
		u := &database.User{Name: "U", Email: email, PasswordHash: "x", ReferralCode: codeAlphabet[i : i+8], ReferredBy: referrer.ID}
		if err := database.CreateUser(u); err != nil {
			t.Fatalf("create referred user: %v", err)
		}
		ProcessCommission("VPS-STAT"+email, u.ID, 10.0)
	}

	stats, err := StatsFor(referrer.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Code != "RCODE123" {
		t.Errorf("code = %q, want RCODE123", stats.Code)
	}
	if stats.ReferredUsers != 2 {
		t.Errorf("referred users = %d, want 2", stats.ReferredUsers)
	}
	if stats.TotalEarnings != 2.0 {
		t.Errorf("earnings = %v, want 2.0", stats.TotalEarnings)
	}
	if len(stats.Recent) != 2 {
		t.Errorf("recent transactions = %d, want 2", len(stats.Recent))
	}

	if _, err := StatsFor(999); err == nil {
		t.Error("expected error for unknown user")
	}
}
