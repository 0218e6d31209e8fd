package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/servoxhq/servox/internal/config"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(
		&User{}, &Plan{}, &Order{}, &InstanceMetric{},
		&Payment{}, &ReferralTransaction{}, &ResetToken{}, &Setting{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaultPlans(); err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}

	return nil
}

func seedDefaultPlans() error {
	var count int64
	DB.Model(&Plan{}).Count(&count)
	if count > 0 {
		return nil
	}
	defaults := []Plan{
		{Name: "Starter", Price: 5.99, CPUCores: 2, RAMGB: 4, StorageGB: 50, BandwidthTB: 8, BillingCycle: "monthly"},
		{Name: "Business", Price: 11.99, CPUCores: 4, RAMGB: 8, StorageGB: 100, BandwidthTB: 16, BillingCycle: "monthly"},
		{Name: "Performance", Price: 23.99, CPUCores: 8, RAMGB: 16, StorageGB: 200, BandwidthTB: 32, BillingCycle: "monthly"},
	}
	for _, p := range defaults {
		if err := DB.Create(&p).Error; err != nil {
			return fmt.Errorf("seed plan %s: %w", p.Name, err)
		}
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByEmail(email string) (*User, error) {
	var u User
	if err := DB.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByGoogleID(googleID string) (*User, error) {
	var u User
	if err := DB.Where("google_id = ?", googleID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByReferralCode(code string) (*User, error) {
	var u User
	if err := DB.Where("referral_code = ?", code).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

// Order helpers

func GetOrderByOrderID(orderID string) (*Order, error) {
	var o Order
	if err := DB.Where("order_id = ?", orderID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func GetOrderByInstanceID(instanceID uint) (*Order, error) {
	var o Order
	if err := DB.First(&o, instanceID).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func ListUserOrders(userID uint) ([]Order, error) {
	var orders []Order
	if err := DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func ListOrdersByStatus(status string) ([]Order, error) {
	var orders []Order
	if err := DB.Where("status = ?", status).Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ListDeployedOrders returns every order with a deployed instance,
// the set the metrics scheduler walks.
func ListDeployedOrders() ([]Order, error) {
	var orders []Order
	if err := DB.Where("deployment_status = ?", "deployed").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func ListUserDeployedOrders(userID uint) ([]Order, error) {
	var orders []Order
	if err := DB.Where("user_id = ? AND deployment_status = ?", userID, "deployed").
		Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// Metrics helpers

// UpsertInstanceMetric overwrites the single snapshot row for an instance.
func UpsertInstanceMetric(m *InstanceMetric) error {
	return DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		UpdateAll: true,
	}).Create(m).Error
}

func GetInstanceMetric(instanceID uint) (*InstanceMetric, error) {
	var m InstanceMetric
	if err := DB.Where("instance_id = ?", instanceID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func UpdateInstanceStatus(instanceID uint, status string) error {
	return UpsertStatusOnly(instanceID, status)
}

// UpsertStatusOnly records a status change without touching usage numbers.
func UpsertStatusOnly(instanceID uint, status string) error {
	var m InstanceMetric
	err := DB.Where("instance_id = ?", instanceID).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return DB.Create(&InstanceMetric{
			InstanceID:  instanceID,
			Status:      status,
			CollectedAt: time.Now(),
		}).Error
	}
	if err != nil {
		return err
	}
	return DB.Model(&m).Update("status", status).Error
}

// Reset token helpers

func CreateResetToken(t *ResetToken) error {
	return DB.Create(t).Error
}

func ConsumeResetToken(token string) (*ResetToken, error) {
	var t ResetToken
	if err := DB.Where("token = ? AND used = ? AND expires_at > ?", token, false, time.Now()).First(&t).Error; err != nil {
		return nil, err
	}
	if err := DB.Model(&t).Update("used", true).Error; err != nil {
		return nil, err
	}
	return &t, nil
}
