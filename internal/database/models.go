package database

import "time"

type User struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name             string    `gorm:"not null;size:128" json:"name"`
	Email            string    `gorm:"uniqueIndex;not null;size:255" json:"email"`
	PasswordHash     string    `gorm:"not null" json:"-"`
	Role             string    `gorm:"not null;default:user" json:"role"`
	GoogleID         string    `gorm:"index" json:"-"`
	ReferralCode     string    `gorm:"uniqueIndex;size:16" json:"referral_code"`
	ReferredBy       uint      `gorm:"default:0" json:"-"`
	ReferralEarnings float64   `gorm:"default:0" json:"referral_earnings"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Plan struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"uniqueIndex;not null;size:64" json:"name"`
	Price        float64   `gorm:"not null" json:"price"`
	CPUCores     int       `gorm:"not null" json:"cpu_cores"`
	RAMGB        int       `gorm:"not null" json:"ram_gb"`
	StorageGB    int       `gorm:"not null" json:"storage_gb"`
	BandwidthTB  float64   `gorm:"not null" json:"bandwidth_tb"`
	BillingCycle string    `gorm:"not null;default:monthly" json:"billing_cycle"`
	ProviderRef  string    `gorm:"size:64" json:"-"` // provider product id used at deploy time
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Order embeds a snapshot of the purchased plan so later plan edits
// never change what a customer already bought.
type Order struct {
	ID          uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     string  `gorm:"uniqueIndex;not null;size:32" json:"order_id"`
	UserID      uint    `gorm:"not null;index" json:"user_id"`
	PlanID      uint    `gorm:"not null" json:"plan_id"`
	PlanName    string  `gorm:"not null" json:"plan_name"`
	Price       float64 `gorm:"not null" json:"price"`
	CPUCores    int     `json:"cpu_cores"`
	RAMGB       int     `json:"ram_gb"`
	StorageGB   int     `json:"storage_gb"`
	BandwidthTB float64 `json:"bandwidth_tb"`

	// created -> paid -> completed; cancelled / failed on gateway signals.
	Status string `gorm:"not null;default:created;index" json:"status"`

	// Deployment details, filled in by admins.
	Hostname           string     `json:"hostname"`
	IPAddress          string     `json:"ip_address"`
	AdminUser          string     `gorm:"default:root" json:"admin_user"`
	AdminPasswordEnc   string     `json:"-"` // Fernet-encrypted
	ProviderInstanceID string     `gorm:"index" json:"-"`
	DeploymentStatus   string     `gorm:"not null;default:pending;index" json:"deployment_status"`
	RenewalDate        *time.Time `json:"renewal_date"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// InstanceMetric is the durable per-instance snapshot, one row per order,
// overwritten on every successful collection.
type InstanceMetric struct {
	ID         uint `gorm:"primaryKey;autoIncrement" json:"-"`
	InstanceID uint `gorm:"uniqueIndex;not null" json:"instance_id"`

	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`
	MemoryTotalMB   float64 `json:"memory_total_mb"`
	DiskUsedGB      float64 `json:"disk_used_gb"`
	DiskTotalGB     float64 `json:"disk_total_gb"`

	// MB/s since the previous sample, clamped at zero.
	NetworkInRate  float64 `json:"network_in_rate"`
	NetworkOutRate float64 `json:"network_out_rate"`

	BandwidthUsagePercent float64 `json:"bandwidth_usage_percent"`

	Status      string    `gorm:"default:unknown" json:"status"`
	CollectedAt time.Time `json:"collected_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"-"`
}

type Payment struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID string    `gorm:"uniqueIndex;not null;size:64" json:"payment_id"`
	OrderID   string    `gorm:"not null;index" json:"order_id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Amount    float64   `gorm:"not null" json:"amount"`
	Currency  string    `gorm:"not null;default:USD" json:"currency"`
	Status    string    `gorm:"not null;default:pending" json:"status"`
	TxnID     string    `json:"-"` // gateway-side transaction id
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type ReferralTransaction struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReferrerID     uint      `gorm:"not null;index" json:"referrer_id"`
	ReferredUserID uint      `gorm:"not null" json:"referred_user_id"`
	OrderID        string    `gorm:"not null" json:"order_id"`
	Amount         float64   `gorm:"not null" json:"amount"`
	Status         string    `gorm:"not null;default:completed" json:"status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type ResetToken struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Token     string    `gorm:"uniqueIndex;not null;size:128"`
	UserID    uint      `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null"`
	Used      bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
