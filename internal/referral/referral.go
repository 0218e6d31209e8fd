// Package referral handles referral codes and commission bookkeeping.
package referral

import (
	"crypto/rand"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/servoxhq/servox/internal/database"
)

// CommissionRate is the flat share of a completed payment credited to
// the referrer.
const CommissionRate = 0.10

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const codeLength = 8

// GenerateCode produces a new referral code, retrying on the unlikely
// collision.
func GenerateCode() (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		for i := range buf {
			buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(buf)
		if _, err := database.GetUserByReferralCode(code); err != nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate referral code: exhausted attempts")
}

// Validate resolves a referral code to its owner's id, or 0 when unknown.
func Validate(code string) uint {
	if code == "" {
		return 0
	}
	user, err := database.GetUserByReferralCode(code)
	if err != nil {
		return 0
	}
	return user.ID
}

// ProcessCommission credits the referrer of the paying user after a
// completed payment. No-op when the payer was not referred.
func ProcessCommission(orderID string, payerID uint, amount float64) {
	payer, err := database.GetUserByID(payerID)
	if err != nil || payer.ReferredBy == 0 {
		return
	}

	commission := amount * CommissionRate
	txn := &database.ReferralTransaction{
		ReferrerID:     payer.ReferredBy,
		ReferredUserID: payerID,
		OrderID:        orderID,
		Amount:         commission,
		Status:         "completed",
	}
	if err := database.DB.Create(txn).Error; err != nil {
		log.Printf("[referral] record commission for order %s: %v", orderID, err)
		return
	}
	if err := database.DB.Model(&database.User{}).Where("id = ?", payer.ReferredBy).
		Update("referral_earnings", gorm.Expr("referral_earnings + ?", commission)).Error; err != nil {
		log.Printf("[referral] credit earnings for user %d: %v", payer.ReferredBy, err)
		return
	}
	log.Printf("[referral] credited %.2f to user %d for order %s", commission, payer.ReferredBy, orderID)
}

// Stats summarizes a user's referral activity.
type Stats struct {
	Code          string                         `json:"code"`
	ReferredUsers int64                          `json:"referred_users"`
	TotalEarnings float64                        `json:"total_earnings"`
	Recent        []database.ReferralTransaction `json:"recent"`
}

func StatsFor(userID uint) (*Stats, error) {
	user, err := database.GetUserByID(userID)
	if err != nil {
		return nil, err
	}

	var referred int64
	database.DB.Model(&database.User{}).Where("referred_by = ?", userID).Count(&referred)

	var recent []database.ReferralTransaction
	database.DB.Where("referrer_id = ?", userID).
		Order("created_at DESC").Limit(10).Find(&recent)

	return &Stats{
		Code:          user.ReferralCode,
		ReferredUsers: referred,
		TotalEarnings: user.ReferralEarnings,
		Recent:        recent,
	}, nil
}
