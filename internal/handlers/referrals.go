package handlers

import (
	"net/http"
	"strings"

	"github.com/servoxhq/servox/internal/middleware"
	"github.com/servoxhq/servox/internal/referral"
)

// ValidateReferralCode is public so the signup form can check a code
// before the account exists.
func ValidateReferralCode(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "Missing referral code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": referral.Validate(code) != 0})
}

func ReferralStats(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	stats, err := referral.StatsFor(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load referral stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
