package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/servoxhq/servox/internal/auth"
	"github.com/servoxhq/servox/internal/config"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/logutil"
	"github.com/servoxhq/servox/internal/mailer"
)

const resetTokenTTL = 1 * time.Hour

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword always answers success so the endpoint cannot be used
// to enumerate accounts.
func ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if user, err := database.GetUserByEmail(email); err == nil {
		buf := make([]byte, 32)
		rand.Read(buf)
		token := hex.EncodeToString(buf)
		err := database.CreateResetToken(&database.ResetToken{
			Token:     token,
			UserID:    user.ID,
			ExpiresAt: time.Now().Add(resetTokenTTL),
		})
		if err == nil {
			link := config.Cfg.FrontendURL + "/reset-password?token=" + token
			go func() {
				if err := mailer.SendPasswordReset(email, link); err != nil {
					log.Printf("[auth] reset mail failed for %s: %v", logutil.SanitizeForLog(email), err)
				}
			}()
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"detail": "If the account exists, a reset link was sent",
	})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ResetPassword consumes a single-use token and sets the new password.
func ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	token, err := database.ConsumeResetToken(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired reset token")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}
	if err := database.UpdateUserPassword(token.UserID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}
	Sessions.DeleteByUserID(token.UserID)

	writeJSON(w, http.StatusOK, map[string]string{"detail": "Password updated"})
}
