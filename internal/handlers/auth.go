package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/servoxhq/servox/internal/auth"
	"github.com/servoxhq/servox/internal/config"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/logutil"
	"github.com/servoxhq/servox/internal/middleware"
	"github.com/servoxhq/servox/internal/referral"
	"github.com/servoxhq/servox/internal/sshterminal"
)

const googleStateCookie = "servox_oauth_state"

type registerRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	ReferralCode string `json:"referral_code"`
}

func Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Name == "" || req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Name, email and a password of at least 8 characters are required")
		return
	}
	if _, err := database.GetUserByEmail(req.Email); err == nil {
		writeError(w, http.StatusConflict, "An account with this email already exists")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}
	code, err := referral.GenerateCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	user := &database.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         "user",
		ReferralCode: code,
		ReferredBy:   referral.Validate(req.ReferralCode),
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	log.Printf("[auth] registered user %s", logutil.SanitizeForLog(req.Email))
	startSession(w, user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// AdminRegister creates an admin account. Reached only through the
// admin-gated router group.
func AdminRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Name == "" || req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Name, email and a password of at least 8 characters are required")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}
	code, err := referral.GenerateCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}
	user := &database.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         "admin",
		ReferralCode: code,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Failed to create admin account")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := database.GetUserByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	startSession(w, user.ID)
	writeJSON(w, http.StatusOK, user)
}

func Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		Sessions.Delete(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Logged out"})
}

func Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.GetUser(r))
}

func startSession(w http.ResponseWriter, userID uint) {
	sessionID, err := Sessions.Create(userID)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(auth.SessionDuration.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// GoogleLogin redirects to the Google consent screen.
func GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if !auth.GoogleEnabled() {
		writeError(w, http.StatusNotImplemented, "Google sign-in is not configured")
		return
	}
	buf := make([]byte, 16)
	rand.Read(buf)
	state := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     googleStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
	})
	http.Redirect(w, r, auth.GoogleAuthURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback completes the OAuth flow, creating the account on first
// sign-in.
func GoogleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(googleStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		writeError(w, http.StatusBadRequest, "OAuth state mismatch")
		return
	}

	profile, err := auth.GoogleExchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		log.Printf("[auth] google exchange failed: %v", err)
		writeError(w, http.StatusUnauthorized, "Google sign-in failed")
		return
	}

	user, err := database.GetUserByGoogleID(profile.ID)
	if err != nil {
		// Link by email if the account already exists, else create one.
		user, err = database.GetUserByEmail(strings.ToLower(profile.Email))
		if err == nil {
			database.DB.Model(user).Update("google_id", profile.ID)
		} else {
			code, cerr := referral.GenerateCode()
			if cerr != nil {
				writeError(w, http.StatusInternalServerError, "Failed to create account")
				return
			}
			buf := make([]byte, 32)
			rand.Read(buf)
			hash, _ := auth.HashPassword(hex.EncodeToString(buf))
			user = &database.User{
				Name:         profile.Name,
				Email:        strings.ToLower(profile.Email),
				PasswordHash: hash,
				Role:         "user",
				GoogleID:     profile.ID,
				ReferralCode: code,
			}
			if err := database.CreateUser(user); err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to create account")
				return
			}
			log.Printf("[auth] created account via google for %s", logutil.SanitizeForLog(user.Email))
		}
	}

	startSession(w, user.ID)
	http.Redirect(w, r, config.Cfg.FrontendURL+"/dashboard", http.StatusTemporaryRedirect)
}

type terminalAuthRequest struct {
	InstanceID uint `json:"instance_id"`
}

// TerminalAuth issues a capability token after verifying the requester
// owns the instance and it is deployed.
func TerminalAuth(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var req terminalAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := database.GetOrderByInstanceID(req.InstanceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Instance not found")
		return
	}
	if order.UserID != user.ID && user.Role != "admin" {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	if order.DeploymentStatus != "deployed" {
		writeError(w, http.StatusConflict, "Instance is not deployed yet")
		return
	}

	token, err := Tokens.Issue(user.ID, req.InstanceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(sshterminal.TokenTTL.Seconds()),
	})
}
