package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/servoxhq/servox/internal/auth"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/middleware"
	"github.com/servoxhq/servox/internal/sshterminal"
)

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestRegister(t *testing.T) {
	setupTestDB(t)

	w := postJSON(t, Register, map[string]string{
		"name":     "Alice",
		"email":    "Alice@Example.com",
		"password": "password123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Email is stored lowercased.
	user, err := database.GetUserByEmail("alice@example.com")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.ReferralCode == "" {
		t.Fatal("expected a referral code assigned at signup")
	}

	// A session cookie is set.
	cookies := w.Result().Cookies()
	var found bool
	for _, c := range cookies {
		if c.Name == auth.SessionCookie && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected session cookie on register")
	}
}

func TestRegisterValidation(t *testing.T) {
	setupTestDB(t)

	w := postJSON(t, Register, map[string]string{
		"name":     "Alice",
		"email":    "alice@example.com",
		"password": "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", w.Code)
	}

	createTestUser(t, "taken@example.com", "user", "TAKEN123")
	w = postJSON(t, Register, map[string]string{
		"name":     "Bob",
		"email":    "taken@example.com",
		"password": "password123",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", w.Code)
	}
}

func TestRegisterLinksReferrer(t *testing.T) {
	setupTestDB(t)
	referrer := createTestUser(t, "ref@example.com", "user", "REFCODE1")

	w := postJSON(t, Register, map[string]string{
		"name":          "Bob",
		"email":         "bob@example.com",
		"password":      "password123",
		"referral_code": "REFCODE1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	user, err := database.GetUserByEmail("bob@example.com")
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.ReferredBy != referrer.ID {
		t.Fatalf("expected referred_by %d, got %d", referrer.ID, user.ReferredBy)
	}
}

func TestLogin(t *testing.T) {
	setupTestDB(t)
	createTestUser(t, "alice@example.com", "user", "ALICE123")

	w := postJSON(t, Login, map[string]string{
		"email":    "alice@example.com",
		"password": "password123",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, Login, map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", w.Code)
	}

	w = postJSON(t, Login, map[string]string{
		"email":    "nobody@example.com",
		"password": "password123",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", w.Code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	setupTestDB(t)
	user := createTestUser(t, "alice@example.com", "user", "ALICE123")

	sessionID, err := Sessions.Create(user.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sessionID})
	w := httptest.NewRecorder()
	Logout(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, ok := Sessions.Get(sessionID); ok {
		t.Fatal("session survived logout")
	}
}

func TestTerminalAuth(t *testing.T) {
	setupTestDB(t)
	owner := createTestUser(t, "owner@example.com", "user", "OWNER123")
	other := createTestUser(t, "other@example.com", "user", "OTHER123")
	admin := createTestUser(t, "admin@example.com", "admin", "ADMIN123")

	var err error
	Tokens, err = sshterminal.NewTokenManager()
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	order := &database.Order{
		OrderID:          "VPS-TA1",
		UserID:           owner.ID,
		Status:           "completed",
		DeploymentStatus: "deployed",
		IPAddress:        "203.0.113.4",
	}
	if err := database.DB.Create(order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}

	issue := func(user *database.User, instanceID uint) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(map[string]uint{"instance_id": instanceID})
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
		req = middleware.WithUserForTest(req, user)
		w := httptest.NewRecorder()
		TerminalAuth(w, req)
		return w
	}

	w := issue(owner, order.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	claims, err := Tokens.Verify(resp.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.UserID != owner.ID || claims.InstanceID != order.ID {
		t.Fatalf("claims = %+v", claims)
	}
	if resp.ExpiresIn != int(sshterminal.TokenTTL.Seconds()) {
		t.Fatalf("expires_in = %d", resp.ExpiresIn)
	}

	if w := issue(other, order.ID); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", w.Code)
	}
	if w := issue(admin, order.ID); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", w.Code)
	}
	if w := issue(owner, 999); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instance, got %d", w.Code)
	}

	pending := &database.Order{
		OrderID: "VPS-TA2",
		UserID:  owner.ID,
		Status:  "paid",
	}
	database.DB.Create(pending)
	if w := issue(owner, pending.ID); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for undeployed instance, got %d", w.Code)
	}
}
