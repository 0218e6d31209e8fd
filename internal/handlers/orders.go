package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/middleware"
)

// newOrderID builds the customer-facing order reference.
func newOrderID() string {
	return "VPS-" + strings.ToUpper(strconv.FormatInt(time.Now().UnixNano(), 36))
}

func renewalDate(billingCycle string) time.Time {
	now := time.Now()
	if billingCycle == "yearly" {
		return now.AddDate(1, 0, 0)
	}
	return now.AddDate(0, 1, 0)
}

type createOrderRequest struct {
	PlanID uint `json:"plan_id"`
}

// CreateOrder snapshots the chosen plan into a new order so later plan
// edits never affect existing purchases.
func CreateOrder(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var plan database.Plan
	if err := database.DB.First(&plan, req.PlanID).Error; err != nil {
		writeError(w, http.StatusNotFound, "Plan not found")
		return
	}

	renewal := renewalDate(plan.BillingCycle)
	order := &database.Order{
		OrderID:     newOrderID(),
		UserID:      user.ID,
		PlanID:      plan.ID,
		PlanName:    plan.Name,
		Price:       plan.Price,
		CPUCores:    plan.CPUCores,
		RAMGB:       plan.RAMGB,
		StorageGB:   plan.StorageGB,
		BandwidthTB: plan.BandwidthTB,
		Status:      "created",
		RenewalDate: &renewal,
	}
	if err := database.DB.Create(order).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func ListOrders(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	orders, err := database.ListUserOrders(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load orders")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func GetOrder(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	orderID := chi.URLParam(r, "orderId")

	order, err := database.GetOrderByOrderID(orderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	if order.UserID != user.ID && user.Role != "admin" {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	writeJSON(w, http.StatusOK, order)
}
