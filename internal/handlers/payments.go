package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/logutil"
	"github.com/servoxhq/servox/internal/middleware"
	"github.com/servoxhq/servox/internal/monitor"
	"github.com/servoxhq/servox/internal/payments"
	"github.com/servoxhq/servox/internal/referral"
)

type initiatePaymentRequest struct {
	OrderID string `json:"order_id"`
}

// InitiatePayment creates a gateway invoice for an unpaid order. The
// amount always comes from the order record, never from the client.
func InitiatePayment(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	if Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}

	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := database.GetOrderByOrderID(req.OrderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}
	if order.UserID != user.ID {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	if order.Status != "created" {
		writeError(w, http.StatusConflict, "Order is not awaiting payment")
		return
	}

	invoice, err := Gateway.CreateInvoice(r.Context(), payments.InvoiceRequest{
		Amount:   fmt.Sprintf("%.2f", order.Price),
		Currency: "USD",
		OrderID:  order.OrderID,
	})
	if err != nil {
		log.Printf("[payments] invoice creation failed for order %s: %v",
			logutil.SanitizeForLog(order.OrderID), err)
		writeError(w, http.StatusBadGateway, "Payment gateway unavailable")
		return
	}

	paymentID := invoice.UUID
	if paymentID == "" {
		paymentID = uuid.NewString()
	}
	payment := &database.Payment{
		PaymentID: paymentID,
		OrderID:   order.OrderID,
		UserID:    user.ID,
		Amount:    order.Price,
		Currency:  "USD",
		Status:    "pending",
	}
	if err := database.DB.Create(payment).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record payment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"payment_id":  paymentID,
		"payment_url": invoice.PaymentURL,
	})
}

// PaymentWebhook processes gateway callbacks. The signature is verified
// over the raw body before anything is parsed.
func PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable body")
		return
	}
	if !Gateway.VerifyWebhook(body, r.Header.Get("sign")) {
		log.Printf("[payments] webhook with bad signature from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event payments.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	order, err := database.GetOrderByOrderID(event.OrderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown order")
		return
	}

	switch event.Status {
	case payments.StatusPaid:
		database.DB.Model(&database.Payment{}).
			Where("order_id = ?", order.OrderID).
			Updates(map[string]interface{}{"status": "completed", "txn_id": event.TxnID})
		database.DB.Model(order).Update("status", "paid")
		referral.ProcessCommission(order.OrderID, order.UserID, order.Price)
		monitor.PaymentsProcessed.WithLabelValues("completed").Inc()
		log.Printf("[payments] order %s paid", logutil.SanitizeForLog(order.OrderID))
	case payments.StatusCancelled:
		database.DB.Model(&database.Payment{}).
			Where("order_id = ?", order.OrderID).Update("status", "cancelled")
		database.DB.Model(order).Update("status", "cancelled")
		monitor.PaymentsProcessed.WithLabelValues("cancelled").Inc()
	case payments.StatusExpired:
		database.DB.Model(&database.Payment{}).
			Where("order_id = ?", order.OrderID).Update("status", "failed")
		database.DB.Model(order).Update("status", "failed")
		monitor.PaymentsProcessed.WithLabelValues("failed").Inc()
	default:
		log.Printf("[payments] ignoring webhook status %q for order %s",
			logutil.SanitizeForLog(event.Status), logutil.SanitizeForLog(order.OrderID))
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}
