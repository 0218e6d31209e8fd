package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/servoxhq/servox/internal/crypto"
	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/logutil"
	"github.com/servoxhq/servox/internal/provision"
	"github.com/servoxhq/servox/internal/sshmetrics"
)

var adminListableStatuses = map[string]bool{
	"created":   true,
	"paid":      true,
	"completed": true,
	"cancelled": true,
	"failed":    true,
}

// AdminListOrders lists orders by status for the deployment workflow.
func AdminListOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "paid"
	}
	var (
		orders []database.Order
		err    error
	)
	if status == "deployed" {
		orders, err = database.ListDeployedOrders()
	} else if adminListableStatuses[status] {
		orders, err = database.ListOrdersByStatus(status)
	} else {
		writeError(w, http.StatusBadRequest, "Unknown status filter")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load orders")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

type deploymentPatch struct {
	Hostname           string `json:"hostname"`
	IPAddress          string `json:"ip_address"`
	AdminUser          string `json:"admin_user"`
	AdminPassword      string `json:"admin_password"`
	ProviderInstanceID string `json:"provider_instance_id"`
	Status             string `json:"status"`
}

// AdminPatchDeployment records deployment details for a paid order. When
// the status moves to deployed, post-deploy customization and an initial
// metrics round run in the background.
func AdminPatchDeployment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := database.GetOrderByOrderID(orderID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Order not found")
		return
	}

	var patch deploymentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updates := map[string]interface{}{}
	if patch.Hostname != "" {
		updates["hostname"] = patch.Hostname
	}
	if patch.IPAddress != "" {
		updates["ip_address"] = patch.IPAddress
	}
	if patch.AdminUser != "" {
		updates["admin_user"] = patch.AdminUser
	}
	if patch.ProviderInstanceID != "" {
		updates["provider_instance_id"] = patch.ProviderInstanceID
	}
	if patch.AdminPassword != "" {
		encrypted, err := crypto.Encrypt(patch.AdminPassword)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to store credentials")
			return
		}
		updates["admin_password_enc"] = encrypted
	}

	deploying := patch.Status == "deployed" && order.DeploymentStatus != "deployed"
	if patch.Status != "" {
		updates["deployment_status"] = patch.Status
	}

	if err := database.DB.Model(order).Updates(updates).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update deployment")
		return
	}

	refreshed, err := database.GetOrderByOrderID(orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload order")
		return
	}

	if deploying {
		go finalizeDeployment(refreshed)
	}
	writeJSON(w, http.StatusOK, refreshed)
}

// finalizeDeployment waits for SSH, applies customization and seeds the
// first metrics snapshot. Failures are logged; the deployment record
// stands either way.
func finalizeDeployment(order *database.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	target, err := sshmetrics.TargetFromOrder(order)
	if err != nil {
		log.Printf("[admin] deployment of %s lacks credentials: %v",
			logutil.SanitizeForLog(order.OrderID), err)
		return
	}

	if err := provision.WaitForSSH(ctx, order.IPAddress, 10*time.Minute); err != nil {
		log.Printf("[admin] ssh never came up for %s: %v", logutil.SanitizeForLog(order.OrderID), err)
		return
	}

	hostname := order.Hostname
	if hostname == "" {
		hostname = order.OrderID
	}
	if err := provision.Customize(ctx, order.IPAddress, target.User, target.Password, hostname); err != nil {
		log.Printf("[admin] customization failed for %s: %v", logutil.SanitizeForLog(order.OrderID), err)
	}

	Collector.FetchAndStore(ctx, target)
	log.Printf("[admin] deployment finalized for %s", logutil.SanitizeForLog(order.OrderID))
}
