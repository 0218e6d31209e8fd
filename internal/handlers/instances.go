package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/middleware"
	"github.com/servoxhq/servox/internal/sshmetrics"
)

// instanceView is an order joined with its latest usage snapshot.
type instanceView struct {
	database.Order
	Metrics *database.InstanceMetric `json:"metrics"`
}

// staleAfter triggers a background refresh when a listed snapshot is
// older than this.
const staleAfter = 5 * time.Minute

// ListInstances returns the caller's deployed instances with their most
// recent snapshots, kicking off background refreshes for stale ones.
func ListInstances(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	orders, err := database.ListUserDeployedOrders(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load instances")
		return
	}

	views := make([]instanceView, 0, len(orders))
	for i := range orders {
		view := instanceView{Order: orders[i]}
		if m, err := database.GetInstanceMetric(orders[i].ID); err == nil {
			view.Metrics = m
			if time.Since(m.CollectedAt) > staleAfter {
				refreshInBackground(&orders[i])
			}
		} else {
			refreshInBackground(&orders[i])
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func refreshInBackground(order *database.Order) {
	target, err := sshmetrics.TargetFromOrder(order)
	if err != nil {
		return
	}
	go Collector.FetchAndStore(context.Background(), target)
}

func instanceFromRequest(w http.ResponseWriter, r *http.Request) (*database.Order, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid instance ID")
		return nil, false
	}
	if !middleware.CanAccessInstance(r, uint(id)) {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	order, err := database.GetOrderByInstanceID(uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Instance not found")
		return nil, false
	}
	return order, true
}

func GetInstance(w http.ResponseWriter, r *http.Request) {
	order, ok := instanceFromRequest(w, r)
	if !ok {
		return
	}
	view := instanceView{Order: *order}
	if m, err := database.GetInstanceMetric(order.ID); err == nil {
		view.Metrics = m
	}
	writeJSON(w, http.StatusOK, view)
}

type actionRequest struct {
	Action string `json:"action"`
}

var actionStatus = map[string]string{
	"start":   "running",
	"stop":    "stopped",
	"restart": "running",
}

// InstanceAction relays start/stop/restart to the provider and reports a
// plain success boolean.
func InstanceAction(w http.ResponseWriter, r *http.Request) {
	order, ok := instanceFromRequest(w, r)
	if !ok {
		return
	}
	if Provider == nil {
		writeError(w, http.StatusServiceUnavailable, "Provider integration is not configured")
		return
	}
	if order.ProviderInstanceID == "" {
		writeError(w, http.StatusConflict, "Instance has no provider reference")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	status, validAction := actionStatus[req.Action]
	if !validAction {
		writeError(w, http.StatusBadRequest, "Action must be start, stop or restart")
		return
	}

	if err := Provider.PerformAction(r.Context(), order.ProviderInstanceID, req.Action); err != nil {
		log.Printf("[instances] action %s failed for instance %d: %v", req.Action, order.ID, err)
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}

	if err := database.UpdateInstanceStatus(order.ID, status); err != nil {
		log.Printf("[instances] status update failed for instance %d: %v", order.ID, err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RefreshInstanceMetrics forces a collection round outside the schedule.
func RefreshInstanceMetrics(w http.ResponseWriter, r *http.Request) {
	order, ok := instanceFromRequest(w, r)
	if !ok {
		return
	}
	target, err := sshmetrics.TargetFromOrder(order)
	if err != nil {
		writeError(w, http.StatusConflict, "Instance has no usable credentials")
		return
	}

	snapshot := Collector.GetUsage(r.Context(), target)
	writeJSON(w, http.StatusOK, snapshot)
}
