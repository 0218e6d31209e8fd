package handlers

import (
	"net/http"

	"github.com/servoxhq/servox/internal/database"
	"github.com/servoxhq/servox/internal/middleware"
)

type overviewResponse struct {
	Instances     int     `json:"instances"`
	Active        int     `json:"active"`
	MonthlySpend  float64 `json:"monthly_spend"`
	PendingOrders int     `json:"pending_orders"`
}

// Overview summarizes a user's dashboard numbers.
func Overview(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	deployed, err := database.ListUserDeployedOrders(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load overview")
		return
	}

	resp := overviewResponse{Instances: len(deployed)}
	for i := range deployed {
		resp.MonthlySpend += deployed[i].Price
		if m, err := database.GetInstanceMetric(deployed[i].ID); err == nil && m.Status == "running" {
			resp.Active++
		}
	}

	var pending int64
	database.DB.Model(&database.Order{}).
		Where("user_id = ? AND status = ?", user.ID, "created").Count(&pending)
	resp.PendingOrders = int(pending)

	writeJSON(w, http.StatusOK, resp)
}
