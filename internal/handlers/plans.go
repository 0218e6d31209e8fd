package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/servoxhq/servox/internal/database"
)

func ListPlans(w http.ResponseWriter, r *http.Request) {
	var plans []database.Plan
	if err := database.DB.Order("price").Find(&plans).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load plans")
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func CreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan database.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if plan.Name == "" || plan.Price <= 0 || plan.CPUCores <= 0 {
		writeError(w, http.StatusBadRequest, "Plan name, price and cpu cores are required")
		return
	}
	if plan.BillingCycle == "" {
		plan.BillingCycle = "monthly"
	}
	plan.ID = 0
	if err := database.DB.Create(&plan).Error; err != nil {
		writeError(w, http.StatusConflict, "Failed to create plan")
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func DeletePlan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid plan ID")
		return
	}
	if err := database.DB.Delete(&database.Plan{}, id).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete plan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Plan deleted"})
}
