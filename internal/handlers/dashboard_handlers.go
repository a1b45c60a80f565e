package handlers

import (
	"net/http"
)

type DashboardStats struct {
	TotalUsers  int `json:"totalUsers"`
	ActiveUsers int `json:"activeUsers"`
	Projects    int `json:"projects"`
	Completed   int `json:"completed"`
}

type Activity struct {
	Icon  string `json:"icon"`
	Title string `json:"title"`
	Time  string `json:"time"`
}

// DashboardHandlers serve static demo data behind authentication.
type DashboardHandlers struct{}

func NewDashboardHandlers() *DashboardHandlers {
	return &DashboardHandlers{}
}

func (h *DashboardHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, DashboardStats{
		TotalUsers:  1250,
		ActiveUsers: 856,
		Projects:    42,
		Completed:   38,
	})
}

func (h *DashboardHandlers) Activity(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, []Activity{
		{Icon: "✅", Title: "Completed project deployment", Time: "2 hours ago"},
		{Icon: "📝", Title: "Updated user documentation", Time: "5 hours ago"},
		{Icon: "🎉", Title: "New feature released", Time: "1 day ago"},
		{Icon: "🔧", Title: "Fixed critical bug", Time: "2 days ago"},
		{Icon: "📊", Title: "Generated monthly report", Time: "3 days ago"},
	})
}

type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, HealthResponse{Status: "ok", Message: "Server is running"})
}
