// Package dashboard implements the /dashboard/api handlers that feed the
// signed-in user's overview page. All data is scoped to the session user.
package dashboard

import (
	"net/http"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/middleware"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// DashboardHandlers handles the user dashboard endpoints
type DashboardHandlers struct {
	reports *services.ReportService
}

// NewDashboardHandlers creates a new DashboardHandlers instance
func NewDashboardHandlers(reports *services.ReportService) *DashboardHandlers {
	return &DashboardHandlers{reports: reports}
}

// @Summary      Dashboard statistics
// @Description  Key counts, usage totals, the most used endpoint and logins over the last 7 days for the session user.
// @Tags         Dashboard
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Router       /dashboard/api/stats [get]
// StatsHandler returns the user's overview counters
func (h *DashboardHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.reports.DashboardStats(c.Request.Context(), c.GetString(middleware.ContextKeyUserID))
		if err != nil {
			views.Error(c, "dashboard stats", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": stats})
	}
}

// RecentActivityHandler pages through usage of all the user's keys
// GET /dashboard/api/recent_activity
func (h *DashboardHandlers) RecentActivityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := views.PageRequest(c, services.ActivityPageDefault, services.ActivityPageMax)
		rows, pagination, err := h.reports.RecentActivity(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), page)
		if err != nil {
			views.Error(c, "recent activity", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"activities": views.NewActivity(rows, false),
			"pagination": pagination,
		})
	}
}

// UsageChartHandler returns daily request counts for the last ?days days
// GET /dashboard/api/usage_chart
func (h *DashboardHandlers) UsageChartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := services.ClampDays(views.QueryInt(c, "days"), services.UsageChartDaysDefault, services.UsageChartDaysMax)
		series, err := h.reports.UsageChart(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), days)
		if err != nil {
			views.Error(c, "usage chart", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"chart_data": series})
	}
}

// LoginHistoryHandler pages through the user's login attempts
// GET /dashboard/api/login_history
func (h *DashboardHandlers) LoginHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := views.PageRequest(c, services.LoginHistoryPageDefault, services.LoginHistoryPageMax)
		rows, pagination, err := h.reports.LoginHistory(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), page)
		if err != nil {
			views.Error(c, "login history", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"login_history": views.NewLogins(rows),
			"pagination":    pagination,
		})
	}
}
