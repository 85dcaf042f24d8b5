// stats.go implements the admin reporting handlers: the system overview,
// usage analytics and the cross-user activity feed.
package admin

import (
	"net/http"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// StatsHandlers handles admin reporting endpoints
type StatsHandlers struct {
	reports *services.ReportService
}

// NewStatsHandlers creates a new StatsHandlers instance
func NewStatsHandlers(reports *services.ReportService) *StatsHandlers {
	return &StatsHandlers{reports: reports}
}

// SystemStats is the admin overview response
type SystemStats struct {
	Users   UserStats  `json:"users"`
	APIKeys KeyStats   `json:"api_keys"`
	Usage   UsageStats `json:"usage"`
}

// UserStats counts accounts
type UserStats struct {
	Total               int64 `json:"total"`
	Verified            int64 `json:"verified"`
	Admin               int64 `json:"admin"`
	RecentRegistrations int64 `json:"recent_registrations"`
}

// KeyStats counts keys by status
type KeyStats struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
	Revoked  int64 `json:"revoked"`
}

// UsageStats counts requests and logins; the recent counters cover 24 hours
type UsageStats struct {
	Total        int64 `json:"total"`
	Recent       int64 `json:"recent"`
	RecentLogins int64 `json:"recent_logins"`
}

// @Summary      System statistics
// @Description  User, API key and usage counters across the whole system. Recent counters cover the last 24 hours.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "stats: SystemStats"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      403  {object}  map[string]interface{}  "Admin access required"
// @Router       /admin/api/stats [get]
// SystemStatsHandler returns the system overview
func (h *StatsHandlers) SystemStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.reports.SystemStats(c.Request.Context())
		if err != nil {
			views.Error(c, "system stats", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": SystemStats{
			Users: UserStats{
				Total:               s.TotalUsers,
				Verified:            s.VerifiedUsers,
				Admin:               s.AdminUsers,
				RecentRegistrations: s.RecentRegistrations,
			},
			APIKeys: KeyStats{
				Total:    s.TotalKeys,
				Active:   s.ActiveKeys,
				Inactive: s.InactiveKeys,
				Revoked:  s.RevokedKeys,
			},
			Usage: UsageStats{
				Total:        s.TotalUsage,
				Recent:       s.RecentUsage,
				RecentLogins: s.RecentLogins,
			},
		}})
	}
}

type labelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// @Summary      Usage analytics
// @Description  Daily request counts, top 10 endpoints, top 10 users and the status distribution over the last N days.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        days  query  int  false  "Lookback in days, max 365 (default 30)"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Admin access required"
// @Router       /admin/api/usage_analytics [get]
// UsageAnalyticsHandler returns the system-wide usage breakdown
func (h *StatsHandlers) UsageAnalyticsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := services.ClampDays(views.QueryInt(c, "days"), services.AnalyticsDaysDefault, services.AnalyticsDaysMax)
		a, err := h.reports.UsageAnalytics(c.Request.Context(), days)
		if err != nil {
			views.Error(c, "usage analytics", err)
			return
		}

		convert := func(in []models.LabelCount) []labelCount {
			out := make([]labelCount, 0, len(in))
			for _, lc := range in {
				out = append(out, labelCount{Label: lc.Label, Count: lc.Count})
			}
			return out
		}
		c.JSON(http.StatusOK, gin.H{
			"days":                days,
			"daily_usage":         a.Daily,
			"top_endpoints":       convert(a.TopEndpoints),
			"top_users":           convert(a.TopUsers),
			"status_distribution": convert(a.StatusDistribution),
		})
	}
}

// RecentActivityHandler pages through usage across every user, including
// the owner and client address of each request
// GET /admin/api/recent_activity
func (h *StatsHandlers) RecentActivityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := views.PageRequest(c, services.AdminListPageDefault, services.AdminActivityPageMax)
		rows, pagination, err := h.reports.RecentActivity(c.Request.Context(), "", page)
		if err != nil {
			views.Error(c, "admin recent activity", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"activities": views.NewActivity(rows, true),
			"pagination": pagination,
		})
	}
}
