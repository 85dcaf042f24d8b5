package admin

import (
	"net/http"
	"time"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// AuditHandlers serves the persisted audit trail
type AuditHandlers struct {
	logs *repositories.AuditRepository
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(logs *repositories.AuditRepository) *AuditHandlers {
	return &AuditHandlers{logs: logs}
}

type auditLog struct {
	ID           string                 `json:"id"`
	UserID       *string                `json:"user_id"`
	Action       string                 `json:"action"`
	ResourceType *string                `json:"resource_type"`
	ResourceID   *string                `json:"resource_id"`
	IPAddress    *string                `json:"ip_address"`
	UserAgent    *string                `json:"user_agent"`
	RequestID    *string                `json:"request_id"`
	StatusCode   *int                   `json:"status_code"`
	Success      *bool                  `json:"success"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func newAuditLogs(rows []*models.AuditLog) []auditLog {
	out := make([]auditLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, auditLog{
			ID:           r.ID,
			UserID:       r.UserID,
			Action:       r.Action,
			ResourceType: r.ResourceType,
			ResourceID:   r.ResourceID,
			IPAddress:    r.IPAddress,
			UserAgent:    r.UserAgent,
			RequestID:    r.RequestID,
			StatusCode:   r.StatusCode,
			Success:      r.Success,
			Metadata:     r.Metadata,
			CreatedAt:    r.CreatedAt.UTC(),
		})
	}
	return out
}

// @Summary      List audit logs
// @Description  Paginated security events recorded by the database audit shipper, newest first. Dates accept RFC3339 or YYYY-MM-DD; a bare end_date covers the whole day.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        user_id        query  string  false  "Filter by acting user"
// @Param        action         query  string  false  "Filter by action, e.g. api_key.revoked"
// @Param        resource_type  query  string  false  "Filter by resource type"
// @Param        start_date     query  string  false  "Earliest event time"
// @Param        end_date       query  string  false  "Latest event time"
// @Param        page           query  int     false  "Page number (default 1)"
// @Param        per_page       query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "audit_logs, pagination"
// @Failure      400  {object}  map[string]interface{}  "Invalid date"
// @Router       /admin/api/audit_logs [get]
// ListAuditLogsHandler lists audit events with filters
func (h *AuditHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters repositories.AuditFilters
		if v := c.Query("user_id"); v != "" {
			filters.UserID = &v
		}
		if v := c.Query("action"); v != "" {
			filters.Action = &v
		}
		if v := c.Query("resource_type"); v != "" {
			filters.ResourceType = &v
		}

		start, err := parseDate(c.Query("start_date"), false)
		if err != nil {
			views.Error(c, "list audit logs", services.Validation("Invalid start_date"))
			return
		}
		end, err := parseDate(c.Query("end_date"), true)
		if err != nil {
			views.Error(c, "list audit logs", services.Validation("Invalid end_date"))
			return
		}
		filters.StartDate, filters.EndDate = start, end

		page := views.PageRequest(c, services.AdminListPageDefault, services.AdminListPageMax)
		logs, total, err := h.logs.ListAuditLogs(c.Request.Context(), filters, page.PerPage, page.Offset())
		if err != nil {
			views.Error(c, "list audit logs", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"audit_logs": newAuditLogs(logs),
			"pagination": page.Paginate(total),
		})
	}
}

// parseDate accepts RFC3339 or a bare date in UTC. With endOfDay a bare date
// resolves to its last instant.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
