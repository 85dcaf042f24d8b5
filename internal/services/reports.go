// reports.go implements the read-mostly dashboard and admin reporting on top
// of the usage, login and key repositories, plus the admin user toggles.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/api-manager/api-manager/internal/audit"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
)

// Lookback windows and page bounds of the reports
const (
	DashboardWindow = 7 * 24 * time.Hour
	AdminWindow     = 24 * time.Hour

	ActivityPageDefault     = 10
	ActivityPageMax         = 50
	LoginHistoryPageDefault = 20
	LoginHistoryPageMax     = 50
	AdminListPageDefault    = 20
	AdminListPageMax        = 100
	AdminActivityPageMax    = 50

	UsageChartDaysDefault = 7
	UsageChartDaysMax     = 90
	AnalyticsDaysDefault  = 30
	AnalyticsDaysMax      = 365

	userDetailLogins = 10
	topN             = 10
)

// NoEndpoint is reported as the most used endpoint before any usage exists
const NoEndpoint = "None"

// DashboardStats is the per-user overview
type DashboardStats struct {
	TotalKeys        int64  `json:"total_keys"`
	ActiveKeys       int64  `json:"active_keys"`
	TotalUsage       int64  `json:"total_usage"`
	RecentUsage      int64  `json:"recent_usage"`
	MostUsedEndpoint string `json:"most_used_endpoint"`
	RecentLogins     int64  `json:"recent_logins"`
}

// Series is a labelled day-by-day chart
type Series struct {
	Labels []string `json:"labels"`
	Data   []int64  `json:"data"`
}

// UserDetail is the admin view of one account
type UserDetail struct {
	User         *models.User
	Keys         []*models.APIKey
	LoginHistory []*models.LoginHistory
	TotalUsage   int64
	RecentUsage  int64
}

// UsageAnalytics is the admin usage breakdown
type UsageAnalytics struct {
	Daily              Series
	TopEndpoints       []models.LabelCount
	TopUsers           []models.LabelCount
	StatusDistribution []models.LabelCount
}

// ReportService serves the dashboard and admin reports
type ReportService struct {
	users  *repositories.UserRepository
	keys   *repositories.APIKeyRepository
	usage  *repositories.UsageRepository
	logins *repositories.LoginHistoryRepository
	stats  *repositories.StatsRepository
	audit  *audit.Recorder
	now    func() time.Time
}

// NewReportService creates a ReportService
func NewReportService(
	users *repositories.UserRepository,
	keys *repositories.APIKeyRepository,
	usage *repositories.UsageRepository,
	logins *repositories.LoginHistoryRepository,
	stats *repositories.StatsRepository,
	recorder *audit.Recorder,
) *ReportService {
	return &ReportService{
		users:  users,
		keys:   keys,
		usage:  usage,
		logins: logins,
		stats:  stats,
		audit:  recorder,
		now:    time.Now,
	}
}

// ClampDays bounds a days query parameter to 1..max, using def when unset
func ClampDays(days, def, max int) int {
	if days < 1 {
		return def
	}
	if days > max {
		return max
	}
	return days
}

// ---------------------------------------------------------------------------
// Dashboard
// ---------------------------------------------------------------------------

// DashboardStats summarises the user's keys and recent activity over 7 days
func (s *ReportService) DashboardStats(ctx context.Context, userID string) (*DashboardStats, error) {
	since := s.now().UTC().Add(-DashboardWindow)

	keyStats, err := s.keys.StatsForUser(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key stats: %w", err)
	}
	top, err := s.usage.TopEndpoints(ctx, userID, time.Time{}, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to compute top endpoint: %w", err)
	}
	logins, err := s.logins.CountSuccessfulSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count logins: %w", err)
	}

	out := &DashboardStats{
		TotalKeys:        keyStats.TotalKeys,
		ActiveKeys:       keyStats.ActiveKeys,
		TotalUsage:       keyStats.TotalUsage,
		RecentUsage:      keyStats.RecentUsage,
		MostUsedEndpoint: NoEndpoint,
		RecentLogins:     logins,
	}
	if len(top) > 0 {
		out.MostUsedEndpoint = top[0].Label
	}
	return out, nil
}

// RecentActivity returns a page of usage across all of the user's keys. An
// empty userID covers every user (admin feed).
func (s *ReportService) RecentActivity(ctx context.Context, userID string, page PageRequest) ([]*models.APIUsage, Pagination, error) {
	rows, total, err := s.usage.ListActivity(ctx, userID, page.PerPage, page.Offset())
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("failed to list activity: %w", err)
	}
	return rows, page.Paginate(total), nil
}

// UsageChart returns one bucket per UTC day for the last days days, oldest
// first, including days without usage
func (s *ReportService) UsageChart(ctx context.Context, userID string, days int) (Series, error) {
	return s.dailySeries(ctx, userID, days)
}

func (s *ReportService) dailySeries(ctx context.Context, userID string, days int) (Series, error) {
	today := s.now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(days - 1))

	counts, err := s.usage.DailyCounts(ctx, userID, start)
	if err != nil {
		return Series{}, fmt.Errorf("failed to compute daily usage: %w", err)
	}
	byDay := make(map[string]int64, len(counts))
	for _, c := range counts {
		byDay[c.Date] = c.Count
	}

	series := Series{Labels: make([]string, 0, days), Data: make([]int64, 0, days)}
	for d := start; !d.After(today); d = d.AddDate(0, 0, 1) {
		label := d.Format("2006-01-02")
		series.Labels = append(series.Labels, label)
		series.Data = append(series.Data, byDay[label])
	}
	return series, nil
}

// LoginHistory returns a page of the user's login attempts
func (s *ReportService) LoginHistory(ctx context.Context, userID string, page PageRequest) ([]*models.LoginHistory, Pagination, error) {
	rows, total, err := s.logins.ListByUser(ctx, userID, page.PerPage, page.Offset())
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("failed to list login history: %w", err)
	}
	return rows, page.Paginate(total), nil
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

// SystemStats returns the admin overview with 24 hour recent counters
func (s *ReportService) SystemStats(ctx context.Context) (*models.SystemStats, error) {
	stats, err := s.stats.SystemStats(ctx, s.now().UTC().Add(-AdminWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to compute system stats: %w", err)
	}
	return stats, nil
}

// ListUsers returns a page of users matching search in username or email
func (s *ReportService) ListUsers(ctx context.Context, search string, page PageRequest) ([]*models.UserSummary, Pagination, error) {
	users, total, err := s.users.ListUsers(ctx, strings.TrimSpace(search), page.PerPage, page.Offset())
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("failed to list users: %w", err)
	}
	return users, page.Paginate(total), nil
}

// UserDetail returns an account with its keys, last logins and usage
func (s *ReportService) UserDetail(ctx context.Context, userID string) (*UserDetail, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	keys, err := s.keys.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	logins, _, err := s.logins.ListByUser(ctx, userID, userDetailLogins, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list login history: %w", err)
	}
	keyStats, err := s.keys.StatsForUser(ctx, userID, s.now().UTC().Add(-RecentUsageWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to compute key stats: %w", err)
	}
	return &UserDetail{
		User:         user,
		Keys:         keys,
		LoginHistory: logins,
		TotalUsage:   keyStats.TotalUsage,
		RecentUsage:  keyStats.RecentUsage,
	}, nil
}

func (s *ReportService) getUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ToggleAdmin flips the admin flag of another account. Admins cannot change
// their own flag.
func (s *ReportService) ToggleAdmin(ctx context.Context, userID string, actor Actor) (*models.User, error) {
	if userID == actor.UserID {
		return nil, Forbidden("Cannot modify your own admin status")
	}
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.IsAdmin = !user.IsAdmin
	if err := s.users.SetAdmin(ctx, user.ID, user.IsAdmin); err != nil {
		return nil, fmt.Errorf("failed to update admin flag: %w", err)
	}
	s.record(actor, audit.ActionUserAdminToggled, user.ID, map[string]interface{}{"is_admin": user.IsAdmin})
	return user, nil
}

// ToggleVerification flips the verified flag of an account
func (s *ReportService) ToggleVerification(ctx context.Context, userID string, actor Actor) (*models.User, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.OTPVerified = !user.OTPVerified
	if err := s.users.SetVerified(ctx, user.ID, user.OTPVerified); err != nil {
		return nil, fmt.Errorf("failed to update verified flag: %w", err)
	}
	if user.OTPVerified {
		user.OTPCode = nil
		user.OTPCreatedAt = nil
	}
	s.record(actor, audit.ActionUserVerifyToggled, user.ID, map[string]interface{}{"otp_verified": user.OTPVerified})
	return user, nil
}

// ListKeys returns a page of all keys with owner details. An unknown status
// filter is ignored.
func (s *ReportService) ListKeys(ctx context.Context, status, userID string, page PageRequest) ([]*models.APIKey, Pagination, error) {
	var filters repositories.KeyFilters
	if status = strings.ToLower(strings.TrimSpace(status)); models.IsValidKeyStatus(status) {
		filters.Status = &status
	}
	if userID = strings.TrimSpace(userID); userID != "" {
		filters.UserID = &userID
	}
	keys, total, err := s.keys.ListAll(ctx, filters, page.PerPage, page.Offset())
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, page.Paginate(total), nil
}

// UsageAnalytics breaks down system-wide usage over the last days days
func (s *ReportService) UsageAnalytics(ctx context.Context, days int) (*UsageAnalytics, error) {
	daily, err := s.dailySeries(ctx, "", days)
	if err != nil {
		return nil, err
	}
	since := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))

	endpoints, err := s.usage.TopEndpoints(ctx, "", since, topN)
	if err != nil {
		return nil, fmt.Errorf("failed to compute top endpoints: %w", err)
	}
	users, err := s.usage.TopUsers(ctx, since, topN)
	if err != nil {
		return nil, fmt.Errorf("failed to compute top users: %w", err)
	}
	statuses, err := s.usage.StatusDistribution(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute status distribution: %w", err)
	}
	return &UsageAnalytics{
		Daily:              daily,
		TopEndpoints:       endpoints,
		TopUsers:           users,
		StatusDistribution: statuses,
	}, nil
}

func (s *ReportService) record(actor Actor, action, userID string, metadata map[string]interface{}) {
	s.audit.Record(&audit.LogEntry{
		Action:       action,
		UserID:       actor.UserID,
		ResourceType: "user",
		ResourceID:   userID,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		RequestID:    actor.RequestID,
		Success:      audit.Bool(true),
		Metadata:     metadata,
	})
}
