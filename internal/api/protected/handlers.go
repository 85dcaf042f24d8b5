// Package protected implements the sample /api endpoints guarded by API key
// authentication. They exist so key holders can exercise a key end to end;
// the payloads are static apart from the key and owner details.
package protected

import (
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Endpoints lists the sample routes, as reported by /api/status
var Endpoints = map[string]string{
	"test":      "/api/test",
	"user_info": "/api/user_info",
	"data":      "/api/data",
	"weather":   "/api/weather",
	"quotes":    "/api/quotes",
	"status":    "/api/status",
}

type product struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

var sampleProducts = []product{
	{ID: 1, Name: "Product A", Price: 99.99},
	{ID: 2, Name: "Product B", Price: 149.99},
	{ID: 3, Name: "Product C", Price: 199.99},
}

type quote struct {
	ID     int    `json:"id"`
	Text   string `json:"text"`
	Author string `json:"author"`
}

var sampleQuotes = []quote{
	{ID: 1, Text: "The only way to do great work is to love what you do.", Author: "Steve Jobs"},
	{ID: 2, Text: "Innovation distinguishes between a leader and a follower.", Author: "Steve Jobs"},
	{ID: 3, Text: "Your limitation, it's only your imagination.", Author: "Unknown"},
}

// SampleHandlers serves the key-protected sample API
type SampleHandlers struct {
	users   *repositories.UserRepository
	version string
	now     func() time.Time
	pick    func(n int) int
}

// NewSampleHandlers creates a new SampleHandlers instance
func NewSampleHandlers(users *repositories.UserRepository, version string) *SampleHandlers {
	return &SampleHandlers{
		users:   users,
		version: version,
		now:     time.Now,
		pick:    rand.IntN,
	}
}

// boundKey returns the key bound by APIKeyMiddleware, answering 401 when the
// route was mounted without it
func boundKey(c *gin.Context) (*models.APIKey, bool) {
	key := middleware.CurrentAPIKey(c)
	if key == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
		return nil, false
	}
	return key, true
}

// keyOwner loads the owner of the bound key
func (h *SampleHandlers) keyOwner(c *gin.Context, key *models.APIKey) (*models.User, bool) {
	user, err := h.users.GetUserByID(c.Request.Context(), key.UserID)
	if err != nil {
		views.Error(c, "load key owner", err)
		return nil, false
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return nil, false
	}
	return user, true
}

// @Summary      Test API key
// @Description  Confirms that the presented API key is valid and reports which key and owner it resolved to.
// @Tags         Sample API
// @Security     ApiKeyAuth
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}  "Missing, unknown or inactive key"
// @Router       /api/test [get]
// TestHandler echoes the key's identity
func (h *SampleHandlers) TestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := boundKey(c)
		if !ok {
			return
		}
		owner, ok := h.keyOwner(c, key)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "API key validation successful!",
			"api_key_info": gin.H{
				"key_id":      key.ID,
				"key_name":    key.Name,
				"key_preview": key.KeyPreview,
				"owner":       owner.Username,
			},
			"data": gin.H{
				"timestamp": h.now().UTC(),
				"status":    "success",
			},
		})
	}
}

// UserInfoHandler returns the key owner's profile and the key's usage
// GET /api/user_info
func (h *SampleHandlers) UserInfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := boundKey(c)
		if !ok {
			return
		}
		owner, ok := h.keyOwner(c, key)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"user": gin.H{
				"id":         owner.ID,
				"username":   owner.Username,
				"email":      owner.Email,
				"created_at": owner.CreatedAt.UTC(),
			},
			"api_key_info": gin.H{
				"key_id":      key.ID,
				"key_name":    key.Name,
				"usage_count": key.UsageCount,
				"last_used":   key.LastUsed,
			},
		})
	}
}

// DataHandler returns a static product list
// GET /api/data
func (h *SampleHandlers) DataHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Data retrieved successfully",
			"data": gin.H{
				"products":    sampleProducts,
				"total_count": len(sampleProducts),
				"timestamp":   h.now().UTC(),
			},
		})
	}
}

// WeatherHandler returns a static weather report
// GET /api/weather
func (h *SampleHandlers) WeatherHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Weather data retrieved successfully",
			"weather": gin.H{
				"location":    "New York",
				"temperature": 22,
				"humidity":    65,
				"condition":   "Partly Cloudy",
				"wind_speed":  15,
				"timestamp":   h.now().UTC(),
			},
		})
	}
}

// QuotesHandler returns one quote at random
// GET /api/quotes
func (h *SampleHandlers) QuotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":      "Quote retrieved successfully",
			"quote":        sampleQuotes[h.pick(len(sampleQuotes))],
			"total_quotes": len(sampleQuotes),
		})
	}
}

// StatusHandler reports service status and the key's state
// GET /api/status
func (h *SampleHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := boundKey(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "operational",
			"version":   h.version,
			"timestamp": h.now().UTC(),
			"endpoints": Endpoints,
			"api_key_info": gin.H{
				"key_id":   key.ID,
				"key_name": key.Name,
				"status":   key.Status,
			},
		})
	}
}
