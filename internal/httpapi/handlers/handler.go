package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/chat"
	"github.com/autoverse/gemini-backend/internal/common"
	"github.com/autoverse/gemini-backend/internal/config"
	"github.com/autoverse/gemini-backend/internal/httpapi/middleware"
	"github.com/autoverse/gemini-backend/internal/models"
	"github.com/autoverse/gemini-backend/internal/subscription"
	"github.com/autoverse/gemini-backend/internal/usage"
)

// JobPublisher is the explicit queue handle the send-message path enqueues
// through.
type JobPublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Cache is the slice of the redis store the handlers use. Narrowed for tests.
type Cache interface {
	GetJSON(ctx context.Context, key string, out any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Incr(ctx context.Context, key string) int64
	Expire(ctx context.Context, key string, ttl time.Duration)
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Cache   Cache
	Queue   JobPublisher
	Limiter *usage.Limiter
	Subs    *subscription.Service
	Chat    *chat.Repo
}

func NewHandler(db *gorm.DB, cfg config.Config, cache Cache, queue JobPublisher, limiter *usage.Limiter, subs *subscription.Service) *Handler {
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		Cache:   cache,
		Queue:   queue,
		Limiter: limiter,
		Subs:    subs,
		Chat:    chat.NewRepo(db),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"status": "healthy"})
}

// currentUser loads the authenticated user row, failing the request itself
// when the token subject no longer maps to an active user.
func (h *Handler) currentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}
	id, ok := v.(string)
	if !ok || id == "" {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}

	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, "id = ?", id).Error; err != nil {
		common.Fail(c, http.StatusUnauthorized, 40104, "user not found")
		return nil, false
	}
	if !user.IsActive {
		common.Fail(c, http.StatusForbidden, 40301, "user is inactive")
		return nil, false
	}
	return &user, true
}
