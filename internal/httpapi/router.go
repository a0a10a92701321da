package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autoverse/gemini-backend/internal/common"
	"github.com/autoverse/gemini-backend/internal/config"
	"github.com/autoverse/gemini-backend/internal/httpapi/handlers"
	"github.com/autoverse/gemini-backend/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
	}))
	r.Use(middleware.EdgeLimit(cfg.EdgeRateRPS, cfg.EdgeRateBurst))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// auth
	r.POST("/auth/signup", h.Signup)
	r.POST("/auth/send-otp", h.SendOTP)
	r.POST("/auth/verify-otp", h.VerifyOTP)
	r.POST("/auth/forgot-password", h.ForgotPassword)

	// Stripe calls this, not clients
	r.POST("/webhook/stripe", h.StripeWebhook)

	authed := r.Group("/")
	authed.Use(middleware.AuthRequired(cfg.JWTSecret))

	authed.POST("/auth/change-password", h.ChangePassword)
	authed.GET("/user/me", h.Me)

	authed.POST("/chatroom", h.CreateChatroom)
	authed.GET("/chatroom", h.ListChatrooms)
	authed.GET("/chatroom/:chatroom_id", h.GetChatroom)
	authed.POST("/chatroom/:chatroom_id/message", h.SendMessage)
	authed.GET("/chatroom/:chatroom_id/message/:message_id", h.GetMessage)

	authed.POST("/subscribe/pro", h.SubscribePro)
	authed.GET("/subscription/status", h.SubscriptionStatus)

	return r
}
