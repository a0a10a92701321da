package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/autoverse/gemini-backend/internal/common"
)

func (h *Handler) Me(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	sub, err := h.Subs.Current(c.Request.Context(), user)
	if err != nil {
		sub = nil
	}

	resp := gin.H{
		"id":            user.ID,
		"mobile_number": user.MobileNumber,
		"full_name":     user.FullName,
		"created_at":    user.CreatedAt,
		"last_login":    user.LastLogin,
	}
	if sub != nil {
		resp["subscription"] = gin.H{
			"id":                   sub.ID,
			"plan_type":            sub.PlanType,
			"status":               sub.Status,
			"current_period_start": sub.CurrentPeriodStart,
			"current_period_end":   sub.CurrentPeriodEnd,
			"created_at":           sub.CreatedAt,
		}
	}
	common.OK(c, resp)
}
