package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/auth"
	"github.com/autoverse/gemini-backend/internal/common"
	"github.com/autoverse/gemini-backend/internal/models"
	"github.com/autoverse/gemini-backend/internal/store/redisstore"
	"github.com/autoverse/gemini-backend/internal/subscription"
)

type signupReq struct {
	MobileNumber string `json:"mobile_number" binding:"required"`
	FullName     string `json:"full_name"`
}

func (h *Handler) Signup(c *gin.Context) {
	var req signupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var count int64
	if err := h.DB.Model(&models.User{}).
		Where("mobile_number = ?", req.MobileNumber).
		Count(&count).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	if count > 0 {
		common.Fail(c, http.StatusBadRequest, 10010, "user with this mobile number already exists")
		return
	}

	user := models.User{
		MobileNumber: req.MobileNumber,
		FullName:     req.FullName,
		IsActive:     true,
	}
	err := h.DB.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		// every user starts on the BASIC plan
		return subscription.EnsureDefault(tx, &user)
	})
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to create user")
		return
	}

	log.Info().Str("mobile", user.MobileNumber).Msg("user registered")
	common.OK(c, gin.H{
		"user_id":    user.ID,
		"status":     "registered",
		"created_at": user.CreatedAt,
		"message":    "User registered successfully. Please verify your mobile number.",
	})
}

type sendOTPReq struct {
	MobileNumber string `json:"mobile_number" binding:"required"`
}

type cachedOTP struct {
	OTP       string    `json:"otp"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SendOTP generates a one-time code for the mobile number. The code is
// returned in the response because SMS delivery is mocked.
func (h *Handler) SendOTP(c *gin.Context) {
	var req sendOTPReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var user models.User
	if err := h.DB.First(&user, "mobile_number = ?", req.MobileNumber).Error; err != nil {
		common.Fail(c, http.StatusNotFound, 40401, "user not found, please register first")
		return
	}

	code, err := auth.GenerateOTP()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to generate otp")
		return
	}
	expiresAt := time.Now().UTC().Add(auth.OTPTTL)

	row := models.OTPVerification{
		MobileNumber: req.MobileNumber,
		OTPCode:      code,
		ExpiresAt:    expiresAt,
	}
	if err := h.DB.Create(&row).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to store otp")
		return
	}

	// mirror for the fast verification path; a fresh code resets the guess
	// budget
	h.Cache.SetJSON(c.Request.Context(), redisstore.OTPKey(req.MobileNumber),
		cachedOTP{OTP: code, ExpiresAt: expiresAt}, auth.OTPTTL)
	h.Cache.Delete(c.Request.Context(), redisstore.OTPAttemptsKey(req.MobileNumber))

	log.Info().Str("mobile", req.MobileNumber).Msg("otp generated")
	common.OK(c, gin.H{
		"otp":        code,
		"expires_in": int(auth.OTPTTL.Seconds()),
		"message":    "OTP sent successfully (mocked)",
	})
}

// ForgotPassword reuses the OTP flow for password reset.
func (h *Handler) ForgotPassword(c *gin.Context) {
	h.SendOTP(c)
}

type verifyOTPReq struct {
	MobileNumber string `json:"mobile_number" binding:"required"`
	OTP          string `json:"otp" binding:"required"`
}

// maxOTPAttempts is how many verification guesses a mobile number gets per
// code lifetime before it must request a fresh one.
const maxOTPAttempts = 5

func (h *Handler) VerifyOTP(c *gin.Context) {
	var req verifyOTPReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()

	// throttle guesses per mobile; the counter expires with the code
	attemptsKey := redisstore.OTPAttemptsKey(req.MobileNumber)
	if n := h.Cache.Incr(ctx, attemptsKey); n == 1 {
		h.Cache.Expire(ctx, attemptsKey, auth.OTPTTL)
	} else if n > maxOTPAttempts {
		common.Fail(c, http.StatusTooManyRequests, 42902, "too many attempts, request a new code")
		return
	}

	valid := false

	// cache first, then the durable row
	var cached cachedOTP
	key := redisstore.OTPKey(req.MobileNumber)
	if h.Cache.GetJSON(ctx, key, &cached) {
		if cached.OTP == req.OTP && time.Now().UTC().Before(cached.ExpiresAt) {
			valid = true
			h.Cache.Delete(ctx, key)
			// consume the durable row too, or the same code could be
			// replayed through the database path until it expires
			h.DB.Model(&models.OTPVerification{}).
				Where("mobile_number = ? AND otp_code = ? AND is_verified = ?",
					req.MobileNumber, req.OTP, false).
				Update("is_verified", true)
		}
	}

	if !valid {
		var row models.OTPVerification
		err := h.DB.
			Where("mobile_number = ? AND otp_code = ? AND is_verified = ? AND expires_at > ?",
				req.MobileNumber, req.OTP, false, time.Now().UTC()).
			First(&row).Error
		if err == nil {
			valid = true
			h.DB.Model(&row).Update("is_verified", true)
		}
	}

	if !valid {
		common.Fail(c, http.StatusBadRequest, 10011, "invalid or expired otp")
		return
	}
	h.Cache.Delete(ctx, attemptsKey)

	var user models.User
	if err := h.DB.First(&user, "mobile_number = ?", req.MobileNumber).Error; err != nil {
		common.Fail(c, http.StatusNotFound, 40401, "user not found")
		return
	}

	now := time.Now().UTC()
	h.DB.Model(&user).Update("last_login", now)

	token, err := auth.SignJWT(user.ID, user.MobileNumber, h.Cfg.JWTSecret, auth.TokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to sign token")
		return
	}

	log.Info().Str("mobile", user.MobileNumber).Msg("user logged in")
	common.OK(c, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(auth.TokenTTL.Seconds()),
		"user": gin.H{
			"id":            user.ID,
			"mobile_number": user.MobileNumber,
			"full_name":     user.FullName,
			"last_login":    now,
		},
	})
}

type changePasswordReq struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password" binding:"required"`
}

// ChangePassword sets the password when none exists yet, otherwise requires
// the old one to match.
func (h *Handler) ChangePassword(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req changePasswordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if user.Password != "" && !auth.CheckPassword(req.OldPassword, user.Password) {
		common.Fail(c, http.StatusBadRequest, 10012, "old password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to hash password")
		return
	}
	if err := h.DB.Model(user).Update("password", hash).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	common.OK(c, gin.H{"message": "Password changed successfully.", "success": true})
}
