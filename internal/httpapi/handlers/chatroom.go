package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/chat"
	"github.com/autoverse/gemini-backend/internal/common"
	"github.com/autoverse/gemini-backend/internal/models"
	"github.com/autoverse/gemini-backend/internal/store/redisstore"
	"github.com/autoverse/gemini-backend/internal/usage"
)

// estimatedResponseSeconds is the figure returned in the send-message ack.
const estimatedResponseSeconds = 30

const chatroomListTTL = 5 * time.Minute

type createChatroomReq struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (h *Handler) CreateChatroom(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req createChatroomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	room := models.Chatroom{
		UserID:      user.ID,
		Title:       req.Title,
		Description: req.Description,
	}
	if err := h.Chat.CreateChatroom(c.Request.Context(), &room); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chatroom")
		return
	}

	h.Cache.Delete(c.Request.Context(), redisstore.ChatroomListKey(user.ID))
	log.Info().Str("chatroom_id", room.ID).Str("user_id", user.ID).Msg("chatroom created")

	common.OK(c, roomPayload(&room))
}

type chatroomListPayload struct {
	Chatrooms  []gin.H `json:"chatrooms"`
	TotalCount int     `json:"total_count"`
}

func (h *Handler) ListChatrooms(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	key := redisstore.ChatroomListKey(user.ID)

	var cached chatroomListPayload
	if h.Cache.GetJSON(ctx, key, &cached) {
		common.OK(c, cached)
		return
	}

	rooms, err := h.Chat.ListChatrooms(ctx, user.ID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list chatrooms")
		return
	}

	payload := chatroomListPayload{Chatrooms: make([]gin.H, 0, len(rooms)), TotalCount: len(rooms)}
	for i := range rooms {
		payload.Chatrooms = append(payload.Chatrooms, roomPayload(&rooms[i]))
	}

	h.Cache.SetJSON(ctx, key, payload, chatroomListTTL)
	common.OK(c, payload)
}

func (h *Handler) GetChatroom(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	room, err := h.Chat.GetChatroomForUser(c.Request.Context(), c.Param("chatroom_id"), user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "chatroom not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	common.OK(c, roomPayload(room))
}

type sendMessageReq struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage is the pipeline entry point: admission check, durable PENDING
// insert, usage increment, context capture and enqueue. The response returns
// immediately; the reply arrives by the worker.
func (h *Handler) SendMessage(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// admission gate: before any row is created
	if err := h.Limiter.Admit(ctx, user); err != nil {
		var lim *usage.LimitExceededError
		if errors.As(err, &lim) {
			common.FailDetail(c, http.StatusTooManyRequests, 42901, "daily message limit exceeded", gin.H{
				"current_usage":    lim.CurrentUsage,
				"limit":            lim.Limit,
				"upgrade_required": true,
			})
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	room, err := h.Chat.GetChatroomForUser(ctx, c.Param("chatroom_id"), user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "chatroom not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	msg := models.Message{
		ChatroomID: room.ID,
		UserID:     user.ID,
		Content:    req.Content,
		Type:       models.MessageUser,
		Status:     models.StatusPending,
	}
	if err := h.Chat.CreateUserMessage(ctx, &msg); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to store message")
		return
	}

	if _, err := h.Limiter.Increment(ctx, user.ID); err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("usage increment failed")
	}

	// capture the trimmed context at enqueue time
	recent, err := h.Chat.ListRecentMessagesDesc(ctx, room.ID, h.Cfg.ContextWindowSize+1)
	if err != nil {
		log.Error().Err(err).Str("chatroom_id", room.ID).Msg("context read failed")
		recent = nil
	}
	job := chat.Job{
		MessageID: msg.ID,
		Content:   req.Content,
		Context:   chat.SnapshotContext(recent, msg.ID, h.Cfg.ContextWindowSize),
	}

	body, err := job.Encode()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50007, "failed to encode job")
		return
	}
	if err := h.Queue.Publish(ctx, body); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("enqueue failed")
		common.Fail(c, http.StatusInternalServerError, 50008, "enqueue failed")
		return
	}

	h.Cache.Delete(ctx, redisstore.ChatroomListKey(user.ID))
	log.Info().Str("message_id", msg.ID).Msg("message queued for processing")

	common.OK(c, gin.H{
		"message":                 messagePayload(&msg),
		"status":                  "processing",
		"estimated_response_time": estimatedResponseSeconds,
	})
}

func (h *Handler) GetMessage(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	room, err := h.Chat.GetChatroomForUser(ctx, c.Param("chatroom_id"), user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "chatroom not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	msg, err := h.Chat.GetMessageForChatroom(ctx, room.ID, c.Param("message_id"), user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "message not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	common.OK(c, messagePayload(msg))
}

func roomPayload(room *models.Chatroom) gin.H {
	return gin.H{
		"id":            room.ID,
		"title":         room.Title,
		"description":   room.Description,
		"message_count": room.MessageCount,
		"created_at":    room.CreatedAt,
		"updated_at":    room.UpdatedAt,
	}
}

func messagePayload(m *models.Message) gin.H {
	return gin.H{
		"id":                 m.ID,
		"content":            m.Content,
		"message_type":       m.Type,
		"ai_response":        m.AIResponse,
		"processing_status":  m.Status,
		"created_at":         m.CreatedAt,
		"processing_time_ms": m.ProcessingTimeMs,
	}
}
