package chat

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/models"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateChatroom(ctx context.Context, room *models.Chatroom) error {
	return r.db.WithContext(ctx).Create(room).Error
}

// GetChatroomForUser enforces ownership; a room belonging to someone else
// reads as not found.
func (r *Repo) GetChatroomForUser(ctx context.Context, chatroomID, userID string) (*models.Chatroom, error) {
	var room models.Chatroom
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", chatroomID, userID).
		First(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *Repo) ListChatrooms(ctx context.Context, userID string) ([]models.Chatroom, error) {
	var rooms []models.Chatroom
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateUserMessage inserts the PENDING user message and bumps the chatroom's
// denormalized message_count in the same transaction, so the count can never
// drift from the row count.
func (r *Repo) CreateUserMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Chatroom{}).
			Where("id = ?", msg.ChatroomID).
			Update("message_count", gorm.Expr("message_count + 1")).Error
	})
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) GetMessageForChatroom(ctx context.Context, chatroomID, messageID, userID string) (*models.Message, error) {
	var m models.Message
	if err := r.db.WithContext(ctx).
		Where("id = ? AND chatroom_id = ? AND user_id = ?", messageID, chatroomID, userID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListRecentMessagesDesc returns the most recent messages newest -> oldest.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, chatroomID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultContextWindow + 1
	}
	var msgs []models.Message
	if err := r.db.WithContext(ctx).
		Where("chatroom_id = ?", chatroomID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) MarkProcessing(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		Update("processing_status", models.StatusProcessing).Error
}

// CompleteAndInsertReply finishes the user message and appends the AI-authored
// row atomically.
func (r *Repo) CompleteAndInsertReply(ctx context.Context, msgID, response string, elapsedMs int64, reply *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("id = ?", msgID).
			Updates(map[string]any{
				"ai_response":        response,
				"processing_status":  models.StatusCompleted,
				"processing_time_ms": elapsedMs,
			}).Error; err != nil {
			return err
		}
		return tx.Create(reply).Error
	})
}

// ForceComplete is the recovery write: reload the message and push it to
// COMPLETED with the fallback text, whatever state it was left in.
func (r *Repo) ForceComplete(ctx context.Context, id, fallback string) error {
	var m models.Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&m).
		Updates(map[string]any{
			"ai_response":       fallback,
			"processing_status": models.StatusCompleted,
		}).Error
}

// TouchChatroom refreshes updated_at so cached listings re-sort correctly.
func (r *Repo) TouchChatroom(ctx context.Context, chatroomID string) error {
	return r.db.WithContext(ctx).Model(&models.Chatroom{}).
		Where("id = ?", chatroomID).
		Update("updated_at", time.Now().UTC()).Error
}
