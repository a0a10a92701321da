package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/chat"
	"github.com/autoverse/gemini-backend/internal/config"
	"github.com/autoverse/gemini-backend/internal/httpapi/middleware"
	"github.com/autoverse/gemini-backend/internal/models"
	"github.com/autoverse/gemini-backend/internal/subscription"
	"github.com/autoverse/gemini-backend/internal/usage"
)

type fakePublisher struct {
	bodies [][]byte
	fail   bool
}

func (p *fakePublisher) Publish(ctx context.Context, body []byte) error {
	_ = ctx
	if p.fail {
		return fmt.Errorf("broker down")
	}
	p.bodies = append(p.bodies, append([]byte(nil), body...))
	return nil
}

// fakeCache is a map-backed Cache so tests can exercise hit paths without a
// redis server.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	counts  map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte), counts: make(map[string]int64)}
}

func (f *fakeCache) GetJSON(ctx context.Context, key string, out any) bool {
	f.mu.Lock()
	b, ok := f.entries[key]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

func (f *fakeCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.entries[key] = b
	f.mu.Unlock()
}

func (f *fakeCache) Delete(ctx context.Context, key string) {
	f.mu.Lock()
	delete(f.entries, key)
	delete(f.counts, key)
	f.mu.Unlock()
}

func (f *fakeCache) Incr(ctx context.Context, key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key]
}

func (f *fakeCache) Expire(ctx context.Context, key string, ttl time.Duration) {}

type testEnv struct {
	db    *gorm.DB
	h     *Handler
	queue *fakePublisher
	cache *fakeCache
	user  *models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Chatroom{}, &models.Message{},
		&models.Subscription{}, &models.UsageTracking{}, &models.OTPVerification{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	user := &models.User{MobileNumber: "+15550001", FullName: "Test User", IsActive: true}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	cfg := config.Config{JWTSecret: "test-secret", BasicDailyLimit: 5, ContextWindowSize: 10}
	cache := newFakeCache()
	queue := &fakePublisher{}
	limiter := usage.NewLimiter(db, nil, cfg.BasicDailyLimit)
	subs := subscription.NewService(db, nil)

	return &testEnv{
		db:    db,
		h:     NewHandler(db, cfg, cache, queue, limiter, subs),
		queue: queue,
		cache: cache,
		user:  user,
	}
}

// router wires the message routes behind a stub auth middleware that injects
// the given user id, the way the real token middleware does.
func (e *testEnv) router(userID string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	})
	r.POST("/chatroom", e.h.CreateChatroom)
	r.GET("/chatroom", e.h.ListChatrooms)
	r.GET("/chatroom/:chatroom_id", e.h.GetChatroom)
	r.POST("/chatroom/:chatroom_id/message", e.h.SendMessage)
	r.GET("/chatroom/:chatroom_id/message/:message_id", e.h.GetMessage)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return env
}

func (e *testEnv) createRoom(t *testing.T, userID, title string) string {
	t.Helper()
	room := &models.Chatroom{UserID: userID, Title: title}
	if err := e.db.Create(room).Error; err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room.ID
}

func TestCreateChatroom(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(e.user.ID)

	w := doJSON(t, r, http.MethodPost, "/chatroom", gin.H{"title": "My Room", "description": "about stuff"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var room models.Chatroom
	if err := e.db.Where("user_id = ?", e.user.ID).First(&room).Error; err != nil {
		t.Fatalf("room not persisted: %v", err)
	}
	if room.Title != "My Room" {
		t.Fatalf("unexpected title %q", room.Title)
	}

	w = doJSON(t, r, http.MethodPost, "/chatroom", gin.H{"description": "no title"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing title should be rejected, got %d", w.Code)
	}
}

func TestSendMessage_QueuesJobWithContext(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(e.user.ID)
	roomID := e.createRoom(t, e.user.ID, "room")

	// prior exchange that must travel with the new job
	if err := e.db.Create(&models.Message{
		ChatroomID: roomID, UserID: e.user.ID,
		Content: "earlier question", Type: models.MessageUser, Status: models.StatusCompleted,
	}).Error; err != nil {
		t.Fatalf("seed history: %v", err)
	}
	if err := e.db.Create(&models.Message{
		ChatroomID: roomID, UserID: e.user.ID,
		Content: "earlier answer", Type: models.MessageAI, Status: models.StatusCompleted,
	}).Error; err != nil {
		t.Fatalf("seed history: %v", err)
	}

	w := doJSON(t, r, http.MethodPost, "/chatroom/"+roomID+"/message", gin.H{"content": "Hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	env := decodeEnvelope(t, w)
	var data struct {
		Message struct {
			ID               string                  `json:"id"`
			ProcessingStatus models.ProcessingStatus `json:"processing_status"`
		} `json:"message"`
		Status                string `json:"status"`
		EstimatedResponseTime int    `json:"estimated_response_time"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Status != "processing" || data.EstimatedResponseTime != 30 {
		t.Fatalf("unexpected ack: %+v", data)
	}
	if data.Message.ProcessingStatus != models.StatusPending {
		t.Fatalf("message should be pending, got %s", data.Message.ProcessingStatus)
	}

	var msg models.Message
	if err := e.db.First(&msg, "id = ?", data.Message.ID).Error; err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if msg.Status != models.StatusPending {
		t.Fatalf("persisted status %s", msg.Status)
	}

	var room models.Chatroom
	e.db.First(&room, "id = ?", roomID)
	if room.MessageCount != 1 {
		t.Fatalf("message_count = %d, want 1", room.MessageCount)
	}

	if len(e.queue.bodies) != 1 {
		t.Fatalf("expected one queued job, got %d", len(e.queue.bodies))
	}
	job, err := chat.DecodeJob(e.queue.bodies[0])
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.MessageID != msg.ID || job.Content != "Hello" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(job.Context) != 2 {
		t.Fatalf("expected 2 context messages, got %d", len(job.Context))
	}
	if job.Context[0].Content != "earlier question" || job.Context[0].Type != "user" {
		t.Fatalf("context[0] = %+v", job.Context[0])
	}
	if job.Context[1].Content != "earlier answer" || job.Context[1].Type != "ai" {
		t.Fatalf("context[1] = %+v", job.Context[1])
	}
}

func TestSendMessage_RejectsAtDailyLimit(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(e.user.ID)
	roomID := e.createRoom(t, e.user.ID, "room")

	for i := 0; i < 5; i++ {
		w := doJSON(t, r, http.MethodPost, "/chatroom/"+roomID+"/message", gin.H{"content": fmt.Sprintf("msg %d", i)})
		if w.Code != http.StatusOK {
			t.Fatalf("message %d: status %d: %s", i+1, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, r, http.MethodPost, "/chatroom/"+roomID+"/message", gin.H{"content": "one too many"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}

	env := decodeEnvelope(t, w)
	if env.Code != 42901 {
		t.Fatalf("expected code 42901, got %d", env.Code)
	}
	var detail struct {
		CurrentUsage    int  `json:"current_usage"`
		Limit           int  `json:"limit"`
		UpgradeRequired bool `json:"upgrade_required"`
	}
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.CurrentUsage != 5 || detail.Limit != 5 || !detail.UpgradeRequired {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	// nothing stored, nothing queued for the rejected message
	var count int64
	e.db.Model(&models.Message{}).Where("chatroom_id = ?", roomID).Count(&count)
	if count != 5 {
		t.Fatalf("expected 5 stored messages, got %d", count)
	}
	if len(e.queue.bodies) != 5 {
		t.Fatalf("expected 5 queued jobs, got %d", len(e.queue.bodies))
	}
}

func TestSendMessage_ForeignChatroomIsNotFound(t *testing.T) {
	e := newTestEnv(t)

	other := &models.User{MobileNumber: "+15550002", IsActive: true}
	if err := e.db.Create(other).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	foreignRoom := e.createRoom(t, other.ID, "not yours")

	r := e.router(e.user.ID)
	w := doJSON(t, r, http.MethodPost, "/chatroom/"+foreignRoom+"/message", gin.H{"content": "Hello"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	if len(e.queue.bodies) != 0 {
		t.Fatalf("nothing should be queued, got %d", len(e.queue.bodies))
	}
}

func TestSendMessage_EnqueueFailureIsServerError(t *testing.T) {
	e := newTestEnv(t)
	e.queue.fail = true
	r := e.router(e.user.ID)
	roomID := e.createRoom(t, e.user.ID, "room")

	w := doJSON(t, r, http.MethodPost, "/chatroom/"+roomID+"/message", gin.H{"content": "Hello"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if env := decodeEnvelope(t, w); env.Code != 50008 {
		t.Fatalf("expected code 50008, got %d", env.Code)
	}
}

func TestGetMessage_RoundTrip(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(e.user.ID)
	roomID := e.createRoom(t, e.user.ID, "room")

	w := doJSON(t, r, http.MethodPost, "/chatroom/"+roomID+"/message", gin.H{"content": "Hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("send: %d: %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	var ack struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}

	w = doJSON(t, r, http.MethodGet, "/chatroom/"+roomID+"/message/"+ack.Message.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/chatroom/"+roomID+"/message/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown message, got %d", w.Code)
	}
}

func TestListChatrooms_OrderedByActivity(t *testing.T) {
	e := newTestEnv(t)
	r := e.router(e.user.ID)
	e.createRoom(t, e.user.ID, "first")
	e.createRoom(t, e.user.ID, "second")

	w := doJSON(t, r, http.MethodGet, "/chatroom", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	env := decodeEnvelope(t, w)
	var payload struct {
		Chatrooms  []map[string]any `json:"chatrooms"`
		TotalCount int              `json:"total_count"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TotalCount != 2 || len(payload.Chatrooms) != 2 {
		t.Fatalf("unexpected listing: %+v", payload)
	}
}
