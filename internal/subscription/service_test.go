package subscription

import (
	"context"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Subscription{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func createUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{MobileNumber: "+15550001"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestEnsureDefault_CreatesBasicAndWiresPointer(t *testing.T) {
	db := openTestDB(t)
	user := createUser(t, db)

	if err := db.Transaction(func(tx *gorm.DB) error {
		return EnsureDefault(tx, user)
	}); err != nil {
		t.Fatalf("ensure default: %v", err)
	}

	if user.CurrentSubscriptionID == nil {
		t.Fatal("current subscription pointer not set")
	}
	var sub models.Subscription
	if err := db.First(&sub, "id = ?", *user.CurrentSubscriptionID).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.PlanType != models.TierBasic || sub.Status != models.SubActive {
		t.Fatalf("unexpected default subscription: %+v", sub)
	}

	var reloaded models.User
	if err := db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if reloaded.CurrentSubscriptionID == nil || *reloaded.CurrentSubscriptionID != sub.ID {
		t.Fatal("pointer not persisted on the user row")
	}
}

func TestResolveTier_DefaultsToBasic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if got := ResolveTier(ctx, db, nil); got != models.TierBasic {
		t.Fatalf("nil user resolved to %s", got)
	}

	user := createUser(t, db)
	if got := ResolveTier(ctx, db, user); got != models.TierBasic {
		t.Fatalf("user without subscription resolved to %s", got)
	}

	// dangling pointer reads as basic too
	dangling := "does-not-exist"
	user.CurrentSubscriptionID = &dangling
	if got := ResolveTier(ctx, db, user); got != models.TierBasic {
		t.Fatalf("dangling pointer resolved to %s", got)
	}
}

func TestApplyCheckoutCompleted_UpgradesExistingRowInPlace(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil)
	ctx := context.Background()

	user := createUser(t, db)
	if err := db.Transaction(func(tx *gorm.DB) error {
		return EnsureDefault(tx, user)
	}); err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	originalID := *user.CurrentSubscriptionID

	before := time.Now().UTC()
	if err := svc.ApplyCheckoutCompleted(ctx, user.ID, "cus_123", "sub_123", true); err != nil {
		t.Fatalf("apply checkout: %v", err)
	}

	var rows int64
	db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&rows)
	if rows != 1 {
		t.Fatalf("expected the existing row to be reused, got %d rows", rows)
	}

	var sub models.Subscription
	if err := db.First(&sub, "id = ?", originalID).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.PlanType != models.TierPro || sub.Status != models.SubActive {
		t.Fatalf("row not upgraded: %+v", sub)
	}
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != "sub_123" {
		t.Fatalf("stripe subscription id not recorded: %v", sub.StripeSubscriptionID)
	}
	if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
		t.Fatal("billing period not set")
	}
	if sub.CurrentPeriodStart.Before(before.Add(-time.Minute)) {
		t.Fatalf("period start too old: %v", sub.CurrentPeriodStart)
	}
	wantEnd := sub.CurrentPeriodStart.AddDate(0, 1, 0)
	if d := sub.CurrentPeriodEnd.Sub(wantEnd); d < -time.Minute || d > time.Minute {
		t.Fatalf("period end %v, want about %v", sub.CurrentPeriodEnd, wantEnd)
	}

	if got := ResolveTier(ctx, db, user); got != models.TierPro {
		t.Fatalf("tier after upgrade: %s", got)
	}
}

func TestApplyCheckoutCompleted_CreatesRowWhenNoneExists(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil)
	ctx := context.Background()

	user := createUser(t, db)

	if err := svc.ApplyCheckoutCompleted(ctx, user.ID, "cus_123", "sub_123", true); err != nil {
		t.Fatalf("apply checkout: %v", err)
	}

	var reloaded models.User
	if err := db.First(&reloaded, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if reloaded.CurrentSubscriptionID == nil {
		t.Fatal("pointer not wired for fresh subscription")
	}

	var sub models.Subscription
	if err := db.First(&sub, "id = ?", *reloaded.CurrentSubscriptionID).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.PlanType != models.TierPro {
		t.Fatalf("expected pro, got %s", sub.PlanType)
	}
}

func TestApplyCheckoutCompleted_IgnoresUnpaidAndMissingUser(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(db, nil)
	ctx := context.Background()

	user := createUser(t, db)

	if err := svc.ApplyCheckoutCompleted(ctx, user.ID, "cus_123", "sub_123", false); err != nil {
		t.Fatalf("unpaid checkout must be a no-op, got %v", err)
	}
	var rows int64
	db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&rows)
	if rows != 0 {
		t.Fatalf("unpaid checkout created %d rows", rows)
	}

	if err := svc.ApplyCheckoutCompleted(ctx, "nope", "cus_123", "sub_123", true); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
