package db

import (
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/autoverse/gemini-backend/internal/models"
)

// Connect opens the MySQL connection and migrates the schema. Fatal on
// failure: nothing in the process can run without the durable store.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("db handle")
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(
		&models.User{},
		&models.Chatroom{},
		&models.Message{},
		&models.Subscription{},
		&models.OTPVerification{},
		&models.UsageTracking{},
	); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	return gdb
}
