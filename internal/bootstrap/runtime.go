// Package bootstrap wires up runtime dependencies shared by the binaries.
package bootstrap

import (
	"fmt"
	"log"
	"strings"

	"campuslink/internal/cache"
	"campuslink/internal/config"
	"campuslink/internal/database"
	"campuslink/internal/models"
	"campuslink/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// SeedDemoData populates an empty development database with demo
	// profiles and conversation history.
	SeedDemoData bool
}

// InitRuntime connects to DB and Redis and optionally seeds demo data.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if opts.SeedDemoData {
		if err := seedDemoData(cfg, db); err != nil {
			return nil, nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
	}

	return db, r, nil
}

// seedDemoData seeds only when the environment is development and the profile
// directory is empty, so repeated startups stay idempotent.
func seedDemoData(cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || db == nil {
		return nil
	}
	if !strings.EqualFold(cfg.Env, "development") {
		return nil
	}

	var profiles int64
	if err := db.Model(&models.Profile{}).Count(&profiles).Error; err != nil {
		return err
	}
	if profiles > 0 {
		log.Printf("demo seed skipped: %d profiles already present", profiles)
		return nil
	}

	return seed.Seed(db, seed.Options{
		NumProfiles: 20,
		NumGroups:   6,
		MaxMessages: 25,
	})
}
