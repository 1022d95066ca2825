package database

import (
	"testing"

	"campuslink/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN("db.internal", "5432", "svc", "secret", "campuslink", "require")
	assert.Equal(t, "host=db.internal port=5432 user=svc password=secret dbname=campuslink sslmode=require", dsn)

	dsn = buildDSN("localhost", "5432", "u", "p", "d", "")
	assert.Contains(t, dsn, "sslmode=disable", "empty sslmode defaults to disable")
}

func TestConfigurePool(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	configurePool(db, &config.Config{DBConnMaxLifetimeMinutes: 15})

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 25, sqlDB.Stats().MaxOpenConnections)
}

func TestGetReadDBFallsBackToPrimary(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	prevDB, prevRead := DB, readDB
	defer func() { DB, readDB = prevDB, prevRead }()

	DB = db
	readDB = nil
	assert.Same(t, db, GetReadDB())

	replica, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	readDB = replica
	assert.Same(t, replica, GetReadDB())
}
