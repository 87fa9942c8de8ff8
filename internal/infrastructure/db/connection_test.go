package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "postgres", config.Driver)
	assert.Equal(t, 10, config.MaxOpenConns)
	assert.Equal(t, 5, config.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, config.ConnMaxLifetime)
	assert.Equal(t, 5*time.Minute, config.ConnMaxIdleTime)
	assert.Equal(t, 30*time.Second, config.QueryTimeout)
}

func TestNewManager_MissingDSN(t *testing.T) {
	_, err := NewManager(context.Background(), Config{Driver: "postgres"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DSN is required")
}

func TestNewManager_UnsupportedDriver(t *testing.T) {
	_, err := NewManager(context.Background(), Config{Driver: "mysql", DSN: "root@/db"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestNewManager_SQLiteMemory(t *testing.T) {
	config := DefaultConfig()
	config.Driver = "sqlite3"
	config.DSN = ":memory:"

	manager, err := NewManager(context.Background(), config)
	require.NoError(t, err)
	defer manager.Close()

	require.NoError(t, manager.Store().Migrate(context.Background()))
	assert.NoError(t, manager.Health().Ping(context.Background()))
	assert.Equal(t, 1, manager.DB().Stats().MaxOpenConnections)
}

func TestHealthChecker_Enabled(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	manager := NewManagerWithDB(sqlx.NewDb(mockDB, "postgres"), DefaultConfig())

	mock.ExpectPing()

	healthCheck := manager.Health().Health(context.Background())
	assert.True(t, healthCheck.Healthy)
	assert.Empty(t, healthCheck.Errors)
	assert.GreaterOrEqual(t, healthCheck.ResponseTimeMS, int64(0))
	assert.Contains(t, healthCheck.ConnectionPool, "open")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_PingFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	manager := NewManagerWithDB(sqlx.NewDb(mockDB, "postgres"), Config{QueryTimeout: time.Second})

	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)

	healthCheck := manager.Health().Health(context.Background())
	assert.False(t, healthCheck.Healthy)
	require.Len(t, healthCheck.Errors, 1)
	assert.Contains(t, healthCheck.Errors[0], "ping failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_Stats(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	manager := NewManagerWithDB(sqlx.NewDb(mockDB, "postgres"), DefaultConfig())

	stats := manager.Health().Stats(context.Background())
	assert.Equal(t, "postgres", stats["driver"])
	assert.Contains(t, stats, "max_open_connections")
	assert.Contains(t, stats, "open_connections")
	assert.Contains(t, stats, "in_use")
	assert.Contains(t, stats, "idle")

	assert.NoError(t, mock.ExpectationsWereMet())
}
