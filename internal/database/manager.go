package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database connection manager
type Manager struct {
	DB     *gorm.DB
	Redis  *redis.Client
	logger *logrus.Logger
}

// Database configuration
type Config struct {
	DatabaseURL string
	RedisURL    string
	LogLevel    string
}

// NewManager creates a new database manager with connection pooling
func NewManager(config *Config, log *logrus.Logger) (*Manager, error) {
	// Configure GORM logger
	gormLogger := logger.Default.LogMode(logger.Silent)
	if config.LogLevel == "debug" {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	// Open database connection with pooling
	db, err := gorm.Open(postgres.Open(config.DatabaseURL), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true, // Improve performance
		PrepareStmt:            true, // Cache prepared statements
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	// Test database connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Connect to Redis
	redisOpts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisOpts.PoolSize = 20
	redisOpts.MinIdleConns = 5
	redisOpts.MaxConnAge = time.Hour
	redisOpts.IdleTimeout = 30 * time.Minute
	redisOpts.IdleCheckFrequency = 30 * time.Second

	redisClient := redis.NewClient(redisOpts)

	// Test Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Database and Redis connections established successfully")

	return &Manager{
		DB:     db,
		Redis:  redisClient,
		logger: log,
	}, nil
}

// Migrate runs database migrations
func (m *Manager) Migrate() error {
	m.logger.Info("Running database migrations...")

	return m.DB.AutoMigrate(
		&models.Lead{},
		&models.FeedbackEvent{},
		&models.ModelVersion{},
		&models.ABTest{},
		&models.ABTestVariant{},
		&models.ABAssignment{},
		&models.LocationStat{},
		&models.CategoryStat{},
		&models.SegmentStat{},
	)
}

// Close closes all database connections
func (m *Manager) Close() error {
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			m.logger.WithError(err).Error("Failed to close Redis connection")
		}
	}

	if m.DB != nil {
		sqlDB, err := m.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}

	return nil
}

// Health check methods
func (m *Manager) PingDatabase() error {
	sqlDB, err := m.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (m *Manager) PingRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Redis.Ping(ctx).Err()
}

// Cache implementation
type Cache struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewCache(client *redis.Client, logger *logrus.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger,
	}
}

// Cache key constants
const (
	ScoreResultKey       = "score:%s:%s" // model version, lead id
	FeedbackAnalyticsKey = "feedback:analytics:%s:%s"
	SystemHealthKey      = "system:health"
)

// CacheScoreResult caches a score result for a (model version, lead) pair
func (c *Cache) CacheScoreResult(ctx context.Context, modelVersion, leadID string, result interface{}, expiration time.Duration) error {
	key := fmt.Sprintf(ScoreResultKey, modelVersion, leadID)

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal score result: %w", err)
	}

	return c.client.Set(ctx, key, data, expiration).Err()
}

// GetCachedScoreResult retrieves a cached score result
func (c *Cache) GetCachedScoreResult(ctx context.Context, modelVersion, leadID string, result interface{}) error {
	key := fmt.Sprintf(ScoreResultKey, modelVersion, leadID)

	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), result)
}

// CacheFeedbackAnalytics caches an analytics aggregation for a date range
func (c *Cache) CacheFeedbackAnalytics(ctx context.Context, from, to string, analytics interface{}, expiration time.Duration) error {
	key := fmt.Sprintf(FeedbackAnalyticsKey, from, to)

	data, err := json.Marshal(analytics)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback analytics: %w", err)
	}

	return c.client.Set(ctx, key, data, expiration).Err()
}

// GetCachedFeedbackAnalytics retrieves cached analytics
func (c *Cache) GetCachedFeedbackAnalytics(ctx context.Context, from, to string, analytics interface{}) error {
	key := fmt.Sprintf(FeedbackAnalyticsKey, from, to)

	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), analytics)
}

// CacheSystemHealth caches system health status
func (c *Cache) CacheSystemHealth(ctx context.Context, health interface{}, expiration time.Duration) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to marshal system health: %w", err)
	}

	return c.client.Set(ctx, SystemHealthKey, data, expiration).Err()
}

// GetCachedSystemHealth retrieves cached system health
func (c *Cache) GetCachedSystemHealth(ctx context.Context, health interface{}) error {
	data, err := c.client.Get(ctx, SystemHealthKey).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), health)
}

// InvalidateScores removes every cached score for a model version. Called on
// promotion so stale scores never outlive the model that produced them.
func (c *Cache) InvalidateScores(ctx context.Context, modelVersion string) error {
	pattern := fmt.Sprintf(ScoreResultKey, modelVersion, "*")

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Cache statistics
func (c *Cache) GetCacheStats(ctx context.Context) (map[string]interface{}, error) {
	info := c.client.Info(ctx, "stats").Val()

	stats := map[string]interface{}{
		"keyspace_hits":     c.extractStat(info, "keyspace_hits"),
		"keyspace_misses":   c.extractStat(info, "keyspace_misses"),
		"used_memory":       c.extractStat(info, "used_memory"),
		"connected_clients": c.extractStat(info, "connected_clients"),
	}

	return stats, nil
}

func (c *Cache) extractStat(info, key string) string {
	lines := strings.Split(info, "\r\n")
	for _, line := range lines {
		if strings.HasPrefix(line, key+":") {
			return strings.TrimPrefix(line, key+":")
		}
	}
	return "0"
}
