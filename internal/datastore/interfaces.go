// Package datastore persists published assessments and answers history
// queries for the API.
package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
)

const (
	// SummaryCacheTTL is how long a computed summary is served from cache.
	SummaryCacheTTL = 30 * time.Second
	// MaxRecentLimit caps Recent queries.
	MaxRecentLimit   = 1000
	defaultRecent    = 50
	slowQueryTimeout = 200 * time.Millisecond
)

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Save(ctx context.Context, record *AssessmentRecord) error
	Recent(ctx context.Context, limit int) ([]AssessmentRecord, error)
	Summary(ctx context.Context, since time.Time) (Summary, error)
	Close() error
}

// DataStore implements Interface on a GORM database. Driver-specific stores
// embed it and provide Open.
type DataStore struct {
	DB       *gorm.DB
	Settings *conf.Settings

	summaries *cache.Cache
	metrics   *metrics.DatastoreMetrics
}

// New returns the store selected by the output settings, or nil when
// persistence is disabled.
func New(settings *conf.Settings, m *metrics.DatastoreMetrics) Interface {
	base := DataStore{
		Settings: settings,
		// No janitor: expired entries are replaced on the next miss.
		summaries: cache.New(SummaryCacheTTL, 0),
		metrics:   m,
	}
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{DataStore: base}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{DataStore: base}
	default:
		return nil
	}
}

func (ds *DataStore) gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(GetLogger().Module("gorm"), slowQueryTimeout),
	}
}

func (ds *DataStore) ready() error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// Save inserts one assessment.
func (ds *DataStore) Save(ctx context.Context, record *AssessmentRecord) error {
	if err := ds.ready(); err != nil {
		return err
	}
	start := time.Now()
	if err := ds.DB.WithContext(ctx).Create(record).Error; err != nil {
		ds.record(metrics.OpDbInsert, start, err)
		return dbError(err, "insert", start)
	}
	ds.record(metrics.OpDbInsert, start, nil)
	return nil
}

// Recent returns up to limit assessments, newest first.
func (ds *DataStore) Recent(ctx context.Context, limit int) ([]AssessmentRecord, error) {
	if err := ds.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecent
	}
	limit = min(limit, MaxRecentLimit)

	start := time.Now()
	var records []AssessmentRecord
	err := ds.DB.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	ds.record(metrics.OpDbQuery, start, err)
	if err != nil {
		return nil, dbError(err, "recent", start)
	}
	return records, nil
}

type labelRow struct {
	Label string
	Count int64
	Mean  float64
}

// Summary counts labels and averages confidence since the given time. Since
// is truncated to the minute, and results are cached for SummaryCacheTTL.
func (ds *DataStore) Summary(ctx context.Context, since time.Time) (Summary, error) {
	if err := ds.ready(); err != nil {
		return Summary{}, err
	}
	since = since.UTC().Truncate(time.Minute)
	key := fmt.Sprintf("summary:%d", since.Unix())

	if ds.summaries != nil {
		if cached, ok := ds.summaries.Get(key); ok {
			ds.cacheHit(true)
			if s, ok := cached.(Summary); ok {
				return s, nil
			}
		}
		ds.cacheHit(false)
	}

	start := time.Now()
	var rows []labelRow
	err := ds.DB.WithContext(ctx).
		Model(&AssessmentRecord{}).
		Select("label, COUNT(*) AS count, AVG(confidence) AS mean").
		Where("created_at >= ?", since).
		Group("label").
		Scan(&rows).Error
	ds.record(metrics.OpDbQuery, start, err)
	if err != nil {
		return Summary{}, dbError(err, "summary", start)
	}

	s := Summary{Since: since, Counts: make(map[string]int64, len(rows))}
	var weighted float64
	for _, r := range rows {
		s.Counts[r.Label] = r.Count
		s.Total += r.Count
		weighted += r.Mean * float64(r.Count)
	}
	if s.Total > 0 {
		s.MeanConfidence = weighted / float64(s.Total)
	}

	if ds.summaries != nil {
		ds.summaries.SetDefault(key, s)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (ds *DataStore) Close() error {
	if err := ds.ready(); err != nil {
		return err
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close", time.Now())
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", time.Now())
	}
	GetLogger().Debug("Database connection closed")
	return nil
}

func (ds *DataStore) record(op string, start time.Time, err error) {
	if ds.metrics == nil {
		return
	}
	ds.metrics.RecordDuration(op, time.Since(start).Seconds())
	if err != nil {
		ds.metrics.RecordOperation(op, metrics.StatusError)
		ds.metrics.RecordError(op, "query")
		return
	}
	ds.metrics.RecordOperation(op, metrics.StatusSuccess)
}

func (ds *DataStore) cacheHit(hit bool) {
	if ds.metrics != nil {
		ds.metrics.RecordCacheHit(hit)
	}
}

func dbError(err error, operation string, start time.Time) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Timing(operation, time.Since(start)).
		Build()
}

// performAutoMigration creates or updates the schema.
func performAutoMigration(db *gorm.DB, dbType string) error {
	start := time.Now()
	log := GetLogger().With(logger.String("db_type", dbType))
	log.Debug("Starting database migration")

	if err := db.AutoMigrate(&AssessmentRecord{}); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "auto_migrate").
			Context("db_type", dbType).
			Build()
	}

	log.Debug("Database migration completed",
		logger.Duration("duration", time.Since(start)))
	return nil
}
