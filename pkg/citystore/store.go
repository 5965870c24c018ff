package citystore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

// Store is the persistent city reference table
type Store struct {
	db     *sql.DB
	dbPath string
	logger *logx.Logger
	perf   *logx.PerformanceLogger
}

// Config holds configuration for the city store
type Config struct {
	DatabasePath string        `json:"database_path"`
	BusyTimeout  time.Duration `json:"busy_timeout"`
}

// DefaultConfig returns the default city store configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "/var/lib/ridemeter/location_cache.db",
		BusyTimeout:  5 * time.Second,
	}
}

// Open opens the SQLite database and makes sure the schema exists
func Open(config *Config, logger *logx.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the geocoder read committed batches while a sync is inserting
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		config.DatabasePath, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		dbPath: config.DatabasePath,
		logger: logger,
		perf:   logx.NewPerformanceLogger(logger, 250*time.Millisecond),
	}

	if err := s.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("city_store_initialized", "database_path", config.DatabasePath)
	return s, nil
}

func (s *Store) initializeDatabase() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS cities (
		_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coords ON cities(latitude, longitude);
	`

	_, err := s.db.Exec(createTableSQL)
	return err
}

// BulkInsert inserts all records in one transaction; either every row lands or none does
func (s *Store) BulkInsert(ctx context.Context, records []pkg.CityRecord) (err error) {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		s.perf.LogDatabasePerformance("bulk_insert", time.Since(start), len(records), err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cities (name, state, country, latitude, longitude) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err = stmt.ExecContext(ctx, r.Name, r.State, r.Country, r.Latitude, r.Longitude); err != nil {
			return fmt.Errorf("failed to insert city %q: %w", r.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Query returns the cities inside the bounding box, in insertion order
func (s *Store) Query(ctx context.Context, latMin, latMax, lonMin, lonMax float64) ([]pkg.CityRecord, error) {
	query := `
	SELECT name, state, country, latitude, longitude
	FROM cities
	WHERE latitude BETWEEN ? AND ?
	  AND longitude BETWEEN ? AND ?
	ORDER BY _id
	`
	return s.queryRecords(ctx, query, latMin, latMax, lonMin, lonMax)
}

// All returns every city; this is the unindexed fallback path
func (s *Store) All(ctx context.Context) ([]pkg.CityRecord, error) {
	return s.queryRecords(ctx, `SELECT name, state, country, latitude, longitude FROM cities ORDER BY _id`)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]pkg.CityRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []pkg.CityRecord
	for rows.Next() {
		var r pkg.CityRecord
		if err := rows.Scan(&r.Name, &r.State, &r.Country, &r.Latitude, &r.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan city row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored cities
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cities").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// HasData reports whether at least one city is stored
func (s *Store) HasData(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM cities LIMIT 1").Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Clear deletes every city
func (s *Store) Clear(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cities")
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("city_store_cleared", "deleted_rows", n)
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
