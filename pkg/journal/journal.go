package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/logx"
)

// Journal is an append-only SQLite log of acquisition attempts. It is an
// audit trail; nothing reads it back into acquisition state.
type Journal struct {
	db     *sql.DB
	config *Config
	logger *logx.Logger
}

// Config holds journal configuration
type Config struct {
	Path          string `json:"path"`
	MaxEntries    int    `json:"max_entries"`
	RetentionDays int    `json:"retention_days"`
}

// DefaultConfig returns the default journal configuration
func DefaultConfig() *Config {
	return &Config{
		Path:          "/var/lib/locfix/journal.db",
		MaxEntries:    10000,
		RetentionDays: 30,
	}
}

// Entry is one recorded acquisition attempt
type Entry struct {
	ID                int64     `json:"id"`
	AttemptID         string    `json:"attempt_id"`
	Timestamp         time.Time `json:"timestamp"`
	Outcome           string    `json:"outcome"`
	Message           string    `json:"message,omitempty"`
	RecommendedAction string    `json:"recommended_action,omitempty"`
	Source            string    `json:"source,omitempty"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	AccuracyMeters    *float64  `json:"accuracy_m,omitempty"`
	DurationMs        int64     `json:"duration_ms"`
}

// Open opens or creates the journal database
func Open(config *Config, logger *logx.Logger) (*Journal, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite allows one writer
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, config: config, logger: logger}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	logger.Info("journal_initialized",
		"path", config.Path,
		"max_entries", config.MaxEntries,
		"retention_days", config.RetentionDays,
	)
	return j, nil
}

func (j *Journal) initialize() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL UNIQUE,
		timestamp DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		message TEXT,
		recommended_action TEXT,
		source TEXT,
		latitude REAL,
		longitude REAL,
		accuracy_m REAL,
		duration_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON attempts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON attempts(outcome);
	`)
	return err
}

// Record appends an entry for result
func (j *Journal) Record(ctx context.Context, result *pkg.AcquisitionResult, duration time.Duration, at time.Time) error {
	var (
		message, action, source sql.NullString
		lat, lon, acc           sql.NullFloat64
	)
	if result.OK() {
		loc := result.Success.Location
		source = sql.NullString{String: string(loc.Source), Valid: true}
		lat = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
		acc = sql.NullFloat64{Float64: float64(loc.AccuracyMeters), Valid: true}
	} else if result.Failure != nil {
		message = sql.NullString{String: result.Failure.Message, Valid: true}
		action = sql.NullString{String: string(result.Failure.RecommendedAction), Valid: result.Failure.RecommendedAction != pkg.ActionNone}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO attempts (attempt_id, timestamp, outcome, message, recommended_action, source, latitude, longitude, accuracy_m, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.AttemptID, at.UTC(), result.Outcome(), message, action, source, lat, lon, acc, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", result.AttemptID, err)
	}

	if j.config.MaxEntries > 0 {
		if _, err := j.db.ExecContext(ctx,
			"DELETE FROM attempts WHERE id <= (SELECT MAX(id) FROM attempts) - ?", j.config.MaxEntries); err != nil {
			return fmt.Errorf("failed to trim journal: %w", err)
		}
	}
	return nil
}

// ObserveResult implements gps.ResultObserver
func (j *Journal) ObserveResult(ctx context.Context, result *pkg.AcquisitionResult, duration time.Duration) {
	if result == nil {
		return
	}
	if err := j.Record(ctx, result, duration, time.Now()); err != nil {
		j.logger.Warn("journal_record_failed", "attempt_id", result.AttemptID, "error", err)
	}
}

// Recent returns up to limit entries, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, attempt_id, timestamp, outcome, message, recommended_action, source, latitude, longitude, accuracy_m, duration_ms
		FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                       Entry
			message, action, source sql.NullString
			lat, lon, acc           sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.Timestamp, &e.Outcome, &message, &action, &source, &lat, &lon, &acc, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Message = message.String
		e.RecommendedAction = action.String
		e.Source = source.String
		e.Latitude = floatPtr(lat)
		e.Longitude = floatPtr(lon)
		e.AccuracyMeters = floatPtr(acc)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutcomeCounts returns the number of recorded attempts per outcome
func (j *Journal) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM attempts GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries older than the retention period
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	if j.config.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -j.config.RetentionDays).UTC()
	result, err := j.db.ExecContext(ctx, "DELETE FROM attempts WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		j.logger.Info("journal_pruned", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
