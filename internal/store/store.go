package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"aquasensor/go-ingest-server/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Counter names seeded at schema creation.
const (
	CounterSensorID  = "sensorID"
	CounterRiverID   = "riverID"
	CounterReadingID = "readingID"
)

// timeLayout is fixed width so that text ordering of stored UTC timestamps matches
// chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite database holding the registry, readings and counters.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
// maxConns bounds the connection pool; concurrent writers each draw their own connection.
func Open(path string, maxConns int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures the location, sensor, reading and counter tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS locations (
			river_id INTEGER PRIMARY KEY,
			river_name TEXT NOT NULL,
			location TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS sensors (
			sensor_id INTEGER PRIMARY KEY,
			sensor_name TEXT NOT NULL,
			location TEXT NOT NULL,
			lat TEXT NOT NULL,
			long TEXT NOT NULL,
			status TEXT NOT NULL,
			river_id INTEGER REFERENCES locations(river_id),
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensors_name_status ON sensors(sensor_name, status);`,
		// sensor_id holds the sensor's external name and river/river_id are copies taken
		// at insert time, so readings outlive later registry edits.
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sensor_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			river_id INTEGER,
			river TEXT,
			latlong TEXT,
			message_counter INTEGER NOT NULL,
			temperature REAL NOT NULL,
			percent_dissolved_oxygen REAL NOT NULL,
			mg_per_l_dissolved_oxygen REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_readings_sensor_time ON readings(sensor_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO counters (name, value) VALUES ('sensorID', 0), ('riverID', 0), ('readingID', 0);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// NextSequence atomically increments the named counter and returns the new value.
// A missing counter starts at 1. The whole operation is one statement, so concurrent
// callers in any process never observe the same value.
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var value int64
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value;`,
		name,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next sequence %q: %w", name, err)
	}
	return value, nil
}

// LookupActiveSensor returns the registry record for an active sensor with the exact name.
// It returns ErrNotFound when no such sensor exists or it is not active.
func (s *Store) LookupActiveSensor(ctx context.Context, name string) (model.SensorRecord, error) {
	if s.db == nil {
		return model.SensorRecord{}, fmt.Errorf("store not initialized")
	}

	var (
		rec       model.SensorRecord
		riverID   sql.NullInt64
		riverName sql.NullString
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT s.sensor_id, s.sensor_name, s.river_id, l.river_name, s.lat || ',' || s.long
		 FROM sensors s
		 LEFT JOIN locations l ON s.river_id = l.river_id
		 WHERE s.sensor_name = ? AND s.status = 'active'
		 ORDER BY s.sensor_id
		 LIMIT 1;`,
		name,
	).Scan(&rec.SensorID, &rec.SensorName, &riverID, &riverName, &rec.LatLong)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SensorRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SensorRecord{}, fmt.Errorf("lookup sensor %q: %w", name, err)
	}

	if riverID.Valid {
		id := riverID.Int64
		rec.LocationID = &id
	}
	if riverName.Valid {
		n := riverName.String
		rec.LocationName = &n
	}
	return rec, nil
}

// InsertReading appends a reading and returns its row id. ArrivedAt must already be set.
func (s *Store) InsertReading(ctx context.Context, r model.Reading) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var riverID sql.NullInt64
	if r.LocationID != nil {
		riverID = sql.NullInt64{Int64: *r.LocationID, Valid: true}
	}
	var river sql.NullString
	if r.LocationName != nil {
		river = sql.NullString{String: *r.LocationName, Valid: true}
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO readings (sensor_id, created_at, river_id, river, latlong, message_counter, temperature, percent_dissolved_oxygen, mg_per_l_dissolved_oxygen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.SensorName,
		r.ArrivedAt.UTC().Format(timeLayout),
		riverID,
		river,
		r.LatLong,
		r.MessageCounter,
		r.Temperature,
		r.PercentDO,
		r.MgPerLDO,
	)
	if err != nil {
		return 0, fmt.Errorf("insert reading: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert reading id: %w", err)
	}
	return id, nil
}

// Readings returns stored readings ordered by arrival time, newest first.
// An empty sensorName matches every sensor.
func (s *Store) Readings(ctx context.Context, sensorName string, limit int) ([]model.Reading, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	query := `SELECT id, sensor_id, created_at, river_id, river, latlong, message_counter, temperature, percent_dissolved_oxygen, mg_per_l_dissolved_oxygen FROM readings`
	var args []interface{}
	if sensorName != "" {
		query += ` WHERE sensor_id = ?`
		args = append(args, sensorName)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	readings := make([]model.Reading, 0, limit)
	for rows.Next() {
		var (
			r          model.Reading
			arrivedStr string
			riverID    sql.NullInt64
			river      sql.NullString
			latlong    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SensorName, &arrivedStr, &riverID, &river, &latlong,
			&r.MessageCounter, &r.Temperature, &r.PercentDO, &r.MgPerLDO); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}

		r.ArrivedAt, err = time.Parse(timeLayout, arrivedStr)
		if err != nil {
			return nil, fmt.Errorf("parse reading time %q: %w", arrivedStr, err)
		}
		if riverID.Valid {
			id := riverID.Int64
			r.LocationID = &id
		}
		if river.Valid {
			n := river.String
			r.LocationName = &n
		}
		r.LatLong = latlong.String

		readings = append(readings, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}

	return readings, nil
}

// CountReadings returns the number of stored readings.
func (s *Store) CountReadings(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}
