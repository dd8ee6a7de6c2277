package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aquasensor/go-ingest-server/internal/model"
)

// The methods below are the write side of the registry, owned by the administration
// interface. The ingestion path only reads through LookupActiveSensor.

// CreateLocation mints a river id from the riverID counter and inserts the location.
func (s *Store) CreateLocation(ctx context.Context, loc model.Location) (model.Location, error) {
	if s.db == nil {
		return model.Location{}, fmt.Errorf("store not initialized")
	}

	id, err := s.NextSequence(ctx, CounterRiverID)
	if err != nil {
		return model.Location{}, err
	}
	if loc.Status == "" {
		loc.Status = model.StatusActive
	}
	now := time.Now().UTC()
	loc.ID = id
	loc.CreatedAt = now
	loc.UpdatedAt = now

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO locations (river_id, river_name, location, latitude, longitude, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		loc.ID,
		loc.Name,
		loc.Site,
		loc.Latitude,
		loc.Longitude,
		loc.Status,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return model.Location{}, fmt.Errorf("insert location: %w", err)
	}
	return loc, nil
}

// CreateSensor mints a sensor id from the sensorID counter and inserts the sensor.
func (s *Store) CreateSensor(ctx context.Context, sensor model.Sensor) (model.Sensor, error) {
	if s.db == nil {
		return model.Sensor{}, fmt.Errorf("store not initialized")
	}

	id, err := s.NextSequence(ctx, CounterSensorID)
	if err != nil {
		return model.Sensor{}, err
	}
	if sensor.Status == "" {
		sensor.Status = model.StatusActive
	}
	now := time.Now().UTC()
	sensor.ID = id
	sensor.CreatedAt = now
	sensor.UpdatedAt = now

	var riverID sql.NullInt64
	if sensor.LocationID != nil {
		riverID = sql.NullInt64{Int64: *sensor.LocationID, Valid: true}
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO sensors (sensor_id, sensor_name, location, lat, long, status, river_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		sensor.ID,
		sensor.Name,
		sensor.Site,
		sensor.Lat,
		sensor.Long,
		sensor.Status,
		riverID,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return model.Sensor{}, fmt.Errorf("insert sensor: %w", err)
	}
	return sensor, nil
}

// SetSensorStatus changes a sensor's lifecycle status.
func (s *Store) SetSensorStatus(ctx context.Context, sensorID int64, status string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if status != model.StatusActive && status != model.StatusInactive {
		return fmt.Errorf("invalid sensor status %q", status)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sensors SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE sensor_id = ?;`,
		status,
		sensorID,
	)
	if err != nil {
		return fmt.Errorf("update sensor status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sensor status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SensorByName returns the first sensor registered under name regardless of status.
func (s *Store) SensorByName(ctx context.Context, name string) (model.Sensor, error) {
	if s.db == nil {
		return model.Sensor{}, fmt.Errorf("store not initialized")
	}

	var (
		sensor     model.Sensor
		riverID    sql.NullInt64
		createdStr string
		updatedStr string
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT sensor_id, sensor_name, location, lat, long, status, river_id, created_at, updated_at
		 FROM sensors WHERE sensor_name = ? ORDER BY sensor_id LIMIT 1;`,
		name,
	).Scan(&sensor.ID, &sensor.Name, &sensor.Site, &sensor.Lat, &sensor.Long, &sensor.Status, &riverID, &createdStr, &updatedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Sensor{}, ErrNotFound
	}
	if err != nil {
		return model.Sensor{}, fmt.Errorf("get sensor %q: %w", name, err)
	}

	if riverID.Valid {
		id := riverID.Int64
		sensor.LocationID = &id
	}
	if sensor.CreatedAt, err = time.Parse(timeLayout, createdStr); err != nil {
		return model.Sensor{}, fmt.Errorf("parse sensor created_at %q: %w", createdStr, err)
	}
	if sensor.UpdatedAt, err = time.Parse(timeLayout, updatedStr); err != nil {
		return model.Sensor{}, fmt.Errorf("parse sensor updated_at %q: %w", updatedStr, err)
	}
	return sensor, nil
}
