package model

import "time"

// Lifecycle status values shared by locations and sensors.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Location describes a monitored river site.
type Location struct {
	ID        int64     `json:"river_id"`
	Name      string    `json:"river_name"`
	Site      string    `json:"location"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sensor is a registered field device. LocationID is nil when the sensor is unassigned.
type Sensor struct {
	ID         int64     `json:"sensor_id"`
	Name       string    `json:"sensor_name"`
	Site       string    `json:"location"`
	Lat        string    `json:"lat"`
	Long       string    `json:"long"`
	Status     string    `json:"status"`
	LocationID *int64    `json:"river_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SensorRecord is the registry view of an active sensor used to enrich readings.
type SensorRecord struct {
	SensorID     int64   `json:"sensor_id"`
	SensorName   string  `json:"sensor_name"`
	LocationID   *int64  `json:"river_id,omitempty"`
	LocationName *string `json:"river,omitempty"`
	LatLong      string  `json:"latlong"`
}

// Candidate is a parsed telemetry payload that has not been enriched or timestamped.
type Candidate struct {
	Date           string  `json:"date"`
	Time           string  `json:"time"`
	SensorName     string  `json:"sensor_name"`
	MessageCounter int64   `json:"message_counter"`
	Temperature    float64 `json:"temperature"`
	PercentDO      float64 `json:"percent_do"`
	MgPerLDO       float64 `json:"mg_l_do"`
}

// Reading is one immutable, enriched telemetry sample as stored.
type Reading struct {
	ID             int64     `json:"id"`
	SensorName     string    `json:"sensor_id"`
	ArrivedAt      time.Time `json:"created_at"`
	LocationID     *int64    `json:"river_id,omitempty"`
	LocationName   *string   `json:"river,omitempty"`
	LatLong        string    `json:"latlong"`
	MessageCounter int64     `json:"message_counter"`
	Temperature    float64   `json:"temperature"`
	PercentDO      float64   `json:"percent_dissolved_oxygen"`
	MgPerLDO       float64   `json:"mg_per_l_dissolved_oxygen"`
}

// Enrich combines a parsed candidate with its registry record.
func Enrich(c Candidate, rec SensorRecord) Reading {
	return Reading{
		SensorName:     c.SensorName,
		LocationID:     rec.LocationID,
		LocationName:   rec.LocationName,
		LatLong:        rec.LatLong,
		MessageCounter: c.MessageCounter,
		Temperature:    c.Temperature,
		PercentDO:      c.PercentDO,
		MgPerLDO:       c.MgPerLDO,
	}
}
