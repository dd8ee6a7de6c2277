// Package telemetry decodes the fixed device wire format:
//
//	{date,time,sensor_name,message_counter,temperature,percent_do,mg_l_do}
//
// The format is versionless; any change needs every publishing device updated.
package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"aquasensor/go-ingest-server/internal/model"
)

// FieldCount is the exact number of comma-separated fields in a payload.
const FieldCount = 7

// ErrMalformedMessage marks payloads that fail structural or numeric validation.
// Such payloads are dropped and never retried.
var ErrMalformedMessage = errors.New("malformed message")

// Parse decodes a raw payload into a candidate reading.
func Parse(payload []byte) (model.Candidate, error) {
	raw := strings.Trim(strings.TrimSpace(string(payload)), "{}")
	parts := strings.Split(raw, ",")
	if len(parts) != FieldCount {
		return model.Candidate{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedMessage, FieldCount, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	counter, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return model.Candidate{}, fmt.Errorf("%w: message_counter %q: %v", ErrMalformedMessage, parts[3], err)
	}

	floats := [3]float64{}
	names := [3]string{"temperature", "percent_do", "mg_l_do"}
	for i := range floats {
		v, err := strconv.ParseFloat(parts[4+i], 64)
		if err != nil {
			return model.Candidate{}, fmt.Errorf("%w: %s %q: %v", ErrMalformedMessage, names[i], parts[4+i], err)
		}
		floats[i] = v
	}

	return model.Candidate{
		Date:           parts[0],
		Time:           parts[1],
		SensorName:     parts[2],
		MessageCounter: counter,
		Temperature:    floats[0],
		PercentDO:      floats[1],
		MgPerLDO:       floats[2],
	}, nil
}

// Format renders a candidate in the device wire format. The simulator publishes with it.
func Format(c model.Candidate) []byte {
	return []byte(fmt.Sprintf("{%s,%s,%s,%d,%s,%s,%s}",
		c.Date,
		c.Time,
		c.SensorName,
		c.MessageCounter,
		strconv.FormatFloat(c.Temperature, 'f', -1, 64),
		strconv.FormatFloat(c.PercentDO, 'f', -1, 64),
		strconv.FormatFloat(c.MgPerLDO, 'f', -1, 64),
	))
}
