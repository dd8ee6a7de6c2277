package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquasensor/go-ingest-server/internal/model"
)

func TestParse_Valid(t *testing.T) {
	c, err := Parse([]byte("{01-01-24,10:15:00,sensor022,5,21.3,65.2,7.1}"))
	require.NoError(t, err)

	assert.Equal(t, model.Candidate{
		Date:           "01-01-24",
		Time:           "10:15:00",
		SensorName:     "sensor022",
		MessageCounter: 5,
		Temperature:    21.3,
		PercentDO:      65.2,
		MgPerLDO:       7.1,
	}, c)
}

func TestParse_ToleratesWhitespace(t *testing.T) {
	c, err := Parse([]byte(" {01-01-24, 10:15:00, sensor022, 5, 21.3, 65.2, 7.1}\n"))
	require.NoError(t, err)
	assert.Equal(t, "sensor022", c.SensorName)
	assert.Equal(t, int64(5), c.MessageCounter)
}

func TestParse_WrongFieldCount(t *testing.T) {
	payloads := []string{
		"",
		"{}",
		"{01-01-24,10:15:00,sensor022,5,21.3,65.2}",
		"{01-01-24,10:15:00,sensor022,5,21.3,65.2,7.1,9}",
		"not a record",
	}
	for _, p := range payloads {
		t.Run(p, func(t *testing.T) {
			_, err := Parse([]byte(p))
			require.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestParse_BadNumericField(t *testing.T) {
	cases := map[string]string{
		"counter not int":   "{01-01-24,10:15:00,sensor022,5.5,21.3,65.2,7.1}",
		"counter empty":     "{01-01-24,10:15:00,sensor022,,21.3,65.2,7.1}",
		"temperature":       "{01-01-24,10:15:00,sensor022,5,warm,65.2,7.1}",
		"percent do":        "{01-01-24,10:15:00,sensor022,5,21.3,x,7.1}",
		"mg per litre do":   "{01-01-24,10:15:00,sensor022,5,21.3,65.2,}",
		"counter overflows": "{01-01-24,10:15:00,sensor022,99999999999999999999,21.3,65.2,7.1}",
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(p))
			require.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	in := model.Candidate{
		Date:           "19-10-26",
		Time:           "08:00:00",
		SensorName:     "sensor007",
		MessageCounter: 42,
		Temperature:    12.25,
		PercentDO:      88,
		MgPerLDO:       9.4,
	}
	assert.Equal(t, "{19-10-26,08:00:00,sensor007,42,12.25,88,9.4}", string(Format(in)))

	out, err := Parse(Format(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
