package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptionsValidate(t *testing.T) {
	valid := options{sensor: "sensor022", interval: time.Second}
	assert.NoError(t, valid.validate())

	zero := valid
	zero.interval = 0
	assert.ErrorContains(t, zero.validate(), "--interval")

	negative := valid
	negative.interval = -time.Second
	assert.ErrorContains(t, negative.validate(), "--interval")

	badCount := valid
	badCount.count = -1
	assert.ErrorContains(t, badCount.validate(), "--count")

	noName := valid
	noName.sensor = ""
	assert.ErrorContains(t, noName.validate(), "--sensor")
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 12.35, round2(12.345001))
	assert.Equal(t, -1.26, round2(-1.255001))
	assert.Equal(t, -0.5, round2(-0.499))
	assert.Equal(t, 0.0, round2(0.001))
}
