package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentrynode/sentryd/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, config.Default().Validate())
}

func TestValidateRejectsDuplicateGPIONumber(t *testing.T) {
	c := config.Default()
	c.GPIO.Floodlight.GPIO = c.GPIO.Siren.GPIO
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNegativeGPIONumber(t *testing.T) {
	c := config.Default()
	c.GPIO.PanicInput.GPIO = -1
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNegativeDuration(t *testing.T) {
	c := config.Default()
	c.Timing.DefaultExitDelay = -time.Second
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNegativeQueueMaxCount(t *testing.T) {
	c := config.Default()
	c.Queue.MaxCount = -1
	assert.Error(t, c.Validate())
}
