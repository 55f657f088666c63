package soundheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, DefaultConfig().validate())
}

func TestValidateRejectsWrongBucketCountExp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BucketCountExp = 5
	err := cfg.validate()
	assert.Error(t, err)
	var fe *FatalError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, KindInvariantViolation, fe.Kind)
}

func TestValidateRejectsUndersizedAlignment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alignment = 8
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsUndersizedReservation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReservationSizeExp = 10
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsZeroBAMaxPages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BAMaxPages = 0
	assert.Error(t, cfg.validate())
}

func TestValidateRejectsWrongPageSizeExp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSizeExp = 13
	assert.Error(t, cfg.validate())
}
