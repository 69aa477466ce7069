package broker

import (
	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/domain"
)

// DefaultBufferGB is the margin charged per reservation.
var DefaultBufferGB = decimal.NewFromInt(1)

// Config is the allocation policy.
type Config struct {
	// BufferGB is charged for every existing reservation and for the prospective one.
	BufferGB decimal.Decimal
	// SingleTenant excludes any GPU that already holds a reservation.
	SingleTenant bool
}

func DefaultConfig() Config {
	return Config{BufferGB: DefaultBufferGB}
}

func (c Config) Validate() error {
	if c.BufferGB.IsNegative() {
		return domain.Invalidf("buffer %s GB must not be negative", c.BufferGB)
	}
	return nil
}
