package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/depthsync/internal/analytics"
)

// Sentinel errors returned by the pipeline and registry.
var (
	ErrInvalidConfig = errors.New("invalid pipeline config")
	ErrExists        = errors.New("pipeline already subscribed")
	ErrNotFound      = errors.New("no pipeline for key")
	ErrClosed        = errors.New("registry closed")
)

// DefaultResyncTimeout bounds how long a book may wait for a snapshot before
// it is reported degraded.
const DefaultResyncTimeout = 10 * time.Second

var maxBand = decimal.NewFromInt(1)

// Config controls materialization and analytics. MaxLevels and Bands can be
// changed at runtime with UpdateConfig.
type Config struct {
	MaxLevels     int // 0 means unbounded
	Bands         []decimal.Decimal
	ResyncTimeout time.Duration
}

// DefaultConfig returns 250 levels, the default bands and a 10s resync
// timeout.
func DefaultConfig() Config {
	return Config{
		MaxLevels:     analytics.DefaultMaxLevels,
		Bands:         analytics.DefaultBands(),
		ResyncTimeout: DefaultResyncTimeout,
	}
}

// Validate checks the config and returns the first problem found.
func (c Config) Validate() error {
	if err := validateView(c.MaxLevels, c.Bands); err != nil {
		return err
	}
	if c.ResyncTimeout <= 0 {
		return fmt.Errorf("%w: resync timeout %s must be positive", ErrInvalidConfig, c.ResyncTimeout)
	}
	return nil
}

func validateView(maxLevels int, bands []decimal.Decimal) error {
	if maxLevels < 0 {
		return fmt.Errorf("%w: max levels %d is negative", ErrInvalidConfig, maxLevels)
	}
	seen := make(map[string]struct{}, len(bands))
	for _, b := range bands {
		if !b.IsPositive() || b.GreaterThan(maxBand) {
			return fmt.Errorf("%w: band %s not in (0, 1]", ErrInvalidConfig, b)
		}
		if _, dup := seen[b.String()]; dup {
			return fmt.Errorf("%w: duplicate band %s", ErrInvalidConfig, b)
		}
		seen[b.String()] = struct{}{}
	}
	return nil
}

func (c Config) clone() Config {
	c.Bands = append([]decimal.Decimal(nil), c.Bands...)
	return c
}
