package server

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/toncenter/telemetry/internal/binding"
	"github.com/toncenter/telemetry/internal/store"
	"github.com/toncenter/telemetry/internal/valset"
)

const (
	defaultCountryFreshness = 24 * time.Hour
	defaultCountryCacheTTL  = time.Minute
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxBodySize      = 1 << 20 // 1 MiB
)

// RecordStore is the store surface the handlers use. *store.Store
// satisfies it; tests substitute an in-memory fake.
type RecordStore interface {
	Insert(ctx context.Context, rec store.Record) error
	Query(ctx context.Context, f store.Filter) ([]store.Record, error)
	LatestByIdentity(ctx context.Context, adnl string, since time.Time) (*store.Record, error)
	LatestByOrigin(ctx context.Context, originHash string, since time.Time) (*store.Record, error)
	ExistsSince(ctx context.Context, adnl string, since time.Time) (bool, error)
}

// OriginCodec hashes and enriches reporter endpoints.
type OriginCodec interface {
	HashOrigin(endpoint string) string
	Enrich(endpoint string) (country, isp *string)
}

type Config struct {
	Telemetry    RecordStore
	Overlays     RecordStore
	Codec        OriginCodec
	CyclesClient valset.CyclesClient
	Grants       map[string]Grant

	// Optional configuration.
	Clock                 clockwork.Clock
	BindingWindow         time.Duration
	ValsetRefreshInterval time.Duration
	CountryFreshness      time.Duration
	CountryCacheTTL       time.Duration
	ShutdownTimeout       time.Duration
	MaxBodySize           int64
}

func (c *Config) Validate() error {
	if c.Telemetry == nil {
		return errors.New("telemetry store is required")
	}
	if c.Overlays == nil {
		return errors.New("overlay store is required")
	}
	if c.Codec == nil {
		return errors.New("origin codec is required")
	}
	if c.CyclesClient == nil {
		return errors.New("cycles client is required")
	}
	if c.Grants == nil {
		return errors.New("grant table is required")
	}

	// Optional configuration.
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BindingWindow <= 0 {
		c.BindingWindow = binding.DefaultWindow
	}
	if c.ValsetRefreshInterval <= 0 {
		c.ValsetRefreshInterval = valset.DefaultRefreshInterval
	}
	if c.CountryFreshness <= 0 {
		c.CountryFreshness = defaultCountryFreshness
	}
	if c.CountryCacheTTL <= 0 {
		c.CountryCacheTTL = defaultCountryCacheTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	return nil
}
