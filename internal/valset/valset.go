// Package valset maintains a periodically refreshed snapshot of the
// identities participating in the currently active validation cycle.
// The snapshot is advisory: ingestion joins it onto stored records when
// present and carries on when it is not.
package valset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRefreshInterval is how often the cache re-fetches the cycle list.
const DefaultRefreshInterval = 5 * time.Minute

// CycleValidator is one participant of a validation cycle, passed through
// verbatim from the elections source.
type CycleValidator struct {
	ADNLAddr string `json:"adnl_addr"`
	Pubkey   string `json:"pubkey,omitempty"`
	Weight   uint64 `json:"weight,omitempty"`
	Index    int    `json:"index,omitempty"`
}

// CycleInfo bounds the cycle in time and lists its participants.
type CycleInfo struct {
	UtimeSince int64            `json:"utime_since"`
	UtimeUntil int64            `json:"utime_until"`
	Validators []CycleValidator `json:"validators"`
}

// Cycle is one entry of the ranked cycle list returned by the source.
type Cycle struct {
	CycleID   int64     `json:"cycle_id"`
	CycleInfo CycleInfo `json:"cycle_info"`
}

// Info is the per-identity annotation joined onto stored records.
type Info struct {
	CycleID    int64          `json:"cycle_id"`
	UtimeSince int64          `json:"utime_since"`
	UtimeUntil int64          `json:"utime_until"`
	Validator  CycleValidator `json:"validator"`
}

// CyclesClient fetches the ranked list of recent and upcoming validation
// cycles from the external elections authority.
type CyclesClient interface {
	GetValidationCycles(ctx context.Context) ([]Cycle, error)
}

// ErrNoActiveCycle reports that no fetched cycle contains the current
// instant. The previous snapshot is retained when this happens.
var ErrNoActiveCycle = errors.New("valset: no active validation cycle")

// Cache holds the current snapshot behind an atomic pointer, so readers
// never lock and never observe a partially built table.
type Cache struct {
	log      *slog.Logger
	clock    clockwork.Clock
	interval time.Duration
	client   CyclesClient

	snapshot atomic.Pointer[map[string]Info]
	ready    atomic.Bool
}

func NewCache(log *slog.Logger, clock clockwork.Clock, interval time.Duration, client CyclesClient) (*Cache, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if client == nil {
		return nil, errors.New("cycles client is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	c := &Cache{
		log:      log,
		clock:    clock,
		interval: interval,
		client:   client,
	}
	empty := map[string]Info{}
	c.snapshot.Store(&empty)
	return c, nil
}

// Ready reports whether at least one refresh has succeeded.
func (c *Cache) Ready() bool {
	return c.ready.Load()
}

// Lookup returns the cycle annotation for an identity. A miss is not an
// error.
func (c *Cache) Lookup(adnl string) (Info, bool) {
	info, ok := (*c.snapshot.Load())[adnl]
	return info, ok
}

// Run refreshes once immediately, then on every tick until ctx is done.
// Refresh failures are logged and retried naturally on the next tick.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.log.Error("valset: initial refresh failed", "error", err)
	}
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := c.Refresh(ctx); err != nil {
				c.log.Error("valset: refresh failed", "error", err)
			}
		}
	}
}

// Refresh fetches the cycle list, selects the cycle containing now, and
// swaps the snapshot in atomically. On any failure the previous snapshot
// stays untouched.
func (c *Cache) Refresh(ctx context.Context) error {
	refreshesTotal.Inc()

	cycles, err := c.client.GetValidationCycles(ctx)
	if err != nil {
		refreshFailuresTotal.Inc()
		return fmt.Errorf("failed to fetch validation cycles: %w", err)
	}

	now := c.clock.Now().Unix()
	cycle, err := activeCycle(cycles, now)
	if err != nil {
		refreshFailuresTotal.Inc()
		return err
	}

	m := make(map[string]Info, len(cycle.CycleInfo.Validators))
	for _, v := range cycle.CycleInfo.Validators {
		if v.ADNLAddr == "" {
			continue
		}
		m[v.ADNLAddr] = Info{
			CycleID:    cycle.CycleID,
			UtimeSince: cycle.CycleInfo.UtimeSince,
			UtimeUntil: cycle.CycleInfo.UtimeUntil,
			Validator:  v,
		}
	}

	c.snapshot.Store(&m)
	c.ready.Store(true)
	c.log.Debug("valset: snapshot refreshed", "cycle_id", cycle.CycleID, "validators", len(m))
	return nil
}

// activeCycle picks the cycle whose [utime_since, utime_until) interval
// contains now.
func activeCycle(cycles []Cycle, now int64) (Cycle, error) {
	for _, cycle := range cycles {
		if cycle.CycleInfo.UtimeSince <= now && now < cycle.CycleInfo.UtimeUntil {
			return cycle, nil
		}
	}
	return Cycle{}, ErrNoActiveCycle
}
