// Package binding enforces the trailing one-to-one correspondence
// between a claimed ADNL address and the endpoint reporting for it.
// Trust derives from recent observed history, not from signatures: the
// two most recent records inside the window are the only evidence
// consulted, so a binding heals itself once the window elapses without
// counter-evidence.
package binding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/toncenter/telemetry/internal/store"
)

// DefaultWindow is how long an observed identity/endpoint pairing stays
// binding.
const DefaultWindow = 4 * time.Hour

// History is the read-only slice of the telemetry store the validator
// consults. *store.Store satisfies it.
type History interface {
	LatestByIdentity(ctx context.Context, adnl string, since time.Time) (*store.Record, error)
	LatestByOrigin(ctx context.Context, originHash string, since time.Time) (*store.Record, error)
}

type Validator struct {
	log     *slog.Logger
	clock   clockwork.Clock
	history History
	window  time.Duration
}

func NewValidator(log *slog.Logger, clock clockwork.Clock, history History, window time.Duration) (*Validator, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if history == nil {
		return nil, errors.New("history is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Validator{
		log:     log,
		clock:   clock,
		history: history,
		window:  window,
	}, nil
}

// Validate reports whether a report claiming adnl from the endpoint
// behind originHash may be accepted. No history for either key means
// accept: first contact is trusted. A store failure is returned as an
// error, not a rejection.
func (v *Validator) Validate(ctx context.Context, adnl, originHash string) (bool, error) {
	since := v.clock.Now().UTC().Add(-v.window)

	// This endpoint must not have reported under a different identity
	// within the window.
	byOrigin, err := v.history.LatestByOrigin(ctx, originHash, since)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, err
	case byOrigin.ADNLAddress != adnl:
		v.log.Info("binding rejected: endpoint recently reported another identity",
			"adnl", adnl, "last_adnl", byOrigin.ADNLAddress)
		return false, nil
	}

	// This identity must not have reported from a different endpoint
	// within the window.
	byIdentity, err := v.history.LatestByIdentity(ctx, adnl, since)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, err
	case byIdentity.OriginHash != originHash:
		v.log.Info("binding rejected: identity recently reported from another endpoint",
			"adnl", adnl)
		return false, nil
	}

	return true, nil
}
