// Package breaker guards storage reads with a circuit breaker so that a
// failing database sheds query load instead of queueing it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// Settings configures the breaker. Zero values fall back to defaults.
type Settings struct {
	Name                string
	ConsecutiveFailures uint32
	Interval            time.Duration
	Timeout             time.Duration
}

func (s Settings) normalized() Settings {
	if s.Name == "" {
		s.Name = "storage"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s
}

// Reader wraps the read side used by period aggregation.
type Reader struct {
	units      storage.UnitStore
	lifecycles storage.LifecycleSource
	chains     storage.ChainStore
	cb         *gobreaker.CircuitBreaker[any]
}

// NewReader wraps the given stores behind one breaker.
func NewReader(units storage.UnitStore, lifecycles storage.LifecycleSource, chains storage.ChainStore, s Settings) *Reader {
	s = s.normalized()
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("[Breaker] State changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Reader{units: units, lifecycles: lifecycles, chains: chains, cb: cb}
}

// isSuccessful keeps caller mistakes and cancellations from tripping the breaker.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// State reports the breaker state.
func (r *Reader) State() gobreaker.State {
	return r.cb.State()
}

// Ping fails while the breaker is open, so /health reports shed reads.
func (r *Reader) Ping(context.Context) error {
	if r.cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("%s: %w", r.cb.Name(), ErrOpen)
	}
	return nil
}

func (r *Reader) ListUnits(ctx context.Context, key aggregation.ChainKey, from, to time.Time) ([]aggregation.QuantifiedEvent, error) {
	out, err := r.cb.Execute(func() (any, error) {
		return r.units.ListUnits(ctx, key, from, to)
	})
	if err != nil {
		return nil, err
	}
	return out.([]aggregation.QuantifiedEvent), nil
}

func (r *Reader) ListOpenUnits(ctx context.Context, key aggregation.ChainKey) (aggregation.UnitSet, error) {
	out, err := r.cb.Execute(func() (any, error) {
		return r.units.ListOpenUnits(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return out.(aggregation.UnitSet), nil
}

func (r *Reader) GetLifecycle(ctx context.Context, externalID string, at time.Time) (*aggregation.Lifecycle, error) {
	out, err := r.cb.Execute(func() (any, error) {
		return r.lifecycles.GetLifecycle(ctx, externalID, at)
	})
	if err != nil {
		return nil, err
	}
	return out.(*aggregation.Lifecycle), nil
}

func (r *Reader) LoadState(ctx context.Context, key aggregation.ChainKey, periodFrom time.Time) (*aggregation.ChainState, error) {
	out, err := r.cb.Execute(func() (any, error) {
		return r.chains.LoadState(ctx, key, periodFrom)
	})
	if err != nil {
		return nil, err
	}
	return out.(*aggregation.ChainState), nil
}

var (
	_ storage.UnitStore       = (*Reader)(nil)
	_ storage.LifecycleSource = (*Reader)(nil)
)
