// Package memory is an in-process implementation of every storage port.
// Useful for tests, replays and single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "github.com/aevon-lab/aevon-meter/internal/api/v1"
	"github.com/aevon-lab/aevon-meter/internal/core/aggregation"
	"github.com/aevon-lab/aevon-meter/internal/core/storage"
	"github.com/google/uuid"
)

type stateKey struct {
	chain      aggregation.ChainKey
	periodFrom int64
}

type resultKey struct {
	subscriptionID string
	metricCode     string
	eventID        string
}

// Store keeps events, units, chain states, checkpoints and lifecycles in maps.
type Store struct {
	mu          sync.RWMutex
	seq         int64
	events      []*v1.Event
	eventIDs    map[string]struct{}
	units       map[aggregation.ChainKey][]aggregation.QuantifiedEvent
	states      map[stateKey]aggregation.ChainState
	results     map[resultKey]storage.EventResult
	resultOrder map[stateKey][]resultKey
	checkpoints map[string]int64
	lifecycles  map[string][]aggregation.Lifecycle
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		eventIDs:    make(map[string]struct{}),
		units:       make(map[aggregation.ChainKey][]aggregation.QuantifiedEvent),
		states:      make(map[stateKey]aggregation.ChainState),
		results:     make(map[resultKey]storage.EventResult),
		resultOrder: make(map[stateKey][]resultKey),
		checkpoints: make(map[string]int64),
		lifecycles:  make(map[string][]aggregation.Lifecycle),
	}
}

func newStateKey(key aggregation.ChainKey, periodFrom time.Time) stateKey {
	return stateKey{chain: key, periodFrom: periodFrom.Unix()}
}

// SaveEvent appends the event and assigns the next ingest sequence.
func (s *Store) SaveEvent(_ context.Context, event *v1.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := event.SubscriptionID + "\x00" + event.ID
	if _, exists := s.eventIDs[id]; exists {
		return storage.ErrDuplicate
	}
	s.eventIDs[id] = struct{}{}

	s.seq++
	event.IngestSeq = s.seq
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *Store) RetrieveEventsAfterCursor(_ context.Context, cursor int64, limit int) ([]*v1.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Event
	for _, evt := range s.events {
		if evt.IngestSeq <= cursor {
			continue
		}
		copied := *evt
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RetrieveSubscriptionEvents(
	_ context.Context,
	subscriptionID string,
	code string,
	start time.Time,
	end time.Time,
	limit int,
) ([]*v1.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Event
	for _, evt := range s.events {
		if evt.SubscriptionID != subscriptionID || (code != "" && evt.Code != code) {
			continue
		}
		if evt.Timestamp.Before(start) || !evt.Timestamp.Before(end) {
			continue
		}
		copied := *evt
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListUnits returns activations overlapping [from, to], oldest first.
func (s *Store) ListUnits(_ context.Context, key aggregation.ChainKey, from, to time.Time) ([]aggregation.QuantifiedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []aggregation.QuantifiedEvent
	for _, u := range s.units[key] {
		if u.AddedAt.After(to) {
			continue
		}
		if u.RemovedAt != nil && !u.RemovedAt.After(from) {
			continue
		}
		out = append(out, cloneUnit(u))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].UniqueID < out[j].UniqueID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

func (s *Store) ListOpenUnits(_ context.Context, key aggregation.ChainKey) (aggregation.UnitSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := aggregation.NewUnitSet()
	for _, u := range s.units[key] {
		if u.RemovedAt == nil {
			open[u.UniqueID] = struct{}{}
		}
	}
	return open, nil
}

// PutUnit stores an activation directly, bypassing the chain. Used to seed
// history that predates the incremental pipeline.
func (s *Store) PutUnit(u aggregation.QuantifiedEvent) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	key := aggregation.ChainKey{SubscriptionID: u.SubscriptionID, MetricCode: u.MetricCode, GroupKey: u.GroupKey}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[key] = append(s.units[key], cloneUnit(u))
	return nil
}

func (s *Store) LoadState(_ context.Context, key aggregation.ChainKey, periodFrom time.Time) (*aggregation.ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[newStateKey(key, periodFrom)]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// ApplyTransition mirrors the Postgres adapter: all or nothing, with the same
// duplicate and stale-version rules.
func (s *Store) ApplyTransition(_ context.Context, t storage.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rk := resultKey{subscriptionID: t.Key.SubscriptionID, metricCode: t.Key.MetricCode, eventID: t.EventID}
	if _, exists := s.results[rk]; exists {
		return storage.ErrDuplicate
	}

	sk := newStateKey(t.Key, t.PeriodFrom)
	current, exists := s.states[sk]
	switch {
	case t.ExpectedVersion == 0 && exists:
		return storage.ErrStaleState
	case t.ExpectedVersion != 0 && (!exists || current.Version != t.ExpectedVersion):
		return storage.ErrStaleState
	}

	units := s.units[t.Key]
	openIdx := -1
	for i, u := range units {
		if u.UniqueID == t.UniqueID && u.RemovedAt == nil {
			openIdx = i
			break
		}
	}

	at := t.At.UTC()
	switch t.Operation {
	case aggregation.OperationAdd:
		if openIdx >= 0 {
			return storage.ErrStaleState
		}
		units = append(units, aggregation.QuantifiedEvent{
			ID:             uuid.NewString(),
			UniqueID:       t.UniqueID,
			SubscriptionID: t.Key.SubscriptionID,
			MetricCode:     t.Key.MetricCode,
			GroupKey:       t.Key.GroupKey,
			AddedAt:        at,
		})
	case aggregation.OperationRemove:
		if openIdx < 0 {
			return storage.ErrStaleState
		}
		removed := at
		if removed.Before(units[openIdx].AddedAt) {
			removed = units[openIdx].AddedAt
		}
		units[openIdx].RemovedAt = &removed
	default:
		return fmt.Errorf("apply transition: unsupported operation %q", t.Operation)
	}

	s.units[t.Key] = units
	s.states[sk] = t.Next
	s.results[rk] = storage.EventResult{
		EventID:      t.EventID,
		Key:          t.Key,
		PeriodFrom:   t.PeriodFrom.UTC(),
		Operation:    t.Operation,
		UniqueID:     t.UniqueID,
		PayInAdvance: t.PayInAdvance,
		UnitsApplied: t.UnitsApplied,
		State:        t.Next,
		CreatedAt:    time.Now().UTC(),
	}
	s.resultOrder[sk] = append(s.resultOrder[sk], rk)
	return nil
}

func (s *Store) ListEventResults(_ context.Context, key aggregation.ChainKey, periodFrom time.Time) ([]storage.EventResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.resultOrder[newStateKey(key, periodFrom)]
	out := make([]storage.EventResult, 0, len(keys))
	for _, rk := range keys {
		out = append(out, s.results[rk])
	}
	return out, nil
}

func (s *Store) ReadCheckpoint(_ context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[name], nil
}

func (s *Store) WriteCheckpoint(_ context.Context, name string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor > s.checkpoints[name] {
		s.checkpoints[name] = cursor
	}
	return nil
}

// SaveLifecycle inserts a subscription under its external id. For a known
// subscription only the termination and status change, as in Postgres.
func (s *Store) SaveLifecycle(_ context.Context, l aggregation.Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, list := range s.lifecycles {
		for i := range list {
			if list[i].SubscriptionID != l.SubscriptionID {
				continue
			}
			list[i].TerminatedAt = cloneTime(l.TerminatedAt)
			list[i].Status = l.Status
			return nil
		}
	}

	list := s.lifecycles[l.ExternalID]
	list = append(list, l)
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	s.lifecycles[l.ExternalID] = list
	return nil
}

// GetLifecycle returns the latest subscription of the chain started by at.
func (s *Store) GetLifecycle(_ context.Context, externalID string, at time.Time) (*aggregation.Lifecycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.lifecycles[externalID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].StartedAt.After(at) {
			l := list[i]
			return &l, nil
		}
	}
	return nil, fmt.Errorf("lifecycle %q at %s: %w", externalID, at.Format(time.RFC3339), storage.ErrNotFound)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUnit(u aggregation.QuantifiedEvent) aggregation.QuantifiedEvent {
	if u.RemovedAt != nil {
		removed := *u.RemovedAt
		u.RemovedAt = &removed
	}
	return u
}

var (
	_ storage.EventStore      = (*Store)(nil)
	_ storage.UnitStore       = (*Store)(nil)
	_ storage.ChainStore      = (*Store)(nil)
	_ storage.CheckpointStore = (*Store)(nil)
	_ storage.LifecycleSource = (*Store)(nil)
)
