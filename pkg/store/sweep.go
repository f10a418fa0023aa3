package store

import (
	"slices"
	"time"

	"github.com/sambigeara/nectar/pkg/types"
)

// Sweep drops every record whose TTL has lapsed at now and returns their
// identities. Expiry is local housekeeping: nothing is broadcast and the
// ledger keeps its sequence so the expired record cannot be replayed. A call
// made while a sweep is already running (from a listener) does nothing.
func (s *Store) Sweep(now time.Time) []types.Hash160 {
	if s.sweep == Sweeping {
		return nil
	}
	s.sweep = Sweeping
	defer func() { s.sweep = SweepIdle }()

	var expired []types.Hash160
	for id, rec := range s.records {
		if rec.Expired(now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	slices.SortFunc(expired, types.Hash160.Compare)

	for _, id := range expired {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		delete(s.records, id)
		s.notify(Event{Kind: EventRemoved, ID: id, Record: rec.Clone(), Expired: true})
	}

	s.metrics.Expired(len(expired))
	s.log.Debugw("swept expired records", "count", len(expired))

	return expired
}
