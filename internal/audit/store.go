package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Sink is the durable side of the audit trail. The projection writes every
// event through; Replay feeds rehydration at boot. When the folded status
// changes, Append receives the previous and new status so a backing store
// can fix up its histogram in the same transaction as the event write.
type Sink interface {
	Append(ctx context.Context, ev Event, prevStatus, newStatus string) error
	Remove(ctx context.Context, commandID, lastStatus string) error
	Replay(ctx context.Context, fn func(Event) error) error
}

// Store folds events into per-command records and serves queries. All
// methods are safe for concurrent use. Durability is delegated to the Sink;
// a Sink failure degrades durability but never the in-memory projection.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	counts  map[string]int
	sink    Sink
	logger  *slog.Logger
}

// NewStore creates an empty projection writing through to sink.
// sink may be nil for a purely in-memory trail (tests).
func NewStore(sink Sink, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[string]*Record),
		counts:  make(map[string]int),
		sink:    sink,
		logger:  logger,
	}
}

// Rehydrate rebuilds the projection from the sink's durable log. Call once
// at startup, before serving traffic.
func (s *Store) Rehydrate(ctx context.Context, maxRecords int) error {
	if s.sink == nil {
		return nil
	}
	err := s.sink.Replay(ctx, func(ev Event) error {
		s.mu.Lock()
		s.fold(ev)
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	s.PruneOverflow(ctx, maxRecords)
	s.mu.Lock()
	n := len(s.records)
	s.mu.Unlock()
	s.logger.Info("audit trail rehydrated", "commands", n)
	return nil
}

// ApplyEvent merges ev into its command's projection, appends it to the
// durable log, and prunes overflow beyond maxRecords.
func (s *Store) ApplyEvent(ctx context.Context, ev Event, maxRecords int) error {
	s.mu.Lock()
	prev := ""
	if r, ok := s.records[ev.CommandID]; ok {
		prev = r.Status
	}
	s.fold(ev)
	next := s.records[ev.CommandID].Status
	s.mu.Unlock()

	var sinkErr error
	if s.sink != nil {
		if prev == next {
			// No histogram change; pass empty statuses so the sink
			// skips the counter transaction.
			sinkErr = s.sink.Append(ctx, ev, "", "")
		} else {
			sinkErr = s.sink.Append(ctx, ev, prev, next)
		}
		if sinkErr != nil {
			s.logger.Warn("audit sink append failed, projection only",
				"commandId", ev.CommandID, "error", sinkErr)
		}
	}

	s.PruneOverflow(ctx, maxRecords)
	return sinkErr
}

// fold merges ev into the projection. Caller holds s.mu.
func (s *Store) fold(ev Event) {
	r, ok := s.records[ev.CommandID]
	if !ok {
		r = &Record{CommandID: ev.CommandID, CreatedAt: ev.Timestamp}
		s.records[ev.CommandID] = r
	}
	if r.Status != ev.Status {
		if r.Status != "" {
			s.decCount(r.Status)
		}
		s.counts[ev.Status]++
	}
	r.Status = ev.Status
	r.UpdatedAt = ev.Timestamp
	if ev.UserID != "" {
		r.UserID = ev.UserID
	}
	if ev.MachineID != "" {
		r.MachineID = ev.MachineID
	}
	if ev.Kind != "" {
		r.Kind = ev.Kind
	}
	if ev.Summary != "" {
		r.Summary = ev.Summary
	}
	r.Events = append(r.Events, ev)
}

func (s *Store) decCount(status string) {
	if s.counts[status] <= 1 {
		delete(s.counts, status)
		return
	}
	s.counts[status]--
}

// PruneOverflow evicts the oldest-by-last-update commands until at most
// maxRecords remain, fixing up the histogram and removing the durable log
// entries for each eviction.
func (s *Store) PruneOverflow(ctx context.Context, maxRecords int) {
	if maxRecords <= 0 {
		return
	}
	type evicted struct{ id, status string }
	var victims []evicted

	s.mu.Lock()
	if len(s.records) > maxRecords {
		ordered := make([]*Record, 0, len(s.records))
		for _, r := range s.records {
			ordered = append(ordered, r)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].UpdatedAt.Before(ordered[j].UpdatedAt)
		})
		for _, r := range ordered[:len(s.records)-maxRecords] {
			victims = append(victims, evicted{r.CommandID, r.Status})
			s.decCount(r.Status)
			delete(s.records, r.CommandID)
		}
	}
	s.mu.Unlock()

	if s.sink == nil {
		return
	}
	for _, v := range victims {
		if err := s.sink.Remove(ctx, v.id, v.status); err != nil {
			s.logger.Warn("audit sink eviction failed", "commandId", v.id, "error", err)
		}
	}
}

// Get returns a copy of the projection for commandID, or nil if unknown.
func (s *Store) Get(commandID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[commandID]
	if !ok {
		return nil
	}
	cp := *r
	cp.Events = append([]Event(nil), r.Events...)
	return &cp
}

// ListRecent returns up to limit records matching the filter, most recently
// updated first.
func (s *Store) ListRecent(limit int, f Filter) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		if f.matches(r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Record, len(matched))
	for i, r := range matched {
		out[i] = *r
		out[i].Events = append([]Event(nil), r.Events...)
	}
	return out
}

// Count returns the number of distinct retained commands.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StatusCounts returns the folded-status histogram. The sum of all values
// equals Count().
func (s *Store) StatusCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
