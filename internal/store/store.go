// Package store correlates relayed request and response events into an
// ordered timeline of pairs and tracks which pair is selected.
//
// A Store belongs to one observer session. Mutations are serialized; readers
// get copies and never see a half-applied event.
package store

import (
	"log/slog"
	"sync"

	"httprelay/internal/logging"
	"httprelay/internal/types"
)

// Snapshot is a point-in-time view of the store.
type Snapshot struct {
	// Pairs are ordered most-recent-first.
	Pairs      []types.TrafficPair `json:"pairs"`
	SelectedID string              `json:"selectedId,omitempty"`
	// Selected is false when nothing was ever selected.
	Selected bool   `json:"selected"`
	Version  uint64 `json:"version"`
}

// Selection resolves SelectedID against Pairs.
func (s Snapshot) Selection() (types.TrafficPair, bool) {
	if !s.Selected {
		return types.TrafficPair{}, false
	}
	for _, p := range s.Pairs {
		if p.ID == s.SelectedID {
			return p, true
		}
	}
	return types.TrafficPair{}, false
}

type Stats struct {
	Pairs              int   `json:"pairs"`
	Pending            int   `json:"pending"`
	Completed          int   `json:"completed"`
	UnknownCorrelation int64 `json:"unknownCorrelation"`
	DuplicateResponse  int64 `json:"duplicateResponse"`
	DuplicateRequest   int64 `json:"duplicateRequest"`
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithOnChange registers fn to run after every mutation that changed state.
// fn runs outside the store lock and may read the store.
func WithOnChange(fn func(Snapshot)) Option {
	return func(s *Store) { s.onChange = append(s.onChange, fn) }
}

type Store struct {
	mu sync.Mutex

	// pairs is kept in arrival order; readers see it reversed.
	pairs []*types.TrafficPair
	index map[string]*types.TrafficPair

	selectedID string
	selected   bool
	explicit   bool

	version   uint64
	completed int
	stats     Stats

	logger   *slog.Logger
	onChange []func(Snapshot)
	subs     map[chan Snapshot]struct{}
}

func New(opts ...Option) *Store {
	s := &Store{
		index: make(map[string]*types.TrafficPair),
		subs:  make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	return s
}

// OnRequestEvent records a new pending pair. A request whose id was already
// seen is ignored; the first request recorded for an id is immutable.
func (s *Store) OnRequestEvent(ev types.RequestEvent) {
	s.mu.Lock()
	if _, ok := s.index[ev.ID]; ok {
		s.stats.DuplicateRequest++
		s.mu.Unlock()
		s.logger.Debug("duplicate request ignored", "id", ev.ID)
		return
	}
	p := &types.TrafficPair{ID: ev.ID, Request: ev}
	s.pairs = append(s.pairs, p)
	s.index[ev.ID] = p
	if !s.selected {
		s.selectedID = ev.ID
		s.selected = true
	}
	s.commitLocked()
}

// OnResponseEvent attaches ev to its pair. Responses for unknown ids and
// responses for pairs that already completed are dropped.
func (s *Store) OnResponseEvent(ev types.ResponseEvent) {
	s.mu.Lock()
	p, ok := s.index[ev.ID]
	switch {
	case !ok:
		s.stats.UnknownCorrelation++
		s.mu.Unlock()
		s.logger.Debug("response without request dropped", "id", ev.ID)
		return
	case p.Response != nil:
		s.stats.DuplicateResponse++
		s.mu.Unlock()
		s.logger.Debug("duplicate response dropped", "id", ev.ID)
		return
	}
	resp := ev
	p.Response = &resp
	s.completed++
	s.commitLocked()
}

// Apply dispatches ev to OnRequestEvent or OnResponseEvent.
func (s *Store) Apply(ev types.TrafficEvent) {
	switch e := ev.(type) {
	case *types.RequestEvent:
		s.OnRequestEvent(*e)
	case *types.ResponseEvent:
		s.OnResponseEvent(*e)
	}
}

// Select points the selection at id, whether or not a pair with that id
// exists. An explicit selection is never moved by later arrivals.
func (s *Store) Select(id string) {
	s.mu.Lock()
	s.selectedID = id
	s.selected = true
	s.explicit = true
	s.commitLocked()
}

// CurrentPairs returns the pairs most-recent-first. The events inside are
// shared with the store and must not be modified.
func (s *Store) CurrentPairs() []types.TrafficPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairsLocked()
}

// CurrentSelection returns the selected pair. It reports false when nothing
// is selected or the selected id matches no pair.
func (s *Store) CurrentSelection() (types.TrafficPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.selected {
		return types.TrafficPair{}, false
	}
	p, ok := s.index[s.selectedID]
	if !ok {
		return types.TrafficPair{}, false
	}
	return *p, true
}

// SelectedID returns the raw selection pointer.
func (s *Store) SelectedID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID, s.selected
}

// ExplicitSelection reports whether the current selection came from Select.
func (s *Store) ExplicitSelection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.explicit
}

func (s *Store) Get(id string) (types.TrafficPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.index[id]
	if !ok {
		return types.TrafficPair{}, false
	}
	return *p, true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pairs = len(s.pairs)
	st.Completed = s.completed
	st.Pending = len(s.pairs) - s.completed
	return st
}

// Subscribe returns a channel that receives the latest snapshot after each
// change. Delivery coalesces: a slow reader sees only the newest snapshot.
// Call the returned func to unsubscribe.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) pairsLocked() []types.TrafficPair {
	out := make([]types.TrafficPair, len(s.pairs))
	for i, p := range s.pairs {
		out[len(s.pairs)-1-i] = *p
	}
	return out
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Pairs:      s.pairsLocked(),
		SelectedID: s.selectedID,
		Selected:   s.selected,
		Version:    s.version,
	}
}

// commitLocked bumps the version, notifies listeners and releases s.mu.
func (s *Store) commitLocked() {
	s.version++
	if len(s.subs) == 0 && len(s.onChange) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	for ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
	callbacks := s.onChange
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(snap)
	}
}
