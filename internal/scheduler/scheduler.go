// Package scheduler tracks which tables have pending local or cloud
// changes and hands out the next one to service.
package scheduler

import "sync"

// Side selects one of the two disjoint dirty sets a table can belong to.
type Side int

const (
	// Local marks a table with a pending local change awaiting upload.
	Local Side = iota
	// Cloud marks a table with a pending cloud change awaiting download.
	Cloud
)

// Scheduler holds the two dirty-table sets — LocalDirty (tables with a
// pending upload) and CloudDirty (tables with a pending download) —
// behind one mutex. A table may be dirty on both sides at once.
type Scheduler struct {
	mu    sync.Mutex
	local map[string]struct{}
	cloud map[string]struct{}
}

// New builds an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		local: make(map[string]struct{}),
		cloud: make(map[string]struct{}),
	}
}

func (s *Scheduler) setFor(side Side) map[string]struct{} {
	if side == Local {
		return s.local
	}
	return s.cloud
}

// MarkDirty adds table to side's dirty set.
func (s *Scheduler) MarkDirty(table string, side Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setFor(side)[table] = struct{}{}
}

// NextDirty returns an arbitrary table from side's dirty set, or ok=false
// if it is empty. No fairness guarantee beyond eventual visit — Go map
// iteration order is already randomized per-run.
func (s *Scheduler) NextDirty(side Side) (table string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.setFor(side) {
		return t, true
	}
	return "", false
}

// Clear removes table from side's dirty set.
func (s *Scheduler) Clear(table string, side Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.setFor(side), table)
}

// FillDirty snapshots every table in tables into side's set. Called when
// the engine enters the Active state.
func (s *Scheduler) FillDirty(tables []string, side Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.setFor(side)
	for _, t := range tables {
		set[t] = struct{}{}
	}
}

// RemoveTable removes table from both dirty sets, e.g. when the watcher
// stops tracking it.
func (s *Scheduler) RemoveTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.local, table)
	delete(s.cloud, table)
}
