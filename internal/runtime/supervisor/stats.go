package supervisor

import (
	"fmt"
	"sort"
	"time"
)

// LoopStats is a best-effort view of one named loop.
type LoopStats struct {
	Name        string    `json:"name"`
	Running     bool      `json:"running"`
	Started     uint64    `json:"started"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at,omitempty"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`
}

// Snapshot is served by /healthz.
type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Loops      []LoopStats `json:"loops"`
}

type loopStats struct {
	LoopStats
	active int
}

func (s *Supervisor) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Loops = make([]LoopStats, 0, len(s.loops))
	for _, st := range s.loops {
		ls := st.LoopStats
		ls.Running = st.active > 0
		snap.Loops = append(snap.Loops, ls)
	}
	s.mu.Unlock()
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })
	return snap
}

// statsLocked returns the entry for name. Call with s.mu held.
func (s *Supervisor) statsLocked(name string) *loopStats {
	st := s.loops[name]
	if st == nil {
		st = &loopStats{LoopStats: LoopStats{Name: name}}
		s.loops[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statsLocked(name)
	st.Started++
	if restart {
		st.Restarts++
	}
	st.active++
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, err error) {
	s.mu.Lock()
	st := s.statsLocked(name)
	if st.active > 0 {
		st.active--
	}
	st.LastStopAt = time.Now()
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.statsLocked(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}
