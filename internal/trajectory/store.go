// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package trajectory holds the rolling, time-ordered buffer of simulated
// robot states.
//
// A Store is not safe for concurrent use. The motion controller guards it,
// together with its command list, under a single lock.
package trajectory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
)

// ErrNotMonotonic is returned by Append when timestamps would not strictly
// increase.
var ErrNotMonotonic = errors.New("trajectory timestamps must strictly increase")

// Store is an ordered sequence of states. It always holds at least one state
// and every mutation bumps its revision.
type Store struct {
	states   []geometry.State
	revision uint64
}

// NewStore seeds window/step zero-motion copies of seed ending at seed.Utime.
// Durations are in microseconds.
func NewStore(seed geometry.State, window, step int64) *Store {
	n := 1
	if step > 0 && window > step {
		n = int(window / step)
	}
	seed.Twist = geometry.Twist{}

	states := make([]geometry.State, n)
	for i := range states {
		st := seed
		st.Utime = seed.Utime - int64(n-1-i)*step
		states[i] = st
	}
	return &Store{states: states}
}

// Len is the number of buffered states.
func (s *Store) Len() int { return len(s.states) }

// Revision increases on every mutation.
func (s *Store) Revision() uint64 { return s.revision }

// Oldest returns the earliest buffered state.
func (s *Store) Oldest() geometry.State { return s.states[0] }

// Newest returns the latest buffered state.
func (s *Store) Newest() geometry.State { return s.states[len(s.states)-1] }

// Append adds states after the newest one.
func (s *Store) Append(states ...geometry.State) error {
	last := s.Newest().Utime
	for i, st := range states {
		if st.Utime <= last {
			return fmt.Errorf("%w: state %d at %d follows %d", ErrNotMonotonic, i, st.Utime, last)
		}
		last = st.Utime
	}
	if len(states) == 0 {
		return nil
	}
	s.states = append(s.states, states...)
	s.revision++
	return nil
}

// TruncateAfter drops every state later than utime, keeping at least the
// oldest. It returns the number of states removed.
func (s *Store) TruncateAfter(utime int64) int {
	keep := sort.Search(len(s.states), func(i int) bool {
		return s.states[i].Utime > utime
	})
	if keep < 1 {
		keep = 1
	}
	removed := len(s.states) - keep
	if removed > 0 {
		clear(s.states[keep:])
		s.states = s.states[:keep]
		s.revision++
	}
	return removed
}

// TrimBefore drops every state earlier than cutoff, keeping at least the
// newest. It returns the number of states removed.
func (s *Store) TrimBefore(cutoff int64) int {
	drop := sort.Search(len(s.states), func(i int) bool {
		return s.states[i].Utime >= cutoff
	})
	if drop > len(s.states)-1 {
		drop = len(s.states) - 1
	}
	if drop <= 0 {
		return 0
	}
	n := copy(s.states, s.states[drop:])
	clear(s.states[n:])
	s.states = s.states[:n]
	s.revision++
	return drop
}

// Bracket finds the states surrounding utime. ok is false when utime lies
// outside [Oldest, Newest]. When a state sits exactly at utime, prior and next
// are both that state.
func (s *Store) Bracket(utime int64) (prior, next geometry.State, ok bool) {
	if utime < s.Oldest().Utime || utime > s.Newest().Utime {
		return geometry.State{}, geometry.State{}, false
	}
	i := sort.Search(len(s.states), func(i int) bool {
		return s.states[i].Utime >= utime
	})
	if s.states[i].Utime == utime {
		return s.states[i], s.states[i], true
	}
	return s.states[i-1], s.states[i], true
}

// Snapshot returns a copy of the buffered states.
func (s *Store) Snapshot() []geometry.State {
	out := make([]geometry.State, len(s.states))
	copy(out, s.states)
	return out
}
