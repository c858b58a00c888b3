// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import (
	"math"
	"sort"
)

// Command is a differential-drive velocity request effective from Utime
// (microseconds) until the next command in timestamp order.
type Command struct {
	Utime    int64
	TransV   float64 // m/s
	AngularV float64 // rad/s
}

// IsStop reports whether the command requests zero motion.
func (c Command) IsStop() bool {
	return c.TransV == 0 && c.AngularV == 0
}

// Clamp limits the command's speeds to the given magnitudes. Non-positive
// limits leave the corresponding component untouched.
func (c Command) Clamp(maxTrans, maxAngular float64) Command {
	c.TransV = clampAbs(c.TransV, maxTrans)
	c.AngularV = clampAbs(c.AngularV, maxAngular)
	return c
}

func clampAbs(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	return math.Max(-limit, math.Min(limit, v))
}

// commandList is kept sorted by Utime. Commands sharing a timestamp keep
// arrival order so the last one received wins.
type commandList []Command

func (l commandList) insert(c Command) commandList {
	i := sort.Search(len(l), func(i int) bool { return l[i].Utime > c.Utime })
	l = append(l, Command{})
	copy(l[i+1:], l[i:])
	l[i] = c
	return l
}

// activeAt returns the command governing utime, or a stop command when none
// has taken effect yet.
func (l commandList) activeAt(utime int64) Command {
	i := sort.Search(len(l), func(i int) bool { return l[i].Utime > utime })
	if i == 0 {
		return Command{Utime: utime}
	}
	return l[i-1]
}

// nextAfter returns the timestamp of the first command strictly after utime.
func (l commandList) nextAfter(utime int64) (int64, bool) {
	i := sort.Search(len(l), func(i int) bool { return l[i].Utime > utime })
	if i == len(l) {
		return 0, false
	}
	return l[i].Utime, true
}

// since returns a copy holding the command active at utime and every later
// one.
func (l commandList) since(utime int64) commandList {
	i := sort.Search(len(l), func(i int) bool { return l[i].Utime > utime })
	if i > 0 {
		i--
	}
	out := make(commandList, len(l)-i)
	copy(out, l[i:])
	return out
}

// prune drops commands superseded before utime, keeping the one active at
// utime so extrapolation from there still has a baseline.
func (l commandList) prune(utime int64) commandList {
	i := sort.Search(len(l), func(i int) bool { return l[i].Utime > utime })
	if i <= 1 {
		return l
	}
	n := copy(l, l[i-1:])
	clear(l[n:])
	return l[:n]
}
