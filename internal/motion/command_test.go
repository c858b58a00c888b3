// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package motion

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestCommandClamp(t *testing.T) {
	tests := []struct {
		name string
		in   Command
		want Command
	}{
		{"within limits", Command{TransV: 0.2, AngularV: 1}, Command{TransV: 0.2, AngularV: 1}},
		{"forward too fast", Command{TransV: 3}, Command{TransV: 0.5}},
		{"reverse too fast", Command{TransV: -3, AngularV: -10}, Command{TransV: -0.5, AngularV: -math.Pi}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Clamp(0.5, math.Pi))
		})
	}
	assert.Equal(t, Command{TransV: 9}, Command{TransV: 9}.Clamp(0, 0))
}

func TestCommandListInsertKeepsOrder(t *testing.T) {
	var l commandList
	l = l.insert(Command{Utime: 30, TransV: 3})
	l = l.insert(Command{Utime: 10, TransV: 1})
	l = l.insert(Command{Utime: 20, TransV: 2})
	l = l.insert(Command{Utime: 20, TransV: 22})

	want := commandList{
		{Utime: 10, TransV: 1},
		{Utime: 20, TransV: 2},
		{Utime: 20, TransV: 22},
		{Utime: 30, TransV: 3},
	}
	if diff := cmp.Diff(want, l); diff != "" {
		t.Errorf("insert mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandListActiveAt(t *testing.T) {
	l := commandList{{Utime: 10, TransV: 1}, {Utime: 20, TransV: 2}, {Utime: 20, TransV: 22}}

	assert.True(t, l.activeAt(5).IsStop())
	assert.Equal(t, 1.0, l.activeAt(10).TransV)
	assert.Equal(t, 1.0, l.activeAt(19).TransV)
	assert.Equal(t, 22.0, l.activeAt(20).TransV, "last arrival wins on equal timestamps")
	assert.Equal(t, 22.0, l.activeAt(1000).TransV)
}

func TestCommandListNextAfter(t *testing.T) {
	l := commandList{{Utime: 10}, {Utime: 20}}

	next, ok := l.nextAfter(0)
	assert.True(t, ok)
	assert.Equal(t, int64(10), next)

	next, ok = l.nextAfter(10)
	assert.True(t, ok)
	assert.Equal(t, int64(20), next)

	_, ok = l.nextAfter(20)
	assert.False(t, ok)
}

func TestCommandListSinceAndPrune(t *testing.T) {
	l := commandList{{Utime: 10, TransV: 1}, {Utime: 20, TransV: 2}, {Utime: 30, TransV: 3}}

	since := l.since(25)
	if diff := cmp.Diff(commandList{{Utime: 20, TransV: 2}, {Utime: 30, TransV: 3}}, since); diff != "" {
		t.Errorf("since mismatch (-want +got):\n%s", diff)
	}
	since[0].TransV = 99
	assert.Equal(t, 2.0, l[1].TransV, "since must copy")

	assert.Len(t, l.since(0), 3)

	pruned := l.prune(25)
	if diff := cmp.Diff(commandList{{Utime: 20, TransV: 2}, {Utime: 30, TransV: 3}}, pruned); diff != "" {
		t.Errorf("prune mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, pruned.prune(5), 2, "nothing superseded before the first command")
}
