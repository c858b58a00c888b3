// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package render turns the live simulation into frames: JSON for browser
// viewers and PNG images with a pose label.
//
// A frame is assembled from a fixed set of layers (map, robot, sensor). Each
// layer copies what it needs under its own source's synchronization, so
// drawing never touches shared simulation state.
package render

import (
	"fmt"
	"slices"

	"github.com/golang/geo/r2"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
	"github.com/relabs-tech/mbot_sim/internal/lidar"
	"github.com/relabs-tech/mbot_sim/internal/occupancy"
)

// Kind names a layer variant.
type Kind string

const (
	KindMap    Kind = "map"
	KindRobot  Kind = "robot"
	KindSensor Kind = "sensor"
)

// Layer produces an immutable snapshot of one part of the scene.
type Layer interface {
	SnapshotForRender(now int64) (Snapshot, error)
}

// Snapshot is implemented only by *MapSnapshot, *RobotSnapshot and
// *SensorSnapshot.
type Snapshot interface {
	kind() Kind
	draw(c *canvas)
}

// MapLayer renders the static occupancy grid.
type MapLayer struct {
	Map *occupancy.Map
}

// MapSnapshot lists the occupied cells by their minimum corner.
type MapSnapshot struct {
	Kind     Kind       `json:"kind"`
	Bounds   r2.Rect    `json:"bounds"`
	CellSize float64    `json:"cell_size"`
	Occupied []r2.Point `json:"occupied"`
}

func (l MapLayer) SnapshotForRender(int64) (Snapshot, error) {
	if l.Map == nil {
		return nil, fmt.Errorf("render: map layer has no map")
	}
	cs := l.Map.MetersPerCell()
	origin := l.Map.Origin()
	cells := l.Map.OccupiedCells()
	slices.Sort(cells)
	occ := make([]r2.Point, 0, len(cells))
	for _, idx := range cells {
		row, col := l.Map.IndexToRowCol(idx)
		occ = append(occ, r2.Point{X: origin.X + float64(col)*cs, Y: origin.Y + float64(row)*cs})
	}
	return &MapSnapshot{Kind: KindMap, Bounds: l.Map.Bounds(), CellSize: cs, Occupied: occ}, nil
}

func (*MapSnapshot) kind() Kind { return KindMap }

// RobotSource is the motion state a robot layer reads.
type RobotSource interface {
	StateAtOrOldest(utime int64) (geometry.State, error)
	Moving() bool
}

// RobotLayer renders the robot footprint and heading.
type RobotLayer struct {
	Source RobotSource
	Radius float64
}

// RobotSnapshot is the robot at one instant.
type RobotSnapshot struct {
	Kind   Kind           `json:"kind"`
	Utime  int64          `json:"utime"`
	Pose   geometry.Pose  `json:"pose"`
	Twist  geometry.Twist `json:"twist"`
	Radius float64        `json:"radius"`
	Moving bool           `json:"moving"`
}

func (l RobotLayer) SnapshotForRender(now int64) (Snapshot, error) {
	st, err := l.Source.StateAtOrOldest(now)
	if err != nil {
		return nil, fmt.Errorf("render: robot pose at %d: %w", now, err)
	}
	return &RobotSnapshot{
		Kind:   KindRobot,
		Utime:  st.Utime,
		Pose:   st.Pose,
		Twist:  st.Twist,
		Radius: l.Radius,
		Moving: l.Source.Moving(),
	}, nil
}

func (*RobotSnapshot) kind() Kind { return KindRobot }

// ScanSource publishes completed scans.
type ScanSource interface {
	Latest() *lidar.Scan
}

// SensorLayer renders the most recent completed scan.
type SensorLayer struct {
	Source ScanSource
}

// SensorSnapshot holds beam origins and end points. It is empty before the
// first scan completes.
type SensorSnapshot struct {
	Kind    Kind       `json:"kind"`
	Utime   int64      `json:"utime"`
	Origins []r2.Point `json:"origins"`
	Hits    []r2.Point `json:"hits"`
}

func (l SensorLayer) SnapshotForRender(int64) (Snapshot, error) {
	snap := &SensorSnapshot{Kind: KindSensor}
	scan := l.Source.Latest()
	if scan == nil {
		return snap, nil
	}
	// Completed scans are never mutated, so sharing the slices is safe.
	snap.Utime = scan.Utime
	snap.Origins = scan.Origins
	snap.Hits = scan.Hits
	return snap, nil
}

func (*SensorSnapshot) kind() Kind { return KindSensor }
