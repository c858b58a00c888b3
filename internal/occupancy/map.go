// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package occupancy loads the static occupancy grid the simulated robot
// drives in and answers point queries against it.
//
// Map file format:
//
//	origin_x origin_y width height meters_per_cell
//	<width integers>   # row 0
//	...                # height rows, nonzero = occupied
package occupancy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
)

// ErrMalformedMap is returned when the header or a data row cannot be parsed.
var ErrMalformedMap = errors.New("malformed map")

// MapLoadError reports a map file that could not be opened or parsed.
type MapLoadError struct {
	Path string
	Err  error
}

func (e *MapLoadError) Error() string {
	return fmt.Sprintf("load map %q: %v", e.Path, e.Err)
}

func (e *MapLoadError) Unwrap() error { return e.Err }

// Map is an immutable occupancy grid. It is safe for concurrent readers.
type Map struct {
	originX, originY float64
	width, height    int
	metersPerCell    float64
	occupied         map[int]struct{}
}

// New builds a map from explicit dimensions and occupied (row, col) cells.
func New(originX, originY float64, width, height int, metersPerCell float64, cells ...[2]int) (*Map, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: non-positive dimensions %dx%d", ErrMalformedMap, width, height)
	}
	if metersPerCell <= 0 {
		return nil, fmt.Errorf("%w: non-positive cell size %v", ErrMalformedMap, metersPerCell)
	}
	m := &Map{
		originX:       originX,
		originY:       originY,
		width:         width,
		height:        height,
		metersPerCell: metersPerCell,
		occupied:      make(map[int]struct{}, len(cells)),
	}
	for _, rc := range cells {
		if rc[0] < 0 || rc[0] >= height || rc[1] < 0 || rc[1] >= width {
			return nil, fmt.Errorf("%w: cell (%d, %d) outside %dx%d grid", ErrMalformedMap, rc[0], rc[1], width, height)
		}
		m.occupied[m.RowColToIndex(rc[0], rc[1])] = struct{}{}
	}
	return m, nil
}

// LoadFile reads a map from path. Every failure is a *MapLoadError.
func LoadFile(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &MapLoadError{Path: path, Err: err}
	}
	defer f.Close()

	m, err := Load(f)
	if err != nil {
		return nil, &MapLoadError{Path: path, Err: err}
	}
	return m, nil
}

// Load parses a map description.
func Load(r io.Reader) (*Map, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		return nil, fmt.Errorf("%w: missing header", ErrMalformedMap)
	}
	header := strings.Fields(scanner.Text())
	if len(header) < 5 {
		return nil, fmt.Errorf("%w: header has %d fields, want 5", ErrMalformedMap, len(header))
	}

	var (
		floats [3]float64
		ints   [2]int
	)
	for i, idx := range []int{0, 1, 4} {
		v, err := strconv.ParseFloat(header[idx], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: header field %d %q: %v", ErrMalformedMap, idx+1, header[idx], err)
		}
		floats[i] = v
	}
	for i, idx := range []int{2, 3} {
		v, err := strconv.Atoi(header[idx])
		if err != nil {
			return nil, fmt.Errorf("%w: header field %d %q: %v", ErrMalformedMap, idx+1, header[idx], err)
		}
		ints[i] = v
	}

	m, err := New(floats[0], floats[1], ints[0], ints[1], floats[2])
	if err != nil {
		return nil, err
	}

	row := 0
	for scanner.Scan() && row < m.height {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < m.width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrMalformedMap, row, len(fields), m.width)
		}
		for col := 0; col < m.width; col++ {
			v, err := strconv.Atoi(fields[col])
			if err != nil {
				return nil, fmt.Errorf("%w: row %d col %d %q: %v", ErrMalformedMap, row, col, fields[col], err)
			}
			if v != 0 {
				m.occupied[m.RowColToIndex(row, col)] = struct{}{}
			}
		}
		row++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if row < m.height {
		return nil, fmt.Errorf("%w: got %d rows, want %d", ErrMalformedMap, row, m.height)
	}
	return m, nil
}

// Width is the number of columns.
func (m *Map) Width() int { return m.width }

// Height is the number of rows.
func (m *Map) Height() int { return m.height }

// MetersPerCell is the cell edge length.
func (m *Map) MetersPerCell() float64 { return m.metersPerCell }

// Origin is the world coordinate of the corner of cell (0, 0).
func (m *Map) Origin() r2.Point { return r2.Point{X: m.originX, Y: m.originY} }

// Bounds returns the world-space rectangle covered by the grid.
func (m *Map) Bounds() r2.Rect {
	return r2.RectFromPoints(m.Origin(), r2.Point{
		X: m.originX + float64(m.width)*m.metersPerCell,
		Y: m.originY + float64(m.height)*m.metersPerCell,
	})
}

// RowColToIndex linearizes a cell address.
func (m *Map) RowColToIndex(row, col int) int {
	return row*m.width + col
}

// IndexToRowCol is the inverse of RowColToIndex.
func (m *Map) IndexToRowCol(index int) (row, col int) {
	return index / m.width, index % m.width
}

// CellOf returns the row and column containing a world point. The result may
// lie outside the grid.
func (m *Map) CellOf(x, y float64) (row, col int) {
	col = int(math.Floor((x - m.originX) / m.metersPerCell))
	row = int(math.Floor((y - m.originY) / m.metersPerCell))
	return row, col
}

// CellCenter returns the world coordinate of a cell's center.
func (m *Map) CellCenter(row, col int) r2.Point {
	return r2.Point{
		X: m.originX + (float64(col)+0.5)*m.metersPerCell,
		Y: m.originY + (float64(row)+0.5)*m.metersPerCell,
	}
}

// At reports whether the world point (x, y) lies in an occupied cell. Points
// outside the grid are free so sensors see max range past the map edge.
func (m *Map) At(x, y float64) bool {
	row, col := m.CellOf(x, y)
	if row < 0 || row >= m.height || col < 0 || col >= m.width {
		return false
	}
	_, ok := m.occupied[m.RowColToIndex(row, col)]
	return ok
}

// AtPoint is At for an r2.Point.
func (m *Map) AtPoint(p r2.Point) bool {
	return m.At(p.X, p.Y)
}

// OccupiedCells returns the occupied cell indices in no particular order.
func (m *Map) OccupiedCells() []int {
	out := make([]int, 0, len(m.occupied))
	for idx := range m.occupied {
		out = append(out, idx)
	}
	return out
}
