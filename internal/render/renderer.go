// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/golang/geo/r2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorFree     = color.RGBA{0xff, 0xff, 0xff, 0xff}
	colorOccupied = color.RGBA{0x20, 0x20, 0x20, 0xff}
	colorRobot    = color.RGBA{0x1f, 0x6f, 0xd0, 0xff}
	colorHeading  = color.RGBA{0xff, 0xc0, 0x00, 0xff}
	colorBeam     = color.RGBA{0xf0, 0xb0, 0xb0, 0xff}
	colorHit      = color.RGBA{0xe0, 0x20, 0x20, 0xff}
	colorLabel    = color.RGBA{0x00, 0x80, 0x00, 0xff}
)

// defaultView is used when no map layer bounds the scene.
var defaultView = r2.RectFromPoints(r2.Point{X: -5, Y: -5}, r2.Point{X: 5, Y: 5})

// Frame is the scene at one instant, one snapshot per layer in layer order.
type Frame struct {
	Utime  int64      `json:"utime"`
	Layers []Snapshot `json:"layers"`
}

// Map returns the frame's map snapshot, if any.
func (f *Frame) Map() *MapSnapshot {
	for _, s := range f.Layers {
		if m, ok := s.(*MapSnapshot); ok {
			return m
		}
	}
	return nil
}

// Robot returns the frame's robot snapshot, if any.
func (f *Frame) Robot() *RobotSnapshot {
	for _, s := range f.Layers {
		if r, ok := s.(*RobotSnapshot); ok {
			return r
		}
	}
	return nil
}

// Renderer composes layers into frames and draws them.
type Renderer struct {
	layers []Layer
	// pixelsPerMeter scales world coordinates onto the image.
	pixelsPerMeter float64
}

// NewRenderer draws layers bottom to top in the given order.
func NewRenderer(pixelsPerMeter float64, layers ...Layer) *Renderer {
	if pixelsPerMeter <= 0 {
		pixelsPerMeter = 50
	}
	return &Renderer{layers: layers, pixelsPerMeter: pixelsPerMeter}
}

// Frame snapshots every layer at now.
func (r *Renderer) Frame(now int64) (*Frame, error) {
	f := &Frame{Utime: now, Layers: make([]Snapshot, 0, len(r.layers))}
	for _, l := range r.layers {
		s, err := l.SnapshotForRender(now)
		if err != nil {
			return nil, err
		}
		f.Layers = append(f.Layers, s)
	}
	return f, nil
}

// Draw rasterizes a frame. World y grows downward so map row 0 is the top
// row of the image.
func (r *Renderer) Draw(f *Frame) *image.RGBA {
	view := defaultView
	if m := f.Map(); m != nil {
		view = m.Bounds
	}
	w := int(math.Ceil(view.X.Length() * r.pixelsPerMeter))
	h := int(math.Ceil(view.Y.Length() * r.pixelsPerMeter))
	c := &canvas{
		img:   image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1))),
		view:  view,
		scale: r.pixelsPerMeter,
	}
	draw.Draw(c.img, c.img.Bounds(), &image.Uniform{colorFree}, image.Point{}, draw.Src)

	for _, s := range f.Layers {
		s.draw(c)
	}
	if rs := f.Robot(); rs != nil {
		c.label(fmt.Sprintf("x=%.2f y=%.2f th=%.2f", rs.Pose.X, rs.Pose.Y, rs.Pose.Theta), 2, c.img.Bounds().Dy()-3)
	}
	return c.img
}

// EncodePNG draws f and writes it as PNG.
func (r *Renderer) EncodePNG(w io.Writer, f *Frame) error {
	if err := png.Encode(w, r.Draw(f)); err != nil {
		return fmt.Errorf("render: encode png: %w", err)
	}
	return nil
}

type canvas struct {
	img   *image.RGBA
	view  r2.Rect
	scale float64
}

func (c *canvas) toPixel(p r2.Point) image.Point {
	return image.Point{
		X: int(math.Floor((p.X - c.view.X.Lo) * c.scale)),
		Y: int(math.Floor((p.Y - c.view.Y.Lo) * c.scale)),
	}
}

func (c *canvas) fillRect(lo, hi r2.Point, col color.Color) {
	rect := image.Rectangle{Min: c.toPixel(lo), Max: c.toPixel(hi)}
	draw.Draw(c.img, rect.Intersect(c.img.Bounds()), &image.Uniform{col}, image.Point{}, draw.Src)
}

func (c *canvas) fillCircle(center r2.Point, radius float64, col color.Color) {
	pc := c.toPixel(center)
	pr := int(math.Ceil(radius * c.scale))
	for dy := -pr; dy <= pr; dy++ {
		for dx := -pr; dx <= pr; dx++ {
			if dx*dx+dy*dy <= pr*pr {
				c.img.Set(pc.X+dx, pc.Y+dy, col)
			}
		}
	}
}

// line draws a segment with Bresenham's algorithm.
func (c *canvas) line(a, b r2.Point, col color.Color) {
	p0, p1 := c.toPixel(a), c.toPixel(b)
	dx := abs(p1.X - p0.X)
	dy := -abs(p1.Y - p0.Y)
	sx, sy := 1, 1
	if p0.X > p1.X {
		sx = -1
	}
	if p0.Y > p1.Y {
		sy = -1
	}
	e := dx + dy
	for {
		c.img.Set(p0.X, p0.Y, col)
		if p0 == p1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			p0.X += sx
		}
		if e2 <= dx {
			e += dx
			p0.Y += sy
		}
	}
}

func (c *canvas) label(text string, x, y int) {
	d := &font.Drawer{
		Dst:  c.img,
		Src:  &image.Uniform{colorLabel},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func (m *MapSnapshot) draw(c *canvas) {
	for _, p := range m.Occupied {
		c.fillRect(p, r2.Point{X: p.X + m.CellSize, Y: p.Y + m.CellSize}, colorOccupied)
	}
}

func (rs *RobotSnapshot) draw(c *canvas) {
	center := rs.Pose.Translation()
	c.fillCircle(center, rs.Radius, colorRobot)
	c.line(center, center.Add(rs.Pose.Heading().Mul(rs.Radius)), colorHeading)
}

func (s *SensorSnapshot) draw(c *canvas) {
	for i := range s.Hits {
		c.line(s.Origins[i], s.Hits[i], colorBeam)
	}
	for _, h := range s.Hits {
		c.img.Set(c.toPixel(h).X, c.toPixel(h).Y, colorHit)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
