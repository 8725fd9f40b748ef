// Package mesh describes the structured element grids the multigrid levels
// are built on. A grid covers the unit cube with 2^e elements per axis.
package mesh

import (
	"fmt"
	"math"
)

// Shape is a 3D dispatch extent, one logical work item per element.
type Shape [3]int

// Total returns the number of work items in the shape.
func (s Shape) Total() int {
	return s[0] * s[1] * s[2]
}

// Linear returns a 1D shape of n work items.
func Linear(n int) Shape {
	return Shape{n, 1, 1}
}

// Descriptor is the per-level grid metadata consumed by every kernel.
type Descriptor struct {
	Exponent [3]int // log2 of the element count per axis
	CellSize float32
	Timestep float32
	Dims     [3]int
	Total    int

	All      Shape // every element
	Interior Shape // elements with no face on the domain boundary
}

// New builds a descriptor for the given resolution exponent.
func New(exponent [3]int, cellSize, timestep float32) (Descriptor, error) {
	d := Descriptor{
		Exponent: exponent,
		CellSize: cellSize,
		Timestep: timestep,
	}
	for i, e := range exponent {
		if e < 0 || e > 10 {
			return Descriptor{}, fmt.Errorf("mesh: exponent %d on axis %d out of range [0,10]", e, i)
		}
		d.Dims[i] = 1 << e
		d.Interior[i] = max(d.Dims[i]-2, 0)
	}
	if cellSize <= 0 {
		return Descriptor{}, fmt.Errorf("mesh: cell size must be positive, got %g", cellSize)
	}
	d.All = Shape(d.Dims)
	d.Total = d.All.Total()
	return d, nil
}

// Unit builds the descriptor of the unit cube with 2^e elements per axis.
func Unit(e int, timestep float32) (Descriptor, error) {
	return New([3]int{e, e, e}, float32(math.Pow(2, -float64(e))), timestep)
}

// Coarsen derives the descriptor of level l below d: every axis halves and
// the cell size doubles per level. The timestep is carried unchanged.
func Coarsen(d Descriptor, l int) (Descriptor, error) {
	if l < 0 {
		return Descriptor{}, fmt.Errorf("mesh: negative level %d", l)
	}
	var e [3]int
	for i := range e {
		e[i] = d.Exponent[i] - l
		if e[i] < 0 {
			return Descriptor{}, fmt.Errorf("mesh: level %d coarser than a single element on axis %d", l, i)
		}
	}
	return New(e, d.CellSize*float32(math.Pow(2, float64(l))), d.Timestep)
}

// MaxLevels is the deepest hierarchy d supports: the coarsest level has a
// single element along its smallest axis.
func (d Descriptor) MaxLevels() int {
	return min(d.Exponent[0], d.Exponent[1], d.Exponent[2]) + 1
}

// Index returns the linear element index of (x, y, z), x fastest.
func (d Descriptor) Index(x, y, z int) int {
	return x + d.Dims[0]*(y+d.Dims[1]*z)
}

// Coord is the inverse of Index.
func (d Descriptor) Coord(i int) (x, y, z int) {
	x = i % d.Dims[0]
	i /= d.Dims[0]
	y = i % d.Dims[1]
	z = i / d.Dims[1]
	return
}

// InBounds reports whether (x, y, z) is an element of the grid.
func (d Descriptor) InBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < d.Dims[0] && y < d.Dims[1] && z < d.Dims[2]
}

// OnBoundary reports whether the element has a face on the domain boundary.
func (d Descriptor) OnBoundary(x, y, z int) bool {
	return x == 0 || y == 0 || z == 0 || x == d.Dims[0]-1 || y == d.Dims[1]-1 || z == d.Dims[2]-1
}

// Center returns the physical coordinates of an element centre.
func (d Descriptor) Center(x, y, z int) (float64, float64, float64) {
	h := float64(d.CellSize)
	return (float64(x) + 0.5) * h, (float64(y) + 0.5) * h, (float64(z) + 0.5) * h
}

// Volume is the element volume h³.
func (d Descriptor) Volume() float64 {
	h := float64(d.CellSize)
	return h * h * h
}

func (d Descriptor) String() string {
	return fmt.Sprintf("[%2d,%2d,%2d]", d.Exponent[0], d.Exponent[1], d.Exponent[2])
}
