package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MetersPerDegree is the length of one degree of longitude at the equator.
const MetersPerDegree = 111319.49

// BBox is an axis-aligned 3D box. X/Y are longitude/latitude in degrees and Z
// is altitude in meters.
type BBox struct {
	Min Vector3 `json:"min"`
	Max Vector3 `json:"max"`
}

// ForTile returns the geographic box covered by the Web Mercator tile at the
// given quadtree address.
func ForTile(level, x, y int32) BBox {
	t := maptile.New(uint32(x), uint32(y), maptile.Zoom(level))
	return FromBound(t.Bound())
}

func FromBound(b orb.Bound) BBox {
	return BBox{
		Min: Vector3{X: b.Min.Lon(), Y: b.Min.Lat()},
		Max: Vector3{X: b.Max.Lon(), Y: b.Max.Lat()},
	}
}

// Bound returns the ground footprint of the box.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min.X, b.Min.Y},
		Max: orb.Point{b.Max.X, b.Max.Y},
	}
}

func (b BBox) Center() Vector3 {
	return Mul(Add(b.Min, b.Max), 0.5)
}

func (b BBox) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Contains reports whether the flattened point lies within the ground
// footprint of the box.
func (b BBox) Contains(p Vector3) bool {
	return b.Bound().Contains(orb.Point{p.X, p.Y})
}

// Intersects reports whether the ground footprints of both boxes overlap.
func (b BBox) Intersects(o BBox) bool {
	return b.Bound().Intersects(o.Bound())
}

// ApproxDistanceSquare returns the squared distance in meters between the
// flattened point and the box footprint. It uses an equirectangular
// approximation and ignores the antimeridian, which is enough to order tiles
// and compare them against a range.
func (b BBox) ApproxDistanceSquare(p Vector3) float64 {
	nearestX := Clamp(p.X, b.Min.X, b.Max.X)
	nearestY := Clamp(p.Y, b.Min.Y, b.Max.Y)

	dx := (p.X - nearestX) * MetersPerDegree * math.Cos(p.Y*math.Pi/180)
	dy := (p.Y - nearestY) * MetersPerDegree
	return dx*dx + dy*dy
}
