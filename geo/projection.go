package geo

import "math"

// EarthRadius is the mean radius in meters of the sphere used by
// SphericalProjection.
const EarthRadius = 6371008.8

// Projection converts world points into offsets local to a viewer.
type Projection interface {
	// Returns the offset in meters of world relatively to viewer.
	Project(world Vector3, viewer Vector3) Vector3

	// Returns the east, north and up axes at world, expressed in the frame
	// of viewer.
	Orientation(world Vector3, viewer Vector3) Orientation
}

// Orientation is a rotation given by the images of the east, north and up
// unit axes.
type Orientation struct {
	East  Vector3 `json:"east"`
	North Vector3 `json:"north"`
	Up    Vector3 `json:"up"`
}

// IdentityOrientation is the orientation of a frame aligned with the viewer.
var IdentityOrientation = Orientation{
	East:  Vector3{X: 1},
	North: Vector3{Y: 1},
	Up:    Vector3{Z: 1},
}

// Rotate applies the orientation to v.
func (o Orientation) Rotate(v Vector3) Vector3 {
	return Add(Add(Mul(o.East, v.X), Mul(o.North, v.Y)), Mul(o.Up, v.Z))
}

// LocalProjection is an equirectangular tangent-plane projection: east, north
// and up offsets in meters, scaled at the viewer latitude. The plane is flat
// so every tile keeps the viewer orientation.
type LocalProjection struct{}

func (LocalProjection) Project(world Vector3, viewer Vector3) Vector3 {
	return Vector3{
		X: (world.X - viewer.X) * MetersPerDegree * math.Cos(viewer.Y*math.Pi/180),
		Y: (world.Y - viewer.Y) * MetersPerDegree,
		Z: world.Z - viewer.Z,
	}
}

func (LocalProjection) Orientation(world Vector3, viewer Vector3) Orientation {
	return IdentityOrientation
}

// SphericalProjection places points on a sphere and expresses them in the
// east/north/up frame of the viewer. Far tiles sink below the horizon and
// tilt with the curvature.
type SphericalProjection struct{}

func (SphericalProjection) Project(world Vector3, viewer Vector3) Vector3 {
	d := Sub(cartesian(world), cartesian(viewer))
	return toFrame(d, axesAt(viewer))
}

func (SphericalProjection) Orientation(world Vector3, viewer Vector3) Orientation {
	w := axesAt(world)
	v := axesAt(viewer)

	return Orientation{
		East:  toFrame(w.East, v),
		North: toFrame(w.North, v),
		Up:    toFrame(w.Up, v),
	}
}

// cartesian returns the earth-centered coordinates of p.
func cartesian(p Vector3) Vector3 {
	lon := p.X * math.Pi / 180
	lat := p.Y * math.Pi / 180
	r := EarthRadius + p.Z

	return Vector3{
		X: r * math.Cos(lat) * math.Cos(lon),
		Y: r * math.Cos(lat) * math.Sin(lon),
		Z: r * math.Sin(lat),
	}
}

// axesAt returns the earth-centered east, north and up axes at p.
func axesAt(p Vector3) Orientation {
	lon := p.X * math.Pi / 180
	lat := p.Y * math.Pi / 180

	return Orientation{
		East: Vector3{X: -math.Sin(lon), Y: math.Cos(lon)},
		North: Vector3{
			X: -math.Sin(lat) * math.Cos(lon),
			Y: -math.Sin(lat) * math.Sin(lon),
			Z: math.Cos(lat),
		},
		Up: Vector3{
			X: math.Cos(lat) * math.Cos(lon),
			Y: math.Cos(lat) * math.Sin(lon),
			Z: math.Sin(lat),
		},
	}
}

func toFrame(v Vector3, frame Orientation) Vector3 {
	return Vector3{
		X: v.Dot(frame.East),
		Y: v.Dot(frame.North),
		Z: v.Dot(frame.Up),
	}
}
