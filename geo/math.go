package geo

import (
	"math"
)

func EqualWithEpsilon(a float64, b float64, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}

func Clamp(v float64, min float64, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Vector3 is a point or a direction. World points use X for longitude
// (degrees), Y for latitude (degrees) and Z for altitude (meters). Local
// offsets use meters on every axis (east, north, up).
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func NewVector3(x, y, z float64) Vector3 {
	return Vector3{X: x, Y: y, Z: z}
}

func (v1 Vector3) EqualWithEpsilon(v2 Vector3, epsilon float64) bool {
	return math.Abs(v1.X-v2.X) <= epsilon &&
		math.Abs(v1.Y-v2.Y) <= epsilon &&
		math.Abs(v1.Z-v2.Z) <= epsilon
}

// Flattened returns the vector projected on the ground (Z = 0).
func (v Vector3) Flattened() Vector3 {
	return Vector3{X: v.X, Y: v.Y}
}

func Add(a Vector3, b Vector3) Vector3 {
	return Vector3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

func Sub(a Vector3, b Vector3) Vector3 {
	return Vector3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func Mul(a Vector3, s float64) Vector3 {
	return Vector3{a.X * s, a.Y * s, a.Z * s}
}

func (a Vector3) Length() float64 {
	return math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z)
}

func Normalized(a Vector3) Vector3 {
	length := a.Length()
	if length == 0 {
		return a
	}
	return Vector3{a.X / length, a.Y / length, a.Z / length}
}

func (a Vector3) Dot(b Vector3) float64 {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

func Cross(a Vector3, b Vector3) Vector3 {
	return Vector3{a.Y*b.Z - a.Z*b.Y, a.Z*b.X - a.X*b.Z, a.X*b.Y - a.Y*b.X}
}
