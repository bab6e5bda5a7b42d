package accel

import (
	"math"

	"golang.org/x/image/math/f32"
)

// Matrices are f32.Mat4 in row-major order (m[4*row+col]) and follow the
// row-vector convention: a point p transforms as p·M, so M = A·B applies A
// first. Translation lives in the last row.

func identity() f32.Mat4 {
	return f32.Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func rotationY(angle float32) f32.Mat4 {
	s, c := math.Sincos(float64(angle))
	sf, cf := float32(s), float32(c)
	return f32.Mat4{
		cf, 0, -sf, 0,
		0, 1, 0, 0,
		sf, 0, cf, 0,
		0, 0, 0, 1,
	}
}

func translation(v f32.Vec3) f32.Mat4 {
	return f32.Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		v[0], v[1], v[2], 1,
	}
}

func mul(a, b f32.Mat4) f32.Mat4 {
	var m f32.Mat4
	for r := range 4 {
		for c := range 4 {
			var sum float32
			for k := range 4 {
				sum += a[4*r+k] * b[4*k+c]
			}
			m[4*r+c] = sum
		}
	}
	return m
}

func transpose(a f32.Mat4) f32.Mat4 {
	var m f32.Mat4
	for r := range 4 {
		for c := range 4 {
			m[4*c+r] = a[4*r+c]
		}
	}
	return m
}

// ComposeTransform returns the 3x4 object-to-world rows of an instance: the
// Y rotation when spin is set, then the translation, transposed so each
// row ends in its translation component.
func ComposeTransform(position f32.Vec3, spin bool, angle float32) [12]float32 {
	m := identity()
	if spin {
		m = mul(m, rotationY(angle))
	}
	m = mul(m, translation(position))
	m = transpose(m)

	var out [12]float32
	copy(out[:], m[:12])
	return out
}

// TransformPoint applies the 3x4 rows of t to p.
func TransformPoint(t [12]float32, p f32.Vec3) f32.Vec3 {
	var out f32.Vec3
	for r := range 3 {
		out[r] = t[4*r]*p[0] + t[4*r+1]*p[1] + t[4*r+2]*p[2] + t[4*r+3]
	}
	return out
}
