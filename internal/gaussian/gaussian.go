// Package gaussian holds the point-cloud geometry produced by the predictor.
package gaussian

import "fmt"

// Set is a collection of 3D Gaussians in camera space. All slices are
// indexed by Gaussian and must have the same length.
//
// Colors are linear RGB in [0,1], opacities in [0,1] and scales are the
// standard deviations along the rotated axes. Rotations are unit
// quaternions stored as (w, x, y, z).
type Set struct {
	Means     [][3]float32
	Colors    [][3]float32
	Opacities []float32
	Scales    [][3]float32
	Rotations [][4]float32
}

// Len returns the number of Gaussians.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Means)
}

// Validate checks that every attribute slice covers every Gaussian.
func (s *Set) Validate() error {
	if s == nil {
		return fmt.Errorf("gaussian set is nil")
	}
	n := len(s.Means)
	if n == 0 {
		return fmt.Errorf("gaussian set is empty")
	}
	if len(s.Colors) != n || len(s.Opacities) != n || len(s.Scales) != n || len(s.Rotations) != n {
		return fmt.Errorf("gaussian attribute lengths differ: means=%d colors=%d opacities=%d scales=%d rotations=%d",
			n, len(s.Colors), len(s.Opacities), len(s.Scales), len(s.Rotations))
	}
	return nil
}

// FromFlat builds a Set from flattened row-major arrays as returned by
// inference runtimes: means/colors/scales have 3 values per Gaussian,
// rotations 4 and opacities 1.
func FromFlat(means, colors, opacities, scales, rotations []float32) (*Set, error) {
	n := len(opacities)
	if len(means) != 3*n || len(colors) != 3*n || len(scales) != 3*n || len(rotations) != 4*n {
		return nil, fmt.Errorf("flat gaussian arrays are inconsistent for %d gaussians", n)
	}
	set := &Set{
		Means:     make([][3]float32, n),
		Colors:    make([][3]float32, n),
		Opacities: make([]float32, n),
		Scales:    make([][3]float32, n),
		Rotations: make([][4]float32, n),
	}
	copy(set.Opacities, opacities)
	for i := 0; i < n; i++ {
		copy(set.Means[i][:], means[3*i:3*i+3])
		copy(set.Colors[i][:], colors[3*i:3*i+3])
		copy(set.Scales[i][:], scales[3*i:3*i+3])
		copy(set.Rotations[i][:], rotations[4*i:4*i+4])
	}
	return set, set.Validate()
}
