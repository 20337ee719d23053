// Package ply serializes Gaussian sets into the binary PLY layout read by
// Gaussian splat viewers.
package ply

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/example/splat-api/internal/gaussian"
)

// Extension is the artifact file extension, without the dot.
const Extension = "ply"

// shC0 is the zeroth-order spherical harmonic basis constant.
const shC0 = 0.28209479177387814

var vertexProperties = []string{
	"x", "y", "z",
	"f_dc_0", "f_dc_1", "f_dc_2",
	"opacity",
	"scale_0", "scale_1", "scale_2",
	"rot_0", "rot_1", "rot_2", "rot_3",
}

// VertexStride is the number of bytes written per Gaussian.
var VertexStride = 4 * len(vertexProperties)

// Write encodes set as a binary little-endian PLY. The camera used for the
// prediction is stored alongside the vertices as an identity extrinsic, a
// pinhole intrinsic built from focalPx and the image centre, and the source
// image size.
func Write(w io.Writer, set *gaussian.Set, focalPx float64, height, width int) error {
	if err := set.Validate(); err != nil {
		return err
	}
	if focalPx <= 0 {
		return fmt.Errorf("focal length must be positive, got %f", focalPx)
	}
	if height <= 0 || width <= 0 {
		return fmt.Errorf("invalid image size %dx%d", width, height)
	}

	bw := bufio.NewWriter(w)
	if _, err := io.WriteString(bw, Header(set.Len())); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]byte, VertexStride)
	for i := 0; i < set.Len(); i++ {
		encodeVertex(row, set, i)
		if _, err := bw.Write(row); err != nil {
			return fmt.Errorf("write vertex %d: %w", i, err)
		}
	}

	extrinsic := [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	if err := binary.Write(bw, binary.LittleEndian, extrinsic); err != nil {
		return fmt.Errorf("write extrinsic: %w", err)
	}
	f := float32(focalPx)
	intrinsic := [9]float32{
		f, 0, float32(width) / 2,
		0, f, float32(height) / 2,
		0, 0, 1,
	}
	if err := binary.Write(bw, binary.LittleEndian, intrinsic); err != nil {
		return fmt.Errorf("write intrinsic: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, [2]uint32{uint32(width), uint32(height)}); err != nil {
		return fmt.Errorf("write image size: %w", err)
	}
	return bw.Flush()
}

// Header returns the PLY header for n Gaussians.
func Header(n int) string {
	header := "ply\nformat binary_little_endian 1.0\n"
	header += fmt.Sprintf("element vertex %d\n", n)
	for _, name := range vertexProperties {
		header += "property float " + name + "\n"
	}
	header += "element extrinsic 16\nproperty float extrinsic\n"
	header += "element intrinsic 9\nproperty float intrinsic\n"
	header += "element image_size 2\nproperty uint image_size\n"
	header += "end_header\n"
	return header
}

// Size returns the encoded size in bytes of a set with n Gaussians.
func Size(n int) int {
	return len(Header(n)) + n*VertexStride + 16*4 + 9*4 + 2*4
}

func encodeVertex(dst []byte, set *gaussian.Set, i int) {
	values := [14]float32{
		set.Means[i][0], set.Means[i][1], set.Means[i][2],
		colorToSH(set.Colors[i][0]), colorToSH(set.Colors[i][1]), colorToSH(set.Colors[i][2]),
		logit(set.Opacities[i]),
		safeLog(set.Scales[i][0]), safeLog(set.Scales[i][1]), safeLog(set.Scales[i][2]),
		set.Rotations[i][0], set.Rotations[i][1], set.Rotations[i][2], set.Rotations[i][3],
	}
	for j, v := range values {
		binary.LittleEndian.PutUint32(dst[4*j:], math.Float32bits(v))
	}
}

func colorToSH(c float32) float32 {
	return (c - 0.5) / shC0
}

func logit(p float32) float32 {
	const eps = 1e-6
	x := math.Min(math.Max(float64(p), eps), 1-eps)
	return float32(math.Log(x / (1 - x)))
}

func safeLog(v float32) float32 {
	return float32(math.Log(math.Max(float64(v), 1e-10)))
}
