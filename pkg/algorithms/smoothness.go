package algorithms

import "slidetomo/pkg/cube"

// smoothness returns Σ_k h_k ||D_k x||² and accumulates Σ_k h_k D_kᵀD_k x
// into out when out is non-nil. D_k is the forward difference along axis k
// without wrap-around, so D_kᵀD_k is the Neumann Laplacian along that axis.
func smoothness(x *cube.Cube, h [3]float64, out *cube.Cube) float64 {
	nx, ny, nz := x.Shape[0], x.Shape[1], x.Shape[2]
	strides := [3]int{1, nx, nx * ny}

	var total float64
	for axis := 0; axis < 3; axis++ {
		w := h[axis]
		if w == 0 || x.Shape[axis] < 2 {
			continue
		}
		stride := strides[axis]
		var sum float64
		for k := 0; k < nz; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					pos := [3]int{i, j, k}
					if pos[axis] == x.Shape[axis]-1 {
						continue
					}
					a := i + nx*(j+ny*k)
					b := a + stride
					diff := x.Data[b] - x.Data[a]
					sum += diff * diff
					if out != nil {
						out.Data[b] += w * diff
						out.Data[a] -= w * diff
					}
				}
			}
		}
		total += w * sum
	}
	return total
}
