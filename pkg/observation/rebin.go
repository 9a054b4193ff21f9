package observation

import "fmt"

// Rebin coarsens every detector by averaging factor×factor pixel blocks.
// It never modifies s: the result is a new set whose geometry is adjusted
// so that projections at the new resolution stay consistent. A factor of 1
// returns a deep copy.
func (s *Set) Rebin(factor int) (*Set, error) {
	if factor < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFactor, factor)
	}
	for i, o := range s.Observations {
		sh := o.Geometry.Shape
		if sh[0]%factor != 0 || sh[1]%factor != 0 {
			return nil, fmt.Errorf("%w: %d does not divide detector %v of observation %d",
				ErrInvalidFactor, factor, sh, i)
		}
	}
	if factor == 1 {
		return s.Copy(), nil
	}

	out := *s
	out.Observations = make([]*Observation, len(s.Observations))
	for i, o := range s.Observations {
		out.Observations[i] = o.rebin(factor)
	}
	return &out, nil
}

func (o *Observation) rebin(factor int) *Observation {
	g := o.Geometry
	nu, nv := g.Shape[0]/factor, g.Shape[1]/factor
	norm := 1 / float64(factor*factor)

	data := make([]float64, nu*nv)
	for v := 0; v < g.Shape[1]; v++ {
		for u := 0; u < g.Shape[0]; u++ {
			data[u/factor+nu*(v/factor)] += o.Data[u+g.Shape[0]*v]
		}
	}
	for i := range data {
		data[i] *= norm
	}

	// New pixel q is centred on old coordinate factor*q + (factor-1)/2.
	f := float64(factor)
	shift := (f - 1) / 2
	g.Shape = [2]int{nu, nv}
	g.Cdelt = [2]float64{g.Cdelt[0] * f, g.Cdelt[1] * f}
	g.Crpix = [2]float64{(g.Crpix[0] - shift) / f, (g.Crpix[1] - shift) / f}

	out := *o
	out.Geometry = g
	out.Data = data
	return &out
}
