package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"slidetomo/pkg/observation"
)

// ValidationMetrics compare the observations predicted by a solution with
// the measured ones.
type ValidationMetrics struct {
	// RMSE is the root mean square difference per pixel.
	RMSE float64 `yaml:"rmse"`

	// Correlation is the Pearson correlation between predicted and measured
	// pixels. It is zero when either side is constant.
	Correlation float64 `yaml:"correlation"`

	// ChiRelative is ||predicted - measured|| / ||measured||.
	ChiRelative float64 `yaml:"chiRelative"`
}

func calculateValidationMetrics(predicted, measured *observation.Set) ValidationMetrics {
	p, m := predicted.Flatten(), measured.Flatten()
	var vm ValidationMetrics
	if len(m) == 0 || len(p) != len(m) {
		return vm
	}

	dist := floats.Distance(p, m, 2)
	vm.RMSE = dist / math.Sqrt(float64(len(m)))
	if norm := floats.Norm(m, 2); norm > 0 {
		vm.ChiRelative = dist / norm
	}
	if len(m) > 1 && stat.Variance(p, nil) > 0 && stat.Variance(m, nil) > 0 {
		vm.Correlation = stat.Correlation(p, m, nil)
	}
	return vm
}
