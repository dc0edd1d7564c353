package calculator

import (
	"errors"
	"math"
)

// SMASeries returns the rolling mean at every index. Windows shorter than
// period are averaged once they hold minPeriods values; earlier indexes are NaN.
func SMASeries(prices []float64, period, minPeriods int) []float64 {
	out := make([]float64, len(prices))
	if minPeriods <= 0 || minPeriods > period {
		minPeriods = period
	}
	sum := 0.0
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		n := i + 1
		if n > period {
			n = period
		}
		if n < minPeriods {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
	}
	return out
}

// Slope returns the relative change (value - prior) / prior.
func Slope(value, prior float64) (float64, error) {
	if prior == 0 || math.IsNaN(prior) || math.IsNaN(value) {
		return 0, errors.New("prior value must be defined and non-zero")
	}
	return (value - prior) / prior, nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
