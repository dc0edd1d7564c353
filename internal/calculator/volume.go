package calculator

import "errors"

// VolumeRatio divides the latest volume by the mean of the preceding period volumes.
func VolumeRatio(volumes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(volumes) < period+1 {
		return 0, errors.New("not enough data for volume ratio")
	}
	n := len(volumes)
	avg := mean(volumes[n-1-period : n-1])
	if avg == 0 {
		return 0, errors.New("trailing average volume is zero")
	}
	return volumes[n-1] / avg, nil
}
