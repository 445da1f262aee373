package application

import (
	"fmt"

	"github.com/spf13/cast"

	values "pointcalc/internal/values/domain"
	vp "pointcalc/internal/virtualpoints/domain"
)

// aggregate reduces samples to one scalar. Samples without a numeric value
// are ignored; the quality is uncertain when any sample was not good.
func aggregate(samples []values.Sample, mode vp.Aggregation) (float64, values.Quality, error) {
	quality := values.QualityGood
	var (
		sum   float64
		min   float64
		max   float64
		count int
	)
	for _, sample := range samples {
		if sample.Value == nil {
			quality = values.QualityUncertain
			continue
		}
		v, err := cast.ToFloat64E(sample.Value)
		if err != nil {
			quality = values.QualityUncertain
			continue
		}
		if !sample.Quality.IsGood() {
			quality = values.QualityUncertain
		}
		if count == 0 || v < min {
			min = v
		}
		if count == 0 || v > max {
			max = v
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, values.QualityBad, fmt.Errorf("%w: no samples in window", vp.ErrMissingInput)
	}
	switch mode {
	case vp.AggregateAverage:
		return sum / float64(count), quality, nil
	case vp.AggregateMin:
		return min, quality, nil
	case vp.AggregateMax:
		return max, quality, nil
	case vp.AggregateSum:
		return sum, quality, nil
	default:
		return 0, values.QualityBad, fmt.Errorf("%w: unsupported aggregation %q", vp.ErrInvalidPoint, mode)
	}
}
