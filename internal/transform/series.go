package transform

import (
	"fmt"
	"math"
	"sort"
)

// Aggregator reduces a loaded series window to a single scalar.
type Aggregator func(values []float64) (float64, error)

var seriesAggregators = map[string]Aggregator{
	"median": func(values []float64) (float64, error) {
		if len(values) == 0 {
			return 0, errEmptySeries
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2, nil
		}
		return sorted[mid], nil
	},
	"mean": func(values []float64) (float64, error) {
		if len(values) == 0 {
			return 0, errEmptySeries
		}
		return total(values) / float64(len(values)), nil
	},
	"std": func(values []float64) (float64, error) {
		v, err := variance(values)
		if err != nil {
			return 0, err
		}
		return math.Sqrt(v), nil
	},
	"var": variance,
	"min": func(values []float64) (float64, error) {
		if len(values) == 0 {
			return 0, errEmptySeries
		}
		acc := values[0]
		for _, v := range values[1:] {
			acc = math.Min(acc, v)
		}
		return acc, nil
	},
	"max": func(values []float64) (float64, error) {
		if len(values) == 0 {
			return 0, errEmptySeries
		}
		acc := values[0]
		for _, v := range values[1:] {
			acc = math.Max(acc, v)
		}
		return acc, nil
	},
	"sum": func(values []float64) (float64, error) {
		if len(values) == 0 {
			return 0, errEmptySeries
		}
		return total(values), nil
	},
	// cumsum is a running total; the last element is what gets
	// substituted into the expression.
	"cumsum": func(values []float64) (float64, error) {
		if len(values) == 0 {
			return 0, errEmptySeries
		}
		return total(values), nil
	},
	"prod": func(values []float64) (float64, error) {
		if len(values) == 0 {
			return 0, errEmptySeries
		}
		acc := 1.0
		for _, v := range values {
			acc *= v
		}
		return acc, nil
	},
}

var errEmptySeries = fmt.Errorf("empty series window")

// Series returns the named aggregator, if registered.
func Series(name string) (Aggregator, bool) {
	agg, ok := seriesAggregators[name]
	return agg, ok
}

func total(values []float64) float64 {
	acc := 0.0
	for _, v := range values {
		acc += v
	}
	return acc
}

func variance(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errEmptySeries
	}
	mean := total(values) / float64(len(values))
	acc := 0.0
	for _, v := range values {
		d := v - mean
		acc += d * d
	}
	return acc / float64(len(values)), nil
}
