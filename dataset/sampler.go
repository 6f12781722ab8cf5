package dataset

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/sampleuv"
)

// BalancedClassWeights maps class labels to per-example inverse-frequency
// weights: an example of class c receives N / count(c), so members of
// rarer classes are drawn more often.
func BalancedClassWeights(labels []int) ([]float64, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("cannot compute class weights for an empty label set")
	}

	counts := make(map[int]int)
	for _, lab := range labels {
		counts[lab]++
	}

	total := float64(len(labels))
	weights := make([]float64, len(labels))
	for i, lab := range labels {
		weights[i] = total / float64(counts[lab])
	}

	return weights, nil
}

// CombineWeights multiplies two weight vectors elementwise, producing the
// joint sampling weight used when two imbalance-sensitive tasks are active.
func CombineWeights(a, b []float64) ([]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("weight vector length mismatch: %d vs %d", len(a), len(b))
	}

	combined := make([]float64, len(a))
	for i := range a {
		combined[i] = a[i] * b[i]
	}
	return combined, nil
}

// WeightedSampler draws example indices with replacement, with probability
// proportional to each example's weight.
type WeightedSampler struct {
	weights []float64
	n       int
	src     rand.Source
}

// NewWeightedSampler creates a sampler that draws n indices per epoch.
func NewWeightedSampler(weights []float64, n int, seed uint64) (*WeightedSampler, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("cannot sample from an empty weight vector")
	}
	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("weight %d is negative: %f", i, w)
		}
	}

	return &WeightedSampler{
		weights: weights,
		n:       n,
		src:     rand.NewPCG(seed, 0),
	}, nil
}

// Indices draws one epoch worth of indices. Each draw restores the taken
// weight, making the sampling with-replacement.
func (s *WeightedSampler) Indices() ([]int, error) {
	w := sampleuv.NewWeighted(s.weights, s.src)

	out := make([]int, s.n)
	for i := 0; i < s.n; i++ {
		idx, ok := w.Take()
		if !ok {
			return nil, fmt.Errorf("weighted draw failed: total weight is zero")
		}
		w.Reweight(idx, s.weights[idx])
		out[i] = idx
	}

	return out, nil
}

// Len returns the number of indices drawn per epoch.
func (s *WeightedSampler) Len() int {
	return s.n
}
