package util

import (
	"fmt"
	"math"
	"slices"
)

// Mean of a float32 vector.
func Mean(vector []float32) float32 {
	n := 0
	sum := float32(0.0)
	for _, v := range vector {
		sum = sum + v
		n++
	}
	return sum / float32(n)
}

// LogSoftMaxAt computes the log-softmax of vector at index idx. The
// shifted-exponential sum accumulates in float64 so reduced-precision model
// outputs do not degrade the result.
func LogSoftMaxAt(vector []float32, idx int) (float64, error) {
	if idx < 0 || idx >= len(vector) {
		return 0, fmt.Errorf("log-softmax index %d out of range for vector of length %d", idx, len(vector))
	}
	maxLogit := slices.Max(vector)
	sumExp := 0.0
	for _, logit := range vector {
		sumExp += math.Exp(float64(logit - maxLogit))
	}
	return float64(vector[idx]-maxLogit) - math.Log(sumExp), nil
}

// LogSigmoid computes log(sigmoid(x)) through softplus, which stays finite
// for large negative x where sigmoid underflows.
func LogSigmoid(x float64) float64 {
	if x < -30 {
		return x
	}
	return -math.Log1p(math.Exp(-x))
}

func Sigmoid(s []float32) []float32 {
	sigmoid := make([]float32, 0, len(s))

	for _, v := range s {
		v64 := float64(v)
		sigmoid = append(sigmoid, float32(1.0/(1.0+math.Exp(-v64))))
	}
	return sigmoid
}

func Relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}
