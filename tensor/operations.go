package tensor

import (
	"fmt"
	"math"
)

// binaryOutShape resolves the result shape of an elementwise operation.
// Shapes must match exactly, except that a single-element tensor
// broadcasts against any shape.
func binaryOutShape(t1, t2 *Tensor) ([]int, error) {
	if t1.NumElems == 1 {
		return t2.Shape, nil
	}
	if t2.NumElems == 1 {
		return t1.Shape, nil
	}

	if len(t1.Shape) != len(t2.Shape) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	for i, dim := range t1.Shape {
		if dim != t2.Shape[i] {
			return nil, fmt.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
		}
	}
	return t1.Shape, nil
}

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("dtype mismatch: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("device mismatch: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func elementwise(t1, t2 *Tensor, op func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("elementwise operations only support Float32 tensors, got %s", t1.DType)
	}

	outShape, err := binaryOutShape(t1, t2)
	if err != nil {
		return nil, err
	}

	d1 := t1.Data.([]float32)
	d2 := t2.Data.([]float32)
	n := calculateNumElements(outShape)
	result := make([]float32, n)

	switch {
	case t1.NumElems == 1:
		for i := 0; i < n; i++ {
			result[i] = op(d1[0], d2[i])
		}
	case t2.NumElems == 1:
		for i := 0; i < n; i++ {
			result[i] = op(d1[i], d2[0])
		}
	default:
		for i := 0; i < n; i++ {
			result[i] = op(d1[i], d2[i])
		}
	}

	return NewTensor(outShape, Float32, t1.Device, result)
}

// Add performs elementwise addition.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

// Sub performs elementwise subtraction.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

// Mul performs elementwise multiplication.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

// Div performs elementwise division.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a / b })
}

func unary(t *Tensor, op func(a float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unary operations only support Float32 tensors, got %s", t.DType)
	}

	data := t.Data.([]float32)
	result := make([]float32, len(data))
	for i, v := range data {
		result[i] = op(v)
	}

	return NewTensor(t.Shape, Float32, t.Device, result)
}

// Exp applies the elementwise exponential.
func Exp(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 { return float32(math.Exp(float64(a))) })
}

// Log applies the elementwise natural logarithm.
func Log(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 { return float32(math.Log(float64(a))) })
}

// Sqrt applies the elementwise square root.
func Sqrt(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 { return float32(math.Sqrt(float64(a))) })
}

// Sigmoid applies the elementwise logistic function.
func Sigmoid(t *Tensor) (*Tensor, error) {
	return unary(t, func(a float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(a))))
	})
}

// Scale multiplies every element by a constant.
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	return unary(t, func(a float32) float32 { return a * float32(factor) })
}

// Sum reduces the tensor to a single-element tensor holding the total.
func Sum(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sum only supports Float32 tensors, got %s", t.DType)
	}

	data := t.Data.([]float32)
	var sum float32
	for _, v := range data {
		sum += v
	}

	return NewTensor([]int{1}, Float32, t.Device, []float32{sum})
}
