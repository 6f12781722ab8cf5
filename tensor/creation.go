package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor from a backing slice. The slice length must
// match the shape's element count.
func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		values, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("expected []float32 data for Float32 tensor, got %T", data)
		}
		if len(values) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(values), t.Shape, t.NumElems)
		}
		t.Data = values
	case Int32:
		values, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("expected []int32 data for Int32 tensor, got %T", data)
		}
		if len(values) != t.NumElems {
			return fmt.Errorf("data length %d does not match shape %v (%d elements)", len(values), t.Shape, t.NumElems)
		}
		t.Data = values
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}

	return nil
}

// SetData replaces the backing slice in place, keeping shape and dtype.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, make([]float32, numElems))
	case Int32:
		return NewTensor(shape, dtype, device, make([]int32, numElems))
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// Ones creates a one-filled tensor.
func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := Zeros(shape, dtype, device)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = 1.0
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = 1
		}
	}

	return t, nil
}

// Full creates a tensor filled with a constant value.
func Full(shape []int, value float64, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := Zeros(shape, dtype, device)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = float32(value)
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = int32(value)
		}
	}

	return t, nil
}

// Random creates a Float32 tensor with values drawn uniformly from [-1, 1).
func Random(shape []int, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	data := make([]float32, numElems)
	for i := range data {
		data[i] = rng.Float32()*2.0 - 1.0
	}

	return NewTensor(shape, Float32, device, data)
}

// FromScalar creates a single-element tensor. Single-element tensors
// broadcast against any shape in the elementwise operations.
func FromScalar(value float64, dtype DType, device DeviceType) *Tensor {
	var t *Tensor
	switch dtype {
	case Int32:
		t, _ = NewTensor([]int{1}, dtype, device, []int32{int32(value)})
	default:
		t, _ = NewTensor([]int{1}, Float32, device, []float32{float32(value)})
	}
	return t
}
