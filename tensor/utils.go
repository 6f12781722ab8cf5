package tensor

import (
	"fmt"
)

// Reshape returns a view with a new shape over the same backing data.
// One dimension may be -1 and is inferred from the element count.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	inferIdx := -1
	known := 1
	for i, dim := range newShape {
		if dim == -1 {
			if inferIdx >= 0 {
				return nil, fmt.Errorf("only one dimension may be -1, got shape %v", newShape)
			}
			inferIdx = i
		} else if dim <= 0 {
			return nil, fmt.Errorf("invalid shape: dimension %d has size %d", i, dim)
		} else {
			known *= dim
		}
	}

	resolved := append([]int{}, newShape...)
	if inferIdx >= 0 {
		if known == 0 || t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension: %d elements not divisible by %d", t.NumElems, known)
		}
		resolved[inferIdx] = t.NumElems / known
	}

	if calculateNumElements(resolved) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, resolved)
	}

	return &Tensor{
		Shape:        resolved,
		Strides:      calculateStrides(resolved),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
		grad:         t.grad,
	}, nil
}

// Clone returns a deep copy of the tensor. Gradient state is not copied.
func (t *Tensor) Clone() (*Tensor, error) {
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		return NewTensor(t.Shape, t.DType, t.Device, dst)
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		return NewTensor(t.Shape, t.DType, t.Device, dst)
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

// GetFloat32Data returns the backing slice of a Float32 tensor.
func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

// GetInt32Data returns the backing slice of an Int32 tensor.
func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Item returns the value of a single-element tensor as float64.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}

	switch t.DType {
	case Float32:
		return float64(t.Data.([]float32)[0]), nil
	case Int32:
		return float64(t.Data.([]int32)[0]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

// At returns the element at the given multi-dimensional indices as float64.
func (t *Tensor) At(indices ...int) (float64, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices for shape %v, got %d", len(t.Shape), t.Shape, len(indices))
	}

	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range [0, %d) in dimension %d", idx, t.Shape[i], i)
		}
		offset += idx * t.Strides[i]
	}

	switch t.DType {
	case Float32:
		return float64(t.Data.([]float32)[offset]), nil
	case Int32:
		return float64(t.Data.([]int32)[offset]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return t.NumElems
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports whether two tensors have identical shape, dtype and data.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType {
		return false, nil
	}
	if len(t.Shape) != len(other.Shape) {
		return false, nil
	}
	for i, dim := range t.Shape {
		if dim != other.Shape[i] {
			return false, nil
		}
	}

	switch t.DType {
	case Float32:
		a := t.Data.([]float32)
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case Int32:
		a := t.Data.([]int32)
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype: %s", t.DType)
	}

	return true, nil
}

// ToDevice transfers the tensor to the requested device. The transfer is
// synchronous. Only CPU tensors are supported in this build; requesting
// an accelerator surfaces an error that aborts the caller.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if device == t.Device {
		return t, nil
	}
	if device != CPU {
		return nil, fmt.Errorf("device %s is not available in this build", device)
	}

	moved, err := t.Clone()
	if err != nil {
		return nil, err
	}
	moved.Device = device
	return moved, nil
}

// ZeroGrad clears the gradients of all given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
