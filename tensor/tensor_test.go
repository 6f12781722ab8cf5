package tensor

import (
	"math"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Basic creation", func(t *testing.T) {
		tensor, err := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
		if err != nil {
			t.Fatalf("Failed to create tensor: %v", err)
		}

		if tensor.NumElems != 6 {
			t.Errorf("Expected 6 elements, got %d", tensor.NumElems)
		}
		if tensor.Shape[0] != 2 || tensor.Shape[1] != 3 {
			t.Errorf("Expected shape [2 3], got %v", tensor.Shape)
		}
		if tensor.Strides[0] != 3 || tensor.Strides[1] != 1 {
			t.Errorf("Expected strides [3 1], got %v", tensor.Strides)
		}
	})

	t.Run("Data length mismatch", func(t *testing.T) {
		_, err := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3})
		if err == nil {
			t.Error("Expected error for mismatched data length")
		}
	})

	t.Run("Invalid shape", func(t *testing.T) {
		_, err := NewTensor([]int{2, 0}, Float32, CPU, []float32{})
		if err == nil {
			t.Error("Expected error for zero dimension")
		}
	})

	t.Run("Wrong data type", func(t *testing.T) {
		_, err := NewTensor([]int{2}, Int32, CPU, []float32{1, 2})
		if err == nil {
			t.Error("Expected error for []float32 data on Int32 tensor")
		}
	})
}

func TestCreationHelpers(t *testing.T) {
	t.Run("Zeros", func(t *testing.T) {
		tensor, err := Zeros([]int{2, 2}, Float32, CPU)
		if err != nil {
			t.Fatalf("Zeros failed: %v", err)
		}
		for i, v := range tensor.Data.([]float32) {
			if v != 0 {
				t.Errorf("Element %d: expected 0, got %f", i, v)
			}
		}
	})

	t.Run("Ones", func(t *testing.T) {
		tensor, err := Ones([]int{3}, Int32, CPU)
		if err != nil {
			t.Fatalf("Ones failed: %v", err)
		}
		for i, v := range tensor.Data.([]int32) {
			if v != 1 {
				t.Errorf("Element %d: expected 1, got %d", i, v)
			}
		}
	})

	t.Run("Full", func(t *testing.T) {
		tensor, err := Full([]int{2}, 3.5, Float32, CPU)
		if err != nil {
			t.Fatalf("Full failed: %v", err)
		}
		for i, v := range tensor.Data.([]float32) {
			if v != 3.5 {
				t.Errorf("Element %d: expected 3.5, got %f", i, v)
			}
		}
	})

	t.Run("FromScalar", func(t *testing.T) {
		tensor := FromScalar(2.0, Float32, CPU)
		if tensor.NumElems != 1 {
			t.Errorf("Expected single element, got %d", tensor.NumElems)
		}
		value, err := tensor.Item()
		if err != nil {
			t.Fatalf("Item failed: %v", err)
		}
		if value != 2.0 {
			t.Errorf("Expected 2.0, got %f", value)
		}
	})
}

func TestElementwiseOperations(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{4, 3, 2, 1})

	t.Run("Add", func(t *testing.T) {
		result, err := Add(a, b)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		expected := []float32{5, 5, 5, 5}
		for i, v := range result.Data.([]float32) {
			if v != expected[i] {
				t.Errorf("Element %d: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Sub", func(t *testing.T) {
		result, err := Sub(a, b)
		if err != nil {
			t.Fatalf("Sub failed: %v", err)
		}
		expected := []float32{-3, -1, 1, 3}
		for i, v := range result.Data.([]float32) {
			if v != expected[i] {
				t.Errorf("Element %d: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Mul", func(t *testing.T) {
		result, err := Mul(a, b)
		if err != nil {
			t.Fatalf("Mul failed: %v", err)
		}
		expected := []float32{4, 6, 6, 4}
		for i, v := range result.Data.([]float32) {
			if v != expected[i] {
				t.Errorf("Element %d: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Div", func(t *testing.T) {
		result, err := Div(a, b)
		if err != nil {
			t.Fatalf("Div failed: %v", err)
		}
		expected := []float32{0.25, 2.0 / 3.0, 1.5, 4}
		for i, v := range result.Data.([]float32) {
			if math.Abs(float64(v-expected[i])) > 1e-6 {
				t.Errorf("Element %d: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Scalar broadcast", func(t *testing.T) {
		scalar := FromScalar(10.0, Float32, CPU)
		result, err := Add(a, scalar)
		if err != nil {
			t.Fatalf("Broadcast add failed: %v", err)
		}
		if result.Shape[0] != 2 || result.Shape[1] != 2 {
			t.Errorf("Expected shape [2 2], got %v", result.Shape)
		}
		expected := []float32{11, 12, 13, 14}
		for i, v := range result.Data.([]float32) {
			if v != expected[i] {
				t.Errorf("Element %d: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		c, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
		if _, err := Add(a, c); err == nil {
			t.Error("Expected error for mismatched shapes")
		}
	})

	t.Run("Dtype mismatch", func(t *testing.T) {
		c, _ := NewTensor([]int{2, 2}, Int32, CPU, []int32{1, 2, 3, 4})
		if _, err := Add(a, c); err == nil {
			t.Error("Expected error for mismatched dtypes")
		}
	})
}

func TestUnaryOperations(t *testing.T) {
	t.Run("Sigmoid at zero", func(t *testing.T) {
		input, _ := NewTensor([]int{1}, Float32, CPU, []float32{0.0})
		result, err := Sigmoid(input)
		if err != nil {
			t.Fatalf("Sigmoid failed: %v", err)
		}
		if math.Abs(float64(result.Data.([]float32)[0])-0.5) > 1e-6 {
			t.Errorf("Expected sigmoid(0) = 0.5, got %f", result.Data.([]float32)[0])
		}
	})

	t.Run("Exp and Log roundtrip", func(t *testing.T) {
		input, _ := NewTensor([]int{3}, Float32, CPU, []float32{0.5, 1.0, 2.0})
		exp, err := Exp(input)
		if err != nil {
			t.Fatalf("Exp failed: %v", err)
		}
		back, err := Log(exp)
		if err != nil {
			t.Fatalf("Log failed: %v", err)
		}
		for i, v := range back.Data.([]float32) {
			orig := input.Data.([]float32)[i]
			if math.Abs(float64(v-orig)) > 1e-5 {
				t.Errorf("Element %d: expected %f, got %f", i, orig, v)
			}
		}
	})

	t.Run("Scale", func(t *testing.T) {
		input, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
		result, err := Scale(input, 2.5)
		if err != nil {
			t.Fatalf("Scale failed: %v", err)
		}
		expected := []float32{2.5, 5, 7.5}
		for i, v := range result.Data.([]float32) {
			if v != expected[i] {
				t.Errorf("Element %d: expected %f, got %f", i, expected[i], v)
			}
		}
	})

	t.Run("Sum", func(t *testing.T) {
		input, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
		result, err := Sum(input)
		if err != nil {
			t.Fatalf("Sum failed: %v", err)
		}
		value, _ := result.Item()
		if value != 10.0 {
			t.Errorf("Expected sum 10, got %f", value)
		}
	})
}

func TestReshape(t *testing.T) {
	t.Run("Basic reshape", func(t *testing.T) {
		tensor, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
		reshaped, err := tensor.Reshape([]int{3, 2})
		if err != nil {
			t.Fatalf("Reshape failed: %v", err)
		}
		if reshaped.Shape[0] != 3 || reshaped.Shape[1] != 2 {
			t.Errorf("Expected shape [3 2], got %v", reshaped.Shape)
		}
	})

	t.Run("Inferred dimension", func(t *testing.T) {
		tensor, _ := NewTensor([]int{2, 6}, Float32, CPU, make([]float32, 12))
		reshaped, err := tensor.Reshape([]int{4, -1})
		if err != nil {
			t.Fatalf("Reshape with -1 failed: %v", err)
		}
		if reshaped.Shape[1] != 3 {
			t.Errorf("Expected inferred dimension 3, got %d", reshaped.Shape[1])
		}
	})

	t.Run("Shares backing data", func(t *testing.T) {
		tensor, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 4})
		reshaped, err := tensor.Reshape([]int{2, 2})
		if err != nil {
			t.Fatalf("Reshape failed: %v", err)
		}
		reshaped.Data.([]float32)[0] = 99
		if tensor.Data.([]float32)[0] != 99 {
			t.Error("Reshape should share the backing slice")
		}
	})

	t.Run("Incompatible element count", func(t *testing.T) {
		tensor, _ := NewTensor([]int{4}, Float32, CPU, []float32{1, 2, 3, 4})
		if _, err := tensor.Reshape([]int{3}); err == nil {
			t.Error("Expected error reshaping 4 elements to 3")
		}
	})
}

func TestAt(t *testing.T) {
	tensor, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	value, err := tensor.At(1, 2)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if value != 6.0 {
		t.Errorf("Expected 6, got %f", value)
	}

	if _, err := tensor.At(2, 0); err == nil {
		t.Error("Expected error for out-of-range index")
	}
	if _, err := tensor.At(1); err == nil {
		t.Error("Expected error for wrong index arity")
	}
}

func TestCloneAndEqual(t *testing.T) {
	original, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})

	clone, err := original.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	equal, err := original.Equal(clone)
	if err != nil {
		t.Fatalf("Equal failed: %v", err)
	}
	if !equal {
		t.Error("Clone should equal its original")
	}

	// Mutating the clone must not touch the original.
	clone.Data.([]float32)[0] = 42
	if original.Data.([]float32)[0] != 1 {
		t.Error("Clone should not share backing data with the original")
	}
}

func TestToDevice(t *testing.T) {
	tensor, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})

	t.Run("Same device returns self", func(t *testing.T) {
		moved, err := tensor.ToDevice(CPU)
		if err != nil {
			t.Fatalf("ToDevice(CPU) failed: %v", err)
		}
		if moved != tensor {
			t.Error("Transfer to the same device should return the same tensor")
		}
	})

	t.Run("Unavailable device", func(t *testing.T) {
		if _, err := tensor.ToDevice(GPU); err == nil {
			t.Error("Expected error transferring to GPU in a CPU-only build")
		}
	})
}

func TestGradientAccumulation(t *testing.T) {
	param, _ := NewTensor([]int{2}, Float32, CPU, []float32{0, 0})
	param.SetRequiresGrad(true)

	g1, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	g2, _ := NewTensor([]int{2}, Float32, CPU, []float32{3, 4})

	if err := param.AddGrad(g1); err != nil {
		t.Fatalf("First AddGrad failed: %v", err)
	}
	if err := param.AddGrad(g2); err != nil {
		t.Fatalf("Second AddGrad failed: %v", err)
	}

	grad := param.Grad()
	if grad == nil {
		t.Fatal("Expected accumulated gradient, got nil")
	}
	expected := []float32{4, 6}
	for i, v := range grad.Data.([]float32) {
		if v != expected[i] {
			t.Errorf("Gradient[%d]: expected %f, got %f", i, expected[i], v)
		}
	}

	// Accumulating must not alias the first gradient's data.
	g1.Data.([]float32)[0] = 100
	if param.Grad().Data.([]float32)[0] != 4 {
		t.Error("Accumulated gradient should not share data with its source")
	}

	ZeroGrad([]*Tensor{param})
	if param.Grad() != nil {
		t.Error("Expected nil gradient after ZeroGrad")
	}
}
