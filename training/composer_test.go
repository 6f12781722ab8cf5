package training

import (
	"math"
	"testing"

	"github.com/medvision/nodulenet/dataset"
	"github.com/medvision/nodulenet/tensor"
)

func makeTestBatch(t *testing.T, batchSize, perExample int) *Batch {
	t.Helper()

	imageData := make([]float32, batchSize*perExample)
	maskData := make([]float32, batchSize*perExample)
	for i := range imageData {
		imageData[i] = float32(i%7)/7.0 - 0.5
		if i%3 == 0 {
			maskData[i] = 1.0
		}
	}

	noduleTypes := make([]int32, batchSize)
	malignancies := make([]float32, batchSize)
	for i := range noduleTypes {
		noduleTypes[i] = int32(i % dataset.NumNoduleTypes)
		malignancies[i] = float32(i % 2)
	}

	image, err := tensor.NewTensor([]int{batchSize, perExample}, tensor.Float32, tensor.CPU, imageData)
	if err != nil {
		t.Fatalf("Failed to create image tensor: %v", err)
	}
	mask, err := tensor.NewTensor([]int{batchSize, perExample}, tensor.Float32, tensor.CPU, maskData)
	if err != nil {
		t.Fatalf("Failed to create mask tensor: %v", err)
	}
	noduleType, err := tensor.NewTensor([]int{batchSize}, tensor.Int32, tensor.CPU, noduleTypes)
	if err != nil {
		t.Fatalf("Failed to create noduletype tensor: %v", err)
	}
	malignancy, err := tensor.NewTensor([]int{batchSize, 1}, tensor.Float32, tensor.CPU, malignancies)
	if err != nil {
		t.Fatalf("Failed to create malignancy tensor: %v", err)
	}

	return &Batch{Image: image, Mask: mask, NoduleType: noduleType, Malignancy: malignancy}
}

func makeTestSession(t *testing.T, tasks []Task, perExample int) *Session {
	t.Helper()

	model, err := NewLinearProbe(perExample, tasks, 7)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}

	optimizer := NewDefaultAdam(model.Parameters(), 0.01)

	session, err := NewSession(model, optimizer, tensor.CPU, tasks)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session
}

func snapshotParams(t *testing.T, params []*tensor.Tensor) [][]float32 {
	t.Helper()

	snapshot := make([][]float32, len(params))
	for i, param := range params {
		data, err := param.GetFloat32Data()
		if err != nil {
			t.Fatalf("Parameter access failed: %v", err)
		}
		snapshot[i] = append([]float32{}, data...)
	}
	return snapshot
}

func TestNewSession(t *testing.T) {
	t.Run("Rejects missing collaborators", func(t *testing.T) {
		model, _ := NewLinearProbe(4, []Task{TaskMalignancy}, 1)

		if _, err := NewSession(nil, NewDefaultAdam(nil, 0.01), tensor.CPU, []Task{TaskMalignancy}); err == nil {
			t.Error("Expected error for nil model")
		}
		if _, err := NewSession(model, nil, tensor.CPU, []Task{TaskMalignancy}); err == nil {
			t.Error("Expected error for nil optimizer")
		}
		if _, err := NewSession(model, NewDefaultAdam(nil, 0.01), tensor.CPU, nil); err == nil {
			t.Error("Expected error for empty task set")
		}
	})

	t.Run("Rejects unknown and duplicate tasks", func(t *testing.T) {
		model, _ := NewLinearProbe(4, []Task{TaskMalignancy}, 1)
		opt := NewDefaultAdam(nil, 0.01)

		if _, err := NewSession(model, opt, tensor.CPU, []Task{Task("texture")}); err == nil {
			t.Error("Expected error for unknown task")
		}
		if _, err := NewSession(model, opt, tensor.CPU, []Task{TaskMalignancy, TaskMalignancy}); err == nil {
			t.Error("Expected error for duplicate task")
		}
	})
}

func TestSessionForward(t *testing.T) {
	tasks := []Task{TaskSegmentation, TaskMalignancy, TaskNoduleType}
	perExample := 8
	batchSize := 4

	t.Run("Evaluation leaves parameters untouched", func(t *testing.T) {
		session := makeTestSession(t, tasks, perExample)
		batch := makeTestBatch(t, batchSize, perExample)

		before := snapshotParams(t, session.Model().Parameters())

		result, err := session.Forward(batch, false)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		after := snapshotParams(t, session.Model().Parameters())
		for i := range before {
			for j := range before[i] {
				if before[i][j] != after[i][j] {
					t.Fatalf("Parameter %d changed at %d during evaluation", i, j)
				}
			}
		}

		if _, ok := result.Losses[TotalLossKey]; !ok {
			t.Error("Expected total loss entry")
		}
	})

	t.Run("Total loss is the sum of the task losses", func(t *testing.T) {
		session := makeTestSession(t, tasks, perExample)
		batch := makeTestBatch(t, batchSize, perExample)

		result, err := session.Forward(batch, false)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		var sum float64
		for _, task := range tasks {
			loss, ok := result.Losses[string(task)]
			if !ok {
				t.Fatalf("Missing loss for task %q", task)
			}
			sum += loss
		}

		if math.Abs(result.Losses[TotalLossKey]-sum) > 1e-9 {
			t.Errorf("Total %f does not match task sum %f", result.Losses[TotalLossKey], sum)
		}
	})

	t.Run("Outputs and targets have the task widths", func(t *testing.T) {
		session := makeTestSession(t, tasks, perExample)
		batch := makeTestBatch(t, batchSize, perExample)

		result, err := session.Forward(batch, false)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		if len(result.Outputs[TaskMalignancy]) != batchSize {
			t.Errorf("Malignancy output: expected %d values, got %d", batchSize, len(result.Outputs[TaskMalignancy]))
		}
		if len(result.Outputs[TaskNoduleType]) != batchSize*dataset.NumNoduleTypes {
			t.Errorf("NoduleType output: expected %d values, got %d",
				batchSize*dataset.NumNoduleTypes, len(result.Outputs[TaskNoduleType]))
		}
		if len(result.Outputs[TaskSegmentation]) != batchSize*perExample {
			t.Errorf("Segmentation output: expected %d values, got %d",
				batchSize*perExample, len(result.Outputs[TaskSegmentation]))
		}

		// Targets for noduletype are class indices widened to float.
		if len(result.Targets[TaskNoduleType]) != batchSize {
			t.Errorf("NoduleType target: expected %d values, got %d", batchSize, len(result.Targets[TaskNoduleType]))
		}
	})

	t.Run("Training updates parameters", func(t *testing.T) {
		session := makeTestSession(t, tasks, perExample)
		batch := makeTestBatch(t, batchSize, perExample)

		before := snapshotParams(t, session.Model().Parameters())

		if _, err := session.Forward(batch, true); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		after := snapshotParams(t, session.Model().Parameters())
		changed := false
		for i := range before {
			for j := range before[i] {
				if before[i][j] != after[i][j] {
					changed = true
				}
			}
		}
		if !changed {
			t.Error("Expected at least one parameter to change after a training step")
		}
	})

	t.Run("Repeated training lowers the loss", func(t *testing.T) {
		session := makeTestSession(t, []Task{TaskMalignancy}, perExample)
		batch := makeTestBatch(t, batchSize, perExample)

		first, err := session.Forward(batch, true)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}

		var last *StepResult
		for i := 0; i < 50; i++ {
			last, err = session.Forward(batch, true)
			if err != nil {
				t.Fatalf("Forward failed at step %d: %v", i, err)
			}
		}

		if last.Losses[TotalLossKey] >= first.Losses[TotalLossKey] {
			t.Errorf("Loss did not decrease: first %f, last %f",
				first.Losses[TotalLossKey], last.Losses[TotalLossKey])
		}
	})
}
