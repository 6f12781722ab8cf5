package training

import (
	"fmt"

	"github.com/medvision/nodulenet/tensor"
)

// TotalLossKey indexes the summed loss in a step's loss map.
const TotalLossKey = "total"

// Session bundles the mutable training state (model, optimizer, device
// and active task set) and is passed explicitly to every phase function.
type Session struct {
	model     Module
	optimizer Optimizer
	device    tensor.DeviceType
	tasks     []Task
	specs     map[Task]*TaskSpec
}

// NewSession creates a training session over an ordered task set.
func NewSession(model Module, optimizer Optimizer, device tensor.DeviceType, tasks []Task) (*Session, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if optimizer == nil {
		return nil, fmt.Errorf("optimizer is required")
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}

	specs := newTaskSpecs()
	seen := make(map[Task]bool, len(tasks))
	for _, task := range tasks {
		if _, ok := specs[task]; !ok {
			return nil, fmt.Errorf("unknown task %q", task)
		}
		if seen[task] {
			return nil, fmt.Errorf("duplicate task %q", task)
		}
		seen[task] = true
	}

	return &Session{
		model:     model,
		optimizer: optimizer,
		device:    device,
		tasks:     append([]Task{}, tasks...),
		specs:     specs,
	}, nil
}

// Model returns the session's model.
func (s *Session) Model() Module {
	return s.model
}

// Optimizer returns the session's optimizer.
func (s *Session) Optimizer() Optimizer {
	return s.optimizer
}

// Tasks returns the active task set in caller order.
func (s *Session) Tasks() []Task {
	return s.tasks
}

func (s *Session) spec(task Task) *TaskSpec {
	return s.specs[task]
}

// StepResult carries the host-side products of one forward step: raw
// outputs and targets per task, flattened to the task's width, and the
// per-task loss values plus their total.
type StepResult struct {
	Outputs map[Task][]float32
	Targets map[Task][]float32
	Losses  map[string]float64
}

// Forward runs one batch through the model, computes the loss of every
// active task and sums them into Losses["total"]. With updateWeights set
// it zeroes gradients, backpropagates the total loss and applies one
// optimizer step; otherwise no parameter is mutated.
func (s *Session) Forward(batch *Batch, updateWeights bool) (*StepResult, error) {
	image, err := batch.Image.ToDevice(s.device)
	if err != nil {
		return nil, fmt.Errorf("image transfer failed: %v", err)
	}
	mask, err := batch.Mask.ToDevice(s.device)
	if err != nil {
		return nil, fmt.Errorf("mask transfer failed: %v", err)
	}
	noduleType, err := batch.NoduleType.ToDevice(s.device)
	if err != nil {
		return nil, fmt.Errorf("noduletype transfer failed: %v", err)
	}
	malignancy, err := batch.Malignancy.ToDevice(s.device)
	if err != nil {
		return nil, fmt.Errorf("malignancy transfer failed: %v", err)
	}

	if updateWeights {
		s.optimizer.ZeroGrad()
	}

	outputs, err := s.model.Forward(image)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}

	result := &StepResult{
		Outputs: make(map[Task][]float32, len(s.tasks)),
		Targets: make(map[Task][]float32, len(s.tasks)),
		Losses:  make(map[string]float64, len(s.tasks)+1),
	}
	outputGrads := make(map[Task]*tensor.Tensor, len(s.tasks))
	total := 0.0

	for _, task := range s.tasks {
		pred, ok := outputs[task]
		if !ok {
			return nil, fmt.Errorf("model produced no output for task %q", task)
		}

		target, err := taskTarget(task, mask, noduleType, malignancy)
		if err != nil {
			return nil, err
		}

		spec := s.spec(task)
		lossT, err := spec.Loss.Forward(pred, target)
		if err != nil {
			return nil, fmt.Errorf("%s loss failed: %v", task, err)
		}
		lossVal, err := lossT.Item()
		if err != nil {
			return nil, fmt.Errorf("%s loss value failed: %v", task, err)
		}

		result.Losses[string(task)] = lossVal
		total += lossVal

		if updateWeights {
			grad, err := spec.Loss.Backward(pred, target)
			if err != nil {
				return nil, fmt.Errorf("%s loss gradient failed: %v", task, err)
			}
			outputGrads[task] = grad
		}

		hostPred, err := hostFloat32(pred)
		if err != nil {
			return nil, fmt.Errorf("%s output transfer failed: %v", task, err)
		}
		hostTarget, err := hostFloat32(target)
		if err != nil {
			return nil, fmt.Errorf("%s target transfer failed: %v", task, err)
		}
		result.Outputs[task] = hostPred
		result.Targets[task] = hostTarget
	}

	result.Losses[TotalLossKey] = total

	if updateWeights {
		if err := s.model.Backward(outputGrads); err != nil {
			return nil, fmt.Errorf("backward pass failed: %v", err)
		}
		if err := s.optimizer.Step(); err != nil {
			return nil, fmt.Errorf("optimizer step failed: %v", err)
		}
	}

	return result, nil
}

// taskTarget selects the batch tensor a task's loss is computed against.
func taskTarget(task Task, mask, noduleType, malignancy *tensor.Tensor) (*tensor.Tensor, error) {
	switch task {
	case TaskSegmentation:
		return mask, nil
	case TaskMalignancy:
		return malignancy, nil
	case TaskNoduleType:
		return noduleType, nil
	default:
		return nil, fmt.Errorf("unknown task %q", task)
	}
}

// hostFloat32 copies a tensor's data to host memory as a flat slice.
func hostFloat32(t *tensor.Tensor) ([]float32, error) {
	switch t.DType {
	case tensor.Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		return dst, nil
	case tensor.Int32:
		src := t.Data.([]int32)
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = float32(v)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}
