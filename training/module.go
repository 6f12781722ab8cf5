package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/medvision/nodulenet/dataset"
	"github.com/medvision/nodulenet/tensor"
)

// Module is the network collaborator driven by the analyzer. Forward maps
// one image tensor to per-task predictions with task-specific shapes:
// a scalar probability per example for malignancy, a class distribution
// for noduletype, and a full-volume mask for segmentation. Backward
// receives the gradient of the total loss with respect to each task's
// output and accumulates parameter gradients for the optimizer.
type Module interface {
	Forward(input *tensor.Tensor) (map[Task]*tensor.Tensor, error)
	Backward(outputGrads map[Task]*tensor.Tensor) error
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// LinearProbe is a minimal multi-task model: one linear head per active
// task over the flattened input volume. It stands in for the 3D CNN in
// tests and demonstration runs.
type LinearProbe struct {
	inputSize int
	tasks     []Task
	training  bool

	malWeight *tensor.Tensor // [inputSize]
	malBias   *tensor.Tensor // [1]
	nodWeight *tensor.Tensor // [inputSize, NumNoduleTypes]
	nodBias   *tensor.Tensor // [NumNoduleTypes]
	segGain   *tensor.Tensor // [1]
	segBias   *tensor.Tensor // [1]

	lastInput   *tensor.Tensor
	lastOutputs map[Task]*tensor.Tensor
}

// NewLinearProbe creates a probe for the given flattened input size and
// active task set. Weights use Xavier uniform initialization from a
// seeded source.
func NewLinearProbe(inputSize int, tasks []Task, seed int64) (*LinearProbe, error) {
	if inputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", inputSize)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}

	rng := rand.New(rand.NewSource(seed))
	probe := &LinearProbe{
		inputSize: inputSize,
		tasks:     append([]Task{}, tasks...),
		training:  true,
	}

	xavier := func(fanIn, fanOut int) []float32 {
		bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
		data := make([]float32, fanIn*fanOut)
		for i := range data {
			data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
		}
		return data
	}

	newParam := func(shape []int, data []float32) (*tensor.Tensor, error) {
		t, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
		if err != nil {
			return nil, err
		}
		t.SetRequiresGrad(true)
		return t, nil
	}

	var err error
	for _, task := range tasks {
		switch task {
		case TaskMalignancy:
			if probe.malWeight, err = newParam([]int{inputSize}, xavier(inputSize, 1)); err != nil {
				return nil, fmt.Errorf("malignancy head init failed: %v", err)
			}
			if probe.malBias, err = newParam([]int{1}, make([]float32, 1)); err != nil {
				return nil, fmt.Errorf("malignancy bias init failed: %v", err)
			}
		case TaskNoduleType:
			classes := dataset.NumNoduleTypes
			if probe.nodWeight, err = newParam([]int{inputSize, classes}, xavier(inputSize, classes)); err != nil {
				return nil, fmt.Errorf("noduletype head init failed: %v", err)
			}
			if probe.nodBias, err = newParam([]int{classes}, make([]float32, classes)); err != nil {
				return nil, fmt.Errorf("noduletype bias init failed: %v", err)
			}
		case TaskSegmentation:
			if probe.segGain, err = newParam([]int{1}, []float32{1.0}); err != nil {
				return nil, fmt.Errorf("segmentation gain init failed: %v", err)
			}
			if probe.segBias, err = newParam([]int{1}, make([]float32, 1)); err != nil {
				return nil, fmt.Errorf("segmentation bias init failed: %v", err)
			}
		default:
			return nil, fmt.Errorf("unknown task %q", task)
		}
	}

	return probe, nil
}

func sigmoid64(x float64) float32 {
	return float32(1.0 / (1.0 + math.Exp(-x)))
}

// Forward runs all active heads over the flattened input.
func (p *LinearProbe) Forward(input *tensor.Tensor) (map[Task]*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("input must be Float32, got %s", input.DType)
	}
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("input must have a leading batch dimension, got shape %v", input.Shape)
	}

	batchSize := input.Shape[0]
	perExample := input.NumElems / batchSize
	if perExample != p.inputSize {
		return nil, fmt.Errorf("input size mismatch: expected %d elements per example, got %d", p.inputSize, perExample)
	}

	x := input.Data.([]float32)
	outputs := make(map[Task]*tensor.Tensor, len(p.tasks))

	for _, task := range p.tasks {
		switch task {
		case TaskMalignancy:
			w := p.malWeight.Data.([]float32)
			b := p.malBias.Data.([]float32)[0]
			probs := make([]float32, batchSize)
			for i := 0; i < batchSize; i++ {
				logit := float64(b)
				row := x[i*perExample : (i+1)*perExample]
				for j, v := range row {
					logit += float64(v) * float64(w[j])
				}
				probs[i] = sigmoid64(logit)
			}
			out, err := tensor.NewTensor([]int{batchSize, 1}, tensor.Float32, input.Device, probs)
			if err != nil {
				return nil, err
			}
			outputs[TaskMalignancy] = out

		case TaskNoduleType:
			classes := dataset.NumNoduleTypes
			w := p.nodWeight.Data.([]float32)
			b := p.nodBias.Data.([]float32)
			logits := make([]float32, batchSize*classes)
			for i := 0; i < batchSize; i++ {
				row := x[i*perExample : (i+1)*perExample]
				for c := 0; c < classes; c++ {
					sum := float64(b[c])
					for j, v := range row {
						sum += float64(v) * float64(w[j*classes+c])
					}
					logits[i*classes+c] = float32(sum)
				}
			}
			out, err := tensor.NewTensor([]int{batchSize, classes}, tensor.Float32, input.Device, logits)
			if err != nil {
				return nil, err
			}
			outputs[TaskNoduleType] = out

		case TaskSegmentation:
			g := float64(p.segGain.Data.([]float32)[0])
			c := float64(p.segBias.Data.([]float32)[0])
			mask := make([]float32, len(x))
			for i, v := range x {
				mask[i] = sigmoid64(g*float64(v) + c)
			}
			out, err := tensor.NewTensor(input.Shape, tensor.Float32, input.Device, mask)
			if err != nil {
				return nil, err
			}
			outputs[TaskSegmentation] = out
		}
	}

	p.lastInput = input
	p.lastOutputs = outputs

	return outputs, nil
}

// Backward accumulates parameter gradients from per-task output gradients.
// The malignancy gradient is taken with respect to the predicted
// probability, the noduletype gradient with respect to the logits, and
// the segmentation gradient with respect to the predicted mask.
func (p *LinearProbe) Backward(outputGrads map[Task]*tensor.Tensor) error {
	if p.lastInput == nil {
		return fmt.Errorf("Backward called before Forward")
	}

	batchSize := p.lastInput.Shape[0]
	perExample := p.lastInput.NumElems / batchSize
	x := p.lastInput.Data.([]float32)

	for _, task := range p.tasks {
		grad, ok := outputGrads[task]
		if !ok {
			continue
		}
		gradData, err := grad.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("%s gradient access failed: %v", task, err)
		}

		switch task {
		case TaskMalignancy:
			if len(gradData) != batchSize {
				return fmt.Errorf("malignancy gradient size mismatch: expected %d, got %d", batchSize, len(gradData))
			}
			probs := p.lastOutputs[TaskMalignancy].Data.([]float32)

			dw := make([]float32, perExample)
			var db float32
			for i := 0; i < batchSize; i++ {
				dlogit := gradData[i] * probs[i] * (1.0 - probs[i])
				row := x[i*perExample : (i+1)*perExample]
				for j, v := range row {
					dw[j] += dlogit * v
				}
				db += dlogit
			}
			if err := accumulateGrad(p.malWeight, dw); err != nil {
				return err
			}
			if err := accumulateGrad(p.malBias, []float32{db}); err != nil {
				return err
			}

		case TaskNoduleType:
			classes := dataset.NumNoduleTypes
			if len(gradData) != batchSize*classes {
				return fmt.Errorf("noduletype gradient size mismatch: expected %d, got %d", batchSize*classes, len(gradData))
			}

			dw := make([]float32, perExample*classes)
			db := make([]float32, classes)
			for i := 0; i < batchSize; i++ {
				row := x[i*perExample : (i+1)*perExample]
				for c := 0; c < classes; c++ {
					g := gradData[i*classes+c]
					for j, v := range row {
						dw[j*classes+c] += v * g
					}
					db[c] += g
				}
			}
			if err := accumulateGrad(p.nodWeight, dw); err != nil {
				return err
			}
			if err := accumulateGrad(p.nodBias, db); err != nil {
				return err
			}

		case TaskSegmentation:
			if len(gradData) != len(x) {
				return fmt.Errorf("segmentation gradient size mismatch: expected %d, got %d", len(x), len(gradData))
			}
			mask := p.lastOutputs[TaskSegmentation].Data.([]float32)

			var dg, dc float32
			for i := range x {
				dz := gradData[i] * mask[i] * (1.0 - mask[i])
				dg += dz * x[i]
				dc += dz
			}
			if err := accumulateGrad(p.segGain, []float32{dg}); err != nil {
				return err
			}
			if err := accumulateGrad(p.segBias, []float32{dc}); err != nil {
				return err
			}
		}
	}

	return nil
}

func accumulateGrad(param *tensor.Tensor, data []float32) error {
	grad, err := tensor.NewTensor(param.Shape, tensor.Float32, param.Device, data)
	if err != nil {
		return fmt.Errorf("gradient tensor creation failed: %v", err)
	}
	return param.AddGrad(grad)
}

// Parameters returns the trainable parameters of the active heads.
func (p *LinearProbe) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, task := range p.tasks {
		switch task {
		case TaskMalignancy:
			params = append(params, p.malWeight, p.malBias)
		case TaskNoduleType:
			params = append(params, p.nodWeight, p.nodBias)
		case TaskSegmentation:
			params = append(params, p.segGain, p.segBias)
		}
	}
	return params
}

// Train sets the module to training mode.
func (p *LinearProbe) Train() {
	p.training = true
}

// Eval sets the module to evaluation mode.
func (p *LinearProbe) Eval() {
	p.training = false
}

// IsTraining returns true if in training mode.
func (p *LinearProbe) IsTraining() bool {
	return p.training
}
