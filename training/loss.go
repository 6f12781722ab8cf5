package training

import (
	"fmt"
	"math"

	"github.com/medvision/nodulenet/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns the scalar loss, Backward the gradient of that loss with
// respect to the predictions.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

const bceEpsilon = 1e-7

// BCELoss implements binary cross-entropy over predicted probabilities.
type BCELoss struct{}

// NewBCELoss creates a new binary cross-entropy loss.
func NewBCELoss() *BCELoss {
	return &BCELoss{}
}

func bceCheck(predicted, target *tensor.Tensor) error {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return fmt.Errorf("BCE requires Float32 predictions and targets")
	}
	if predicted.NumElems != target.NumElems {
		return fmt.Errorf("element count mismatch: predicted %d, target %d", predicted.NumElems, target.NumElems)
	}
	return nil
}

func clampProb(p float32) float64 {
	v := float64(p)
	if v < bceEpsilon {
		return bceEpsilon
	}
	if v > 1.0-bceEpsilon {
		return 1.0 - bceEpsilon
	}
	return v
}

// Forward computes L = -(1/N) * sum(t*log(p) + (1-t)*log(1-p)).
func (bce *BCELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := bceCheck(predicted, target); err != nil {
		return nil, err
	}

	preds := predicted.Data.([]float32)
	targets := target.Data.([]float32)

	var total float64
	for i := range preds {
		p := clampProb(preds[i])
		t := float64(targets[i])
		total += -(t*math.Log(p) + (1.0-t)*math.Log(1.0-p))
	}
	total /= float64(len(preds))

	return tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(total)})
}

// Backward computes dL/dp = (p - t) / (p * (1 - p) * N).
func (bce *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := bceCheck(predicted, target); err != nil {
		return nil, err
	}

	preds := predicted.Data.([]float32)
	targets := target.Data.([]float32)
	n := float64(len(preds))

	grad := make([]float32, len(preds))
	for i := range preds {
		p := clampProb(preds[i])
		t := float64(targets[i])
		grad[i] = float32((p - t) / (p * (1.0 - p) * n))
	}

	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

// CrossEntropyLoss implements categorical cross-entropy over logits.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new cross-entropy loss.
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

func ceCheck(predicted, target *tensor.Tensor) (batchSize, numClasses int, err error) {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return 0, 0, fmt.Errorf("predicted must be Float32 and target must be Int32")
	}
	if len(predicted.Shape) != 2 {
		return 0, 0, fmt.Errorf("predicted must be 2D [batch_size, num_classes], got shape %v", predicted.Shape)
	}
	if target.NumElems != predicted.Shape[0] {
		return 0, 0, fmt.Errorf("batch size mismatch: predicted %d, target %d", predicted.Shape[0], target.NumElems)
	}
	return predicted.Shape[0], predicted.Shape[1], nil
}

// Forward computes the negative log likelihood of the softmax distribution.
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ceCheck(predicted, target)
	if err != nil {
		return nil, err
	}

	probs := softmaxRows(predicted.Data.([]float32), batchSize, numClasses)
	targets := target.Data.([]int32)

	var total float64
	for i := 0; i < batchSize; i++ {
		class := targets[i]
		if class < 0 || int(class) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", class, numClasses)
		}

		p := float64(probs[i*numClasses+int(class)])
		if p < 1e-10 {
			p = 1e-10
		}
		total += -math.Log(p)
	}

	if ce.reduction == "mean" {
		total /= float64(batchSize)
	}

	return tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(total)})
}

// Backward computes the gradient with respect to the logits:
// softmax(x) - onehot(target), scaled by the reduction.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ceCheck(predicted, target)
	if err != nil {
		return nil, err
	}

	grad := softmaxRows(predicted.Data.([]float32), batchSize, numClasses)
	targets := target.Data.([]int32)

	for i := 0; i < batchSize; i++ {
		class := targets[i]
		if class < 0 || int(class) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", class, numClasses)
		}
		grad[i*numClasses+int(class)] -= 1.0
	}

	if ce.reduction == "mean" {
		scale := float32(1.0 / float64(batchSize))
		for i := range grad {
			grad[i] *= scale
		}
	}

	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

// softmaxRows applies a numerically stable softmax to each row.
func softmaxRows(data []float32, batchSize, numClasses int) []float32 {
	result := make([]float32, len(data))

	for i := 0; i < batchSize; i++ {
		offset := i * numClasses

		maxVal := data[offset]
		for j := 1; j < numClasses; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		var sum float32
		for j := 0; j < numClasses; j++ {
			exp := float32(math.Exp(float64(data[offset+j] - maxVal)))
			result[offset+j] = exp
			sum += exp
		}

		for j := 0; j < numClasses; j++ {
			result[offset+j] /= sum
		}
	}

	return result
}

// DiceLoss implements 1 minus the smoothed Dice overlap coefficient over
// flattened predictions and masks. The Laplace smoothing term keeps the
// loss defined on empty masks: all-zero prediction and target give
// exactly 0.
type DiceLoss struct {
	smooth float64
}

// NewDiceLoss creates a Dice loss with smoothing constant 1.
func NewDiceLoss() *DiceLoss {
	return &DiceLoss{smooth: 1.0}
}

func diceCheck(predicted, target *tensor.Tensor) error {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return fmt.Errorf("Dice requires Float32 predictions and targets")
	}
	if predicted.NumElems != target.NumElems {
		return fmt.Errorf("element count mismatch: predicted %d, target %d", predicted.NumElems, target.NumElems)
	}
	return nil
}

// Forward computes 1 - (2*intersection + smooth) / (sum(p) + sum(t) + smooth).
func (dl *DiceLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := diceCheck(predicted, target); err != nil {
		return nil, err
	}

	preds := predicted.Data.([]float32)
	targets := target.Data.([]float32)

	var intersection, predSum, targetSum float64
	for i := range preds {
		intersection += float64(preds[i]) * float64(targets[i])
		predSum += float64(preds[i])
		targetSum += float64(targets[i])
	}

	loss := 1.0 - (2.0*intersection+dl.smooth)/(predSum+targetSum+dl.smooth)

	return tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(loss)})
}

// Backward computes dL/dp_i = -(2*t_i*(D+s) - (2*I+s)) / (D+s)^2
// where I is the intersection and D the sum of both masses.
func (dl *DiceLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := diceCheck(predicted, target); err != nil {
		return nil, err
	}

	preds := predicted.Data.([]float32)
	targets := target.Data.([]float32)

	var intersection, predSum, targetSum float64
	for i := range preds {
		intersection += float64(preds[i]) * float64(targets[i])
		predSum += float64(preds[i])
		targetSum += float64(targets[i])
	}

	denom := predSum + targetSum + dl.smooth
	numer := 2.0*intersection + dl.smooth

	grad := make([]float32, len(preds))
	for i := range preds {
		grad[i] = float32(-(2.0*float64(targets[i])*denom - numer) / (denom * denom))
	}

	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}
