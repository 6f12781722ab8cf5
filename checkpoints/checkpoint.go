package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/medvision/nodulenet/tensor"
)

// WeightTensor represents a model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the training progress stored with a checkpoint.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	BestMetric   float64 `json:"best_metric"`
	BestEpoch    int     `json:"best_epoch"`
}

// Metadata contains checkpoint metadata.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	Tasks     []string  `json:"tasks,omitempty"`
}

// Checkpoint represents a complete model state: weights plus training
// progress and metadata.
type Checkpoint struct {
	Weights       []WeightTensor `json:"weights"`
	TrainingState TrainingState  `json:"training_state"`
	Metadata      Metadata       `json:"metadata"`
}

// SaveCheckpoint writes a checkpoint as indented JSON. The write is not
// atomic; a run interrupted mid-write may leave a truncated file.
func SaveCheckpoint(path string, checkpoint *Checkpoint) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "nodulenet"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// LoadCheckpoint reads a checkpoint from JSON.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// ExtractWeights copies parameter tensors into serializable weight records.
func ExtractWeights(params []*tensor.Tensor) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))

	for i, param := range params {
		data, err := param.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract parameter %d: %v", i, err)
		}

		values := make([]float32, len(data))
		copy(values, data)

		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("param%d", i),
			Shape: append([]int{}, param.Shape...),
			Data:  values,
		})
	}

	return weights, nil
}

// LoadWeightsInto copies checkpoint weights back into parameter tensors.
// Weights and parameters must align positionally with matching shapes.
func LoadWeightsInto(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for i, weight := range weights {
		param := params[i]
		if len(weight.Shape) != len(param.Shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v", weight.Name, weight.Shape, param.Shape)
		}
		for j, dim := range weight.Shape {
			if dim != param.Shape[j] {
				return fmt.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v", weight.Name, weight.Shape, param.Shape)
			}
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access parameter %d: %v", i, err)
		}
		if len(weight.Data) != len(data) {
			return fmt.Errorf("data length mismatch for %s: %d vs %d", weight.Name, len(weight.Data), len(data))
		}
		copy(data, weight.Data)
	}

	return nil
}
