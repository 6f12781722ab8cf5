package training

import (
	"fmt"

	"github.com/medvision/nodulenet/dataset"
)

// Task identifies one of the analyzer's prediction heads.
type Task string

const (
	TaskSegmentation Task = "segmentation"
	TaskMalignancy   Task = "malignancy"
	TaskNoduleType   Task = "noduletype"
)

// AllTasks returns every supported task in canonical order.
func AllTasks() []Task {
	return []Task{TaskSegmentation, TaskMalignancy, TaskNoduleType}
}

// ParseTasks converts task names into Task values, rejecting unknown or
// duplicate names.
func ParseTasks(names []string) ([]Task, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}

	known := map[string]Task{
		string(TaskSegmentation): TaskSegmentation,
		string(TaskMalignancy):   TaskMalignancy,
		string(TaskNoduleType):   TaskNoduleType,
	}

	seen := make(map[Task]bool, len(names))
	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		task, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown task %q", name)
		}
		if seen[task] {
			return nil, fmt.Errorf("duplicate task %q", name)
		}
		seen[task] = true
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// MetricFunc reduces accumulated host-side predictions and labels to one
// scalar. Predictions are flattened with the task's per-example width.
type MetricFunc func(preds, labels []float32) (float64, error)

// TaskSpec declares how one task is trained and evaluated: its loss, the
// name and function of its epoch metric, and the per-example width of its
// host-side predictions. A nil Metric means the metric is derived from the
// mean loss instead of the raw predictions.
type TaskSpec struct {
	Loss       Loss
	MetricName string
	Width      int
	Metric     MetricFunc
}

func newTaskSpecs() map[Task]*TaskSpec {
	return map[Task]*TaskSpec{
		TaskSegmentation: {
			Loss:       NewDiceLoss(),
			MetricName: "dice",
		},
		TaskMalignancy: {
			Loss:       NewBCELoss(),
			MetricName: "auc",
			Width:      1,
			Metric:     ROCAUC,
		},
		TaskNoduleType: {
			Loss:       NewCrossEntropyLoss("mean"),
			MetricName: "balanced_accuracy",
			Width:      dataset.NumNoduleTypes,
			Metric: func(preds, labels []float32) (float64, error) {
				return BalancedAccuracy(preds, labels, dataset.NumNoduleTypes)
			},
		},
	}
}

// BuildSampler computes the weighted sampler for the enabled
// imbalance-sensitive tasks. With both malignancy and noduletype active
// the two inverse-frequency weight vectors are multiplied elementwise.
// Segmentation-only runs return a nil sampler and fall back to the
// loader's shuffled order.
func BuildSampler(table dataset.Table, tasks []Task, seed uint64) (*dataset.WeightedSampler, error) {
	var malWeights, nodWeights []float64

	for _, task := range tasks {
		switch task {
		case TaskMalignancy:
			w, err := dataset.BalancedClassWeights(table.MalignancyLabels())
			if err != nil {
				return nil, fmt.Errorf("malignancy weights: %v", err)
			}
			malWeights = w
		case TaskNoduleType:
			labels, err := table.NoduleTypeLabels()
			if err != nil {
				return nil, fmt.Errorf("noduletype labels: %v", err)
			}
			w, err := dataset.BalancedClassWeights(labels)
			if err != nil {
				return nil, fmt.Errorf("noduletype weights: %v", err)
			}
			nodWeights = w
		}
	}

	var weights []float64
	switch {
	case malWeights != nil && nodWeights != nil:
		combined, err := dataset.CombineWeights(malWeights, nodWeights)
		if err != nil {
			return nil, err
		}
		weights = combined
	case malWeights != nil:
		weights = malWeights
	case nodWeights != nil:
		weights = nodWeights
	default:
		return nil, nil
	}

	return dataset.NewWeightedSampler(weights, len(table), seed)
}
