package training

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ROCAUC computes the area under the ROC curve for binary scores against
// 0/1 labels. Degenerate inputs containing a single class are an error
// that aborts the run.
func ROCAUC(scores, labels []float32) (float64, error) {
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("score/label length mismatch: %d vs %d", len(scores), len(labels))
	}
	if len(scores) == 0 {
		return 0, fmt.Errorf("cannot compute AUC on empty predictions")
	}

	type pair struct {
		score float64
		pos   bool
	}

	pairs := make([]pair, len(scores))
	var positives int
	for i := range scores {
		pos := labels[i] > 0.5
		if pos {
			positives++
		}
		pairs[i] = pair{score: float64(scores[i]), pos: pos}
	}

	if positives == 0 || positives == len(pairs) {
		return 0, fmt.Errorf("AUC undefined: labels contain a single class")
	}

	// gonum's ROC requires scores in ascending order.
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	y := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		y[i] = p.score
		classes[i] = p.pos
	}

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}

// ConfusionMatrix accumulates classification decisions per class.
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int // [true_class][predicted_class]
}

// NewConfusionMatrix creates an empty confusion matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Update records one prediction.
func (cm *ConfusionMatrix) Update(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predClass, cm.NumClasses)
	}

	cm.Matrix[trueClass][predClass]++
	return nil
}

// BalancedAccuracy returns the mean of per-class recall over the classes
// that actually occur, which is robust to class imbalance.
func (cm *ConfusionMatrix) BalancedAccuracy() float64 {
	sum := 0.0
	present := 0

	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		total := 0.0
		for pred := 0; pred < cm.NumClasses; pred++ {
			total += float64(cm.Matrix[class][pred])
		}

		if total > 0 {
			sum += tp / total
			present++
		}
	}

	if present == 0 {
		return 0.0
	}
	return sum / float64(present)
}

// BalancedAccuracy reduces flattened class scores to balanced accuracy:
// each row of width numClasses is arg-maxed and compared against the true
// class carried in labels.
func BalancedAccuracy(preds, labels []float32, numClasses int) (float64, error) {
	if numClasses < 2 {
		return 0, fmt.Errorf("balanced accuracy requires at least 2 classes, got %d", numClasses)
	}
	if len(preds) != len(labels)*numClasses {
		return 0, fmt.Errorf("prediction length %d does not match %d examples of width %d", len(preds), len(labels), numClasses)
	}

	cm := NewConfusionMatrix(numClasses)
	for i := range labels {
		predClass := argmax(preds[i*numClasses : (i+1)*numClasses])
		if err := cm.Update(int(labels[i]), predClass); err != nil {
			return 0, err
		}
	}

	return cm.BalancedAccuracy(), nil
}

func argmax(row []float32) int {
	maxIdx := 0
	maxVal := row[0]
	for j := 1; j < len(row); j++ {
		if row[j] > maxVal {
			maxVal = row[j]
			maxIdx = j
		}
	}
	return maxIdx
}

// MeanLoss reduces accumulated per-batch losses by arithmetic mean.
func MeanLoss(losses []float64) float64 {
	if len(losses) == 0 {
		return 0.0
	}
	return stat.Mean(losses, nil)
}
