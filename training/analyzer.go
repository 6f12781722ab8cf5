package training

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/medvision/nodulenet/checkpoints"
)

// Phase identifies one half of a training epoch.
type Phase string

const (
	PhaseTraining   Phase = "training"
	PhaseValidation Phase = "validation"
)

// CumulativeKey indexes the summed loss across tasks in an epoch's metrics.
const CumulativeKey = "cumulative"

// Artifact file names written under the run's save directory.
const (
	BestModelFile   = "best_model.json"
	BestMetricsFile = "best_metrics.json"
	HistoryFile     = "metrics.json"
)

// EpochMetrics is one phase's finalized metrics record.
type EpochMetrics = checkpoints.MetricsSnapshot

// BestMetricFunc maps a validation metrics record to the scalar compared
// against the running best. Only a strictly greater value triggers a
// checkpoint save; ties never do.
type BestMetricFunc func(metrics EpochMetrics) float64

// Config holds the run parameters of an Analyzer.
type Config struct {
	Workspace    string
	ExperimentID string
	Fold         int
	MaxEpochs    int
	Scheduler    LRScheduler // optional; nil keeps the base learning rate
}

// SaveDir returns the run's output directory.
func (c Config) SaveDir() string {
	return filepath.Join(c.Workspace, "results", c.ExperimentID, fmt.Sprintf("fold%d", c.Fold))
}

// Analyzer drives the training/validation phases of a multi-task run and
// checkpoints the best model by the caller-supplied metric.
type Analyzer struct {
	config  Config
	session *Session
	bestFn  BestMetricFunc
	logger  *zap.Logger
}

// NewAnalyzer creates an epoch driver over an existing session.
func NewAnalyzer(config Config, session *Session, bestFn BestMetricFunc, logger *zap.Logger) (*Analyzer, error) {
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if bestFn == nil {
		return nil, fmt.Errorf("best-metric function is required")
	}
	if config.MaxEpochs <= 0 {
		return nil, fmt.Errorf("max epochs must be positive, got %d", config.MaxEpochs)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Analyzer{
		config:  config,
		session: session,
		bestFn:  bestFn,
		logger:  logger,
	}, nil
}

// RunResult summarizes a completed run.
type RunResult struct {
	BestMetric float64
	BestEpoch  int
	History    *checkpoints.History
}

// Train runs MaxEpochs epochs of training followed by validation. Any
// error from the model, a loss, a metric, or I/O aborts the run; there
// are no retries and no mid-epoch resume.
func (a *Analyzer) Train(trainLoader, validLoader *DataLoader) (*RunResult, error) {
	saveDir := a.config.SaveDir()
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save directory %s: %v", saveDir, err)
	}

	taskNames := make([]string, len(a.session.Tasks()))
	for i, task := range a.session.Tasks() {
		taskNames[i] = string(task)
	}

	history := &checkpoints.History{}
	bestMetric := 0.0
	bestEpoch := 0
	baseLR := a.session.Optimizer().GetLR()

	for epoch := 0; epoch < a.config.MaxEpochs; epoch++ {
		if a.config.Scheduler != nil {
			a.session.Optimizer().SetLR(a.config.Scheduler.GetLR(epoch, baseLR))
		}

		for _, phase := range []Phase{PhaseTraining, PhaseValidation} {
			a.logger.Info("starting phase",
				zap.String("phase", string(phase)),
				zap.Int("epoch", epoch+1),
				zap.Int("max_epochs", a.config.MaxEpochs),
				zap.Int("fold", a.config.Fold),
				zap.Strings("tasks", taskNames),
			)

			var loader *DataLoader
			updateWeights := phase == PhaseTraining
			if updateWeights {
				a.session.Model().Train()
				loader = trainLoader
			} else {
				a.session.Model().Eval()
				loader = validLoader
			}

			acc, err := a.runPhase(loader, updateWeights)
			if err != nil {
				return nil, fmt.Errorf("%s phase of epoch %d failed: %v", phase, epoch+1, err)
			}

			metrics, err := a.reducePhase(acc)
			if err != nil {
				return nil, fmt.Errorf("%s metrics of epoch %d failed: %v", phase, epoch+1, err)
			}

			if phase == PhaseTraining {
				history.Training = append(history.Training, metrics)
			} else {
				history.Validation = append(history.Validation, metrics)
			}

			a.logMetrics(phase, epoch, metrics)

			if phase == PhaseValidation {
				score := a.bestFn(metrics)
				if score > bestMetric {
					a.logger.Info("saving best model",
						zap.Float64("metric", score),
						zap.Int("epoch", epoch+1),
					)
					bestMetric = score
					bestEpoch = epoch
					if err := a.saveBest(saveDir, metrics, epoch, bestMetric, taskNames); err != nil {
						return nil, err
					}
				} else {
					a.logger.Info("model has not improved",
						zap.Int("since_epoch", bestEpoch+1),
					)
				}
			}
		}

		if err := checkpoints.SaveHistory(filepath.Join(saveDir, HistoryFile), history); err != nil {
			return nil, err
		}
	}

	return &RunResult{
		BestMetric: bestMetric,
		BestEpoch:  bestEpoch,
		History:    history,
	}, nil
}

// phaseAccumulator collects the per-batch products of one phase. A fresh
// accumulator is returned per phase rather than mutated across phases.
type phaseAccumulator struct {
	losses      map[string][]float64
	predictions map[Task][]float32
	labels      map[Task][]float32
}

func newPhaseAccumulator(tasks []Task) *phaseAccumulator {
	acc := &phaseAccumulator{
		losses:      make(map[string][]float64, len(tasks)+1),
		predictions: make(map[Task][]float32, len(tasks)),
		labels:      make(map[Task][]float32, len(tasks)),
	}
	for _, task := range tasks {
		acc.losses[string(task)] = nil
		acc.predictions[task] = nil
		acc.labels[task] = nil
	}
	acc.losses[CumulativeKey] = nil
	return acc
}

func (a *Analyzer) runPhase(loader *DataLoader, updateWeights bool) (*phaseAccumulator, error) {
	acc := newPhaseAccumulator(a.session.Tasks())

	if err := loader.Reset(); err != nil {
		return nil, err
	}

	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		step, err := a.session.Forward(batch, updateWeights)
		if err != nil {
			return nil, err
		}

		for _, task := range a.session.Tasks() {
			acc.losses[string(task)] = append(acc.losses[string(task)], step.Losses[string(task)])
			acc.predictions[task] = append(acc.predictions[task], step.Outputs[task]...)
			acc.labels[task] = append(acc.labels[task], step.Targets[task]...)
		}
		acc.losses[CumulativeKey] = append(acc.losses[CumulativeKey], step.Losses[TotalLossKey])
	}

	return acc, nil
}

// reducePhase folds an accumulator into the phase's metrics record: mean
// loss per task and cumulatively, plus each task's epoch metric. The
// segmentation dice is derived from the mean loss rather than recomputed
// over concatenated volumes.
func (a *Analyzer) reducePhase(acc *phaseAccumulator) (EpochMetrics, error) {
	metrics := make(EpochMetrics, len(a.session.Tasks())+1)

	for _, task := range a.session.Tasks() {
		meanLoss := MeanLoss(acc.losses[string(task)])
		taskMetrics := map[string]float64{"loss": meanLoss}

		spec := a.session.spec(task)
		if spec.Metric != nil {
			value, err := spec.Metric(acc.predictions[task], acc.labels[task])
			if err != nil {
				return nil, fmt.Errorf("%s %s: %v", task, spec.MetricName, err)
			}
			taskMetrics[spec.MetricName] = value
		} else {
			taskMetrics[spec.MetricName] = 1.0 - meanLoss
		}

		metrics[string(task)] = taskMetrics
	}

	metrics[CumulativeKey] = map[string]float64{
		"loss": MeanLoss(acc.losses[CumulativeKey]),
	}

	return metrics, nil
}

func (a *Analyzer) saveBest(saveDir string, metrics EpochMetrics, epoch int, bestMetric float64, taskNames []string) error {
	weights, err := checkpoints.ExtractWeights(a.session.Model().Parameters())
	if err != nil {
		return fmt.Errorf("failed to extract model weights: %v", err)
	}

	checkpoint := &checkpoints.Checkpoint{
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch + 1,
			LearningRate: a.session.Optimizer().GetLR(),
			BestMetric:   bestMetric,
			BestEpoch:    epoch + 1,
		},
		Metadata: checkpoints.Metadata{
			Tasks: taskNames,
		},
	}

	if err := checkpoints.SaveCheckpoint(filepath.Join(saveDir, BestModelFile), checkpoint); err != nil {
		return err
	}

	return checkpoints.SaveMetrics(filepath.Join(saveDir, BestMetricsFile), metrics)
}

func (a *Analyzer) logMetrics(phase Phase, epoch int, metrics EpochMetrics) {
	fields := []zap.Field{
		zap.String("phase", string(phase)),
		zap.Int("epoch", epoch+1),
	}
	for name, values := range metrics {
		for metric, value := range values {
			fields = append(fields, zap.Float64(name+"_"+metric, value))
		}
	}
	a.logger.Info("phase complete", fields...)
}
