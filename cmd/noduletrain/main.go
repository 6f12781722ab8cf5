// Command noduletrain trains the multi-task nodule analyzer on one
// cross-validation fold. It builds the stratified patient-level folds on
// first use, then runs the requested tasks and writes the best checkpoint
// and metrics under the workspace's results directory.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/medvision/nodulenet/dataset"
	"github.com/medvision/nodulenet/tensor"
	"github.com/medvision/nodulenet/training"
)

type envConfig struct {
	Workspace string `env:"NODULETRAIN_WORKSPACE" envDefault:"./workspace"`
	TrainCSV  string `env:"NODULETRAIN_TRAIN_CSV"`
	LogLevel  string `env:"NODULETRAIN_LOG_LEVEL" envDefault:"info"`
}

var (
	experimentID string
	taskNames    []string
	fold         int
	nFolds       int
	maxEpochs    int
	batchSize    int
	workers      int
	patchSize    int
	seed         int64
	learningRate float64
	bestTask     string
	bestMetric   string
)

// defaultMetricNames maps each task to the metric its checkpoints are
// ranked by when the user does not override the selection.
var defaultMetricNames = map[string]string{
	string(training.TaskSegmentation): "dice",
	string(training.TaskMalignancy):   "auc",
	string(training.TaskNoduleType):   "balanced_accuracy",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cmd := &cobra.Command{
		Use:   "noduletrain",
		Short: "Train the multi-task nodule analyzer on one fold",
		Long: `Train the multi-task nodule analyzer (segmentation, malignancy,
nodule type) on one stratified patient-level cross-validation fold.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTraining(cfg, logger)
		},
	}

	cmd.Flags().StringVar(&experimentID, "experiment", "noduletype", "experiment identifier; the run date is prepended")
	cmd.Flags().StringSliceVar(&taskNames, "tasks", []string{string(training.TaskNoduleType)}, "tasks to train")
	cmd.Flags().IntVar(&fold, "fold", 0, "fold index to train")
	cmd.Flags().IntVar(&nFolds, "folds", 5, "number of cross-validation folds")
	cmd.Flags().IntVar(&maxEpochs, "epochs", 100, "number of training epochs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 32, "examples per batch")
	cmd.Flags().IntVar(&workers, "workers", 8, "sample loading workers, split across the two loaders")
	cmd.Flags().IntVar(&patchSize, "patch-size", 32, "cubic patch edge in voxels")
	cmd.Flags().Int64Var(&seed, "seed", 1, "seed for sampling, loading and weight init")
	cmd.Flags().Float64Var(&learningRate, "lr", 1e-4, "Adam learning rate")
	cmd.Flags().StringVar(&bestTask, "best-task", "", "task whose metric selects the best checkpoint (default: last enabled task)")
	cmd.Flags().StringVar(&bestMetric, "best-metric", "", "metric name that selects the best checkpoint")

	return cmd.Execute()
}

func runTraining(cfg envConfig, logger *zap.Logger) error {
	tasks, err := training.ParseTasks(taskNames)
	if err != nil {
		return err
	}

	if bestTask == "" {
		bestTask = string(tasks[len(tasks)-1])
	}
	if bestMetric == "" {
		name, ok := defaultMetricNames[bestTask]
		if !ok {
			return fmt.Errorf("no default metric for task %q", bestTask)
		}
		bestMetric = name
	}

	expID := time.Now().Format("20060102") + "_" + experimentID

	trainCSV := cfg.TrainCSV
	if trainCSV == "" {
		trainCSV = filepath.Join(cfg.Workspace, "data", "trainset.csv")
	}

	logger.Info("starting run",
		zap.String("experiment", expID),
		zap.Int("fold", fold),
		zap.Strings("tasks", taskNames),
		zap.String("trainset", trainCSV),
		zap.String("best_task", bestTask),
		zap.String("best_metric", bestMetric),
	)

	trainSet, err := dataset.LoadTable(trainCSV)
	if err != nil {
		return err
	}

	splitsDir := filepath.Join(cfg.Workspace, "data", "splits")
	if err := dataset.MakeDevelopmentSplits(trainSet, splitsDir, nFolds); err != nil {
		return err
	}

	trainTable, validTable, err := dataset.LoadFold(splitsDir, fold)
	if err != nil {
		return err
	}
	logger.Info("fold loaded",
		zap.Int("train_records", len(trainTable)),
		zap.Int("valid_records", len(validTable)),
	)

	sampler, err := training.BuildSampler(trainTable, tasks, uint64(seed))
	if err != nil {
		return err
	}

	patch := [3]int{patchSize, patchSize, patchSize}
	trainDS, err := training.NewSyntheticDataset(trainTable, patch, seed)
	if err != nil {
		return err
	}
	validDS, err := training.NewSyntheticDataset(validTable, patch, seed+1)
	if err != nil {
		return err
	}

	// The worker budget is shared between the two loaders.
	loaderWorkers := workers / 2
	if loaderWorkers < 1 {
		loaderWorkers = 1
	}

	trainLoader, err := training.NewDataLoader(trainDS, training.LoaderConfig{
		BatchSize: batchSize,
		Workers:   loaderWorkers,
		Shuffle:   true,
		Sampler:   sampler,
		Seed:      seed,
	})
	if err != nil {
		return err
	}
	validLoader, err := training.NewDataLoader(validDS, training.LoaderConfig{
		BatchSize: batchSize,
		Workers:   loaderWorkers,
		Seed:      seed + 1,
	})
	if err != nil {
		return err
	}

	inputSize := patch[0] * patch[1] * patch[2]
	model, err := training.NewLinearProbe(inputSize, tasks, seed)
	if err != nil {
		return err
	}

	optimizer := training.NewDefaultAdam(model.Parameters(), learningRate)

	session, err := training.NewSession(model, optimizer, tensor.CPU, tasks)
	if err != nil {
		return err
	}

	analyzer, err := training.NewAnalyzer(training.Config{
		Workspace:    cfg.Workspace,
		ExperimentID: expID,
		Fold:         fold,
		MaxEpochs:    maxEpochs,
	}, session, selectMetric(bestTask, bestMetric), logger)
	if err != nil {
		return err
	}

	result, err := analyzer.Train(trainLoader, validLoader)
	if err != nil {
		return err
	}

	logger.Info("run complete",
		zap.Float64("best_metric", result.BestMetric),
		zap.Int("best_epoch", result.BestEpoch+1),
		zap.String("save_dir", analyzerSaveDir(cfg.Workspace, expID, fold)),
	)

	return nil
}

// selectMetric extracts one task's metric from a validation record. A
// missing task or metric scores zero, which never beats a saved best.
func selectMetric(task, metric string) training.BestMetricFunc {
	return func(metrics training.EpochMetrics) float64 {
		return metrics[task][metric]
	}
}

func analyzerSaveDir(workspace, expID string, fold int) string {
	return training.Config{Workspace: workspace, ExperimentID: expID, Fold: fold}.SaveDir()
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %v", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %v", err)
	}

	return logger, nil
}
