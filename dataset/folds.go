package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// foldSeed fixes the shuffle used for stratified splitting so repeated
// runs produce identical folds.
const foldSeed = 2023

// TrainFoldPath returns the path of the training CSV for a fold index.
func TrainFoldPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("train%d.csv", idx))
}

// ValidFoldPath returns the path of the validation CSV for a fold index.
func ValidFoldPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("valid%d.csv", idx))
}

// MakeDevelopmentSplits splits the training set into nFolds stratified
// folds at patient level and writes train{idx}.csv / valid{idx}.csv pairs
// under saveDir. Stratification uses each patient's first-seen malignancy
// label. If every expected fold file already exists, nothing is
// recomputed or overwritten.
func MakeDevelopmentSplits(trainSet Table, saveDir string, nFolds int) error {
	if nFolds < 2 {
		return fmt.Errorf("nFolds must be at least 2, got %d", nFolds)
	}

	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create fold directory %s: %v", saveDir, err)
	}

	pids := trainSet.UniquePatients()
	labs := trainSet.FirstMalignancyPerPatient()

	if len(pids) != len(labs) {
		return fmt.Errorf("patient/label count mismatch: %d vs %d", len(pids), len(labs))
	}
	if len(pids) < nFolds {
		return fmt.Errorf("cannot make %d folds from %d patients", nFolds, len(pids))
	}

	foldsMissing := false
	for idx := 0; idx < nFolds; idx++ {
		if !fileExists(TrainFoldPath(saveDir, idx)) || !fileExists(ValidFoldPath(saveDir, idx)) {
			foldsMissing = true
		}
	}
	if !foldsMissing {
		return nil
	}

	rng := rand.New(rand.NewSource(foldSeed))
	validSets := stratifiedKFold(labs, nFolds, rng)

	for idx, validIdx := range validSets {
		validPids := make(map[string]bool, len(validIdx))
		for _, i := range validIdx {
			validPids[pids[i]] = true
		}

		trainPids := make(map[string]bool, len(pids)-len(validIdx))
		for _, pid := range pids {
			if !validPids[pid] {
				trainPids[pid] = true
			}
		}

		trainPd := trainSet.FilterByPatients(trainPids)
		validPd := trainSet.FilterByPatients(validPids)

		if err := trainPd.Save(TrainFoldPath(saveDir, idx)); err != nil {
			return err
		}
		if err := validPd.Save(ValidFoldPath(saveDir, idx)); err != nil {
			return err
		}
	}

	return nil
}

// LoadFold reads the train/valid tables of one fold.
func LoadFold(dir string, idx int) (Table, Table, error) {
	train, err := LoadTable(TrainFoldPath(dir, idx))
	if err != nil {
		return nil, nil, err
	}

	valid, err := LoadTable(ValidFoldPath(dir, idx))
	if err != nil {
		return nil, nil, err
	}

	return train, valid, nil
}

// stratifiedKFold partitions the index range [0, len(labels)) into nFolds
// validation sets. Indices sharing a label are shuffled within their
// stratum and dealt round-robin so every fold receives a near-equal share
// of each class.
func stratifiedKFold(labels []float64, nFolds int, rng *rand.Rand) [][]int {
	// Group indices per label in first-seen label order for determinism.
	var order []float64
	strata := make(map[float64][]int)
	for i, lab := range labels {
		if _, ok := strata[lab]; !ok {
			order = append(order, lab)
		}
		strata[lab] = append(strata[lab], i)
	}

	validSets := make([][]int, nFolds)
	for _, lab := range order {
		idx := strata[lab]
		rng.Shuffle(len(idx), func(i, j int) {
			idx[i], idx[j] = idx[j], idx[i]
		})
		for i, v := range idx {
			fold := i % nFolds
			validSets[fold] = append(validSets[fold], v)
		}
	}

	return validSets
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
