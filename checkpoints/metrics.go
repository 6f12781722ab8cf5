package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
)

// MetricsSnapshot is one phase's finalized metrics: task name (or
// "cumulative") to a mapping of metric name to value.
type MetricsSnapshot map[string]map[string]float64

// History is the run-long record of epoch metrics, one snapshot per
// phase per epoch.
type History struct {
	Training   []MetricsSnapshot `json:"training"`
	Validation []MetricsSnapshot `json:"validation"`
}

// SaveMetrics writes a single metrics snapshot as JSON.
func SaveMetrics(path string, metrics MetricsSnapshot) error {
	return writeJSON(path, metrics)
}

// LoadMetrics reads a metrics snapshot.
func LoadMetrics(path string) (MetricsSnapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %v", err)
	}
	defer file.Close()

	var metrics MetricsSnapshot
	if err := json.NewDecoder(file).Decode(&metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %v", err)
	}

	return metrics, nil
}

// SaveHistory writes the full epoch history, replacing any prior snapshot
// so only the latest complete history is retained on disk.
func SaveHistory(path string, history *History) error {
	return writeJSON(path, history)
}

// LoadHistory reads a run's epoch history.
func LoadHistory(path string) (*History, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %v", err)
	}
	defer file.Close()

	var history History
	if err := json.NewDecoder(file).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %v", err)
	}

	return &history, nil
}

func writeJSON(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %v", path, err)
	}

	return nil
}
