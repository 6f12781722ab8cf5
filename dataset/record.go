package dataset

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
)

// NumNoduleTypes is the number of nodule-type classes.
const NumNoduleTypes = 4

// NoduleTypeMapping maps the textual noduletype column to a class index.
var NoduleTypeMapping = map[string]int32{
	"NonSolid":  0,
	"PartSolid": 1,
	"Solid":     2,
	"Calcified": 3,
}

// Record is one nodule row of the training table. The image and mask data
// belonging to a record are resolved by the data loader, not stored here.
type Record struct {
	PatientID  string  `csv:"patientid"`
	Malignancy float64 `csv:"malignancy"`
	NoduleType string  `csv:"noduletype"`
}

// Table is an ordered collection of nodule records.
type Table []*Record

// LoadTable reads a nodule table from a CSV file and validates its schema.
func LoadTable(path string) (Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %v", path, err)
	}
	defer file.Close()

	var records Table
	if err := gocsv.UnmarshalFile(file, &records); err != nil {
		return nil, fmt.Errorf("failed to parse table %s: %v", path, err)
	}

	for i, rec := range records {
		if rec.PatientID == "" {
			return nil, fmt.Errorf("row %d of %s has an empty patientid", i, path)
		}
		if _, ok := NoduleTypeMapping[rec.NoduleType]; !ok {
			return nil, fmt.Errorf("row %d of %s has unknown noduletype %q", i, path, rec.NoduleType)
		}
	}

	return records, nil
}

// Save writes the table as CSV.
func (t Table) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %v", path, err)
	}
	defer file.Close()

	if err := gocsv.MarshalFile(&t, file); err != nil {
		return fmt.Errorf("failed to write table %s: %v", path, err)
	}

	return nil
}

// UniquePatients returns patient ids in first-seen order.
func (t Table) UniquePatients() []string {
	seen := make(map[string]bool, len(t))
	var pids []string
	for _, rec := range t {
		if !seen[rec.PatientID] {
			seen[rec.PatientID] = true
			pids = append(pids, rec.PatientID)
		}
	}
	return pids
}

// FirstMalignancyPerPatient returns the malignancy label of each patient's
// first row, aligned with UniquePatients. A patient whose nodules carry
// different malignancy values is represented by the first row only.
func (t Table) FirstMalignancyPerPatient() []float64 {
	first := make(map[string]float64, len(t))
	seen := make(map[string]bool, len(t))
	var order []string
	for _, rec := range t {
		if !seen[rec.PatientID] {
			seen[rec.PatientID] = true
			first[rec.PatientID] = rec.Malignancy
			order = append(order, rec.PatientID)
		}
	}

	labels := make([]float64, len(order))
	for i, pid := range order {
		labels[i] = first[pid]
	}
	return labels
}

// FilterByPatients returns the rows whose patient id is in the given set.
func (t Table) FilterByPatients(pids map[string]bool) Table {
	var out Table
	for _, rec := range t {
		if pids[rec.PatientID] {
			out = append(out, rec)
		}
	}
	return out
}

// MalignancyLabels returns the per-row malignancy labels as class indices.
func (t Table) MalignancyLabels() []int {
	labels := make([]int, len(t))
	for i, rec := range t {
		if rec.Malignancy > 0 {
			labels[i] = 1
		}
	}
	return labels
}

// NoduleTypeLabels returns the per-row nodule-type class indices.
func (t Table) NoduleTypeLabels() ([]int, error) {
	labels := make([]int, len(t))
	for i, rec := range t {
		idx, ok := NoduleTypeMapping[rec.NoduleType]
		if !ok {
			return nil, fmt.Errorf("row %d has unknown noduletype %q", i, rec.NoduleType)
		}
		labels[i] = int(idx)
	}
	return labels, nil
}
