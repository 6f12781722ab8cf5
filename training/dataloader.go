package training

import (
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/medvision/nodulenet/dataset"
	"github.com/medvision/nodulenet/tensor"
)

// Sample is one nodule example produced by a Dataset: the CT patch, its
// segmentation mask and the two classification targets.
type Sample struct {
	Image      *tensor.Tensor
	Mask       *tensor.Tensor
	NoduleType int32
	Malignancy float32
}

// Dataset resolves examples by index. Implementations own the image
// loading and augmentation pipeline; the loader treats them as a black box.
type Dataset interface {
	Len() int
	Get(idx int) (*Sample, error)
}

// Augmentable is implemented by datasets that apply geometric augmentation.
// The loader forwards its configured parameters to such datasets once at
// construction.
type Augmentable interface {
	SetAugmentation(aug Augmentation)
}

// Augmentation carries the geometric augmentation parameters handed to
// the dataset pipeline.
type Augmentation struct {
	MaxRotationDegrees float64
	Translations       bool
	SizeMM             int
	SizePx             int
	PatchSize          [3]int
}

// LoaderConfig configures a DataLoader.
type LoaderConfig struct {
	BatchSize int
	Workers   int
	Shuffle   bool
	Sampler   *dataset.WeightedSampler // optional; overrides Shuffle
	Augment   Augmentation
	Seed      int64
}

// Batch is the tensor bundle for one mini-batch.
type Batch struct {
	Image      *tensor.Tensor // [B, ...] Float32
	Mask       *tensor.Tensor // [B, ...] Float32
	NoduleType *tensor.Tensor // [B] Int32
	Malignancy *tensor.Tensor // [B, 1] Float32
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return b.Image.Shape[0]
}

// DataLoader batches a Dataset into an ordered sequence of Batch bundles.
// With a weighted sampler configured, each epoch draws indices with
// replacement according to the sampler; otherwise indices are sequential
// or shuffled.
type DataLoader struct {
	dataset  Dataset
	config   LoaderConfig
	indices  []int
	position int
	rng      *rand.Rand
	mutex    sync.Mutex
}

// NewDataLoader creates a new DataLoader.
func NewDataLoader(ds Dataset, config LoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	if aug, ok := ds.(Augmentable); ok {
		aug.SetAugmentation(config.Augment)
	}

	dl := &DataLoader{
		dataset: ds,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
	if err := dl.Reset(); err != nil {
		return nil, err
	}

	return dl, nil
}

// Len returns the number of batches in an epoch.
func (dl *DataLoader) Len() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Reset prepares the loader for a new epoch, drawing fresh sampler
// indices or reshuffling.
func (dl *DataLoader) Reset() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.config.Sampler != nil {
		indices, err := dl.config.Sampler.Indices()
		if err != nil {
			return fmt.Errorf("sampler draw failed: %v", err)
		}
		dl.indices = indices
		return nil
	}

	if dl.indices == nil {
		dl.indices = make([]int, dl.dataset.Len())
		for i := range dl.indices {
			dl.indices[i] = i
		}
	}

	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}

	return nil
}

// HasNext returns true if there are more batches in the current epoch.
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Next returns the next batch, or nil at the end of the epoch.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.config.BatchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	return dl.loadBatch(batchIndices)
}

// loadBatch resolves the samples for one batch concurrently and stacks
// them into batch tensors.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	samples := make([]*Sample, len(indices))

	var g errgroup.Group
	g.SetLimit(dl.config.Workers)
	for i, idx := range indices {
		g.Go(func() error {
			sample, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %v", idx, err)
			}
			samples[i] = sample
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return stackSamples(samples)
}

func stackSamples(samples []*Sample) (*Batch, error) {
	batchSize := len(samples)
	first := samples[0]

	imageShape := append([]int{batchSize}, first.Image.Shape...)
	maskShape := append([]int{batchSize}, first.Mask.Shape...)

	image, err := tensor.Zeros(imageShape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %v", err)
	}
	mask, err := tensor.Zeros(maskShape, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch mask tensor: %v", err)
	}

	imageData := image.Data.([]float32)
	maskData := mask.Data.([]float32)
	noduleTypes := make([]int32, batchSize)
	malignancies := make([]float32, batchSize)

	imageSize := first.Image.NumElems
	maskSize := first.Mask.NumElems

	for i, sample := range samples {
		if sample.Image.NumElems != imageSize {
			return nil, fmt.Errorf("sample %d image size %d does not match batch size %d", i, sample.Image.NumElems, imageSize)
		}
		if sample.Mask.NumElems != maskSize {
			return nil, fmt.Errorf("sample %d mask size %d does not match batch size %d", i, sample.Mask.NumElems, maskSize)
		}

		copy(imageData[i*imageSize:(i+1)*imageSize], sample.Image.Data.([]float32))
		copy(maskData[i*maskSize:(i+1)*maskSize], sample.Mask.Data.([]float32))
		noduleTypes[i] = sample.NoduleType
		malignancies[i] = sample.Malignancy
	}

	noduleType, err := tensor.NewTensor([]int{batchSize}, tensor.Int32, tensor.CPU, noduleTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to create noduletype tensor: %v", err)
	}
	malignancy, err := tensor.NewTensor([]int{batchSize, 1}, tensor.Float32, tensor.CPU, malignancies)
	if err != nil {
		return nil, fmt.Errorf("failed to create malignancy tensor: %v", err)
	}

	return &Batch{
		Image:      image,
		Mask:       mask,
		NoduleType: noduleType,
		Malignancy: malignancy,
	}, nil
}

// SyntheticDataset generates pseudorandom patches for the records of a
// nodule table. It stands in for the CT image pipeline in tests and
// demonstration runs; labels come from the table, voxels from a per-index
// seeded source so repeated reads are identical.
type SyntheticDataset struct {
	table     dataset.Table
	patchSize [3]int
	seed      int64
}

// NewSyntheticDataset creates a synthetic dataset over a nodule table.
func NewSyntheticDataset(table dataset.Table, patchSize [3]int, seed int64) (*SyntheticDataset, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("table is empty")
	}
	for _, dim := range patchSize {
		if dim <= 0 {
			return nil, fmt.Errorf("patch size must be positive, got %v", patchSize)
		}
	}

	return &SyntheticDataset{table: table, patchSize: patchSize, seed: seed}, nil
}

// Len returns the number of records in the table.
func (sd *SyntheticDataset) Len() int {
	return len(sd.table)
}

// Get generates the sample for one record.
func (sd *SyntheticDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(sd.table) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(sd.table))
	}

	rec := sd.table[idx]
	noduleType, ok := dataset.NoduleTypeMapping[rec.NoduleType]
	if !ok {
		return nil, fmt.Errorf("record %d has unknown noduletype %q", idx, rec.NoduleType)
	}

	shape := []int{1, sd.patchSize[0], sd.patchSize[1], sd.patchSize[2]}
	voxels := sd.patchSize[0] * sd.patchSize[1] * sd.patchSize[2]

	rng := rand.New(rand.NewSource(sd.seed + int64(idx)))

	imageData := make([]float32, voxels)
	maskData := make([]float32, voxels)
	for i := range imageData {
		imageData[i] = rng.Float32()*2.0 - 1.0
		if rng.Float64() < 0.25 {
			maskData[i] = 1.0
		}
	}

	image, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, imageData)
	if err != nil {
		return nil, err
	}
	mask, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, maskData)
	if err != nil {
		return nil, err
	}

	var malignancy float32
	if rec.Malignancy > 0 {
		malignancy = 1.0
	}

	return &Sample{
		Image:      image,
		Mask:       mask,
		NoduleType: noduleType,
		Malignancy: malignancy,
	}, nil
}
