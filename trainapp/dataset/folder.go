package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sample is one labeled image reference.
type Sample struct {
	Path  string
	Class int
}

// ImageFolder is a scanned class-per-directory dataset. Class indices are
// assigned alphabetically by directory name and stay fixed for the life of
// the scan; the trained model's output order and the exported label file
// both derive from it.
type ImageFolder struct {
	Classes []string
	Samples []Sample
}

// Scan walks the dataset root and collects every recognized image.
func Scan(root string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan dataset: %w", err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)

	folder := &ImageFolder{}
	for _, class := range classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, fmt.Errorf("scan class %s: %w", class, err)
		}
		found := false
		for _, f := range files {
			if f.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			if !found {
				folder.Classes = append(folder.Classes, class)
				found = true
			}
			folder.Samples = append(folder.Samples, Sample{
				Path:  filepath.Join(root, class, f.Name()),
				Class: len(folder.Classes) - 1,
			})
		}
	}

	if len(folder.Samples) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return folder, nil
}

// NumClasses returns the number of populated classes.
func (f *ImageFolder) NumClasses() int {
	return len(f.Classes)
}

// Split partitions the samples per class into training and validation sets.
// The shuffle is seeded, so the same dataset always splits the same way.
func (f *ImageFolder) Split(valFraction float64, seed int64) (train, val []Sample) {
	rng := rand.New(rand.NewSource(seed))

	byClass := make([][]Sample, len(f.Classes))
	for _, s := range f.Samples {
		byClass[s.Class] = append(byClass[s.Class], s)
	}
	for _, samples := range byClass {
		rng.Shuffle(len(samples), func(i, j int) {
			samples[i], samples[j] = samples[j], samples[i]
		})
		n := int(float64(len(samples)) * valFraction)
		if n == 0 && len(samples) > 1 {
			n = 1
		}
		val = append(val, samples[:n]...)
		train = append(train, samples[n:]...)
	}
	return train, val
}
