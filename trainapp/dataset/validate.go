// Package dataset decides whether a directory tree of labeled images is
// trainable and feeds admitted images to the training loop.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
	".gif":  true,
}

// Stats summarizes the images discovered under a dataset root.
type Stats struct {
	ClassCounts map[string]int `json:"class_counts"`
	NumClasses  int            `json:"num_classes"`
	TotalImages int            `json:"total_images"`
}

// Result is the outcome of a validation pass. Reasons holds every failing
// condition in evaluation order; it is nil for a valid dataset.
type Result struct {
	Valid   bool     `json:"is_valid"`
	Reasons []string `json:"reasons,omitempty"`
	Stats   Stats    `json:"stats"`
}

// Message joins the failure reasons into the operator-facing text.
func (r Result) Message() string {
	return strings.Join(r.Reasons, "\n")
}

// Validate checks dataset admissibility. The checks run in a fixed
// precedence: a missing root and an empty tree are exclusive early exits;
// after at least two populated classes exist, per-class deficits and the
// total-image shortfall are reported together so the operator sees every
// problem at once.
func Validate(root string) Result {
	if _, err := os.Stat(root); err != nil {
		return Result{
			Reasons: []string{fmt.Sprintf("dataset directory not found: %s", root)},
			Stats:   Stats{ClassCounts: map[string]int{}},
		}
	}

	counts := countImages(root)
	total := 0
	for _, n := range counts {
		total += n
	}
	stats := Stats{
		ClassCounts: counts,
		NumClasses:  len(counts),
		TotalImages: total,
	}

	var reasons []string
	switch {
	case len(counts) == 0:
		reasons = append(reasons,
			fmt.Sprintf("no training images found in %s", root),
			"upload images organized in class folders:",
			"  "+root+"/")
		for i, class := range constants.ClassNames {
			prefix := "  ├── "
			if i == len(constants.ClassNames)-1 {
				prefix = "  └── "
			}
			reasons = append(reasons, prefix+class+"/")
		}
		return Result{Reasons: reasons, Stats: stats}

	case len(counts) < constants.MinClasses:
		reasons = append(reasons,
			fmt.Sprintf("insufficient disease classes: %d (minimum: %d)", len(counts), constants.MinClasses),
			fmt.Sprintf("current classes: %s", strings.Join(sortedClasses(counts), ", ")),
			fmt.Sprintf("add images to at least %d different disease folders", constants.MinClasses))
		return Result{Reasons: reasons, Stats: stats}
	}

	var short []string
	for _, class := range sortedClasses(counts) {
		if n := counts[class]; n < constants.MinImagesPerClass {
			short = append(short, fmt.Sprintf("  - %s: %d images (need %d more)",
				class, n, constants.MinImagesPerClass-n))
		}
	}
	if len(short) > 0 {
		reasons = append(reasons,
			fmt.Sprintf("some classes have too few images (minimum: %d per class):", constants.MinImagesPerClass))
		reasons = append(reasons, short...)
	}
	if total < constants.MinTotalImages {
		reasons = append(reasons,
			fmt.Sprintf("insufficient total images: %d (minimum: %d)", total, constants.MinTotalImages),
			fmt.Sprintf("add %d more images", constants.MinTotalImages-total))
	}

	if len(reasons) > 0 {
		return Result{Reasons: reasons, Stats: stats}
	}
	return Result{Valid: true, Stats: stats}
}

// countImages counts recognized image files per non-empty, non-hidden class
// directory.
func countImages(root string) map[string]int {
	counts := make(map[string]int)
	entries, err := os.ReadDir(root)
	if err != nil {
		return counts
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		n := 0
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				n++
			}
		}
		if n > 0 {
			counts[e.Name()] = n
		}
	}
	return counts
}

func sortedClasses(counts map[string]int) []string {
	classes := make([]string, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}
