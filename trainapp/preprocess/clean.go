package preprocess

import (
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// IsValidImage reports whether the file decodes as a supported image.
func IsValidImage(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, err = decode(f)
	return err == nil
}

// CleanDataset walks the dataset root and removes every file that fails
// image decoding. Corrupted files are non-fatal: they are logged, removed
// and the walk continues. The removed paths are returned.
func CleanDataset(root string) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsValidImage(path) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.WithError(err).WithField("file", path).Warn("Failed to remove corrupted image")
			return nil
		}
		log.WithField("file", path).Info("Removed corrupted image")
		removed = append(removed, path)
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}
