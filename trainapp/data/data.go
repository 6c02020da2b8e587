// Package data manages the training image store and the disease
// information sidecar. Images live on the filesystem as
// <root>/<class>/<file>; the MySQL index is best-effort metadata on top.
package data

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/data/db"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/preprocess"
)

const (
	tableName  string = "image_tab"
	driverName string = "mysql"
)

// Manager manages the training images under one root directory.
type Manager struct {
	Root string
	Conn *db.DBconn
}

// Config Manager config
type Config struct {
	Root string

	// ConnInfo is the MySQL DSN of the upload index. Empty disables it.
	ConnInfo string
}

type saveFunc func(*multipart.FileHeader, string) error

func saveImage(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)

	return err
}

// SaveImages stores uploaded images under the class directory. Files that
// do not decode as images are rejected. Returns a per-file result map.
func (dm *Manager) SaveImages(class string, images []*multipart.FileHeader, f saveFunc) (interface{}, error) {
	if !validClass(class) {
		return nil, fmt.Errorf("unknown class %q", class)
	}

	fileDir := path.Join(dm.Root, class)
	if err := os.MkdirAll(fileDir, os.ModePerm); err != nil {
		return nil, err
	}

	if f == nil {
		f = saveImage
	}

	var (
		total      int64
		successful int64
		failed     int64
		items      []db.Item
		errors     []map[string]interface{}
	)
	for _, image := range images {
		total++

		orgFileName := image.Filename
		fileName := fmt.Sprintf("%s-%s", uuid.New().String()[:8], orgFileName)
		filePath := path.Join(fileDir, fileName)

		if err := f(image, filePath); err != nil {
			errors = append(errors, map[string]interface{}{
				"orgfilename": orgFileName,
				"error":       err.Error(),
			})
			failed++
			continue
		}

		if !preprocess.IsValidImage(filePath) {
			os.Remove(filePath)
			errors = append(errors, map[string]interface{}{
				"orgfilename": orgFileName,
				"error":       "not a decodable image",
			})
			failed++
			continue
		}

		item := db.Item{
			Class:       class,
			OrgFilename: orgFileName,
			Filename:    fileName,
			FileFormat:  fileFormat(orgFileName),
			FilePath:    filePath,
			CreateAt:    time.Now(),
		}
		if dm.Conn != nil {
			if err := dm.Conn.Insert(item); err != nil {
				log.WithError(err).Warn("Image index insert failed")
			}
		}

		items = append(items, item)
		successful++
	}

	result := map[string]interface{}{
		"class": class,
		"infos": map[string]int64{
			"total":      total,
			"successful": successful,
			"failed":     failed,
		},
		"images": items,
	}
	if len(errors) > 0 {
		result["errors"] = errors
	}

	return result, nil
}

// ListImages returns the stored images, optionally restricted to one class.
func (dm *Manager) ListImages(class string) (interface{}, error) {
	stats, err := dm.Stats()
	if err != nil {
		return nil, err
	}

	files := make(map[string][]string)
	for c := range stats {
		if class != "" && c != class {
			continue
		}
		names, err := listClass(path.Join(dm.Root, c))
		if err != nil {
			return nil, err
		}
		files[c] = names
	}

	return map[string]interface{}{
		"counts": stats,
		"images": files,
	}, nil
}

// DeleteImage removes one stored image and its index record.
func (dm *Manager) DeleteImage(class, fileName string) error {
	if !validClass(class) {
		return fmt.Errorf("unknown class %q", class)
	}

	filePath := path.Join(dm.Root, class, fileName)
	if err := os.Remove(filePath); err != nil {
		return err
	}

	if dm.Conn != nil {
		if _, err := dm.Conn.Delete(db.Item{Class: class, Filename: fileName}); err != nil {
			log.WithError(err).Warn("Image index delete failed")
		}
	}

	return nil
}

// ImagePath resolves a stored image, rejecting path escapes.
func (dm *Manager) ImagePath(class, fileName string) (string, error) {
	if !validClass(class) {
		return "", fmt.Errorf("unknown class %q", class)
	}
	if fileName != path.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}

	filePath := path.Join(dm.Root, class, fileName)
	if _, err := os.Stat(filePath); err != nil {
		return "", err
	}

	return filePath, nil
}

// Stats counts the stored images per class directory.
func (dm *Manager) Stats() (map[string]int, error) {
	counts := make(map[string]int)
	for _, class := range constants.ClassNames {
		names, err := listClass(path.Join(dm.Root, class))
		if err != nil {
			return nil, err
		}
		counts[class] = len(names)
	}

	return counts, nil
}

func listClass(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	return names, nil
}

func validClass(class string) bool {
	for _, c := range constants.ClassNames {
		if c == class {
			return true
		}
	}
	return false
}

func fileFormat(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext == "" {
		ext = "unknown"
	}
	return ext
}

// Destroy releases the manager.
func (dm *Manager) Destroy() {
	if dm.Conn == nil {
		return
	}
	if err := dm.Conn.Destroy(); err != nil {
		log.WithError(err).Errorf("DB %s close failed", dm.Conn.TableName)
	} else {
		log.Infof("DB %s successfully closed", dm.Conn.TableName)
	}
}

// New creates a Manager rooted at cfg.Root. The upload index is optional;
// an unreachable database only disables the index.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		return nil, err
	}

	dm := &Manager{
		Root: cfg.Root,
	}

	if cfg.ConnInfo != "" {
		conn, err := db.New(db.Config{
			DriverName: driverName,
			ConnInfo:   cfg.ConnInfo,
			TableName:  tableName,
		})
		if err != nil {
			log.WithError(err).Warn("Image index unavailable, continuing without it")
		} else {
			log.Infof("DB %s successfully initialized", tableName)
			dm.Conn = conn
		}
	}

	return dm, nil
}
