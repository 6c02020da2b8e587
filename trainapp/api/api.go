// Package api exposes the admin surface: image management, disease
// descriptions, training control and artifact download.
package api

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/data"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/training"
)

// APIs api handlers
type APIs struct {
	M *data.Manager
	D *data.DiseaseStore
	R *training.Runner

	ModelsDir string
}

// Health liveness probe
func (a *APIs) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Stats dataset summary
func (a *APIs) Stats(c *gin.Context) {
	counts, err := a.M.Stats()
	if err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	c.JSON(http.StatusOK, gin.H{
		"classes":  counts,
		"total":    total,
		"training": a.R.Status(),
	})
}

// ListImages stored images, optionally restricted to ?class=
func (a *APIs) ListImages(c *gin.Context) {
	class := c.Query("class")

	if result, err := a.M.ListImages(class); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// UploadImages multipart image upload into one class
func (a *APIs) UploadImages(c *gin.Context) {
	class := c.PostForm("class")
	if class == "" {
		Error(c, http.StatusBadRequest, errors.New("empty `class`"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	images := form.File["images[]"]
	if len(images) == 0 {
		images = form.File["images"]
	}
	if len(images) == 0 {
		Error(c, http.StatusBadRequest, errors.New("no images in request"))
		return
	}

	if result, err := a.M.SaveImages(class, images, c.SaveUploadedFile); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// GetImage serves one stored image
func (a *APIs) GetImage(c *gin.Context) {
	filePath, err := a.M.ImagePath(c.Param("class"), c.Param("filename"))
	if err != nil {
		Error(c, http.StatusNotFound, err)
		return
	}

	c.File(filePath)
}

// DeleteImage removes one stored image
func (a *APIs) DeleteImage(c *gin.Context) {
	if err := a.M.DeleteImage(c.Param("class"), c.Param("filename")); err != nil {
		if os.IsNotExist(err) {
			Error(c, http.StatusNotFound, err)
		} else {
			Error(c, http.StatusInternalServerError, err)
		}
		return
	}

	c.String(http.StatusOK, "OK")
}

// ListDiseases all disease descriptions
func (a *APIs) ListDiseases(c *gin.Context) {
	infos, err := a.D.All()
	if err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, infos)
}

// ShowDisease one disease description
func (a *APIs) ShowDisease(c *gin.Context) {
	info, err := a.D.Get(c.Param("id"))
	if err != nil {
		Error(c, http.StatusNotFound, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// UpdateDisease partial update of one disease description
func (a *APIs) UpdateDisease(c *gin.Context) {
	var upd data.DiseaseUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	info, err := a.D.Update(c.Param("id"), upd)
	if err != nil {
		Error(c, http.StatusNotFound, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// TrainingStatus current run state
func (a *APIs) TrainingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.R.Status())
}

// StartTraining kicks off a run unless one is active
func (a *APIs) StartTraining(c *gin.Context) {
	if err := a.R.Start(); err != nil {
		if errors.Is(err, training.ErrRunActive) {
			Error(c, http.StatusConflict, err)
		} else {
			Error(c, http.StatusInternalServerError, err)
		}
		return
	}

	c.JSON(http.StatusAccepted, a.R.Status())
}

// ModelInfo one produced model file
type ModelInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	CreateAt string `json:"createAt"`
	Type     string `json:"type"`
}

// ListModels produced model files
func (a *APIs) ListModels(c *gin.Context) {
	entries, err := os.ReadDir(a.ModelsDir)
	if err != nil && !os.IsNotExist(err) {
		Error(c, http.StatusInternalServerError, err)
		return
	}

	models := make([]ModelInfo, 0)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		models = append(models, ModelInfo{
			Name:     e.Name(),
			Size:     fi.Size(),
			CreateAt: fi.ModTime().Format(time.RFC3339),
			Type:     modelType(e.Name()),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	c.JSON(http.StatusOK, gin.H{
		"models": models,
	})
}

// DownloadModel serves one produced model file
func (a *APIs) DownloadModel(c *gin.Context) {
	name := c.Param("name")
	if name != path.Base(name) || strings.HasPrefix(name, ".") {
		Error(c, http.StatusBadRequest, errors.New("invalid model name"))
		return
	}

	filePath := filepath.Join(a.ModelsDir, name)
	if _, err := os.Stat(filePath); err != nil {
		Error(c, http.StatusNotFound, err)
		return
	}

	c.FileAttachment(filePath, name)
}

func modelType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".bin":
		return "checkpoint"
	case ".tflite":
		return "lite"
	case ".yaml":
		return "metadata"
	case ".txt":
		return "labels"
	case ".png":
		return "plot"
	default:
		return "unknown"
	}
}

// HTTPError api error message
type HTTPError struct {
	Error string `json:"error"`
}

// Error writes a json error response
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
