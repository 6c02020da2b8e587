package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/data"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/training"
)

const testToken = "sekrit"

func newTestRouter(t *testing.T) (*gin.Engine, *APIs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := data.New(data.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	d, err := data.NewDiseaseStore(filepath.Join(t.TempDir(), "disease_info.json"))
	if err != nil {
		t.Fatal(err)
	}

	a := &APIs{
		M:         m,
		D:         d,
		R:         training.NewRunner(t.TempDir(), t.TempDir(), training.DefaultOptions()),
		ModelsDir: t.TempDir(),
	}

	r := gin.New()
	guard := RequireToken(testToken)

	r.GET("/api/health", a.Health)
	r.GET("/api/stats", a.Stats)
	r.GET("/api/images", a.ListImages)
	r.POST("/api/images/upload", guard, a.UploadImages)
	r.GET("/api/images/:class/:filename", a.GetImage)
	r.DELETE("/api/images/:class/:filename", guard, a.DeleteImage)
	r.GET("/api/diseases", a.ListDiseases)
	r.GET("/api/diseases/:id", a.ShowDisease)
	r.PUT("/api/diseases/:id", guard, a.UpdateDisease)
	r.GET("/api/training/status", a.TrainingStatus)
	r.GET("/api/models", a.ListModels)
	r.GET("/api/models/:name/download", a.DownloadModel)

	return r, a
}

func doRequest(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func pngUpload(t *testing.T, class string) (*bytes.Buffer, string) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, A: 255})
		}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("class", class); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("images[]", "lesion.png")
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(fw, img); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	return &body, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(r, httptest.NewRequest("GET", "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("got body %s", w.Body.String())
	}
}

func TestUploadRequiresToken(t *testing.T) {
	r, _ := newTestRouter(t)
	body, contentType := pngUpload(t, "candidiasis")

	req := httptest.NewRequest("POST", "/api/images/upload", body)
	req.Header.Set("Content-Type", contentType)
	if w := doRequest(r, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got status %d, want 401", w.Code)
	}

	body, contentType = pngUpload(t, "candidiasis")
	req = httptest.NewRequest("POST", "/api/images/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := doRequest(r, req); w.Code != http.StatusForbidden {
		t.Fatalf("wrong token: got status %d, want 403", w.Code)
	}
}

func TestUploadListDelete(t *testing.T) {
	r, a := newTestRouter(t)

	body, contentType := pngUpload(t, "candidiasis")
	req := httptest.NewRequest("POST", "/api/images/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := doRequest(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upload: got status %d: %s", w.Code, w.Body.String())
	}

	counts, err := a.M.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if counts["candidiasis"] != 1 {
		t.Fatalf("got %d stored images", counts["candidiasis"])
	}

	w = doRequest(r, httptest.NewRequest("GET", "/api/images?class=candidiasis", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list: got status %d", w.Code)
	}
	var listed struct {
		Images map[string][]string `json:"images"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Images["candidiasis"]) != 1 {
		t.Fatalf("got listing %+v", listed)
	}
	fileName := listed.Images["candidiasis"][0]
	if !strings.HasSuffix(fileName, "-lesion.png") {
		t.Errorf("stored name %q lost the uuid prefix convention", fileName)
	}

	w = doRequest(r, httptest.NewRequest("GET", "/api/images/candidiasis/"+fileName, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get image: got status %d", w.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/images/candidiasis/"+fileName, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if w := doRequest(r, req); w.Code != http.StatusOK {
		t.Fatalf("delete: got status %d", w.Code)
	}

	counts, _ = a.M.Stats()
	if counts["candidiasis"] != 0 {
		t.Fatal("image not deleted")
	}
}

func TestUploadRejectsUnknownClass(t *testing.T) {
	r, _ := newTestRouter(t)
	body, contentType := pngUpload(t, "psoriasis")

	req := httptest.NewRequest("POST", "/api/images/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if w := doRequest(r, req); w.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", w.Code)
	}
}

func TestDiseases(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(r, httptest.NewRequest("GET", "/api/diseases", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var infos map[string]data.DiseaseInfo
	if err := json.Unmarshal(w.Body.Bytes(), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 4 {
		t.Fatalf("got %d diseases, want 4", len(infos))
	}

	w = doRequest(r, httptest.NewRequest("GET", "/api/diseases/tinea_pedis", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}

	w = doRequest(r, httptest.NewRequest("GET", "/api/diseases/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown disease: got status %d", w.Code)
	}

	req := httptest.NewRequest("PUT", "/api/diseases/tinea_pedis",
		strings.NewReader(`{"severity":"moderate"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w = doRequest(r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update: got status %d: %s", w.Code, w.Body.String())
	}

	var updated data.DiseaseInfo
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Severity != "moderate" {
		t.Errorf("got severity %q", updated.Severity)
	}
	if updated.Name == "" {
		t.Error("partial update cleared the name")
	}
}

func TestTrainingStatus(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doRequest(r, httptest.NewRequest("GET", "/api/training/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"idle"`) {
		t.Errorf("got body %s", w.Body.String())
	}
}

func TestModels(t *testing.T) {
	r, a := newTestRouter(t)

	if err := os.WriteFile(filepath.Join(a.ModelsDir, "fungal_classifier.tflite"),
		[]byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := doRequest(r, httptest.NewRequest("GET", "/api/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d", w.Code)
	}
	var listed struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Models) != 1 {
		t.Fatalf("got models %+v", listed.Models)
	}
	if listed.Models[0].Type != "lite" || listed.Models[0].Size != 7 {
		t.Errorf("got model info %+v", listed.Models[0])
	}

	w = doRequest(r, httptest.NewRequest("GET", "/api/models/fungal_classifier.tflite/download", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("download: got status %d", w.Code)
	}
	if w.Body.String() != "weights" {
		t.Errorf("got body %q", w.Body.String())
	}

	w = doRequest(r, httptest.NewRequest("GET", "/api/models/missing.bin/download", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing model: got status %d", w.Code)
	}
}
