package main

import (
	"flag"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/cleanuphttp"
	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/api"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/data"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/export"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/training"
)

func main() {
	addr := flag.String("addr", ":18080", "Listen address")
	dataDir := flag.String("datadir", constants.DataPath, "Training image directory")
	modelsDir := flag.String("modelsdir", constants.ModelsPath, "Model output directory")
	diseaseFile := flag.String("diseasefile", constants.DiseaseInfoFile, "Disease info file")
	pretrained := flag.String("pretrained", "", "Path to pretrained backbone weights")
	adminToken := flag.String("admintoken", "", "Bearer token for mutating endpoints")
	dbConn := flag.String("dbconn", "", "MySQL DSN for the upload index (optional)")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	m, err := data.New(data.Config{
		Root:     *dataDir,
		ConnInfo: *dbConn,
	})
	if err != nil {
		log.Fatal(err)
	}

	d, err := data.NewDiseaseStore(*diseaseFile)
	if err != nil {
		log.Fatal(err)
	}

	opts := training.DefaultOptions()
	opts.PretrainedPath = *pretrained

	runner := training.NewRunner(*dataDir, *modelsDir, opts)
	runner.SetAfterRun(func(modelPath, outputDir string) error {
		return export.ExportAll(modelPath, outputDir)
	})

	r := gin.Default()
	r.MaxMultipartMemory = 8 << 20

	a := api.APIs{
		M:         m,
		D:         d,
		R:         runner,
		ModelsDir: *modelsDir,
	}

	var guard gin.HandlerFunc
	if *adminToken != "" {
		guard = api.RequireToken(*adminToken)
	} else {
		log.Warn("No admin token set, mutating endpoints are open")
		guard = func(c *gin.Context) { c.Next() }
	}

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/health", a.Health)
		apiGroup.GET("/stats", a.Stats)
	}

	imagesGroup := apiGroup.Group("/images")
	{
		imagesGroup.GET("", a.ListImages)
		imagesGroup.GET(":class/:filename", a.GetImage)
		imagesGroup.POST("/upload", guard, a.UploadImages)
		imagesGroup.DELETE(":class/:filename", guard, a.DeleteImage)
	}

	diseasesGroup := apiGroup.Group("/diseases")
	{
		diseasesGroup.GET("", a.ListDiseases)
		diseasesGroup.GET(":id", a.ShowDisease)
		diseasesGroup.PUT(":id", guard, a.UpdateDisease)
	}

	trainingGroup := apiGroup.Group("/training")
	{
		trainingGroup.GET("/status", a.TrainingStatus)
		trainingGroup.POST("/start", guard, a.StartTraining)
	}

	modelsGroup := apiGroup.Group("/models")
	{
		modelsGroup.GET("", a.ListModels)
		modelsGroup.GET(":name/download", a.DownloadModel)
	}

	log.WithFields(log.Fields{
		"addr":   *addr,
		"data":   *dataDir,
		"models": filepath.Clean(*modelsDir),
	}).Info("Starting trainapp")

	server := &http.Server{
		Addr:    *addr,
		Handler: r,
	}

	cleanuphttp.PostCleanupPush(cleanupData, m)
	cleanuphttp.Serve(server, 5*time.Second)
}

func cleanupData(arg interface{}) {
	m := arg.(*data.Manager)
	m.Destroy()
}
