// datatool acquires training images: "download" fetches a handful of
// public sample images per class, "prepare" organizes an extracted
// DermNet-style directory into the training layout.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
)

type sampleImage struct {
	url      string
	fileName string
}

// A few public reference images per class, enough to exercise the
// pipeline. Real training needs a proper dataset.
var sampleImages = map[string][]sampleImage{
	"candidiasis": {
		{"https://upload.wikimedia.org/wikipedia/commons/thumb/5/5c/Candida_albicans_PHIL_3192_lores.jpg/440px-Candida_albicans_PHIL_3192_lores.jpg", "candida_1.jpg"},
		{"https://upload.wikimedia.org/wikipedia/commons/thumb/0/0f/Human_tongue_infected_with_oral_candidiasis.jpg/440px-Human_tongue_infected_with_oral_candidiasis.jpg", "candida_2.jpg"},
	},
	"tinea_corporis": {
		{"https://upload.wikimedia.org/wikipedia/commons/thumb/8/81/Ringworm_on_the_arm%2C_or_%22Tinea_corporis%22_PHIL_2938_lores.jpg/440px-Ringworm_on_the_arm%2C_or_%22Tinea_corporis%22_PHIL_2938_lores.jpg", "tinea_corporis_1.jpg"},
	},
	"tinea_pedis": {
		{"https://upload.wikimedia.org/wikipedia/commons/thumb/3/3b/Athlete%27s_foot_-_tinea_pedis.jpg/440px-Athlete%27s_foot_-_tinea_pedis.jpg", "tinea_pedis_1.jpg"},
	},
	"tinea_versicolor": {
		{"https://upload.wikimedia.org/wikipedia/commons/thumb/8/85/Tinea_versicolor_1.jpg/440px-Tinea_versicolor_1.jpg", "tinea_versicolor_1.jpg"},
	},
}

// DermNet file name fragments mapped onto the class names.
var classPatterns = map[string][]string{
	"candidiasis":      {"candid", "candida", "monialisis", "balanitis", "intertrigo", "perleche", "cheilitis"},
	"tinea_corporis":   {"tineacorporis", "tinea-corporis", "ringworm", "kerion", "majocchi", "tineagroin", "tinea-groin"},
	"tinea_pedis":      {"tineaped", "tineafeet", "tinea-pedis", "tinea-feet", "athletes-foot"},
	"tinea_versicolor": {"tineaversicolor", "tinea-versicolor", "pityriasis"},
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	flag.Usage = usage
	flag.Parse()

	switch flag.Arg(0) {
	case "download":
		cmdDownload(flag.Args()[1:])
	case "prepare":
		cmdPrepare(flag.Args()[1:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: datatool <command> [flags]

Commands:
  download   fetch public sample images into the training layout
  prepare    organize an extracted DermNet directory into the training layout
`)
}

func cmdDownload(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	outDir := fs.String("out", constants.DataPath, "Training image directory")
	fs.Parse(args)

	client := &http.Client{Timeout: 30 * time.Second}

	downloaded := 0
	for _, class := range constants.ClassNames {
		classDir := filepath.Join(*outDir, class)
		if err := os.MkdirAll(classDir, os.ModePerm); err != nil {
			log.Fatal(err)
		}

		for _, img := range sampleImages[class] {
			dst := filepath.Join(classDir, img.fileName)
			if _, err := os.Stat(dst); err == nil {
				log.Debugf("Skipping %s, already exists", img.fileName)
				continue
			}

			if err := fetch(client, img.url, dst); err != nil {
				log.WithError(err).Errorf("Download %s failed", img.fileName)
				continue
			}
			log.Infof("Downloaded %s/%s", class, img.fileName)
			downloaded++
		}
	}

	log.Infof("Downloaded %d new images", downloaded)
	logSummary(*outDir)
	log.Info("This is a minimal sample set; use a full DermNet download for real training")
}

func fetch(client *http.Client, url, dst string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}

	return f.Close()
}

func cmdPrepare(args []string) {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	srcDir := fs.String("src", "data/dermnet_extracted", "Extracted DermNet directory")
	outDir := fs.String("out", constants.DataPath, "Training image directory")
	maxPerClass := fs.Int("max", 12, "Max images per class")
	seed := fs.Int64("seed", time.Now().UnixNano(), "Selection seed")
	fs.Parse(args)

	found := findFungalImages(*srcDir)
	for _, class := range constants.ClassNames {
		log.Infof("Found %d candidate images for %s", len(found[class]), class)
	}

	rng := rand.New(rand.NewSource(*seed))

	total := 0
	for _, class := range constants.ClassNames {
		classDir := filepath.Join(*outDir, class)
		if err := os.MkdirAll(classDir, os.ModePerm); err != nil {
			log.Fatal(err)
		}
		if err := clearDir(classDir); err != nil {
			log.Fatal(err)
		}

		candidates := found[class]
		rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		if len(candidates) > *maxPerClass {
			candidates = candidates[:*maxPerClass]
		}

		for i, src := range candidates {
			dst := filepath.Join(classDir, fmt.Sprintf("%s_%03d%s", class, i+1, filepath.Ext(src)))
			if err := copyFile(src, dst); err != nil {
				log.Fatal(err)
			}
			total++
		}
		log.Infof("%s: %d images copied", class, len(candidates))
	}

	log.Infof("Prepared %d images", total)
	logSummary(*outDir)
}

// findFungalImages walks srcDir and buckets image files into classes by
// file name patterns. The first matching class wins.
func findFungalImages(srcDir string) map[string][]string {
	found := make(map[string][]string)

	filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jpg", ".jpeg", ".png", ".bmp":
		default:
			return nil
		}

		name := strings.ToLower(info.Name())
		for _, class := range constants.ClassNames {
			if matchesAny(name, classPatterns[class]) {
				found[class] = append(found[class], path)
				break
			}
		}
		return nil
	})

	for class := range found {
		sort.Strings(found[class])
	}

	return found
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func logSummary(outDir string) {
	for _, class := range constants.ClassNames {
		entries, err := os.ReadDir(filepath.Join(outDir, class))
		if err != nil {
			continue
		}
		n := 0
		for _, e := range entries {
			if !e.IsDir() {
				n++
			}
		}
		log.Infof("  %s: %d images", class, n)
	}
}
