package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 7 % 256),
				G: uint8(y * 11 % 256),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFromPathAndBytesAgree(t *testing.T) {
	b := encodePNG(t, testImage(320, 200))
	path := filepath.Join(t.TempDir(), "lesion.png")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	fromPath, err := FromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	fromBytes, err := FromBytes(b)
	if err != nil {
		t.Fatal(err)
	}

	if !fromPath.SameShape(fromBytes) {
		t.Fatalf("shapes differ: %v vs %v", fromPath.Shape, fromBytes.Shape)
	}
	for i := range fromPath.Data {
		if fromPath.Data[i] != fromBytes.Data[i] {
			t.Fatalf("tensors diverge at %d: %v vs %v", i, fromPath.Data[i], fromBytes.Data[i])
		}
	}
}

func TestTensorShapeAndRange(t *testing.T) {
	x, err := FromBytes(encodePNG(t, testImage(57, 483)))
	if err != nil {
		t.Fatal(err)
	}

	want := []int{1, 224, 224, 3}
	for i, d := range want {
		if x.Shape[i] != d {
			t.Fatalf("got shape %v, want %v", x.Shape, want)
		}
	}
	for i, v := range x.Data {
		if v < -1 || v > 1 {
			t.Fatalf("value %v at %d outside [-1, 1]", v, i)
		}
	}
}

func TestScalingConvention(t *testing.T) {
	// A uniform mid-gray image must land close to zero after scaling.
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		img.Pix[i] = 128
	}

	x := FromImage(img)
	for i, v := range x.Data {
		if v < 0 || v > 0.01 {
			t.Fatalf("value %v at %d, want 128/127.5-1", v, i)
		}
	}

	// Black maps to -1, white to +1.
	black := FromImage(image.NewRGBA(image.Rect(0, 0, 5, 5)))
	for i := 0; i < 3; i++ {
		if black.Data[i] != -1 {
			t.Fatalf("black maps to %v, want -1", black.Data[i])
		}
	}
}

func TestDecodeError(t *testing.T) {
	_, err := FromBytes([]byte("not an image at all"))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("got %v, want DecodeError", err)
	}

	path := filepath.Join(t.TempDir(), "junk.jpg")
	if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = FromPath(path)
	if !errors.As(err, &decodeErr) {
		t.Fatalf("got %v, want DecodeError", err)
	}
	if decodeErr.Path != path {
		t.Errorf("got path %q, want %q", decodeErr.Path, path)
	}
}

func TestAugmentedTensorStaysInRange(t *testing.T) {
	rgba := Resize(testImage(300, 300))
	aug := NewAugmenter(rand.New(rand.NewSource(3)))

	for i := 0; i < 10; i++ {
		x := ToTensor(aug.Apply(rgba))
		for j, v := range x.Data {
			if v < -1 || v > 1 {
				t.Fatalf("round %d: value %v at %d outside [-1, 1]", i, v, j)
			}
		}
	}
}

func TestAugmenterPreservesShape(t *testing.T) {
	rgba := Resize(testImage(100, 50))
	aug := NewAugmenter(rand.New(rand.NewSource(9)))

	out := aug.Apply(rgba)
	if out.Bounds() != rgba.Bounds() {
		t.Fatalf("got bounds %v, want %v", out.Bounds(), rgba.Bounds())
	}
}

func TestCleanDataset(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "candidiasis")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	good := filepath.Join(dir, "good.png")
	if err := os.WriteFile(good, encodePNG(t, testImage(16, 16)), 0o644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(bad, []byte("broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := CleanDataset(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != bad {
		t.Fatalf("got removed %v, want [%s]", removed, bad)
	}
	if _, err := os.Stat(good); err != nil {
		t.Errorf("good file removed: %v", err)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Errorf("bad file still present")
	}
}
