// Package preprocess implements the canonical image-to-tensor transform
// shared by training, evaluation and exported-model verification. Every
// entry point produces a (1, 224, 224, 3) float32 tensor in [-1, 1]; any
// drift between the paths silently degrades accuracy, so they all funnel
// through the same resize and scaling code.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/constants"
	"github.com/harrison-roh/fungal-classification-with-transfer-learning/trainapp/model"
)

// DecodeError marks an input that could not be decoded as an image. The
// caller decides whether to skip the file or abort.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// FromPath loads and preprocesses a single image file for inference.
func FromPath(path string) (*model.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return FromImage(img), nil
}

// FromBytes preprocesses a raw image buffer, the mobile/API input shape.
func FromBytes(b []byte) (*model.Tensor, error) {
	img, err := decode(bytes.NewReader(b))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return FromImage(img), nil
}

// FromImage resizes a decoded image and applies the scaling convention.
func FromImage(img image.Image) *model.Tensor {
	return ToTensor(Resize(img))
}

// LoadRGBA decodes and resizes an image file without normalizing, for the
// training path that augments before scaling.
func LoadRGBA(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return Resize(img), nil
}

func decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

// Resize maps any image onto the 224x224 model input with a bilinear
// kernel.
func Resize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, constants.ImgWidth, constants.ImgHeight))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// ToTensor maps 8-bit channel values onto [-1, 1]: x/127.5 - 1. This is
// the single scaling step every input path ends with.
func ToTensor(img *image.RGBA) *model.Tensor {
	h, w := constants.ImgHeight, constants.ImgWidth
	t := model.NewTensor(1, h, w, constants.Channels)
	i := 0
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			t.Data[i] = float32(row[x*4])/127.5 - 1
			t.Data[i+1] = float32(row[x*4+1])/127.5 - 1
			t.Data[i+2] = float32(row[x*4+2])/127.5 - 1
			i += 3
		}
	}
	return t
}
