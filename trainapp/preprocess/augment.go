package preprocess

import (
	"image"
	"math"
	"math/rand"
)

// Augmenter applies random geometric distortions to training samples. It
// operates on the resized image before normalization, so the output tensor
// keeps the exact scaling convention of the inference paths. Inference
// never augments.
type Augmenter struct {
	RotationDeg float64 // max rotation either direction
	Shift       float64 // max width/height shift, fraction of the image
	Shear       float64 // max shear, fraction
	Zoom        float64 // max zoom in/out, fraction
	HFlip       bool
	VFlip       bool

	rng *rand.Rand
}

// NewAugmenter creates the training-time augmenter with the standard
// distortion budget.
func NewAugmenter(rng *rand.Rand) *Augmenter {
	return &Augmenter{
		RotationDeg: 30,
		Shift:       0.2,
		Shear:       0.2,
		Zoom:        0.2,
		HFlip:       true,
		VFlip:       true,
		rng:         rng,
	}
}

// affine is a 2x3 matrix mapping destination to source coordinates.
type affine [6]float64

func (a affine) apply(x, y float64) (float64, float64) {
	return a[0]*x + a[1]*y + a[2], a[3]*x + a[4]*y + a[5]
}

func mul(a, b affine) affine {
	return affine{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

func (ag *Augmenter) uniform(max float64) float64 {
	return (ag.rng.Float64()*2 - 1) * max
}

// Apply distorts the image in place semantics-wise, returning a new buffer.
// Pixels sampled outside the source are filled from the nearest edge pixel.
func (ag *Augmenter) Apply(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	cx, cy := float64(w)/2, float64(h)/2

	theta := ag.uniform(ag.RotationDeg) * math.Pi / 180
	shearX := ag.uniform(ag.Shear)
	zoom := 1 + ag.uniform(ag.Zoom)
	dx := ag.uniform(ag.Shift) * float64(w)
	dy := ag.uniform(ag.Shift) * float64(h)
	flipX := 1.0
	if ag.HFlip && ag.rng.Intn(2) == 1 {
		flipX = -1
	}
	flipY := 1.0
	if ag.VFlip && ag.rng.Intn(2) == 1 {
		flipY = -1
	}

	sin, cos := math.Sin(theta), math.Cos(theta)
	// destination -> source, composed around the image center
	m := affine{1, 0, cx, 0, 1, cy}
	m = mul(m, affine{cos, sin, 0, -sin, cos, 0})            // inverse rotation
	m = mul(m, affine{1, -shearX, 0, 0, 1, 0})               // inverse shear
	m = mul(m, affine{1 / zoom, 0, 0, 0, 1 / zoom, 0})       // inverse zoom
	m = mul(m, affine{flipX, 0, 0, 0, flipY, 0})             // flips
	m = mul(m, affine{1, 0, -cx - dx, 0, 1, -cy - dy})       // inverse shift

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := m.apply(float64(x), float64(y))
			ix := clampInt(int(math.Round(sx)), 0, w-1)
			iy := clampInt(int(math.Round(sy)), 0, h-1)
			so := iy*src.Stride + ix*4
			do := y*dst.Stride + x*4
			copy(dst.Pix[do:do+4], src.Pix[so:so+4])
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
