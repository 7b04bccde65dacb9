package preprocess

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradientImage builds a horizontal gray gradient for exercising the stages.
func gradientImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(40 + (x*160)/width)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func writeTestImage(t *testing.T, img image.Image, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestPreprocessProducesBinaryPNG(t *testing.T) {
	input := writeTestImage(t, gradientImage(60, 40), "card.png")

	p := New(Config{MinDPI: 10, OutputDir: t.TempDir()}) // 10 dpi floor keeps the test image size small
	outPath, err := p.Preprocess(input)
	require.NoError(t, err)
	defer func() { _ = os.Remove(outPath) }()

	out, err := imaging.Open(outPath)
	require.NoError(t, err)

	bounds := out.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 5 {
		for x := bounds.Min.X; x < bounds.Max.X; x += 5 {
			r, _, _, _ := out.At(x, y).RGBA()
			v := uint8(r >> 8)
			assert.Contains(t, []uint8{0, 255}, v, "pixel at (%d,%d) is not binarized", x, y)
		}
	}
}

func TestPreprocessUpsamplesSmallImages(t *testing.T) {
	input := writeTestImage(t, gradientImage(20, 10), "small.png")

	p := New(Config{MinDPI: 10, OutputDir: t.TempDir()}) // floor of 10*5 = 50px
	outPath, err := p.Preprocess(input)
	require.NoError(t, err)

	out, err := imaging.Open(outPath)
	require.NoError(t, err)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 25, out.Bounds().Dy(), "aspect ratio must be preserved")
}

func TestPreprocessNeverDownscales(t *testing.T) {
	input := writeTestImage(t, gradientImage(80, 40), "large.png")

	p := New(Config{MinDPI: 10, OutputDir: t.TempDir()})
	outPath, err := p.Preprocess(input)
	require.NoError(t, err)

	out, err := imaging.Open(outPath)
	require.NoError(t, err)
	assert.Equal(t, 80, out.Bounds().Dx())
}

func TestPreprocessLeavesInputUntouched(t *testing.T) {
	input := writeTestImage(t, gradientImage(20, 10), "orig.png")
	before, err := os.ReadFile(input)
	require.NoError(t, err)

	p := New(Config{MinDPI: 10, OutputDir: t.TempDir()})
	_, err = p.Preprocess(input)
	require.NoError(t, err)

	after, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPreprocessDecodeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-image.png")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o600))

	p := New(DefaultConfig())
	_, err := p.Preprocess(path)
	require.Error(t, err)

	var perr *PreprocessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "decode", perr.Stage)
}

func TestPreprocessMissingFile(t *testing.T) {
	p := New(DefaultConfig())
	_, err := p.Preprocess(filepath.Join(t.TempDir(), "missing.png"))

	var perr *PreprocessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "decode", perr.Stage)
}

func TestStretchMidpointStable(t *testing.T) {
	assert.Equal(t, uint8(128), stretch(128, 1.2))
	assert.Greater(t, stretch(200, 1.2), uint8(200))
	assert.Less(t, stretch(50, 1.2), uint8(50))
}

func TestStretchClamps(t *testing.T) {
	assert.Equal(t, uint8(255), stretch(255, 3.0))
	assert.Equal(t, uint8(0), stretch(0, 3.0))
}

func TestNormalizeHistogramStretchesRange(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 150, G: 150, B: 150, A: 255})

	out := normalizeHistogram(img)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), out.NRGBAAt(1, 0).R)
}

func TestNormalizeHistogramFlatImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 77, G: 77, B: 77, A: 255})
		}
	}

	out := normalizeHistogram(img)
	assert.Equal(t, uint8(77), out.NRGBAAt(1, 1).R, "flat images pass through unchanged")
}

func TestBinarizeThreshold(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 127, G: 127, B: 127, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 128, G: 128, B: 128, A: 255})

	out := binarize(img, 128)
	assert.Equal(t, uint8(0), out.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), out.NRGBAAt(1, 0).R)
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(Config{})
	def := DefaultConfig()
	assert.Equal(t, def.MinDPI, p.cfg.MinDPI)
	assert.Equal(t, def.ContrastFactor, p.cfg.ContrastFactor)
	assert.Equal(t, def.BinarizeThreshold, p.cfg.BinarizeThreshold)
	assert.Equal(t, def.SharpenSigma, p.cfg.SharpenSigma)
}
