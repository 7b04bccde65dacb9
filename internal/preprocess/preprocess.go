// Package preprocess normalizes uploaded caution-card images before they are
// handed to the OCR worker. The stages mirror what the recognition model was
// tuned against: a minimum effective resolution, grayscale, a midpoint-stable
// contrast boost, histogram stretch, sharpening, and binarization.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Caution cards are captured at a known physical width; together with the
// configured DPI floor this yields the minimum pixel width we accept before
// upsampling.
const cardWidthInches = 5.0

// PreprocessingError wraps a failure in one of the preprocessing stages.
type PreprocessingError struct {
	Stage string
	Err   error
}

func (e *PreprocessingError) Error() string {
	return fmt.Sprintf("preprocessing error in %s: %v", e.Stage, e.Err)
}

func (e *PreprocessingError) Unwrap() error { return e.Err }

// Config controls the preprocessing stages.
type Config struct {
	MinDPI            int     // effective resolution floor; images below it are upsampled
	ContrastFactor    float64 // linear contrast factor applied around the midpoint
	BinarizeThreshold uint8   // luminance cutoff for the final black/white pass
	SharpenSigma      float64 // sharpening strength
	OutputDir         string  // directory for temp output files; "" uses the system default
}

// DefaultConfig returns the preprocessing defaults.
func DefaultConfig() Config {
	return Config{
		MinDPI:            300,
		ContrastFactor:    1.2,
		BinarizeThreshold: 128,
		SharpenSigma:      1.0,
	}
}

// Preprocessor prepares card images for OCR.
type Preprocessor struct {
	cfg Config
}

// New creates a Preprocessor with the given configuration. Zero values fall
// back to defaults.
func New(cfg Config) *Preprocessor {
	def := DefaultConfig()
	if cfg.MinDPI <= 0 {
		cfg.MinDPI = def.MinDPI
	}
	if cfg.ContrastFactor <= 0 {
		cfg.ContrastFactor = def.ContrastFactor
	}
	if cfg.BinarizeThreshold == 0 {
		cfg.BinarizeThreshold = def.BinarizeThreshold
	}
	if cfg.SharpenSigma <= 0 {
		cfg.SharpenSigma = def.SharpenSigma
	}
	return &Preprocessor{cfg: cfg}
}

// Preprocess loads the image at inputPath, applies the preprocessing stages,
// and writes the result to a fresh temporary PNG. The input file is never
// modified; the caller owns the returned file and must delete it when done.
func (p *Preprocessor) Preprocess(inputPath string) (string, error) {
	img, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", &PreprocessingError{Stage: "decode", Err: err}
	}

	img = p.upsample(img)
	img = imaging.Grayscale(img)
	img = adjustLinearContrast(img, p.cfg.ContrastFactor)
	img = normalizeHistogram(img)
	img = imaging.Sharpen(img, p.cfg.SharpenSigma)
	img = binarize(img, p.cfg.BinarizeThreshold)

	outPath, err := p.tempOutputPath(inputPath)
	if err != nil {
		return "", &PreprocessingError{Stage: "output", Err: err}
	}
	if err := imaging.Save(img, outPath); err != nil {
		_ = os.Remove(outPath)
		return "", &PreprocessingError{Stage: "encode", Err: err}
	}

	slog.Debug("image preprocessed", "input", inputPath, "output", outPath)
	return outPath, nil
}

// upsample scales the image up when its effective resolution falls below the
// configured DPI floor. It never scales down.
func (p *Preprocessor) upsample(img image.Image) image.Image {
	minWidth := int(float64(p.cfg.MinDPI) * cardWidthInches)
	width := img.Bounds().Dx()
	if width >= minWidth || width == 0 {
		return img
	}
	scale := float64(minWidth) / float64(width)
	height := int(float64(img.Bounds().Dy()) * scale)
	return imaging.Resize(img, minWidth, height, imaging.Lanczos)
}

// adjustLinearContrast applies v' = (v-128)*factor + 128 so the midpoint does
// not shift.
func adjustLinearContrast(img image.Image, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: stretch(c.R, factor),
			G: stretch(c.G, factor),
			B: stretch(c.B, factor),
			A: c.A,
		}
	})
}

func stretch(v uint8, factor float64) uint8 {
	return clampToUint8((float64(v)-128)*factor + 128)
}

// normalizeHistogram stretches the observed luminance range to the full
// 0-255 interval.
func normalizeHistogram(img image.Image) *image.NRGBA {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()

	minV, maxV := uint8(255), uint8(0)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := nrgba.NRGBAAt(x, y).R // grayscale at this point
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	if maxV <= minV {
		return nrgba
	}

	scale := 255.0 / float64(maxV-minV)
	return imaging.AdjustFunc(nrgba, func(c color.NRGBA) color.NRGBA {
		v := clampToUint8(float64(int(c.R)-int(minV)) * scale)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}

// binarize maps every pixel to pure black or white at the given threshold.
func binarize(img image.Image, threshold uint8) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		if c.R >= threshold {
			return color.NRGBA{R: 255, G: 255, B: 255, A: c.A}
		}
		return color.NRGBA{R: 0, G: 0, B: 0, A: c.A}
	})
}

func (p *Preprocessor) tempOutputPath(inputPath string) (string, error) {
	dir := p.cfg.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	base := filepath.Base(inputPath)
	f, err := os.CreateTemp(dir, "preprocessed_*_"+base+".png")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func clampToUint8(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}
