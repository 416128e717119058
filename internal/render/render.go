// Package render applies the pixel pre-step to image files before they are
// queued: rotation for landscape requests, grayscale conversion and a white
// border.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

const (
	jpegQuality = 95
	// DefaultMaxPixels bounds the decoded size of an image.
	DefaultMaxPixels = 40_000_000
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooLarge          = errors.New("image too large")
)

type Config struct {
	// MaxPixels rejects images whose header declares more pixels. Zero
	// means DefaultMaxPixels.
	MaxPixels int
}

// Renderer implements core.Renderer. Scaling is left to the dispatcher,
// which knows the printable area.
type Renderer struct {
	maxPixels int
	logger    *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Renderer {
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{maxPixels: cfg.MaxPixels, logger: logger}
}

// Render writes a processed copy of path next to it and returns the copy's
// path. The copy keeps the input's encoding.
func (r *Renderer) Render(ctx context.Context, path string, s core.Settings) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	img, format, err := r.decodeFile(path)
	if err != nil {
		return "", err
	}

	var applied []string
	if s.Orientation == core.OrientationLandscape && isPortrait(img) {
		img = Rotate90(img)
		applied = append(applied, "rotate")
	}
	if s.Scale == core.ScaleGrayscale {
		img = Grayscale(img)
		applied = append(applied, "grayscale")
	}
	if s.MarginPercent > 0 {
		img = AddBorder(img, s.MarginPercent)
		applied = append(applied, "border")
	}

	out, err := processedPath(path)
	if err != nil {
		return "", err
	}
	if err := encodeFile(out, img, format); err != nil {
		return "", err
	}

	r.logger.Debug("image rendered",
		zap.String("input", path),
		zap.String("output", out),
		zap.Strings("applied", applied),
		zap.Stringer("size", img.Bounds().Size()))
	return out, nil
}

func isPortrait(img image.Image) bool {
	b := img.Bounds()
	return b.Dy() > b.Dx()
}

// Rotate90 rotates img a quarter turn clockwise.
func Rotate90(img image.Image) *image.NRGBA {
	return imaging.Rotate270(img)
}

func Grayscale(img image.Image) *image.NRGBA {
	return imaging.Grayscale(img)
}

// AddBorder surrounds img with a white border of percent of its shorter side.
func AddBorder(img image.Image, percent int) *image.NRGBA {
	b := img.Bounds()
	border := min(b.Dx(), b.Dy()) * percent / 100
	if border <= 0 {
		return imaging.Clone(img)
	}
	dst := imaging.New(b.Dx()+2*border, b.Dy()+2*border, color.White)
	return imaging.Paste(dst, img, image.Pt(border, border))
}

// decodeFile checks the header against the pixel limit before decoding.
// JPEG EXIF orientation is applied on decode.
func (r *Renderer) decodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(r.maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, r.maxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("rewind image: %w", err)
	}

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// processedPath returns "<stem>_processed<ext>" next to path, adding a
// numeric suffix if that name is taken.
func processedPath(path string) (string, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)

	candidate := filepath.Join(dir, stem+"_processed"+ext)
	for i := 1; i < 1000; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		candidate = filepath.Join(dir, stem+"_processed_"+strconv.Itoa(i)+ext)
	}
	return "", fmt.Errorf("no free output name for %s", path)
}

func encodeFile(path string, img image.Image, format string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := encode(f, img, format); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func encode(w io.Writer, img image.Image, format string) error {
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return imaging.Encode(w, img, f, imaging.JPEGQuality(jpegQuality))
}
