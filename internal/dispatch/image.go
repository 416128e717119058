package dispatch

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/orrn/printbot/internal/core"
)

// Spooler hands a composed page to the host print system.
type Spooler interface {
	Spool(ctx context.Context, path, printer string, copies int) error
}

// DefaultMaxPixels bounds the decoded size of an image, about an A4 page at
// 600 dpi.
const DefaultMaxPixels = 40_000_000

// ImageVariant composes a raster image onto a page and spools it.
type ImageVariant struct {
	Device   PageDevice
	SpoolDir string
	Spooler  Spooler
	// MaxPixels rejects images whose header declares more pixels. Zero
	// means DefaultMaxPixels.
	MaxPixels int
	Logger    *zap.Logger
}

func (v *ImageVariant) Name() string { return "image" }

func (v *ImageVariant) Submit(ctx context.Context, req Request) error {
	page, err := v.Compose(ctx, req)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(v.SpoolDir, 0o755); err != nil {
		return fmt.Errorf("%w: spool dir: %v", core.ErrDispatch, err)
	}
	out := filepath.Join(v.SpoolDir, uuid.NewString()+".png")
	if err := writePNG(out, page); err != nil {
		return err
	}
	defer os.Remove(out)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: page not spooled: %v", core.ErrDispatch, err)
	}
	return v.Spooler.Spool(ctx, out, req.Printer, req.Settings.Copies)
}

// Compose decodes the request's image and draws it, fitted and centred, on
// a white page of the device's size. ctx is checked between the decode and
// scale steps.
func (v *ImageVariant) Compose(ctx context.Context, req Request) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDispatch, err)
	}

	maxPixels := v.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	src, format, err := decodeImage(req.Path, maxPixels)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDispatch, err)
	}

	area, err := v.Device.PrintableArea(req.Printer)
	if err != nil {
		return nil, fmt.Errorf("%w: printable area: %v", core.ErrDispatch, err)
	}

	size := v.Device.PageSize()
	page := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(page, page.Bounds(), image.White, image.Point{}, draw.Src)

	dst := FitRect(src.Bounds().Size(), area, req.Settings.ScalePercent)
	draw.CatmullRom.Scale(page, dst, src, src.Bounds(), draw.Over, nil)

	if v.Logger != nil {
		v.Logger.Debug("image composed",
			zap.String("format", format),
			zap.Stringer("source", src.Bounds().Size()),
			zap.Stringer("target", dst),
			zap.Int("scale_percent", req.Settings.ScalePercent))
	}
	return page, nil
}

// decodeImage reads the header first and refuses images larger than
// maxPixels before allocating their pixels.
func decodeImage(path string, maxPixels int) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open image: %v", core.ErrDispatch, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode image: %v", core.ErrDispatch, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: image %dx%d exceeds %d pixels", core.ErrDispatch, cfg.Width, cfg.Height, maxPixels)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("%w: rewind image: %v", core.ErrDispatch, err)
	}

	src, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode image: %v", core.ErrDispatch, err)
	}
	return src, format, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create spool file: %v", core.ErrDispatch, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("%w: encode page: %v", core.ErrDispatch, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: write spool file: %v", core.ErrDispatch, err)
	}
	return nil
}

// LPRSpooler prints composed pages with lpr at the page's native resolution.
type LPRSpooler struct {
	Runner CommandRunner
	DPI    int
}

func (s *LPRSpooler) Spool(ctx context.Context, path, printer string, copies int) error {
	req := Request{Path: path, Printer: printer, Settings: core.Settings{Copies: copies}}
	var extra []string
	if s.DPI > 0 {
		extra = []string{"-o", "ppi=" + strconv.Itoa(s.DPI)}
	}
	return runPrintCommand(ctx, s.Runner, "lpr", lprArgs(req, extra...)...)
}

// PaintSpooler prints composed pages through mspaint on Windows.
type PaintSpooler struct {
	Runner CommandRunner
}

func (s *PaintSpooler) Spool(ctx context.Context, path, printer string, copies int) error {
	args := []string{"/pt", path}
	if printer != "" {
		args = append(args, printer)
	}
	for i := 0; i < max(copies, 1); i++ {
		if err := runPrintCommand(ctx, s.Runner, "mspaint", args...); err != nil {
			return err
		}
	}
	return nil
}
