package dispatch

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

// DocumentSpooler prints a ready document file with a uniform margin given
// in points.
type DocumentSpooler interface {
	SpoolDocument(ctx context.Context, req Request, marginPt int) error
	SupportsMargin() bool
}

// PDFVariant prints paginated documents. Until page-range printing is
// enabled it fails every job with core.ErrNotImplemented. When enabled, the
// requested pages are extracted with pdfcpu and the result is spooled with
// the margin carried along.
type PDFVariant struct {
	Enabled  bool
	SpoolDir string
	Page     PageSpec
	Spooler  DocumentSpooler
	Logger   *zap.Logger
}

func (v *PDFVariant) Name() string { return "pdf" }

func (v *PDFVariant) logger() *zap.Logger {
	if v.Logger == nil {
		return zap.NewNop()
	}
	return v.Logger
}

func (v *PDFVariant) Submit(ctx context.Context, req Request) error {
	s := req.Settings
	if !v.Enabled {
		v.logger().Warn(fmt.Sprintf("pdf page-range printing is pending: pages=%s margin=%d%%", s.Pages, s.MarginPercent),
			zap.String("path", req.Path),
			zap.String("pages", s.Pages),
			zap.Int("margin_percent", s.MarginPercent),
			zap.Int("copies", s.Copies))
		return fmt.Errorf("%w: %w: pdf page-range printing (pages=%s, margin=%d%%)",
			core.ErrDispatch, core.ErrNotImplemented, s.Pages, s.MarginPercent)
	}
	if v.Spooler == nil {
		return fmt.Errorf("%w: no document spooler configured", core.ErrDispatch)
	}

	path := req.Path
	if pages := s.PageList(); len(pages) > 0 {
		trimmed, err := v.extractPages(path, pages)
		if err != nil {
			return err
		}
		defer os.Remove(trimmed)
		path = trimmed
	}

	out := Request{Path: path, Printer: req.Printer, Settings: s}
	out.Settings.Pages = core.PagesAll

	marginPt := v.marginPoints(s.MarginPercent)
	if marginPt > 0 && !v.Spooler.SupportsMargin() {
		v.logger().Warn("margin is not supported by this print path, printing without it",
			zap.String("path", req.Path),
			zap.Int("margin_percent", s.MarginPercent))
	}
	return v.Spooler.SpoolDocument(ctx, out, marginPt)
}

func (v *PDFVariant) extractPages(path string, pages []string) (string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	count, err := api.PageCountFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read pdf: %v", core.ErrDispatch, err)
	}

	if err := os.MkdirAll(v.SpoolDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: spool dir: %v", core.ErrDispatch, err)
	}
	out := filepath.Join(v.SpoolDir, uuid.NewString()+".pdf")
	if err := api.TrimFile(path, out, pages, conf); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("%w: extract pages %v of %d: %v", core.ErrDispatch, pages, count, err)
	}

	v.logger().Debug("pdf pages extracted",
		zap.String("path", path),
		zap.Strings("pages", pages),
		zap.Int("page_count", count))
	return out, nil
}

// marginPoints converts a percentage of the page's shorter side to points.
func (v *PDFVariant) marginPoints(percent int) int {
	if percent <= 0 {
		return 0
	}
	short := math.Min(v.Page.WidthMM, v.Page.HeightMM)
	return int(math.Round(mmToPoints(short * float64(percent) / 100)))
}
