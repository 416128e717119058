// Package dispatch turns a stored file and its settings into an operating
// system print action.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

// Request is one submission handed to a variant.
type Request struct {
	Path     string
	Printer  string
	Settings core.Settings
}

// Variant is one OS/file-kind specific print mechanism.
type Variant interface {
	Name() string
	Submit(ctx context.Context, req Request) error
}

// Registry selects a variant by (host OS, lowercase extension). It is built
// once and read-only afterwards.
type Registry struct {
	goos     string
	variants map[string]Variant
	logger   *zap.Logger
}

func NewRegistry(goos string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{goos: goos, variants: make(map[string]Variant), logger: logger}
}

// Register binds v to each extension on the registry's host OS.
func (r *Registry) Register(v Variant, exts ...string) {
	for _, ext := range exts {
		r.variants[normalizeExt(ext)] = v
	}
}

// Lookup returns the variant for path, or an *core.UnsupportedTargetError.
func (r *Registry) Lookup(path string) (Variant, error) {
	ext := normalizeExt(filepath.Ext(path))
	v, ok := r.variants[ext]
	if !ok {
		return nil, &core.UnsupportedTargetError{OS: r.goos, Ext: ext}
	}
	return v, nil
}

// Dispatch implements core.Dispatcher.
func (r *Registry) Dispatch(ctx context.Context, path, printer string, settings core.Settings) error {
	v, err := r.Lookup(path)
	if err != nil {
		return err
	}
	r.logger.Debug("dispatching",
		zap.String("variant", v.Name()),
		zap.String("path", path),
		zap.String("printer", printer))
	return v.Submit(ctx, Request{Path: path, Printer: printer, Settings: settings})
}

// Extensions lists the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.variants))
	for ext := range r.variants {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

var (
	imageExts   = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"}
	posixText   = []string{".txt", ".ps", ".text"}
	windowsDocs = []string{".txt", ".doc", ".docx", ".rtf", ".xps"}
)

func isPOSIX(goos string) bool {
	switch goos {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd":
		return true
	}
	return false
}

// Config holds everything the host registry needs.
type Config struct {
	// GOOS overrides runtime.GOOS, mainly for tests.
	GOOS          string
	SpoolDir      string
	PDFPageRanges bool
	Page          PageSpec
	// MaxPixels caps decoded image size; zero means DefaultMaxPixels.
	MaxPixels     int
	Runner        CommandRunner
	Logger        *zap.Logger
}

// NewHostRegistry builds the variant table for the host operating system.
// Hosts without a print mechanism get an empty registry, so every job fails
// with an unsupported target error.
func NewHostRegistry(cfg Config) (*Registry, error) {
	goos := cfg.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := NewRegistry(goos, logger)

	device, err := NewRasterDevice(cfg.Page)
	if err != nil {
		return nil, fmt.Errorf("page device: %w", err)
	}

	var spool Spooler
	switch {
	case goos == "windows":
		shell := &ShellVariant{Runner: cfg.Runner}
		spool = &PaintSpooler{Runner: cfg.Runner}
		reg.Register(shell, windowsDocs...)
		reg.Register(&PDFVariant{
			Enabled:  cfg.PDFPageRanges,
			SpoolDir: cfg.SpoolDir,
			Page:     cfg.Page,
			Spooler:  shell,
			Logger:   logger.Named("pdf"),
		}, ".pdf")
	case isPOSIX(goos):
		lpr := &LinePrinter{Runner: cfg.Runner}
		spool = &LPRSpooler{Runner: cfg.Runner, DPI: cfg.Page.DPI}
		reg.Register(lpr, posixText...)
		reg.Register(&PDFVariant{
			Enabled:  cfg.PDFPageRanges,
			SpoolDir: cfg.SpoolDir,
			Page:     cfg.Page,
			Spooler:  lpr,
			Logger:   logger.Named("pdf"),
		}, ".pdf")
	default:
		logger.Warn("no print mechanism for host", zap.String("goos", goos))
		return reg, nil
	}

	reg.Register(&ImageVariant{
		Device:    device,
		SpoolDir:  cfg.SpoolDir,
		Spooler:   spool,
		MaxPixels: cfg.MaxPixels,
		Logger:    logger.Named("image"),
	}, imageExts...)

	return reg, nil
}
