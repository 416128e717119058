package dispatch

import (
	"context"
	"strconv"

	"github.com/orrn/printbot/internal/core"
)

// LinePrinter submits files with lpr on POSIX hosts.
type LinePrinter struct {
	Runner CommandRunner
	// Extra options appended before the file, e.g. "-o", "page-left=12".
	Extra []string
}

func (l *LinePrinter) Name() string { return "line-printer" }

func (l *LinePrinter) Submit(ctx context.Context, req Request) error {
	return runPrintCommand(ctx, l.Runner, "lpr", lprArgs(req, l.Extra...)...)
}

func lprArgs(req Request, extra ...string) []string {
	s := req.Settings
	var args []string
	if req.Printer != "" {
		args = append(args, "-P", req.Printer)
	}
	copies := s.Copies
	if copies < 1 {
		copies = 1
	}
	args = append(args, "-#", strconv.Itoa(copies))
	if s.Orientation == core.OrientationLandscape {
		args = append(args, "-o", "landscape")
	}
	if pages := s.PageList(); len(pages) > 0 {
		args = append(args, "-o", "page-ranges="+s.Pages)
	}
	args = append(args, extra...)
	return append(args, req.Path)
}

func (l *LinePrinter) SupportsMargin() bool { return true }

// SpoolDocument prints a document with CUPS page margins.
func (l *LinePrinter) SpoolDocument(ctx context.Context, req Request, marginPt int) error {
	extra := append([]string(nil), l.Extra...)
	if marginPt > 0 {
		pt := strconv.Itoa(marginPt)
		extra = append(extra,
			"-o", "page-left="+pt,
			"-o", "page-right="+pt,
			"-o", "page-top="+pt,
			"-o", "page-bottom="+pt)
	}
	return runPrintCommand(ctx, l.Runner, "lpr", lprArgs(req, extra...)...)
}
