package dispatch

import (
	"context"
	"fmt"
	"strings"
)

// ShellVariant hands a file to the Windows associated application through
// the PrintTo verb. Success only means the application accepted the file.
type ShellVariant struct {
	Runner CommandRunner
}

func (s *ShellVariant) Name() string { return "associated-application" }

func (s *ShellVariant) Submit(ctx context.Context, req Request) error {
	copies := req.Settings.Copies
	if copies < 1 {
		copies = 1
	}
	script := startProcessScript(req.Path, req.Printer)
	for i := 0; i < copies; i++ {
		if err := runPrintCommand(ctx, s.Runner, "powershell", "-NoProfile", "-NonInteractive", "-Command", script); err != nil {
			return err
		}
	}
	return nil
}

func startProcessScript(path, printer string) string {
	if printer == "" {
		return fmt.Sprintf("Start-Process -FilePath %s -Verb Print -Wait", psQuote(path))
	}
	return fmt.Sprintf("Start-Process -FilePath %s -Verb PrintTo -ArgumentList %s -Wait",
		psQuote(path), psQuote(`"`+printer+`"`))
}

// psQuote single-quotes s for PowerShell.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *ShellVariant) SupportsMargin() bool { return false }

// SpoolDocument prints through the associated application; the margin is
// left to the application.
func (s *ShellVariant) SpoolDocument(ctx context.Context, req Request, _ int) error {
	return s.Submit(ctx, req)
}
