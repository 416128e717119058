package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VirtualPrinter is reported when the host exposes no printers.
const VirtualPrinter = "Virtual_Printer"

const defaultDetectInterval = time.Minute

// DetectPrinters lists the printers the host print system knows about. It
// never fails: when nothing can be detected it returns VirtualPrinter.
func DetectPrinters(ctx context.Context, runner CommandRunner, goos string) []string {
	if runner == nil {
		runner = ExecRunner{}
	}
	if goos == "" {
		goos = runtime.GOOS
	}

	var names []string
	switch {
	case goos == "windows":
		if out, err := runner.Run(ctx, "wmic", "printer", "get", "name"); err == nil {
			names = parseWMIC(out)
		}
		if len(names) == 0 {
			if out, err := runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command",
				"Get-Printer | Select-Object -ExpandProperty Name"); err == nil {
				names = parseLines(out)
			}
		}
	case isPOSIX(goos):
		if out, err := runner.Run(ctx, "lpstat", "-p"); err == nil {
			names = parseLpstat(out)
		}
	}

	if len(names) == 0 {
		return []string{VirtualPrinter}
	}
	return names
}

// parseLpstat reads lines like "printer Office_Laser is idle.  enabled since ...".
func parseLpstat(out []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "printer" {
			names = append(names, fields[1])
		}
	}
	return names
}

func parseWMIC(out []byte) []string {
	var names []string
	for _, line := range parseLines(out) {
		if strings.EqualFold(line, "name") {
			continue
		}
		names = append(names, line)
	}
	return names
}

func parseLines(out []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// PrinterMonitor periodically re-detects the host printers and caches the
// result for readers such as the HTTP API.
type PrinterMonitor struct {
	runner   CommandRunner
	goos     string
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	printers []string
	checked  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPrinterMonitor(runner CommandRunner, goos string, interval time.Duration, logger *zap.Logger) *PrinterMonitor {
	if interval <= 0 {
		interval = defaultDetectInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrinterMonitor{
		runner:   runner,
		goos:     goos,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start detects once synchronously, then keeps refreshing in the background
// until Stop.
func (m *PrinterMonitor) Start(ctx context.Context) {
	m.Refresh(ctx)

	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *PrinterMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *PrinterMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh runs detection now and returns the new list.
func (m *PrinterMonitor) Refresh(ctx context.Context) []string {
	names := DetectPrinters(ctx, m.runner, m.goos)

	m.mu.Lock()
	changed := !slices.Equal(m.printers, names)
	m.printers = names
	m.checked = time.Now()
	m.mu.Unlock()

	if changed {
		m.logger.Info("printers detected", zap.Strings("printers", names))
	}
	return names
}

// Printers returns the last detected list and when it was taken. Before the
// first refresh the list is empty.
func (m *PrinterMonitor) Printers() ([]string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.printers), m.checked
}
