package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

const maxNameSuffix = 10000

// InstructionResolver turns free text into per-file settings. It returns
// exactly fileCount entries; entries it could not resolve are empty and the
// error wraps ErrResolver.
type InstructionResolver interface {
	Resolve(ctx context.Context, instructions string, fileCount int) ([]RawSettings, error)
}

// Renderer is the optional pixel pre-step for image files. It returns the
// path of a processed copy.
type Renderer interface {
	Render(ctx context.Context, path string, settings Settings) (string, error)
}

type IntakeConfig struct {
	FilesDir string
	Resolver InstructionResolver
	Renderer Renderer
	Events   EventSink
	Logger   *zap.Logger
}

// Intake persists inbound files and creates their pending job records.
type Intake struct {
	store    JobStore
	filesDir string
	resolver InstructionResolver
	renderer Renderer
	events   EventSink
	logger   *zap.Logger
}

func NewIntake(store JobStore, cfg IntakeConfig) (*Intake, error) {
	if cfg.FilesDir == "" {
		return nil, errors.New("files dir is required")
	}
	if err := os.MkdirAll(cfg.FilesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create files dir: %w", err)
	}
	if cfg.Events == nil {
		cfg.Events = nopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		store:    store,
		filesDir: cfg.FilesDir,
		resolver: cfg.Resolver,
		renderer: cfg.Renderer,
		events:   cfg.Events,
		logger:   logger,
	}, nil
}

// SubmitJob stores data under a sanitized, collision-free name and creates a
// pending job for it.
func (in *Intake) SubmitJob(ctx context.Context, sourceRef, originalName string, data []byte, settings Settings) (int64, error) {
	settings = settings.Normalize()
	if settings.Type == "" {
		settings.Type = TypeForName(originalName)
	}

	path, err := in.storeFile(originalName, data)
	if err != nil {
		return 0, err
	}

	id, err := in.store.Create(ctx, NewJob{
		SourceReference: sourceRef,
		OriginalName:    originalName,
		StoredPath:      path,
		Settings:        settings,
	})
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			in.logger.Warn("failed to remove orphaned file", zap.String("path", path), zap.Error(rmErr))
		}
		return 0, err
	}

	in.logger.Info("job queued",
		zap.Int64("job_id", id),
		zap.String("file", originalName),
		zap.String("stored_path", path))
	in.events.Publish(JobEvent{
		Type:            EventJobQueued,
		JobID:           id,
		Status:          StatusPending,
		SourceReference: sourceRef,
		OriginalName:    originalName,
		Timestamp:       time.Now().UTC(),
	})
	return id, nil
}

// Reprint queues a new job from an existing record's stored file and
// settings. The original job is left untouched.
func (in *Intake) Reprint(ctx context.Context, id int64) (int64, error) {
	job, err := in.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if !job.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: job %d is still %s", ErrConflict, id, job.Status)
	}

	data, err := os.ReadFile(job.StoredPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMissingFile, err)
	}
	return in.SubmitJob(ctx, job.SourceReference, job.OriginalName, data, job.Settings)
}

type BatchFile struct {
	Name string
	Data []byte
}

// Batch is one inbound request: several files plus either free-text
// instructions or explicit settings.
type Batch struct {
	SourceReference string
	Instructions    string
	Settings        []RawSettings
	Files           []BatchFile
}

type BatchResult struct {
	FileIndex int      `json:"file_index"`
	Name      string   `json:"name"`
	JobID     int64    `json:"job_id,omitempty"`
	Settings  Settings `json:"settings"`
	Error     string   `json:"error,omitempty"`
}

// SubmitBatch submits every file of b independently. Per-file failures are
// reported in the results and do not stop the batch; the error is non-nil
// only when no file could be queued.
func (in *Intake) SubmitBatch(ctx context.Context, b Batch) ([]BatchResult, error) {
	if len(b.Files) == 0 {
		return nil, errors.New("batch has no files")
	}

	settings := in.resolveSettings(ctx, b)
	results := make([]BatchResult, len(b.Files))
	queued := 0

	for i, f := range b.Files {
		s := settings[i]
		if s.Type == "" {
			s.Type = TypeForName(f.Name)
		}
		results[i] = BatchResult{FileIndex: i + 1, Name: f.Name, Settings: s}

		data := in.render(ctx, f, s)
		id, err := in.SubmitJob(ctx, b.SourceReference, f.Name, data, s)
		if err != nil {
			in.logger.Error("failed to submit file",
				zap.String("file", f.Name),
				zap.Int("file_index", i+1),
				zap.Error(err))
			results[i].Error = err.Error()
			continue
		}
		results[i].JobID = id
		queued++
	}

	if queued == 0 {
		return results, fmt.Errorf("none of %d files could be queued", len(b.Files))
	}
	return results, nil
}

// resolveSettings returns one settings value per file. Explicit settings win
// over instructions; anything unresolved gets full defaults.
func (in *Intake) resolveSettings(ctx context.Context, b Batch) []Settings {
	n := len(b.Files)
	raw := b.Settings

	if len(raw) == 0 && strings.TrimSpace(b.Instructions) != "" && in.resolver != nil {
		resolved, err := in.resolver.Resolve(ctx, b.Instructions, n)
		if err != nil {
			in.logger.Warn("instruction resolver degraded, using defaults where needed",
				zap.String("source_reference", b.SourceReference),
				zap.Error(err))
		}
		raw = resolved
	}

	byIndex := make(map[int]RawSettings, len(raw))
	for pos, r := range raw {
		idx := pos + 1
		if r.FileIndex != nil && int(*r.FileIndex) >= 1 && int(*r.FileIndex) <= n {
			idx = int(*r.FileIndex)
		}
		if _, taken := byIndex[idx]; !taken {
			byIndex[idx] = r
		}
	}

	out := make([]Settings, n)
	for i := range out {
		r := byIndex[i+1]
		r.FileIndex = nil
		out[i] = r.Normalize(i + 1)
	}
	return out
}

func needsRender(s Settings) bool {
	return s.Orientation == OrientationLandscape || s.Scale == ScaleGrayscale || s.MarginPercent > 0
}

// render runs the renderer pre-step on image files. Any failure falls back
// to the unprocessed bytes.
func (in *Intake) render(ctx context.Context, f BatchFile, s Settings) []byte {
	if in.renderer == nil || s.Type != TypeImage || !needsRender(s) {
		return f.Data
	}

	tmpDir, err := os.MkdirTemp("", "printbot-render-")
	if err != nil {
		in.logger.Warn("render skipped", zap.String("file", f.Name), zap.Error(err))
		return f.Data
	}
	defer os.RemoveAll(tmpDir)

	src := filepath.Join(tmpDir, SanitizeName(f.Name))
	if err := os.WriteFile(src, f.Data, 0o644); err != nil {
		in.logger.Warn("render skipped", zap.String("file", f.Name), zap.Error(err))
		return f.Data
	}

	out, err := in.renderer.Render(ctx, src, s)
	if err != nil {
		in.logger.Warn("render failed, printing original", zap.String("file", f.Name), zap.Error(err))
		return f.Data
	}
	data, err := os.ReadFile(out)
	if err != nil {
		in.logger.Warn("render output unreadable, printing original", zap.String("file", f.Name), zap.Error(err))
		return f.Data
	}
	return data
}

func (in *Intake) storeFile(originalName string, data []byte) (string, error) {
	name := SanitizeName(originalName)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; n < maxNameSuffix; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}
		path := filepath.Join(in.filesDir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: create %s: %v", ErrStorage, path, err)
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(path)
			return "", fmt.Errorf("%w: write %s: %v", ErrStorage, path, werr)
		}
		return path, nil
	}
	return "", fmt.Errorf("%w: no free name for %s", ErrStorage, originalName)
}

// SanitizeName makes an upload name safe to use as a single path element.
func SanitizeName(name string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))

	trimmed := strings.TrimLeft(clean, ".")
	switch {
	case trimmed == "":
		return "file"
	case trimmed != clean && !strings.Contains(trimmed, "."):
		// ".pdf" is an extension without a stem; keep it so dispatch can
		// still pick a variant.
		return "file." + trimmed
	}
	return trimmed
}
