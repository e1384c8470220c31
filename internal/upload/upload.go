package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/internal/history"
)

// DefaultMaxBytes caps a stored upload.
const DefaultMaxBytes int64 = 10 << 20

var (
	ErrEmptyFile   = errors.New("empty file")
	ErrTooLarge    = errors.New("file too large")
	ErrUnsupported = errors.New("unsupported file type")
)

// Analyzer classifies extracted text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (*analysis.Response, error)
}

// Result is the outcome of one upload. Score and AIGenerated are nil
// unless the analysis succeeded.
type Result struct {
	ID          string   `json:"id"`
	Success     bool     `json:"success"`
	Message     string   `json:"message"`
	FileName    string   `json:"file_name"`
	StoredName  string   `json:"stored_name,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	AIGenerated *bool    `json:"ai_generated,omitempty"`
	Content     string   `json:"content,omitempty"`
	// FailureClass is set when analysis failed (see analysis.Class).
	FailureClass string `json:"failure_class,omitempty"`
}

// Config configures a Processor.
type Config struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// Processor saves an upload, extracts its text, analyzes it and records the
// outcome.
type Processor struct {
	dir      string
	maxBytes int64
	analyzer Analyzer
	history  *history.Fanout
	log      *slog.Logger
}

func NewProcessor(cfg Config, analyzer Analyzer, hist *history.Fanout, log *slog.Logger) (*Processor, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{dir: cfg.Dir, maxBytes: cfg.MaxBytes, analyzer: analyzer, history: hist, log: log}, nil
}

// Dir returns the storage directory.
func (p *Processor) Dir() string { return p.dir }

// Process handles one uploaded file. Extraction and analysis failures are
// reported in the Result; the error is reserved for storage failures.
func (p *Processor) Process(ctx context.Context, name string, r io.Reader) (*Result, error) {
	original := cleanName(name)
	res := &Result{ID: uuid.NewString(), FileName: original}
	res.StoredName = res.ID + "_" + original

	n, err := p.save(res.StoredName, r)
	switch {
	case errors.Is(err, ErrTooLarge):
		res.Message = fmt.Sprintf("Failed to upload file larger than %d bytes", p.maxBytes)
		return p.finish(ctx, res), nil
	case err != nil:
		return nil, err
	case n == 0:
		_ = os.Remove(filepath.Join(p.dir, res.StoredName))
		res.Message = "Failed to upload empty file"
		return p.finish(ctx, res), nil
	}

	text, err := extractText(filepath.Join(p.dir, res.StoredName))
	if err != nil || strings.TrimSpace(text) == "" {
		p.log.Warn("text extraction failed", "file", original, "error", err)
		res.Message = "Failed to extract text from file"
		return p.finish(ctx, res), nil
	}
	res.Content = text

	out, err := p.analyzer.Analyze(ctx, text)
	if err != nil {
		res.FailureClass = analysis.Class(err)
		res.Message = "File uploaded but analysis failed: " + res.FailureClass
		p.log.Error("upload analysis failed", "file", original, "id", res.ID, "error", err)
		return p.finish(ctx, res), nil
	}

	score, flagged := out.Score, out.AIGenerated
	res.Success = true
	res.Score = &score
	res.AIGenerated = &flagged
	if flagged {
		res.Message = fmt.Sprintf("File processed. AI content detected (%.2f%% confidence)", score*100)
	} else {
		res.Message = fmt.Sprintf("File processed. No significant AI content detected (%.2f%% confidence)", score*100)
	}
	p.log.Info("upload analyzed", "file", original, "id", res.ID, "score", score, "ai_generated", flagged)
	return p.finish(ctx, res), nil
}

func (p *Processor) save(stored string, r io.Reader) (int64, error) {
	path := filepath.Join(p.dir, stored)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("store upload: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, p.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("store upload: %w", err)
	}
	if n > p.maxBytes {
		_ = os.Remove(path)
		return n, ErrTooLarge
	}
	return n, nil
}

func (p *Processor) finish(ctx context.Context, res *Result) *Result {
	if p.history.Len() == 0 {
		return res
	}
	rec := &history.AnalysisRecord{
		UploadID: res.ID,
		FileName: res.FileName,
		Success:  res.Success,
		Message:  res.Message,
	}
	if res.Success {
		rec.Score = *res.Score
		rec.AIGenerated = *res.AIGenerated
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = p.history.Send(hctx, history.Event{Type: history.EventAnalysis, OccurredAt: time.Now().UTC(), Analysis: rec})
	return res
}

// PruneFiles removes stored uploads last modified before the cutoff.
func (p *Processor) PruneFiles(before time.Time) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// cleanName strips any directory part a client may send.
func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	return base
}

// extractText reads plain-text formats. Binary document formats are handled
// by an external extractor and rejected here.
func extractText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".text", ".markdown":
	default:
		return "", ErrUnsupported
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrUnsupported)
	}
	return strings.TrimPrefix(string(b), "\ufeff"), nil
}
