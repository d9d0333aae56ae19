// Package backfill imports a directory of previously scanned documents
// through the pipeline, resumably.
package backfill

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/tally/internal/blobstore"
	"github.com/MikeSquared-Agency/tally/internal/dedup"
	"github.com/MikeSquared-Agency/tally/internal/extractor"
	"github.com/MikeSquared-Agency/tally/internal/processor"
	"github.com/MikeSquared-Agency/tally/internal/session"
)

// Config holds the backfill command configuration.
type Config struct {
	Dir        string
	SingleFile string // process a single file only
	StatePath  string
	Kind       extractor.Kind
	CallerID   string // recorded as the uploader (default: "backfill")
	Since      time.Time
	Until      time.Time
	DryRun     bool
	BatchSize  int
	BatchPause time.Duration
}

// Processor is satisfied by processor.Processor.
type Processor interface {
	Process(ctx context.Context, job session.Job) (*processor.Record, error)
}

// Poster receives batch summaries; slack.Poster satisfies it.
type Poster interface {
	PostThread(ctx context.Context, threadTS, text string) error
}

// FileSummary is the outcome of one imported file.
type FileSummary struct {
	Path       string
	Date       string
	DocumentID string
	Verdict    string
	Duplicate  bool
	Err        string
}

// Runner orchestrates the backfill process.
type Runner struct {
	cfg    Config
	proc   Processor
	blobs  blobstore.Store
	seen   dedup.Index
	poster Poster
	logger *slog.Logger
}

// NewRunner creates a backfill runner. poster may be nil.
func NewRunner(cfg Config, proc Processor, blobs blobstore.Store, seen dedup.Index, poster Poster, logger *slog.Logger) *Runner {
	if cfg.CallerID == "" {
		cfg.CallerID = "backfill"
	}
	if cfg.Kind == "" {
		cfg.Kind = extractor.KindInvoice
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Runner{
		cfg:    cfg,
		proc:   proc,
		blobs:  blobs,
		seen:   seen,
		poster: poster,
		logger: logger,
	}
}

// Run imports every eligible file not already recorded in the state file.
func (r *Runner) Run(ctx context.Context) (*BackfillState, error) {
	state, err := LoadState(r.cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	files, err := r.discoverFiles()
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}

	var pending []string
	for _, f := range files {
		if !state.IsProcessed(f) {
			pending = append(pending, f)
		}
	}
	state.FilesRemaining = len(pending)
	r.logger.Info("files to process",
		"discovered", len(files),
		"pending", len(pending),
		"dry_run", r.cfg.DryRun,
	)

	var summaries []FileSummary
	inBatch := 0
	for _, path := range pending {
		if err := ctx.Err(); err != nil {
			r.logger.Info("backfill interrupted, saving state")
			_ = state.Save()
			r.postBatchSummary(context.WithoutCancel(ctx), summaries)
			return state, err
		}

		fsum := r.importFile(ctx, path)
		switch {
		case fsum.Err != "":
			state.AddError(fmt.Sprintf("%s: %s", path, fsum.Err))
		case fsum.Duplicate:
			state.Duplicates++
		case fsum.Verdict == "":
			// dry run
		case fsum.Verdict == "auto_approve":
			state.DocumentsProcessed++
			state.AutoApproved++
		default:
			state.DocumentsProcessed++
			state.Queued++
		}
		summaries = append(summaries, fsum)

		if ctx.Err() != nil && fsum.Err != "" {
			// cancelled mid-file: leave it for the next run
			continue
		}
		state.MarkProcessed(path)
		state.FilesRemaining--
		if !r.cfg.DryRun {
			_ = state.Save()
		}

		inBatch++
		if inBatch >= r.cfg.BatchSize {
			r.postBatchSummary(ctx, summaries)
			summaries = nil
			inBatch = 0
			if r.cfg.BatchPause > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(r.cfg.BatchPause):
				}
			}
		}
	}

	if !r.cfg.DryRun {
		_ = state.Save()
	}
	r.postBatchSummary(ctx, summaries)

	r.logger.Info("backfill complete",
		"documents", state.DocumentsProcessed,
		"auto_approved", state.AutoApproved,
		"queued", state.Queued,
		"duplicates", state.Duplicates,
		"errors", len(state.Errors),
		"dry_run", r.cfg.DryRun,
	)
	return state, nil
}

func (r *Runner) importFile(ctx context.Context, path string) FileSummary {
	fsum := FileSummary{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		fsum.Err = err.Error()
		return fsum
	}
	fsum.Date = info.ModTime().UTC().Format(time.DateOnly)

	if r.cfg.DryRun {
		r.logger.Info("would import", "path", path, "bytes", info.Size())
		return fsum
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fsum.Err = err.Error()
		return fsum
	}

	fp := dedup.Fingerprint(data)
	dup, err := r.seen.Claim(ctx, r.cfg.CallerID, fp)
	if err != nil {
		fsum.Err = err.Error()
		return fsum
	}
	if dup {
		r.logger.Info("skipping duplicate file", "path", path)
		fsum.Duplicate = true
		return fsum
	}

	id := uuid.NewString()
	key := "backfill/" + id
	mediaType := MediaType(path)
	if err := r.blobs.Upload(ctx, key, bytes.NewReader(data), mediaType); err != nil {
		_ = r.seen.Release(ctx, r.cfg.CallerID, fp)
		fsum.Err = fmt.Sprintf("upload: %v", err)
		return fsum
	}

	rec, err := r.proc.Process(ctx, session.Job{
		CallerID:    r.cfg.CallerID,
		DocumentID:  id,
		BlobKey:     key,
		MediaType:   mediaType,
		Kind:        string(r.cfg.Kind),
		Fingerprint: fp,
	})
	if err != nil {
		_ = r.seen.Release(ctx, r.cfg.CallerID, fp)
		r.logger.Error("process failed", "path", path, "error", err)
		fsum.Err = err.Error()
		return fsum
	}

	fsum.DocumentID = rec.ID
	fsum.Verdict = string(rec.Decision.Verdict)
	r.logger.Info("file imported",
		"path", path,
		"document_id", rec.ID,
		"verdict", rec.Decision.Verdict,
		"overall", rec.Score.Overall,
	)
	return fsum
}

// postBatchSummary posts a daily summary of backfill results to Slack.
// Without a poster it logs the summary instead.
func (r *Runner) postBatchSummary(ctx context.Context, summaries []FileSummary) {
	if len(summaries) == 0 {
		return
	}
	text := FormatDailySummary(summaries)
	if r.poster == nil {
		r.logger.Info("backfill batch summary", "summary", text)
		return
	}
	if err := r.poster.PostThread(ctx, "", text); err != nil {
		r.logger.Warn("failed to post batch summary to Slack, logging instead",
			"error", err,
			"summary", text,
		)
	}
}

// FormatDailySummary formats file summaries grouped by file date.
func FormatDailySummary(summaries []FileSummary) string {
	byDate := make(map[string][]FileSummary)
	for _, s := range summaries {
		date := s.Date
		if date == "" {
			date = "unknown"
		}
		byDate[date] = append(byDate[date], s)
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var sb strings.Builder
	sb.WriteString("*Backfill Batch Summary*\n")

	for _, date := range dates {
		files := byDate[date]
		approved, queued := 0, 0
		for _, f := range files {
			switch {
			case f.Verdict == "auto_approve":
				approved++
			case f.Verdict != "":
				queued++
			}
		}
		fmt.Fprintf(&sb, "\n*%s* (%d files, %d auto-approved, %d queued)\n", date, len(files), approved, queued)
		for _, f := range files {
			fmt.Fprintf(&sb, "  - %s: ", filepath.Base(f.Path))
			switch {
			case f.Err != "":
				fmt.Fprintf(&sb, "error (%s)", f.Err)
			case f.Duplicate:
				sb.WriteString("duplicate")
			case f.Verdict == "":
				sb.WriteString("not imported")
			default:
				sb.WriteString(f.Verdict)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

var mediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".pdf":  "application/pdf",
}

// MediaType maps a file extension to the upload media type, or "" when the
// file is not a supported scan.
func MediaType(path string) string {
	return mediaTypes[strings.ToLower(filepath.Ext(path))]
}

func (r *Runner) discoverFiles() ([]string, error) {
	if r.cfg.SingleFile != "" {
		path := expandHome(r.cfg.SingleFile)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("single file not found: %s", path)
		}
		return []string{path}, nil
	}

	dir := expandHome(r.cfg.Dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || MediaType(path) == "" {
			return nil
		}
		fi, err := d.Info()
		if err != nil || !r.inDateRange(fi.ModTime()) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// inDateRange checks the file's modification time against since/until.
func (r *Runner) inDateRange(t time.Time) bool {
	if !r.cfg.Since.IsZero() && t.Before(r.cfg.Since) {
		return false
	}
	if !r.cfg.Until.IsZero() && t.After(r.cfg.Until) {
		return false
	}
	return true
}
