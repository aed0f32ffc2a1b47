package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/securhealth/report-uploader/cmd/delivery"
	"github.com/securhealth/report-uploader/cmd/pipeline"
	"github.com/securhealth/report-uploader/cmd/report"
	"github.com/securhealth/report-uploader/cmd/source"
)

var ErrReportPanicked = errors.New("report processing panicked")

// Uploader delivers one report artifact and returns the storage endpoint's
// description of the stored file.
type Uploader interface {
	Upload(ctx context.Context, req report.UploadRequest) (map[string]any, error)
}

// ReportJob describes one report: where its rows come from and how the
// resulting artifact is named.
type ReportJob struct {
	Label        string
	Schema       report.Schema
	SheetName    string
	FileNameStem string
	Folder       string
	Fetch        pipeline.FetchFunc
}

// Runner fetches, shapes and uploads each report in turn.
type Runner struct {
	logger   *slog.Logger
	uploader Uploader
	retrier  *pipeline.Retrier
	spool    *delivery.Spool
	dryRun   bool
	progress func(label string, done, total int)
}

// NewRunner creates a Runner. uploader may be nil in dry-run mode and spool
// may be nil to disable local copies of failed uploads.
func NewRunner(logger *slog.Logger, uploader Uploader, retrier *pipeline.Retrier, spool *delivery.Spool, dryRun bool) *Runner {
	return &Runner{
		logger:   logger,
		uploader: uploader,
		retrier:  retrier,
		spool:    spool,
		dryRun:   dryRun,
	}
}

// OnProgress registers fn to be called before each report and once when all
// reports are done (with an empty label).
func (r *Runner) OnProgress(fn func(label string, done, total int)) {
	r.progress = fn
}

func (r *Runner) notify(label string, done, total int) {
	if r.progress != nil {
		r.progress(label, done, total)
	}
}

// Run processes every job. A failing report does not stop the others; all
// failures are joined into the returned error.
func (r *Runner) Run(ctx context.Context, jobs []ReportJob) error {
	var errs []error
	for i, job := range jobs {
		r.notify(job.Label, i, len(jobs))
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.runReport(ctx, job); err != nil {
			r.logger.Error(fmt.Sprintf("❌ %s report failed", job.Label), "error", err)
			errs = append(errs, err)
		}
	}
	r.notify("", len(jobs), len(jobs))
	return errors.Join(errs...)
}

func (r *Runner) runReport(ctx context.Context, job ReportJob) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrReportPanicked, job.Label, p)
		}
	}()

	r.logger.Info(fmt.Sprintf("Fetching %s data...", job.Label))
	rows := pipeline.SafeFetch(r.logger, job.Label, job.Fetch)
	if len(rows) == 0 {
		r.logger.Warn(fmt.Sprintf("No %s rows to upload.", job.Label))
		return nil
	}

	r.logger.Info(fmt.Sprintf("Preparing %s payload (%d rows)...", job.Label, len(rows)))
	req := report.UploadRequest{
		Columns:      job.Schema.Columns,
		Rows:         pipeline.Build(job.Schema, rows),
		SheetName:    job.SheetName,
		FileNameStem: job.FileNameStem,
		Folder:       job.Folder,
	}

	if r.dryRun {
		r.logger.Info(fmt.Sprintf("🔍 Dry run: skipping upload of %s", job.SheetName),
			"rows", len(req.Rows),
			"file_stem", job.FileNameStem)
		return nil
	}

	if r.uploader == nil {
		return fmt.Errorf("%s: no uploader configured", job.Label)
	}

	r.logger.Info(fmt.Sprintf("Uploading %s payload...", job.Label))
	err = r.retrier.Upload(ctx, req, func(ctx context.Context, req report.UploadRequest) error {
		result, err := r.uploader.Upload(ctx, req)
		if err != nil {
			return err
		}
		r.logger.Info(fmt.Sprintf("✅ Uploaded %s", job.SheetName),
			"name", result["name"],
			"web_url", result["webUrl"])
		return nil
	})
	if err == nil {
		return nil
	}

	if r.spool != nil {
		if path, serr := r.spool.Save(req); serr != nil {
			r.logger.Error("Failed to spool report locally", "error", serr)
		} else {
			r.logger.Warn(fmt.Sprintf("💾 Saved undelivered %s report to %s", job.Label, path))
		}
	}
	return fmt.Errorf("%s upload failed: %w", job.Label, err)
}

// sourceOpener connects to the database on first use. A failed connection is
// retried by the next fetch.
type sourceOpener struct {
	cfg source.DatabaseConfig

	mu  sync.Mutex
	src *source.Source
}

func (o *sourceOpener) get(ctx context.Context) (*source.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.src != nil {
		return o.src, nil
	}
	src, err := source.Open(ctx, o.cfg)
	if err != nil {
		return nil, err
	}
	o.src = src
	return src, nil
}

func (o *sourceOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	err := o.src.Close()
	o.src = nil
	return err
}

// defaultJobs returns the two reports fetched from the insights database.
func defaultJobs(ctx context.Context, open func(context.Context) (*source.Source, error)) []ReportJob {
	return []ReportJob{
		{
			Label:        "Medicare rate mismatch",
			Schema:       report.RateMismatch,
			SheetName:    "MedicareRateMismatch",
			FileNameStem: "MedicareRate",
			Fetch: func() (any, error) {
				src, err := open(ctx)
				if err != nil {
					return nil, err
				}
				return src.FetchRateMismatch(ctx)
			},
		},
		{
			Label:        "Multiplan terminated providers",
			Schema:       report.TerminatedProviders,
			SheetName:    "TerminatedProviders",
			FileNameStem: "MultiplanTerminatedProviders",
			Fetch: func() (any, error) {
				src, err := open(ctx)
				if err != nil {
					return nil, err
				}
				return src.FetchTerminatedProviders(ctx)
			},
		},
	}
}
