// Package executor runs a single scrape attempt for a work item: pick the
// platform scraper, scrape, store the image and shape the result.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/scraper"
	"github.com/zianncupcake/myfoods-backend/internal/uploader"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
)

const maxMessageLen = 100

// State tracks one invocation of Execute.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateRunning    State = "RUNNING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
)

// Outcome is what an attempt produced. Err is set exactly when State is
// StateFailed. Trace carries diagnostics such as a recovered panic stack.
type Outcome struct {
	State  State
	Result *scraper.ScrapeResult
	Err    error
	Trace  string
}

func succeeded(res *scraper.ScrapeResult) Outcome {
	return Outcome{State: StateSucceeded, Result: res}
}

func failed(err error) Outcome {
	return Outcome{State: StateFailed, Err: err}
}

// ScraperLookup resolves a platform to its scraper.
type ScraperLookup interface {
	Lookup(p domain.Platform, url string) (scraper.Scraper, error)
}

// Executor is safe for use by one lane at a time.
type Executor struct {
	scrapers ScraperLookup
	uploader uploader.Uploader
	logger   *slog.Logger
}

func New(scrapers ScraperLookup, up uploader.Uploader, logger *slog.Logger) *Executor {
	return &Executor{scrapers: scrapers, uploader: up, logger: logger}
}

// Execute runs one attempt. It never panics: a panicking scraper becomes a
// terminal failure. Scraper resources and memory are released on every path.
func (e *Executor) Execute(ctx context.Context, item domain.WorkItem) (out Outcome) {
	out.State = StateNotStarted
	log := e.logger.With(slog.String("task_id", item.TaskID), slog.String("platform", string(item.Platform)))

	var s scraper.Scraper
	defer func() {
		if r := recover(); r != nil {
			log.Error("scrape panicked", slog.Any("panic", r))
			out = failed(&domain.TerminalError{Msg: domain.Truncate(fmt.Sprintf("Unhandled Exception: %v", r), maxMessageLen)})
			out.Trace = string(debug.Stack())
		}
		if s != nil {
			if err := s.Close(); err != nil {
				log.Warn("scraper close", slog.String("error", err.Error()))
			}
		}
		runtime.GC()
	}()

	out.State = StateRunning
	s, err := e.scrapers.Lookup(item.Platform, item.SourceURL)
	if err != nil {
		return failed(err)
	}

	res, err := s.Scrape(ctx, item.SourceURL)
	if err != nil {
		return failed(err)
	}
	if res.Empty() {
		return failed(&domain.TerminalError{Msg: "No data found"})
	}

	if res.ImageURL != "" {
		info, err := e.uploader.Upload(ctx, res.ImageURL, "images/"+item.TaskID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(ctxErr)
		}
		if err != nil {
			log.Warn("image upload failed", slog.String("error", err.Error()))
			telemetry.WorkerUploadFailures.Inc()
			res.R2ImageError = "Image upload failed: " + domain.Truncate(err.Error(), maxMessageLen)
		} else {
			res.R2ImageURL = info.PublicURL
		}
	}
	return succeeded(res)
}
