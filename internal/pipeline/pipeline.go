package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mrfingest/internal/fetch"
)

// Counts are the per-file row totals reported by a processor.
type Counts struct {
	Services        int64
	StandardCharges int64
	PayerCharges    int64
}

func (c *Counts) add(o Counts) {
	c.Services += o.Services
	c.StandardCharges += o.StandardCharges
	c.PayerCharges += o.PayerCharges
}

// Processor ingests one payload file end to end (parse, transform, load).
type Processor func(ctx context.Context, path string) (Counts, error)

const (
	StatusLoaded  = "loaded"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Outcome records what happened to one URL.
type Outcome struct {
	URL    string
	Status string
	Detail string
	Counts Counts
}

// Summary is the per-run report.
type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Loaded   int
	Skipped  int
	Failed   int
	Totals   Counts
	Outcomes []Outcome
}

// Config drives a Pipeline. Zero values are replaced with defaults by New.
type Config struct {
	Fetcher *fetch.Fetcher

	// MaxBuffered caps both queues, which caps how many downloaded files
	// can sit on disk ahead of the consumer. Default: 3.
	MaxBuffered int

	// AllowedExts limits which ZIP entries count as payloads.
	// Default: .csv, .json.
	AllowedExts []string

	// ProcessCSV / ProcessJSON ingest one payload each. Payloads with any
	// other extension are skipped.
	ProcessCSV  Processor
	ProcessJSON Processor

	// Sequential disables the producer/consumer overlap and handles one
	// URL at a time. Useful when disk is tight or for debugging.
	Sequential bool
}

// Pipeline coordinates fetch+extract against transform+load. One producer
// and one consumer overlap across URLs; the bounded queues are the
// backpressure that keeps at most MaxBuffered files on disk beyond the one
// being processed.
type Pipeline struct {
	cfg Config
}

// result is what the producer hands the consumer for one URL. cleanup holds
// every path the producer put on disk for this URL, even when err is set.
type result struct {
	url     string
	payload string
	cleanup []string
	err     error
}

func New(cfg Config) *Pipeline {
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 3
	}
	if len(cfg.AllowedExts) == 0 {
		cfg.AllowedExts = []string{".csv", ".json"}
	}
	return &Pipeline{cfg: cfg}
}

// Run ingests every URL and reports the per-run summary. Per-URL failures
// are recorded and skipped; Run only returns an error when the context is
// cancelled.
func (p *Pipeline) Run(ctx context.Context, urls []string) (*Summary, error) {
	sum := &Summary{
		RunID:   uuid.NewString(),
		Started: time.Now(),
	}
	slog.Info("run started", "run_id", sum.RunID, "urls", len(urls), "sequential", p.cfg.Sequential)

	var err error
	if p.cfg.Sequential {
		err = p.runSequential(ctx, urls, sum)
	} else {
		err = p.runPipelined(ctx, urls, sum)
	}
	sum.Finished = time.Now()

	slog.Info("run finished",
		"run_id", sum.RunID,
		"loaded", sum.Loaded, "skipped", sum.Skipped, "failed", sum.Failed,
		"services", sum.Totals.Services,
		"standard_charges", sum.Totals.StandardCharges,
		"payer_charges", sum.Totals.PayerCharges,
		"elapsed", sum.Finished.Sub(sum.Started).Round(time.Millisecond))
	if err != nil {
		return sum, err
	}
	return sum, nil
}

func (p *Pipeline) runSequential(ctx context.Context, urls []string, sum *Summary) error {
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.record(p.consume(ctx, p.produce(ctx, u)))
	}
	return nil
}

func (p *Pipeline) runPipelined(ctx context.Context, urls []string, sum *Summary) error {
	urlCh := make(chan string, p.cfg.MaxBuffered)
	resCh := make(chan result, p.cfg.MaxBuffered)

	g, ctx := errgroup.WithContext(ctx)

	// Feeder: channel close is the terminator.
	g.Go(func() error {
		defer close(urlCh)
		for _, u := range urls {
			select {
			case urlCh <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// Worker: fetch+extract; failures become error results so the consumer
	// still sees exactly one result per URL and owns the cleanup either way.
	// The send is unconditional: the consumer drains resCh until close even
	// after a cancel, and bailing out between produce and the send would
	// orphan whatever produce just put on disk. Cancellation stops the
	// worker through the feeder closing urlCh.
	g.Go(func() error {
		defer close(resCh)
		for u := range urlCh {
			resCh <- p.produce(ctx, u)
		}
		return nil
	})

	// Main: consume one result per URL. Keeps draining after a cancel so
	// the worker never blocks and every cleanup set is still released.
	g.Go(func() error {
		for res := range resCh {
			sum.record(p.consume(ctx, res))
		}
		return ctx.Err()
	})

	return g.Wait()
}

func (p *Pipeline) produce(ctx context.Context, url string) result {
	res := result{url: url}

	path, err := p.cfg.Fetcher.Fetch(ctx, url)
	if err != nil {
		res.err = err
		return res
	}

	payload, cleanup, err := fetch.Extract(path, p.cfg.AllowedExts)
	res.cleanup = cleanup
	if err != nil {
		res.err = err
		return res
	}
	res.payload = payload
	return res
}

// consume processes one result and always releases its disk footprint, no
// matter which way processing went.
func (p *Pipeline) consume(ctx context.Context, res result) Outcome {
	defer p.cleanup(res.cleanup)

	if res.err != nil {
		// A 403 or an archive with nothing loadable inside is a property of
		// the source, not a pipeline fault; record it and move on.
		if errors.Is(res.err, fetch.ErrForbidden) || errors.Is(res.err, fetch.ErrNoPayload) {
			slog.Warn("url skipped", "url", res.url, "reason", res.err)
			return Outcome{URL: res.url, Status: StatusSkipped, Detail: res.err.Error()}
		}
		slog.Error("fetch failed", "url", res.url, "error", res.err)
		return Outcome{URL: res.url, Status: StatusFailed, Detail: res.err.Error()}
	}

	if err := ctx.Err(); err != nil {
		return Outcome{URL: res.url, Status: StatusSkipped, Detail: err.Error()}
	}

	var process Processor
	switch strings.ToLower(filepath.Ext(res.payload)) {
	case ".csv":
		process = p.cfg.ProcessCSV
	case ".json":
		process = p.cfg.ProcessJSON
	default:
		slog.Warn("url skipped", "url", res.url, "reason", "unsupported payload type", "payload", filepath.Base(res.payload))
		return Outcome{URL: res.url, Status: StatusSkipped, Detail: fmt.Sprintf("unsupported payload %s", filepath.Base(res.payload))}
	}

	counts, err := process(ctx, res.payload)
	if err != nil {
		slog.Error("load failed", "url", res.url, "error", err)
		return Outcome{URL: res.url, Status: StatusFailed, Detail: err.Error(), Counts: counts}
	}
	return Outcome{URL: res.url, Status: StatusLoaded, Counts: counts}
}

// cleanup deletes every path the producer created for one URL. Paths are
// owned by exactly one result, so each is deleted exactly once.
func (p *Pipeline) cleanup(paths []string) {
	// Reverse order: extracted entries before their directory.
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.RemoveAll(paths[i]); err != nil {
			slog.Warn("cleanup failed", "path", paths[i], "error", err)
		}
	}
}

func (s *Summary) record(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	s.Totals.add(o.Counts)
	switch o.Status {
	case StatusLoaded:
		s.Loaded++
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}
