package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"mrfingest/internal/db"
	"mrfingest/internal/etl"
	"mrfingest/internal/fetch"
	"mrfingest/internal/pipeline"
	"mrfingest/internal/snapshot"
)

var (
	flagIndexURLs   []string
	flagMRFURLs     []string
	flagDownloadDir string
	flagMaxBuffered int
	flagCredentials string
	flagSnapshotDir string
	flagSequential  bool
	flagImpersonate bool
	flagVerbose     bool
)

func main() {
	root := &cobra.Command{
		Use:           "mrf-ingest",
		Short:         "Ingest hospital price-transparency MRF files into Postgres",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagVerbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.TimeOnly,
			})))
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	run := &cobra.Command{
		Use:   "run",
		Short: "Fetch, transform and load MRF files",
		RunE:  runIngest,
	}
	run.Flags().StringArrayVar(&flagIndexURLs, "index-url", nil, "index file URL listing mrf-url lines (repeatable)")
	run.Flags().StringArrayVar(&flagMRFURLs, "mrf-url", nil, "direct MRF file URL (repeatable)")
	run.Flags().StringVar(&flagDownloadDir, "download-dir", "", "where downloads land (default: a temp dir)")
	run.Flags().IntVar(&flagMaxBuffered, "max-buffered", 3, "max files fetched ahead of the loader")
	run.Flags().StringVar(&flagCredentials, "credentials", filepath.Join("Credentials", "cred.txt"), "file whose first line is the Postgres connection string")
	run.Flags().StringVar(&flagSnapshotDir, "snapshot-dir", "", "also write a Parquet snapshot per hospital into this dir")
	run.Flags().BoolVar(&flagSequential, "sequential", false, "handle one URL at a time instead of overlapping fetch and load")
	run.Flags().BoolVar(&flagImpersonate, "impersonate", false, "use a browser-like TLS handshake for picky CDNs")
	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	if len(flagIndexURLs) == 0 && len(flagMRFURLs) == 0 {
		return fmt.Errorf("nothing to do: pass --index-url or --mrf-url")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connStr, err := readConnString(flagCredentials)
	if err != nil {
		return err
	}

	downloadDir := flagDownloadDir
	if downloadDir == "" {
		downloadDir, err = os.MkdirTemp("", "mrf-ingest-*")
		if err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}
		defer os.RemoveAll(downloadDir)
	}

	loader, err := db.Connect(ctx, connStr)
	if err != nil {
		return err
	}
	defer loader.Close()
	if err := loader.EnsureSchema(ctx); err != nil {
		return err
	}

	fetcher := fetch.New(fetch.Config{
		DownloadDir: downloadDir,
		Impersonate: flagImpersonate,
	})

	urls, err := collectURLs(ctx, fetcher)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		slog.Warn("no MRF urls found")
		return nil
	}

	csvProc, jsonProc := newProcessors(loader, flagSnapshotDir)

	p := pipeline.New(pipeline.Config{
		Fetcher:     fetcher,
		MaxBuffered: flagMaxBuffered,
		ProcessCSV:  csvProc,
		ProcessJSON: jsonProc,
		Sequential:  flagSequential,
	})

	sum, err := p.Run(ctx, urls)
	if sum != nil {
		for _, o := range sum.Outcomes {
			if o.Status != pipeline.StatusLoaded {
				slog.Info("outcome", "url", o.URL, "status", o.Status, "detail", o.Detail)
			}
		}
	}
	return err
}

// collectURLs resolves the direct URLs plus everything the index files
// name, deduplicated and in stable order.
func collectURLs(ctx context.Context, fetcher *fetch.Fetcher) ([]string, error) {
	set := make(map[string]struct{})
	for _, u := range flagMRFURLs {
		set[u] = struct{}{}
	}

	for _, idxURL := range flagIndexURLs {
		path, err := fetcher.Fetch(ctx, idxURL)
		if err != nil {
			return nil, fmt.Errorf("fetch index %s: %w", idxURL, err)
		}
		urls, err := fetch.ParseIndex(path)
		os.Remove(path)
		if err != nil {
			return nil, err
		}
		for u := range urls {
			set[u] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// readConnString returns the first non-empty line of the credentials file.
func readConnString(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open credentials %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read credentials %s: %w", path, err)
	}
	return "", fmt.Errorf("credentials file %s is empty", path)
}

// teeSource mirrors every record flowing into the loader to a snapshot
// writer.
type teeSource struct {
	src db.RecordSource
	w   *snapshot.Writer
	key string
}

func (t *teeSource) Next() ([]etl.Record, error) {
	recs, err := t.src.Next()
	for i := range recs {
		t.w.Add(t.key, &recs[i])
	}
	return recs, err
}

func newProcessors(loader *db.Loader, snapshotDir string) (csvProc, jsonProc pipeline.Processor) {
	load := func(ctx context.Context, hospital etl.Hospital, src db.RecordSource) (pipeline.Counts, error) {
		var snap *snapshot.Writer
		var snapPath string
		if snapshotDir != "" {
			if err := os.MkdirAll(snapshotDir, 0755); err != nil {
				return pipeline.Counts{}, fmt.Errorf("create snapshot dir: %w", err)
			}
			snapPath = filepath.Join(snapshotDir, snapshotName(hospital.Key))
			w, err := snapshot.NewWriter(snapPath)
			if err != nil {
				return pipeline.Counts{}, err
			}
			snap = w
			src = &teeSource{src: src, w: w, key: hospital.Key}
		}

		counts, err := loader.LoadHospital(ctx, hospital, src)
		out := pipeline.Counts{
			Services:        counts.Services,
			StandardCharges: counts.StandardCharges,
			PayerCharges:    counts.PayerCharges,
		}
		if err != nil {
			if snap != nil {
				snap.Close()
				os.Remove(snapPath)
			}
			return out, err
		}
		if snap != nil {
			if err := snap.Close(); err != nil {
				return out, err
			}
			slog.Info("snapshot written", "hospital", hospital.Key, "rows", snap.Count())
		}
		return out, nil
	}

	csvProc = func(ctx context.Context, path string) (pipeline.Counts, error) {
		r, err := etl.NewCSVReader(path)
		if err != nil {
			return pipeline.Counts{}, err
		}
		defer r.Close()
		return load(ctx, r.Hospital(), r)
	}

	jsonProc = func(ctx context.Context, path string) (pipeline.Counts, error) {
		r, err := etl.NewJSONReader(path)
		if err != nil {
			return pipeline.Counts{}, err
		}
		defer r.Close()
		return load(ctx, r.Hospital(), r)
	}
	return csvProc, jsonProc
}

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// snapshotName derives a filesystem-safe parquet filename from the hospital
// key ("12345|CA" → "12345_CA.parquet").
func snapshotName(key string) string {
	name := unsafeNameRe.ReplaceAllString(key, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "hospital"
	}
	return name + ".parquet"
}
