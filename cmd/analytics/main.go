// Command analytics runs the event pipeline as a standalone process: it
// watches a directory for newline-delimited JSON event files, emits each
// line through the orchestrator, and serves an admin HTTP surface with
// Prometheus metrics, a JSON snapshot, and DLQ inspection.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/backpressure"
	"github.com/kb-labs/analytics-pipeline/pkg/dlq"
	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/metrics"
	"github.com/kb-labs/analytics-pipeline/pkg/mid"
	"github.com/kb-labs/analytics-pipeline/pkg/middleware"
	"github.com/kb-labs/analytics-pipeline/pkg/orchestrator"
	"github.com/kb-labs/analytics-pipeline/pkg/resilience"
	"github.com/kb-labs/analytics-pipeline/pkg/sinks"
)

var met = metrics.New()

var (
	mFilesProcessed = met.Counter("kb_analytics_files_processed_total", "Event files scanned")
	mLinesEmitted   = met.Counter("kb_analytics_lines_emitted_total", "Lines decoded and emitted")
	mLinesRejected  = met.Counter("kb_analytics_lines_rejected_total", "Lines that failed to decode or were rejected by Emit")
	mQueueDepth     = met.Gauge("kb_analytics_queue_depth", "Current WAL segment event count")
	mEventsPerSec   = met.Gauge("kb_analytics_events_per_second_x1000", "Rolling events/sec, scaled by 1000 for integer gauge storage")
)

// Config holds all environment-based configuration.
type Config struct {
	Enabled bool

	WatchDir  string
	StateFile string
	ScanEvery time.Duration

	BufferDir     string
	SegmentBytes  int64
	SegmentMaxAge time.Duration
	DLQDir        string
	AdminAddr     string
	BusPort       int
	CORSOrigin    string
	BPHigh        int64
	BPCritical    int64

	PIIEnabled bool
	PIISaltID  string
	Salt       string
	Pepper     string

	SourceProduct string
	SourceVersion string

	FSSinkPath string

	HTTPSinkURL string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3ForcePath bool

	SQLitePath string
}

func loadConfig() Config {
	return Config{
		Enabled: envBool("KB_ANALYTICS_ENABLED", true),

		WatchDir:  envOr("KB_ANALYTICS_WATCH_DIR", "/tmp/kb-analytics/incoming"),
		StateFile: envOr("KB_ANALYTICS_STATE_FILE", "/tmp/kb-analytics/.analytics-state.json"),
		ScanEvery: envDuration("KB_ANALYTICS_SCAN_INTERVAL", 5*time.Second),

		BufferDir:     envOr("KB_ANALYTICS_BUFFER_DIR", "/tmp/kb-analytics/wal"),
		SegmentBytes:  envInt64("KB_ANALYTICS_BUFFER_SEGMENT_BYTES", 1<<20),
		SegmentMaxAge: time.Duration(envInt64("KB_ANALYTICS_BUFFER_SEGMENT_MAX_AGE_MS", 60_000)) * time.Millisecond,
		DLQDir:        envOr("KB_ANALYTICS_DLQ_DIR", "/tmp/kb-analytics/dlq"),
		AdminAddr:     envOr("KB_ANALYTICS_ADMIN_ADDR", ":9464"),
		BusPort:       envInt("KB_ANALYTICS_BUS_EMBEDDED_PORT", -1),
		CORSOrigin:    envOr("KB_ANALYTICS_CORS_ORIGIN", "*"),
		BPHigh:        envInt64("KB_ANALYTICS_BACKPRESSURE_HIGH", 20_000),
		BPCritical:    envInt64("KB_ANALYTICS_BACKPRESSURE_CRITICAL", 50_000),

		PIIEnabled: envBool("KB_ANALYTICS_PII_ENABLED", false),
		PIISaltID:  os.Getenv("KB_ANALYTICS_PII_SALT_ID"),
		Salt:       os.Getenv("KB_ANALYTICS_SALT"),
		Pepper:     os.Getenv("KB_ANALYTICS_PEPPER"),

		SourceProduct: envOr("KB_ANALYTICS_SOURCE_PRODUCT", "kb-analytics"),
		SourceVersion: envOr("KB_ANALYTICS_SOURCE_VERSION", "dev"),

		FSSinkPath: envOr("KB_ANALYTICS_FS_SINK_PATH", "/tmp/kb-analytics/sinks/fs"),

		HTTPSinkURL: os.Getenv("KB_ANALYTICS_HTTP_SINK_URL"),

		S3Bucket:    os.Getenv("KB_ANALYTICS_S3_BUCKET"),
		S3Region:    envOr("KB_ANALYTICS_S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("KB_ANALYTICS_S3_ENDPOINT"),
		S3ForcePath: envBool("KB_ANALYTICS_S3_FORCE_PATH_STYLE", false),

		SQLitePath: os.Getenv("KB_ANALYTICS_SQLITE_PATH"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("analytics pipeline exited with error", "error", err)
		os.Exit(1)
	}
}

// sinkConfigs builds the orchestrator's sink list from cfg. The
// filesystem sink is always present; the rest are opt-in based on
// which environment variables were set.
func sinkConfigs(cfg Config) []orchestrator.SinkConfig {
	out := []orchestrator.SinkConfig{
		{Type: orchestrator.SinkFS, FS: &sinks.FSConfig{Path: cfg.FSSinkPath}},
	}

	if cfg.HTTPSinkURL != "" {
		out = append(out, orchestrator.SinkConfig{
			Type: orchestrator.SinkHTTP,
			HTTP: &sinks.HTTPConfig{
				URL:     cfg.HTTPSinkURL,
				Retry:   resilience.BackoffOpts{InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Jitter: 0.2, MaxAttempts: 5},
				Breaker: resilience.BreakerOpts{FailThreshold: 5, Timeout: 30 * time.Second, HalfOpenMax: 1},
			},
		})
	}

	if cfg.S3Bucket != "" {
		out = append(out, orchestrator.SinkConfig{
			Type: orchestrator.SinkS3,
			S3: &sinks.S3Config{
				Bucket:         cfg.S3Bucket,
				Region:         cfg.S3Region,
				Endpoint:       cfg.S3Endpoint,
				ForcePathStyle: cfg.S3ForcePath,
			},
		})
	}

	if cfg.SQLitePath != "" {
		out = append(out, orchestrator.SinkConfig{
			Type: orchestrator.SinkSQLite,
			SQL:  &sinks.SQLConfig{Path: cfg.SQLitePath},
		})
	}

	return out
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchCfg := orchestrator.Config{
		Enabled: cfg.Enabled,
		Buffer: orchestrator.BufferConfig{
			Dir:           cfg.BufferDir,
			SegmentBytes:  cfg.SegmentBytes,
			SegmentMaxAge: cfg.SegmentMaxAge,
			FsyncOnRotate: true,
		},
		Backpressure: backpressure.Opts{
			High:     cfg.BPHigh,
			Critical: cfg.BPCritical,
		},
		Batcher: orchestrator.BatcherConfig{
			MaxSize: 100,
			MaxAge:  5 * time.Second,
		},
		Middleware: middleware.Config{
			PII: middleware.PIIConfig{
				Enabled: cfg.PIIEnabled,
				Salt:    cfg.Salt,
				Pepper:  cfg.Pepper,
				SaltID:  cfg.PIISaltID,
				Fields:  []string{"actor.id", "ctx.repo"},
			},
		},
		Bus:           orchestrator.BusConfig{EmbeddedPort: cfg.BusPort},
		DLQDir:        cfg.DLQDir,
		DefaultSource: event.Source{Product: cfg.SourceProduct, Version: cfg.SourceVersion},
		Sinks:         sinkConfigs(cfg),
		Logger:        logger,
	}

	o, err := orchestrator.New(orchCfg, logger)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	defer o.Close()

	dlqQueue, err := dlq.New(logger, cfg.DLQDir)
	if err != nil {
		return fmt.Errorf("init dlq reader: %w", err)
	}

	stopMetrics := make(chan struct{})
	go reportMetricsLoop(o, stopMetrics)
	defer close(stopMetrics)

	srv := newAdminServer(cfg, o, dlqQueue, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server starting", "addr", cfg.AdminAddr)
		errCh <- srv.ListenAndServe()
	}()

	if err := os.MkdirAll(cfg.WatchDir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	processed := loadState(cfg.StateFile)
	var stateMu sync.Mutex

	logger.Info("watching for event files", "dir", cfg.WatchDir, "interval", cfg.ScanEvery)
	scan := func() {
		scanDir(ctx, cfg.WatchDir, o, logger, processed, &stateMu, cfg.StateFile)
	}
	scan()

	ticker := time.NewTicker(cfg.ScanEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			break loop
		case <-ticker.C:
			scan()
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func reportMetricsLoop(o *orchestrator.Orchestrator, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := o.Snapshot()
			mQueueDepth.Set(snap.QueueDepth)
			mEventsPerSec.Set(int64(snap.EventsPerSecond * 1000))
		}
	}
}

func newAdminServer(cfg Config, o *orchestrator.Orchestrator, q *dlq.Queue, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", met.Handler())
	mux.HandleFunc("GET /snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(o.Snapshot())
	})
	mux.HandleFunc("GET /dlq", func(w http.ResponseWriter, r *http.Request) {
		handleDLQList(w, r, q)
	})

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	return &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func handleDLQList(w http.ResponseWriter, r *http.Request, q *dlq.Queue) {
	filter := dlq.Filter{
		EventID:       r.URL.Query().Get("eventId"),
		EventType:     r.URL.Query().Get("type"),
		RunID:         r.URL.Query().Get("runId"),
		ErrorContains: r.URL.Query().Get("errorContains"),
	}

	files, err := q.ListFiles()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var all []dlq.Entry
	for _, f := range files {
		entries, err := q.ReadEntries(f, filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		all = append(all, entries...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(all)
}

// scanDir reads every new *.jsonl/*.json file under dir, emitting each
// line as one event. Files are tracked by name+size in the state file so
// a restart does not re-emit already-processed files; files containing
// any line that fails to decode are left unmarked so the next scan
// retries them. Lines that Emit does not queue are counted as rejected
// but do not keep a file from being marked.
func scanDir(ctx context.Context, dir string, o *orchestrator.Orchestrator, logger *slog.Logger, processed map[string]bool, mu *sync.Mutex, stateFile string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("watch dir readdir failed", "error", err)
		return
	}

	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".json") && !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", e.Name(), info.Size())

		mu.Lock()
		already := processed[key]
		mu.Unlock()
		if already {
			continue
		}

		path := filepath.Join(dir, e.Name())
		ok := processFile(ctx, path, o, logger)
		mFilesProcessed.Inc()

		if ok {
			mu.Lock()
			processed[key] = true
			saveState(stateFile, processed)
			mu.Unlock()
		}
	}
}

// processFile decodes path line by line as JSON objects and emits each
// one. Returns true only if every line decoded; a file with malformed
// lines is retried on the next scan rather than partially marked done.
func processFile(ctx context.Context, path string, o *orchestrator.Orchestrator, logger *slog.Logger) bool {
	f, err := os.Open(path)
	if err != nil {
		logger.Error("open event file failed", "file", path, "error", err)
		return false
	}
	defer f.Close()

	clean := true
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var input map[string]any
		if err := json.Unmarshal([]byte(line), &input); err != nil {
			logger.Error("malformed event line", "file", path, "error", err)
			mLinesRejected.Inc()
			clean = false
			continue
		}
		res := o.Emit(ctx, input)
		if res.Queued {
			mLinesEmitted.Inc()
		} else {
			logger.Warn("event not queued", "file", path, "reason", res.Reason)
			mLinesRejected.Inc()
		}
	}
	if err := sc.Err(); err != nil {
		logger.Error("scan event file failed", "file", path, "error", err)
		return false
	}
	return clean
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	os.WriteFile(path, data, 0o644)
}
