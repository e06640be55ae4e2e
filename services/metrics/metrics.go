// Package metrics is a service that records every top-level action into a
// SQLite table and exposes per-action statistics as a context extension.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"simplyscript/core/jobs"
	"simplyscript/core/kernel"
	"simplyscript/core/logger"
	coremetrics "simplyscript/core/metrics"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	DefaultDBPath    = "metrics.db"
	DefaultTableName = "metrics_stats"
	DefaultPriority  = 1000
	DefaultQueueSize = 256

	recordJob = "metrics.record"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is decoded from the service init arguments.
type Config struct {
	DBPath      string `mapstructure:"db_path"`
	TableName   string `mapstructure:"table_name"`
	CreateTable *bool  `mapstructure:"create_table"`
	Priority    *int   `mapstructure:"priority"`
	QueueSize   int    `mapstructure:"queue_size"`
}

func decodeConfig(args map[string]any) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(args); err != nil {
		return cfg, fmt.Errorf("failed to decode metrics config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	if !tableNamePattern.MatchString(cfg.TableName) {
		return cfg, fmt.Errorf("invalid table name %q", cfg.TableName)
	}
	if cfg.CreateTable == nil {
		create := true
		cfg.CreateTable = &create
	}
	if cfg.Priority == nil {
		priority := DefaultPriority
		cfg.Priority = &priority
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return cfg, nil
}

// Record is one dispatched action.
type Record struct {
	Action    string
	StartedAt time.Time
	Duration  time.Duration
	Err       string
}

// Stats aggregates the records of one action.
type Stats struct {
	Action   string  `mapstructure:"action" json:"action"`
	Calls    int     `mapstructure:"calls" json:"calls"`
	Failures int     `mapstructure:"failures" json:"failures"`
	AvgMs    float64 `mapstructure:"avg_ms" json:"avg_ms"`
}

type aggregate struct {
	Stats
	totalMs float64
}

func (s Stats) asMap() map[string]any {
	out := map[string]any{}
	_ = mapstructure.Decode(s, &out)
	return out
}

// Service implements kernel.Configurable, kernel.InterceptorContributor,
// kernel.ContextExtender, kernel.Module, kernel.Stopper and
// kernel.HealthReporter.
type Service struct {
	name  string
	cfg   Config
	db    *sql.DB
	queue *jobs.Queue

	started sync.Map // *kernel.CallContext -> time.Time
	dropped atomic.Uint64

	mu    sync.RWMutex
	stats map[string]*aggregate
}

var (
	_ kernel.Configurable           = (*Service)(nil)
	_ kernel.InterceptorContributor = (*Service)(nil)
	_ kernel.ContextExtender        = (*Service)(nil)
	_ kernel.Module                 = (*Service)(nil)
	_ kernel.Stopper                = (*Service)(nil)
	_ kernel.HealthReporter         = (*Service)(nil)
)

func New() *Service {
	return &Service{name: "metrics", stats: make(map[string]*aggregate)}
}

// Factory builds a Service for a loader.
func Factory(kernel.Resource) (any, error) { return New(), nil }

func (s *Service) Version() string { return "1.0.0" }

func (s *Service) Setup(ctx context.Context, p kernel.SetupParams) error {
	cfg, err := decodeConfig(p.Args)
	if err != nil {
		return err
	}
	s.name = p.Name
	s.cfg = cfg

	dsn := filepath.Clean(cfg.DBPath) + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	if *cfg.CreateTable {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	duration_ms REAL NOT NULL,
	success INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT ''
)`, cfg.TableName)); err != nil {
			_ = db.Close()
			return fmt.Errorf("create metrics table: %w", err)
		}
	}
	s.db = db

	handlers := jobs.NewHandlers()
	if err := handlers.RegisterHandler(recordJob, jobs.HandlerFunc(s.insert)); err != nil {
		_ = db.Close()
		return err
	}
	s.queue = jobs.NewQueue(cfg.QueueSize, 1, func(job jobs.Job, err error) {
		logger.Warn(context.Background(), "Failed to persist metrics record", zap.String("service", s.name), zap.Error(err))
	})
	if err := s.queue.Start(context.Background(), handlers); err != nil {
		_ = db.Close()
		return err
	}

	logger.Info(ctx, "Metrics service ready",
		zap.String("service", s.name), zap.String("db", cfg.DBPath), zap.String("table", cfg.TableName))
	return nil
}

func (s *Service) Interceptors() kernel.Interceptors {
	priority := DefaultPriority
	if s.cfg.Priority != nil {
		priority = *s.cfg.Priority
	}
	return kernel.Interceptors{
		PreCall:  &kernel.InterceptorSpec{Fn: s.begin, Priority: priority},
		PostCall: &kernel.InterceptorSpec{Fn: s.end, Priority: priority},
	}
}

func (s *Service) begin(cc *kernel.CallContext, _ error, _ string, _ any) error {
	s.started.Store(cc, time.Now())
	return nil
}

func (s *Service) end(cc *kernel.CallContext, callErr error, action string, _ any) error {
	value, ok := s.started.LoadAndDelete(cc)
	if !ok {
		return nil
	}
	startedAt := value.(time.Time)
	rec := Record{Action: action, StartedAt: startedAt, Duration: time.Since(startedAt)}
	if callErr != nil {
		rec.Err = callErr.Error()
	}
	s.observe(rec)
	err := s.queue.TryEnqueue(jobs.NewJob(context.WithoutCancel(cc.Context()), recordJob, rec))
	if errors.Is(err, jobs.ErrQueueFull) {
		s.dropped.Add(1)
		coremetrics.JobDropped(recordJob)
		logger.Debug(cc.Context(), "Metrics queue full, record dropped", zap.String("service", s.name), zap.String("action", action))
		return nil
	}
	return err
}

// Dropped returns how many records were not persisted because the queue was full.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) observe(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[rec.Action]
	if !ok {
		st = &aggregate{Stats: Stats{Action: rec.Action}}
		s.stats[rec.Action] = st
	}
	st.Calls++
	if rec.Err != "" {
		st.Failures++
	}
	st.totalMs += float64(rec.Duration) / float64(time.Millisecond)
	st.AvgMs = st.totalMs / float64(st.Calls)
}

func (s *Service) insert(ctx context.Context, job jobs.Job) error {
	rec, ok := job.Payload().(Record)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload())
	}
	success := 1
	if rec.Err != "" {
		success = 0
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (action, started_at, duration_ms, success, error) VALUES (?, ?, ?, ?, ?)`, s.cfg.TableName),
		rec.Action,
		rec.StartedAt.UTC().UnixMilli(),
		float64(rec.Duration)/float64(time.Millisecond),
		success,
		rec.Err,
	)
	if err != nil {
		return fmt.Errorf("insert metrics record: %w", err)
	}
	return nil
}

// Snapshot returns the in-memory statistics gathered since setup, sorted by
// action.
func (s *Service) Snapshot() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st.Stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// ContextExtension answers cc.Extension("<name>", action) with the stats of
// one action, or of every action when no action is given.
func (s *Service) ContextExtension() kernel.Extension {
	return func(_ *kernel.CallContext, args any) (any, error) {
		if action, ok := args.(string); ok && action != "" {
			s.mu.RLock()
			defer s.mu.RUnlock()
			if st, ok := s.stats[action]; ok {
				return st.Stats.asMap(), nil
			}
			return Stats{Action: action}.asMap(), nil
		}
		snapshot := s.Snapshot()
		out := make([]any, 0, len(snapshot))
		for _, st := range snapshot {
			out = append(out, st.asMap())
		}
		return out, nil
	}
}

// Stored aggregates the persisted records per action.
func (s *Service) Stored(ctx context.Context) ([]Stats, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT action, COUNT(*), SUM(CASE WHEN success = 1 THEN 0 ELSE 1 END), AVG(duration_ms)
FROM %s
GROUP BY action
ORDER BY action`, s.cfg.TableName))
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var st Stats
		if err := rows.Scan(&st.Action, &st.Calls, &st.Failures, &st.AvgMs); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Method exposes "stats", the persisted aggregate, to service callers.
func (s *Service) Method(name string) (kernel.Method, bool) {
	if name != "stats" {
		return nil, false
	}
	return func(_ any, cc *kernel.CallContext) (any, error) {
		stored, err := s.Stored(cc.Context())
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(stored))
		for _, st := range stored {
			out = append(out, st.asMap())
		}
		return out, nil
	}, true
}

func (s *Service) Health(ctx context.Context) kernel.HealthStatus {
	if s.db == nil {
		return kernel.HealthStatus{Status: "unhealthy", Message: "not set up"}
	}
	if err := s.db.PingContext(ctx); err != nil {
		return kernel.HealthStatus{Status: "unhealthy", Message: err.Error()}
	}
	return kernel.HealthStatus{Status: "healthy"}
}

// Stop flushes pending records and closes the database.
func (s *Service) Stop(ctx context.Context) error {
	if s.queue != nil {
		if err := s.queue.Stop(ctx); err != nil && !errors.Is(err, jobs.ErrWorkerNotRunning) {
			return err
		}
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
