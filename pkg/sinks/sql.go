package sinks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

const defaultSQLRetentionDays = 30

// SQLConfig configures the embedded-SQL sink.
type SQLConfig struct {
	Path           string
	PartitionByDay bool
	RetentionDays  int
	Now            func() time.Time
}

func (c SQLConfig) withDefaults() SQLConfig {
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultSQLRetentionDays
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

const eventsTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	schema TEXT,
	type TEXT,
	ts TEXT,
	ingestTs TEXT,
	source_product TEXT,
	source_version TEXT,
	runId TEXT,
	actor_type TEXT,
	actor_id TEXT,
	actor_name TEXT,
	ctx_repo TEXT,
	ctx_branch TEXT,
	ctx_commit TEXT,
	ctx_workspace TEXT,
	payload TEXT,
	hashMeta_algo TEXT,
	hashMeta_saltId TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

func indexDDL(table string) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_type ON %s(type)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(ts)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_runid ON %s(runId)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(created_at)", table, table),
	}
}

// SQLSink writes events to a SQLite database in WAL journal mode,
// optionally partitioned into one table per day.
type SQLSink struct {
	cfg SQLConfig

	mu           sync.Mutex
	db           *sql.DB
	partitionsOK map[string]bool
}

// NewSQLSink constructs a SQLSink. Call Init before Write.
func NewSQLSink(cfg SQLConfig) *SQLSink {
	return &SQLSink{cfg: cfg.withDefaults(), partitionsOK: make(map[string]bool)}
}

func (s *SQLSink) ID() string { return "sql:" + s.cfg.Path }

func (s *SQLSink) Init(ctx context.Context) error {
	if s.cfg.Path == "" {
		return fmt.Errorf("sinks: sql sink requires Path")
	}
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("sinks: sql open: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("sinks: sql set WAL mode: %w", err)
	}
	if err := createTable(ctx, db, "events"); err != nil {
		return err
	}
	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

func createTable(ctx context.Context, db *sql.DB, table string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(eventsTableDDL, table)); err != nil {
		return fmt.Errorf("sinks: sql create table %s: %w", table, err)
	}
	for _, ddl := range indexDDL(table) {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sinks: sql create index on %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLSink) partitionTable(now time.Time) string {
	return "events_" + now.Format("2006_01_02")
}

func (s *SQLSink) Write(ctx context.Context, events []*event.AnalyticsEventV1) error {
	if len(events) == 0 {
		return nil
	}

	now := s.cfg.Now()
	tables := []string{"events"}
	if s.cfg.PartitionByDay {
		part := s.partitionTable(now)
		if err := s.ensurePartition(ctx, part); err != nil {
			return err
		}
		tables = append(tables, part)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sinks: sql begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		stmt, err := tx.PrepareContext(ctx, insertSQL(table))
		if err != nil {
			return fmt.Errorf("sinks: sql prepare insert for %s: %w", table, err)
		}
		for _, ev := range events {
			if err := execInsert(ctx, stmt, ev); err != nil {
				stmt.Close()
				return fmt.Errorf("sinks: sql insert event %s into %s: %w", ev.ID, table, err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sinks: sql commit: %w", err)
	}
	return s.sweepRetention(ctx, now)
}

func (s *SQLSink) ensurePartition(ctx context.Context, table string) error {
	s.mu.Lock()
	ok := s.partitionsOK[table]
	s.mu.Unlock()
	if ok {
		return nil
	}
	if err := createTable(ctx, s.db, table); err != nil {
		return err
	}
	s.mu.Lock()
	s.partitionsOK[table] = true
	s.mu.Unlock()
	return nil
}

func insertSQL(table string) string {
	return fmt.Sprintf(`INSERT OR IGNORE INTO %s (
		id, schema, type, ts, ingestTs, source_product, source_version, runId,
		actor_type, actor_id, actor_name,
		ctx_repo, ctx_branch, ctx_commit, ctx_workspace,
		payload, hashMeta_algo, hashMeta_saltId
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
}

func execInsert(ctx context.Context, stmt *sql.Stmt, ev *event.AnalyticsEventV1) error {
	var actorType, actorID, actorName string
	if ev.Actor != nil {
		actorType, actorID, actorName = string(ev.Actor.Type), ev.Actor.ID, ev.Actor.Name
	}
	var ctxRepo, ctxBranch, ctxCommit, ctxWorkspace string
	if ev.Ctx != nil {
		ctxRepo, _ = ev.Ctx["repo"].(string)
		ctxBranch, _ = ev.Ctx["branch"].(string)
		ctxCommit, _ = ev.Ctx["commit"].(string)
		ctxWorkspace, _ = ev.Ctx["workspace"].(string)
	}
	var payloadJSON string
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = string(b)
	}
	var hashAlgo, saltID string
	if ev.HashMeta != nil {
		hashAlgo, saltID = ev.HashMeta.Algo, ev.HashMeta.SaltID
	}

	_, err := stmt.ExecContext(ctx,
		ev.ID, ev.Schema, ev.Type, ev.TS, ev.IngestTS, ev.Source.Product, ev.Source.Version, ev.RunID,
		actorType, actorID, actorName,
		ctxRepo, ctxBranch, ctxCommit, ctxWorkspace,
		payloadJSON, hashAlgo, saltID,
	)
	return err
}

func (s *SQLSink) sweepRetention(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", cutoff.Format("2006-01-02 15:04:05")); err != nil {
		return fmt.Errorf("sinks: sql sweep events: %w", err)
	}

	if !s.cfg.PartitionByDay {
		return nil
	}

	s.mu.Lock()
	var stale []string
	for table := range s.partitionsOK {
		dateStr := strings.TrimPrefix(table, "events_")
		day, err := time.Parse("2006_01_02", dateStr)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			stale = append(stale, table)
		}
	}
	s.mu.Unlock()

	for _, table := range stale {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("sinks: sql drop partition %s: %w", table, err)
		}
		s.mu.Lock()
		delete(s.partitionsOK, table)
		s.mu.Unlock()
	}
	return nil
}

func (s *SQLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLSink) GetIdempotencyKey(ev *event.AnalyticsEventV1) string { return idKey(ev) }
